package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/storage"
)

const redacted = "[REDACTED]"

// SecretFields 明文秘密字段（password、totp_seed 等）。任何格式化输出都只显示字段名
type SecretFields map[string]string

func (s SecretFields) String() string   { return redacted }
func (s SecretFields) GoString() string { return redacted }

// MarshalJSON 序列化时只输出字段名
func (s SecretFields) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalLogObject zap 日志只记录字段名
func (s SecretFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, name := range s.Names() {
		enc.AddString(name, redacted)
	}
	return nil
}

// Names 字段名（有序）
func (s SecretFields) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Vault 凭据库，加密后才写入存储
type Vault struct {
	repo storage.CredentialRepo
	log  *logger.Logger

	mu   sync.RWMutex
	ring *KeyRing
}

// NewVault 创建凭据库，密钥环由调用方注入
func NewVault(ring *KeyRing, repo storage.CredentialRepo, log *logger.Logger) (*Vault, error) {
	if ring == nil {
		return nil, fmt.Errorf("密钥环不能为空")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Vault{ring: ring, repo: repo, log: log.WithComponent("vault")}, nil
}

func (v *Vault) keyRing() *KeyRing {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ring
}

func additionalData(credentialID, field string) []byte {
	return []byte(credentialID + "|" + field)
}

func seal(ring *KeyRing, credentialID, field, plaintext string) (models.SecretBlob, error) {
	keyID := ring.Active()
	a, err := ring.aead(keyID)
	if err != nil {
		return models.SecretBlob{}, err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return models.SecretBlob{}, fmt.Errorf("生成随机数失败: %w", err)
	}
	return models.SecretBlob{
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: a.Seal(nil, nonce, []byte(plaintext), additionalData(credentialID, field)),
	}, nil
}

func open(ring *KeyRing, credentialID, field string, blob models.SecretBlob) (string, error) {
	a, err := ring.aead(blob.KeyID)
	if err != nil {
		return "", err
	}
	plain, err := a.Open(nil, blob.Nonce, blob.Ciphertext, additionalData(credentialID, field))
	if err != nil {
		return "", fmt.Errorf("解密字段 %s 失败: %w", field, err)
	}
	return string(plain), nil
}

// Store 加密并保存凭据，同一 (合作方, 平台) 的旧凭据被停用
func (v *Vault) Store(ctx context.Context, partnerID, providerID string, secrets SecretFields, extra map[string]string) (string, error) {
	if partnerID == "" || providerID == "" {
		return "", rpaerr.Configuration("凭据缺少合作方或平台")
	}
	if len(secrets) == 0 {
		return "", rpaerr.Configuration("凭据没有任何秘密字段")
	}

	ring := v.keyRing()
	now := time.Now()
	cred := &models.Credential{
		ID:         uuid.NewString(),
		PartnerID:  partnerID,
		ProviderID: providerID,
		Secrets:    make(map[string]models.SecretBlob, len(secrets)),
		Extra:      extra,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for field, value := range secrets {
		blob, err := seal(ring, cred.ID, field, value)
		if err != nil {
			return "", fmt.Errorf("加密凭据失败: %w", err)
		}
		cred.Secrets[field] = blob
	}

	if err := v.repo.ActivateCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("保存凭据失败: %w", err)
	}
	v.log.Info("凭据已保存",
		zap.String("credential_id", cred.ID),
		zap.String("partner_id", partnerID),
		zap.String("provider_id", providerID),
		zap.Object("fields", secrets),
	)
	return cred.ID, nil
}

func (v *Vault) load(ctx context.Context, credentialID string) (*models.Credential, error) {
	cred, err := v.repo.GetCredential(ctx, credentialID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rpaerr.WrapConfiguration(err, "凭据 %s 不存在", credentialID)
	}
	if err != nil {
		return nil, fmt.Errorf("读取凭据失败: %w", err)
	}
	if !cred.Active {
		return nil, rpaerr.Configuration("凭据 %s 已停用", credentialID)
	}
	return cred, nil
}

// Reveal 解密凭据的全部秘密字段，仅在执行器内部短暂使用
func (v *Vault) Reveal(ctx context.Context, credentialID string) (SecretFields, error) {
	cred, err := v.load(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	ring := v.keyRing()
	out := make(SecretFields, len(cred.Secrets))
	for field, blob := range cred.Secrets {
		plain, err := open(ring, cred.ID, field, blob)
		if err != nil {
			return nil, rpaerr.WrapConfiguration(err, "凭据 %s 无法解密", cred.ID)
		}
		out[field] = plain
	}
	return out, nil
}

// ActiveFor 返回 (合作方, 平台) 的有效凭据元数据，不存在时返回配置错误
func (v *Vault) ActiveFor(ctx context.Context, partnerID, providerID string) (*models.Credential, error) {
	cred, err := v.repo.ActiveCredential(ctx, partnerID, providerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rpaerr.WrapConfiguration(err, "%s 在 %s 没有有效凭据", partnerID, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询有效凭据失败: %w", err)
	}
	cred.Secrets = nil
	return cred, nil
}

// RotateKey 切换活动密钥并用新密钥重新加密全部凭据，返回重新加密的凭据数
func (v *Vault) RotateKey(ctx context.Context, newKeyID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, err := v.ring.withActive(newKeyID)
	if err != nil {
		return 0, rpaerr.WrapConfiguration(err, "无法切换到密钥 %s", newKeyID)
	}

	creds, err := v.repo.ListCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("列出凭据失败: %w", err)
	}

	rotated := 0
	for _, cred := range creds {
		changed := false
		for field, blob := range cred.Secrets {
			if blob.KeyID == newKeyID {
				continue
			}
			plain, err := open(v.ring, cred.ID, field, blob)
			if err != nil {
				return rotated, fmt.Errorf("凭据 %s: %w", cred.ID, err)
			}
			if cred.Secrets[field], err = seal(next, cred.ID, field, plain); err != nil {
				return rotated, fmt.Errorf("凭据 %s: %w", cred.ID, err)
			}
			changed = true
		}
		if !changed {
			continue
		}
		cred.UpdatedAt = time.Now()
		if err := v.repo.UpdateCredential(ctx, cred); err != nil {
			return rotated, fmt.Errorf("保存凭据 %s 失败: %w", cred.ID, err)
		}
		rotated++
	}

	v.ring = next
	v.log.Info("密钥轮换完成", zap.String("key_id", newKeyID), zap.Int("credentials", rotated))
	return rotated, nil
}

// MarkValidated 记录凭据最近一次登录校验结果
func (v *Vault) MarkValidated(ctx context.Context, credentialID string, ok bool, at time.Time) error {
	cred, err := v.repo.GetCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("读取凭据失败: %w", err)
	}
	cred.LastValidatedAt = &at
	cred.LastValidationOK = &ok
	cred.UpdatedAt = time.Now()
	return v.repo.UpdateCredential(ctx, cred)
}

// Source 按需解密的凭据来源，首次读取字段时才解密
type Source struct {
	vault        *Vault
	credentialID string

	mu       sync.Mutex
	revealed SecretFields
}

// Source 为执行器创建凭据来源
func (v *Vault) Source(credentialID string) *Source {
	return &Source{vault: v, credentialID: credentialID}
}

// Secret 返回单个字段的明文，字段不存在时返回配置错误
func (s *Source) Secret(ctx context.Context, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealed == nil {
		fields, err := s.vault.Reveal(ctx, s.credentialID)
		if err != nil {
			return "", err
		}
		s.revealed = fields
	}
	value, ok := s.revealed[field]
	if !ok {
		return "", rpaerr.Configuration("凭据缺少字段 %q", field)
	}
	return value, nil
}

// Forget 丢弃已解密的明文
func (s *Source) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.revealed {
		delete(s.revealed, k)
	}
	s.revealed = nil
}
