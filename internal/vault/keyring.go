package vault

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize 主密钥长度
const KeySize = 32

// KeyRing 进程级主密钥集合，一个活动密钥用于加密，其余仅用于解密旧密文
type KeyRing struct {
	active string
	keys   map[string][]byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewKeyRing 创建密钥环，activeID 必须存在于 keys 中
func NewKeyRing(activeID string, keys map[string][]byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("密钥环为空")
	}
	copied := make(map[string][]byte, len(keys))
	for id, k := range keys {
		if id == "" {
			return nil, fmt.Errorf("密钥 id 不能为空")
		}
		if len(k) != KeySize {
			return nil, fmt.Errorf("密钥 %s 长度必须为 %d 字节，当前 %d", id, KeySize, len(k))
		}
		copied[id] = append([]byte(nil), k...)
	}
	if _, ok := copied[activeID]; !ok {
		return nil, fmt.Errorf("活动密钥 %q 不在密钥环中", activeID)
	}
	return &KeyRing{active: activeID, keys: copied, aeads: map[string]cipher.AEAD{}}, nil
}

// ParseKeyRing 从 base64 编码的密钥创建密钥环
func ParseKeyRing(activeID string, encoded map[string]string) (*KeyRing, error) {
	keys := make(map[string][]byte, len(encoded))
	for id, s := range encoded {
		k, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("解码密钥 %s 失败: %w", id, err)
		}
		keys[id] = k
	}
	return NewKeyRing(activeID, keys)
}

// Active 活动密钥 id
func (r *KeyRing) Active() string {
	return r.active
}

// IDs 全部密钥 id
func (r *KeyRing) IDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// withActive 返回切换了活动密钥的新密钥环
func (r *KeyRing) withActive(id string) (*KeyRing, error) {
	return NewKeyRing(id, r.keys)
}

// aead 返回密钥对应的 XChaCha20-Poly1305 实例，子密钥经 HKDF-SHA256 派生
func (r *KeyRing) aead(keyID string) (cipher.AEAD, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aeads[keyID]; ok {
		return a, nil
	}
	master, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("密钥 %q 不在密钥环中", keyID)
	}
	sub := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("fleetrpa/credential/"+keyID)), sub); err != nil {
		return nil, fmt.Errorf("派生子密钥失败: %w", err)
	}
	a, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, fmt.Errorf("创建加密器失败: %w", err)
	}
	r.aeads[keyID] = a
	return a, nil
}
