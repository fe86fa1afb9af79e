package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
)

func testRing(t *testing.T, active string, ids ...string) *KeyRing {
	t.Helper()
	keys := map[string][]byte{}
	for i, id := range ids {
		keys[id] = bytes.Repeat([]byte{byte(i + 1)}, KeySize)
	}
	ring, err := NewKeyRing(active, keys)
	require.NoError(t, err)
	return ring
}

func TestKeyRing(t *testing.T) {
	t.Run("密钥长度校验", func(t *testing.T) {
		_, err := NewKeyRing("k1", map[string][]byte{"k1": []byte("short")})
		assert.Error(t, err)
	})

	t.Run("活动密钥必须存在", func(t *testing.T) {
		_, err := NewKeyRing("k2", map[string][]byte{"k1": make([]byte, KeySize)})
		assert.Error(t, err)
	})

	t.Run("base64 解析", func(t *testing.T) {
		ring, err := ParseKeyRing("k1", map[string]string{"k1": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="})
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, ring.IDs())
	})
}

func TestVault(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v, err := NewVault(testRing(t, "k1", "k1", "k2"), store, logger.NewNop())
	require.NoError(t, err)

	secrets := SecretFields{"email": "ops@frota.pt", "password": "s3cr3t-P4ss"}
	id, err := v.Store(ctx, "partner-1", "uber", secrets, map[string]string{"nif": "123456789"})
	require.NoError(t, err)

	t.Run("存储中只有密文", func(t *testing.T) {
		cred, err := store.GetCredential(ctx, id)
		require.NoError(t, err)
		for field, blob := range cred.Secrets {
			assert.NotContains(t, string(blob.Ciphertext), secrets[field])
			assert.Equal(t, "k1", blob.KeyID)
		}
	})

	t.Run("解密往返", func(t *testing.T) {
		got, err := v.Reveal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t-P4ss", got["password"])
	})

	t.Run("密文绑定凭据与字段", func(t *testing.T) {
		cred, _ := store.GetCredential(ctx, id)
		cred.Secrets["email"], cred.Secrets["password"] = cred.Secrets["password"], cred.Secrets["email"]
		require.NoError(t, store.UpdateCredential(ctx, cred))
		_, err := v.Reveal(ctx, id)
		assert.True(t, rpaerr.IsConfiguration(err))

		cred.Secrets["email"], cred.Secrets["password"] = cred.Secrets["password"], cred.Secrets["email"]
		require.NoError(t, store.UpdateCredential(ctx, cred))
	})

	t.Run("新凭据替换旧凭据", func(t *testing.T) {
		newID, err := v.Store(ctx, "partner-1", "uber", SecretFields{"password": "novo"}, nil)
		require.NoError(t, err)

		active, err := v.ActiveFor(ctx, "partner-1", "uber")
		require.NoError(t, err)
		assert.Equal(t, newID, active.ID)
		assert.Nil(t, active.Secrets)

		_, err = v.Reveal(ctx, id)
		assert.True(t, rpaerr.IsConfiguration(err), "停用的凭据不能解密")
		id = newID
	})

	t.Run("缺少凭据为配置错误", func(t *testing.T) {
		_, err := v.ActiveFor(ctx, "partner-1", "bolt")
		assert.True(t, rpaerr.IsConfiguration(err))
	})

	t.Run("密钥轮换", func(t *testing.T) {
		n, err := v.RotateKey(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		cred, _ := store.GetCredential(ctx, id)
		assert.Equal(t, "k2", cred.Secrets["password"].KeyID)

		got, err := v.Reveal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "novo", got["password"])

		_, err = v.RotateKey(ctx, "k9")
		assert.True(t, rpaerr.IsConfiguration(err))
	})

	t.Run("记录校验结果", func(t *testing.T) {
		at := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
		require.NoError(t, v.MarkValidated(ctx, id, true, at))
		cred, _ := store.GetCredential(ctx, id)
		require.NotNil(t, cred.LastValidationOK)
		assert.True(t, *cred.LastValidationOK)
		assert.Equal(t, at, cred.LastValidatedAt.UTC())
	})

	t.Run("按需解密", func(t *testing.T) {
		src := v.Source(id)
		pw, err := src.Secret(ctx, "password")
		require.NoError(t, err)
		assert.Equal(t, "novo", pw)
		_, err = src.Secret(ctx, "totp_seed")
		assert.True(t, rpaerr.IsConfiguration(err))
		src.Forget()
	})
}

func TestSecretFieldsNeverFormatted(t *testing.T) {
	s := SecretFields{"password": "hunter2"}

	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", s, s, s, s), "hunter2")

	data, err := json.Marshal(map[string]interface{}{"secrets": s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Info("x", zap.Object("fields", s), zap.Any("any", s))
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			enc := zapcore.NewMapObjectEncoder()
			f.AddTo(enc)
			assert.NotContains(t, fmt.Sprint(enc.Fields), "hunter2")
		}
	}
}
