package models

import "time"

// SecretBlob 单个加密字段
type SecretBlob struct {
	KeyID      string `json:"key_id" bson:"key_id"`
	Nonce      []byte `json:"nonce" bson:"nonce"`
	Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
}

// Credential 合作方在某平台的登录凭据，密文存储
type Credential struct {
	ID         string                `json:"id" bson:"_id"`
	PartnerID  string                `json:"partner_id" bson:"partner_id"`
	ProviderID string                `json:"provider_id" bson:"provider_id"`
	Secrets    map[string]SecretBlob `json:"-" bson:"secrets"`
	// Extra 非敏感的附加字段（例如 NIF、账号别名）
	Extra            map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`
	Active           bool              `json:"active" bson:"active"`
	LastValidatedAt  *time.Time        `json:"last_validated_at,omitempty" bson:"last_validated_at,omitempty"`
	LastValidationOK *bool             `json:"last_validation_ok,omitempty" bson:"last_validation_ok,omitempty"`
	CreatedAt        time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" bson:"updated_at"`
}

// SecretFieldNames 返回加密字段名（不含值）
func (c *Credential) SecretFieldNames() []string {
	names := make([]string, 0, len(c.Secrets))
	for name := range c.Secrets {
		names = append(names, name)
	}
	return names
}
