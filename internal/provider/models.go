package provider

import "time"

// Key is a provider API key record. The key material is stored only in
// envelope-encrypted form under the master key; PlaintextKey is never
// persisted.
type Key struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	BaseURL      string    `json:"base_url"`
	EncryptedKey string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// MaskedKey is populated on reads for display.
	MaskedKey string `json:"masked_key,omitempty"`
}

// CreateKeyInput carries the fields for registering a provider key.
// PlaintextKey is encrypted before it reaches the database.
type CreateKeyInput struct {
	Provider     string `json:"provider"`
	BaseURL      string `json:"base_url"`
	PlaintextKey string `json:"api_key"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// MaskKey renders key material safe for listings: short keys collapse
// entirely, longer ones keep the first four and last three characters.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-3:]
}
