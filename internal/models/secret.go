package models

import (
	"gorm.io/gorm"
)

// Secret is an encrypted-at-rest named secret (indexer API keys, download
// client credentials, notifier tokens). Ciphertext is a fernet token; the
// plaintext never touches the database or the logs.
type Secret struct {
	BaseModel

	// Name is the unique lookup key.
	Name string `gorm:"not null;uniqueIndex;size:255" json:"name"`

	// Ciphertext is the fernet-encrypted value.
	Ciphertext string `gorm:"not null;size:4096" json:"-"`
}

// TableName returns the table name for Secret.
func (Secret) TableName() string {
	return "secrets"
}

// Validate performs basic validation on the secret.
func (s *Secret) Validate() error {
	if s.Name == "" {
		return ErrSecretNameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the secret and generates a ULID.
func (s *Secret) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}
