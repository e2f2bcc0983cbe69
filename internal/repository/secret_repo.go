package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// secretRepo implements SecretRepository using GORM.
type secretRepo struct {
	db *gorm.DB
}

// NewSecretRepository creates a new SecretRepository.
func NewSecretRepository(db *gorm.DB) *secretRepo {
	return &secretRepo{db: db}
}

// Upsert stores a secret, replacing any existing ciphertext under the same name.
func (r *secretRepo) Upsert(ctx context.Context, secret *models.Secret) error {
	var existing models.Secret
	err := r.db.WithContext(ctx).Where("name = ?", secret.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if err := r.db.WithContext(ctx).Create(secret).Error; err != nil {
			return fmt.Errorf("creating secret: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up secret: %w", err)
	}

	existing.Ciphertext = secret.Ciphertext
	if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("updating secret: %w", err)
	}
	secret.ID = existing.ID
	return nil
}

// GetByName retrieves a secret by name.
func (r *secretRepo) GetByName(ctx context.Context, name string) (*models.Secret, error) {
	var secret models.Secret
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&secret).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting secret by name: %w", err)
	}
	return &secret, nil
}

// ListNames retrieves the names of all stored secrets. Ciphertext is never
// returned in bulk.
func (r *secretRepo) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&models.Secret{}).
		Order("name ASC").
		Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("listing secret names: %w", err)
	}
	return names, nil
}

// Delete removes a secret by name.
func (r *secretRepo) Delete(ctx context.Context, name string) error {
	if err := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Secret{}).Error; err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}

// Ensure secretRepo implements SecretRepository at compile time.
var _ SecretRepository = (*secretRepo)(nil)
