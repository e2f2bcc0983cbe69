package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// templateRepo implements TemplateRepository using GORM.
type templateRepo struct {
	db *gorm.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *gorm.DB) *templateRepo {
	return &templateRepo{db: db}
}

// Create creates a new template.
func (r *templateRepo) Create(ctx context.Context, template *models.Template) error {
	if err := r.db.WithContext(ctx).Create(template).Error; err != nil {
		return fmt.Errorf("creating template: %w", err)
	}
	return nil
}

// GetByID retrieves a template by ID.
func (r *templateRepo) GetByID(ctx context.Context, id models.ULID) (*models.Template, error) {
	var template models.Template
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&template).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting template by ID: %w", err)
	}
	return &template, nil
}

// GetByName retrieves a template by its unique name.
func (r *templateRepo) GetByName(ctx context.Context, name string) (*models.Template, error) {
	var template models.Template
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&template).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting template by name: %w", err)
	}
	return &template, nil
}

// GetAll retrieves all templates.
func (r *templateRepo) GetAll(ctx context.Context) ([]*models.Template, error) {
	var templates []*models.Template
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("getting all templates: %w", err)
	}
	return templates, nil
}

// GetByMediaKind retrieves templates applicable to a media kind.
func (r *templateRepo) GetByMediaKind(ctx context.Context, kind models.MediaKind) ([]*models.Template, error) {
	var templates []*models.Template
	if err := r.db.WithContext(ctx).Where("media_kind = ?", kind).Order("name ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("getting templates by media kind: %w", err)
	}
	return templates, nil
}

// Update updates an existing template.
func (r *templateRepo) Update(ctx context.Context, template *models.Template) error {
	if err := r.db.WithContext(ctx).Save(template).Error; err != nil {
		return fmt.Errorf("updating template: %w", err)
	}
	return nil
}

// Delete deletes a template by ID.
func (r *templateRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Template{}).Error; err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	return nil
}

// Ensure templateRepo implements TemplateRepository at compile time.
var _ TemplateRepository = (*templateRepo)(nil)
