package models

import (
	"gorm.io/gorm"
)

// RateLimitRecord is one admitted request in an indexer's sliding window.
// High-churn table: the limiter counts rows inside the window and a GC job
// deletes rows older than twice the largest configured window.
type RateLimitRecord struct {
	BaseModel

	// Indexer names the rate-limited indexer.
	Indexer string `gorm:"not null;size:255;index:idx_rate_limit_indexer_time" json:"indexer"`

	// OccurredAt is when the request was admitted.
	OccurredAt Time `gorm:"not null;index:idx_rate_limit_indexer_time" json:"occurred_at"`
}

// TableName returns the table name for RateLimitRecord.
func (RateLimitRecord) TableName() string {
	return "rate_limit_records"
}

// BeforeCreate is a GORM hook that validates the record and generates a ULID.
func (r *RateLimitRecord) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if r.Indexer == "" {
		return ErrIndexerRequired
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = Now()
	}
	return nil
}
