// Package migrations provides database migration management for fetcharr.
package migrations

import (
	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// This is a compacted migration set for new installations:
// - 001: Schema creation using GORM AutoMigrate
// - 002: Default pipeline templates
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002DefaultTemplates(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				// Acquisition units
				&models.Request{},
				&models.ProcessingItem{},
				&models.Download{},

				// Pipeline definitions and runs
				&models.Template{},
				&models.PipelineExecution{},
				&models.StepExecution{},

				// Encoder fleet
				&models.EncoderWorker{},
				&models.EncoderAssignment{},

				// Scheduler
				&models.Job{},
				&models.JobHistory{},

				// Admission control and secrets
				&models.RateLimitRecord{},
				&models.Secret{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop tables in reverse dependency order
			tables := []string{
				"secrets",
				"rate_limit_records",
				"job_history",
				"jobs",
				"encoder_assignments",
				"encoder_workers",
				"step_executions",
				"pipeline_executions",
				"templates",
				"downloads",
				"processing_items",
				"requests",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// Default template names seeded by migration 002. The request service falls
// back to these when a request names no template.
const (
	DefaultMovieTemplateName = "Default Movie Pipeline"
	DefaultTVTemplateName    = "Default TV Pipeline"
)

// migration002DefaultTemplates seeds one ready-to-use pipeline per media kind.
func migration002DefaultTemplates() Migration {
	return Migration{
		Version:     "002",
		Description: "Insert default pipeline templates",
		Up: func(tx *gorm.DB) error {
			templates := []models.Template{
				{
					Name:      DefaultMovieTemplateName,
					MediaKind: models.MediaKindMovie,
					Steps:     defaultAcquisitionSteps(),
				},
				{
					Name:      DefaultTVTemplateName,
					MediaKind: models.MediaKindTV,
					Steps:     defaultAcquisitionSteps(),
				},
			}
			for _, tmpl := range templates {
				if err := tx.Create(&tmpl).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *gorm.DB) error {
			return tx.Where("name IN ?", []string{
				DefaultMovieTemplateName,
				DefaultTVTemplateName,
			}).Delete(&models.Template{}).Error
		},
	}
}

// defaultAcquisitionSteps builds the stock search-download-encode-deliver
// chain. Each step nests under its predecessor so the engine runs them
// sequentially; the final notification tolerates failure.
func defaultAcquisitionSteps() []models.Step {
	return []models.Step{
		{
			Type:      models.StepTypeSearch,
			Name:      "Search indexers",
			Required:  true,
			Retryable: true,
			Children: []models.Step{
				{
					Type:      models.StepTypeDownload,
					Name:      "Grab release",
					Required:  true,
					Retryable: true,
					Children: []models.Step{
						{
							Type:      models.StepTypeEncode,
							Name:      "Encode",
							Required:  true,
							Retryable: true,
							Children: []models.Step{
								{
									Type:     models.StepTypeDeliver,
									Name:     "Deliver to library",
									Required: true,
									Children: []models.Step{
										{
											Type:            models.StepTypeNotification,
											Name:            "Notify",
											ContinueOnError: true,
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}
