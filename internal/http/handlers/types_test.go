package handlers

import (
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/service"
)

func setupHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.Template{},
		&models.PipelineExecution{},
		&models.StepExecution{},
		&models.Job{},
		&models.JobHistory{},
		&models.EncoderWorker{},
		&models.Download{},
	))
	return db
}

func TestPaginationDefaults(t *testing.T) {
	p := Pagination{}
	assert.Equal(t, 0, p.Offset())
	assert.Equal(t, 50, p.PageSize())

	p = Pagination{Page: 3, Limit: 20}
	assert.Equal(t, 40, p.Offset())
	assert.Equal(t, 20, p.PageSize())
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"request not found", service.ErrRequestNotFound, 404},
		{"execution not found", service.ErrExecutionNotFound, 404},
		{"job not found", service.ErrJobNotFound, 404},
		{"terminal request", service.ErrRequestTerminal, 409},
		{"not pausable", service.ErrExecutionNotPausable, 409},
		{"not awaiting approval", service.ErrNotAwaitingApproval, 409},
		{"nothing to retry", service.ErrNothingToRetry, 409},
		{"no template", service.ErrNoTemplate, 422},
		{"episodes required", service.ErrEpisodesRequired, 422},
		{"unknown job type", service.ErrUnknownJobType, 422},
		{"unexpected", assert.AnError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := serviceError(tt.err, "failed")
			statusErr, ok := err.(huma.StatusError)
			require.True(t, ok)
			assert.Equal(t, tt.status, statusErr.GetStatus())
		})
	}
}

func TestParseID(t *testing.T) {
	id := models.NewULID()

	parsed, err := parseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = parseID("not-a-ulid")
	require.Error(t, err)
	statusErr, ok := err.(huma.StatusError)
	require.True(t, ok)
	assert.Equal(t, 400, statusErr.GetStatus())
}

func TestDownloadFromModelHumanizesSize(t *testing.T) {
	d := &models.Download{
		BaseModel:   models.BaseModel{ID: models.NewULID()},
		RequestID:   models.NewULID(),
		TorrentHash: "b4a9c4",
		Size:        5 * 1024 * 1024 * 1024,
	}

	resp := DownloadFromModel(d)
	assert.Equal(t, "5.0 GB", resp.SizeHuman)

	d.Size = 0
	assert.Empty(t, DownloadFromModel(d).SizeHuman)
}

func TestJobFromModelDescribesSchedule(t *testing.T) {
	job := &models.Job{
		BaseModel:    models.BaseModel{ID: models.NewULID()},
		Type:         models.JobTypeRecoverySweep,
		Status:       models.JobStatusPending,
		CronSchedule: "0 2 * * *",
	}

	resp := JobFromModel(job)
	assert.Equal(t, "Daily at 2AM", resp.Schedule)

	job.CronSchedule = ""
	assert.Empty(t, JobFromModel(job).Schedule)
}

func TestJobHistoryFromModelHumanizesCompletion(t *testing.T) {
	completed := models.Now().Add(-2 * time.Hour)
	entry := &models.JobHistory{
		BaseModel:   models.BaseModel{ID: models.NewULID()},
		JobID:       models.NewULID(),
		Type:        models.JobTypeBackup,
		Status:      models.JobStatusCompleted,
		CompletedAt: &completed,
	}

	resp := JobHistoryFromModel(entry)
	assert.Equal(t, "2 hours ago", resp.CompletedAgo)

	entry.CompletedAt = nil
	assert.Empty(t, JobHistoryFromModel(entry).CompletedAgo)
}
