package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCleanupOrphanedTempDirs(t *testing.T) {
	t.Run("removes old fetcharr entries", func(t *testing.T) {
		logger := newTestLogger()
		baseDir := t.TempDir()

		oldDir := filepath.Join(baseDir, "fetcharr-artwork-01HZ1234")
		require.NoError(t, os.Mkdir(oldDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(oldDir, "poster.png"), []byte("x"), 0644))

		// Backdate after writing; the write bumps the dir mtime.
		oldTime := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(oldDir, oldTime, oldTime))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		_, err = os.Stat(oldDir)
		assert.True(t, os.IsNotExist(err), "old entry should be removed")
	})

	t.Run("preserves recent fetcharr entries", func(t *testing.T) {
		logger := newTestLogger()
		baseDir := t.TempDir()

		recentDir := filepath.Join(baseDir, "fetcharr-staging-01HZ0987")
		require.NoError(t, os.Mkdir(recentDir, 0755))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		_, err = os.Stat(recentDir)
		assert.NoError(t, err, "recent entry should survive")
	})

	t.Run("ignores unrelated entries", func(t *testing.T) {
		logger := newTestLogger()
		baseDir := t.TempDir()

		otherDir := filepath.Join(baseDir, "someone-elses-dir")
		require.NoError(t, os.Mkdir(otherDir, 0755))
		oldTime := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(otherDir, oldTime, oldTime))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		_, err = os.Stat(otherDir)
		assert.NoError(t, err, "unrelated entry must never be touched")
	})

	t.Run("missing base directory is not an error", func(t *testing.T) {
		count, err := CleanupOrphanedTempDirs(newTestLogger(), "/nonexistent/fetcharr-test", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func setupStartupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.PipelineExecution{}, &models.StepExecution{}))
	return db
}

func TestRecoverInterruptedExecutions(t *testing.T) {
	db := setupStartupTestDB(t)
	executions := repository.NewExecutionRepository(db)
	steps := repository.NewStepExecutionRepository(db)
	ctx := context.Background()

	interrupted := &models.PipelineExecution{
		RequestID:  models.NewULID(),
		TemplateID: models.NewULID(),
		Status:     models.ExecutionStatusRunning,
		Steps: []models.Step{
			{Type: models.StepTypeSearch, Name: "search", Required: true},
			{Type: models.StepTypeDownload, Name: "download", Required: true},
		},
	}
	require.NoError(t, executions.CreateWithSteps(ctx, interrupted, []*models.StepExecution{
		{StepOrder: 0, StepType: models.StepTypeSearch, StepName: "search", Status: models.StepStatusCompleted},
		{StepOrder: 1, StepType: models.StepTypeDownload, StepName: "download", Status: models.StepStatusRunning},
	}))

	paused := &models.PipelineExecution{
		RequestID:  models.NewULID(),
		TemplateID: models.NewULID(),
		Status:     models.ExecutionStatusPaused,
		Steps: []models.Step{
			{Type: models.StepTypeApproval, Name: "approval", Required: true},
		},
	}
	require.NoError(t, executions.CreateWithSteps(ctx, paused, []*models.StepExecution{
		{StepOrder: 0, StepType: models.StepTypeApproval, StepName: "approval", Status: models.StepStatusRunning},
	}))

	affected, err := RecoverInterruptedExecutions(ctx, newTestLogger(), executions, steps)
	require.NoError(t, err)
	require.Len(t, affected, 1)
	assert.Equal(t, interrupted.ID, affected[0])

	rows, err := steps.GetByExecutionID(ctx, interrupted.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.StepStatusCompleted, rows[0].Status, "terminal steps keep their verdict")
	assert.Equal(t, models.StepStatusPending, rows[1].Status, "interrupted step returns to pending")

	// Paused executions are untouched; their step state is legitimate.
	pausedRows, err := steps.GetByExecutionID(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, pausedRows[0].Status)
}
