// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// TempDirPrefix is the prefix used for fetcharr staging temp directories and
// files.
const TempDirPrefix = "fetcharr-"

// DefaultCleanupAge is the default maximum age for orphaned temp entries.
const DefaultCleanupAge = 1 * time.Hour

// recoveryPageSize is the page size used when scanning running executions.
const recoveryPageSize = 200

// CleanupOrphanedTempDirs removes orphaned staging files and directories
// older than maxAge. It only touches entries matching "fetcharr-*" in the
// given base directory, so a shared temp dir stays safe.
//
// Returns the number of entries removed and any error encountered.
func CleanupOrphanedTempDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("base directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), TempDirPrefix) {
			continue
		}

		entryPath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get entry info",
				"path", entryPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp entry",
				"path", entryPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(entryPath); err != nil {
			logger.Warn("failed to remove orphaned temp entry",
				"path", entryPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned temp entry",
			"path", entryPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// CleanupSystemTempDirs cleans up orphaned fetcharr temp entries from the
// system temp directory using the default cleanup age.
func CleanupSystemTempDirs(logger *slog.Logger) (int, error) {
	return CleanupOrphanedTempDirs(logger, os.TempDir(), DefaultCleanupAge)
}

// RecoverInterruptedExecutions resets the step rows of executions that were
// mid-walk when the process died. A crash leaves steps stuck in RUNNING with
// no walker attached; returning them to PENDING lets a fresh walk pick them
// up, and the convergent step handlers make re-execution safe.
//
// Returns the IDs of the affected executions so the caller can schedule
// walks for them once the engine is up.
func RecoverInterruptedExecutions(
	ctx context.Context,
	logger *slog.Logger,
	executions repository.ExecutionRepository,
	steps repository.StepExecutionRepository,
) ([]models.ULID, error) {
	running := models.ExecutionStatusRunning
	var affected []models.ULID

	for offset := 0; ; offset += recoveryPageSize {
		page, _, err := executions.List(ctx, &running, offset, recoveryPageSize)
		if err != nil {
			logger.Error("failed to list running executions for recovery",
				"error", err,
			)
			return affected, err
		}
		if len(page) == 0 {
			return affected, nil
		}

		for _, execution := range page {
			reset, err := resetRunningSteps(ctx, logger, steps, execution.ID)
			if err != nil {
				continue
			}
			if reset > 0 {
				logger.Warn("recovered interrupted execution",
					"execution_id", execution.ID.String(),
					"steps_reset", reset,
				)
			}
			affected = append(affected, execution.ID)
		}

		if len(page) < recoveryPageSize {
			return affected, nil
		}
	}
}

func resetRunningSteps(
	ctx context.Context,
	logger *slog.Logger,
	steps repository.StepExecutionRepository,
	executionID models.ULID,
) (int, error) {
	rows, err := steps.GetByExecutionID(ctx, executionID)
	if err != nil {
		logger.Error("failed to load step rows for recovery",
			"execution_id", executionID.String(),
			"error", err,
		)
		return 0, err
	}

	var reset int
	for _, row := range rows {
		if row.Status != models.StepStatusRunning {
			continue
		}
		ok, err := steps.TransitionStatus(ctx, executionID, row.StepOrder,
			models.StepStatusRunning, models.StepStatusPending)
		if err != nil {
			logger.Warn("failed to reset interrupted step",
				"execution_id", executionID.String(),
				"step_order", row.StepOrder,
				"error", err,
			)
			continue
		}
		if ok {
			reset++
		}
	}
	return reset, nil
}
