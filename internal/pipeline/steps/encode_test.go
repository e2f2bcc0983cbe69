package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/models"
)

func downloadedItem(i *models.ProcessingItem) {
	i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
	i.StepContext = models.ContextMap{models.StepContextFileValidated: true}
}

func TestEncodeHandler_SkipsTVRoot(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindTV)
	env.createEpisodeItem(t, request.ID, 2, 5, models.ItemStatusDownloaded, downloadedItem)

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), tvInput(request))
	require.NoError(t, err)
	assert.True(t, out.ShouldSkip, "per-episode branches own encoding")
}

func TestEncodeHandler_QueuesJobForDownloadedItem(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	item := env.createMovieItem(t, request.ID, models.ItemStatusDownloaded, downloadedItem)

	in := movieInput(request)
	in.Config = models.ContextMap{"codec": "hevc", "preset": "slow"}

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), in)
	require.NoError(t, err)
	require.True(t, out.ShouldPause)
	assert.Contains(t, out.PauseReason, "encoder")

	queue, err := env.deps.Assignments.GetPendingQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assignment := queue[0]
	assert.Len(t, assignment.JobID, 36)
	assert.Equal(t, item.ID, assignment.ItemID)
	assert.Equal(t, "/data/downloads/fight.club.1999.mkv", assignment.InputPath)
	assert.Equal(t, 3, assignment.MaxAttempts)
	assert.Equal(t, "hevc", assignment.Config.GetString("codec"))

	reloaded := env.reload(t, item.ID)
	assert.Equal(t, models.ItemStatusEncoding, reloaded.Status)
	assert.Equal(t, assignment.JobID, reloaded.EncodingJobID)
}

func TestEncodeHandler_WaitsForFileValidation(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	env.createMovieItem(t, request.ID, models.ItemStatusDownloaded, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
	})

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	assert.True(t, out.ShouldPause)

	queue, err := env.deps.Assignments.GetPendingQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue, "unvalidated payloads must not reach the encoder")
}

func TestEncodeHandler_AdoptsInFlightJobForSameInput(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	item := env.createMovieItem(t, request.ID, models.ItemStatusDownloaded, downloadedItem)

	other := env.createMovieItem(t, env.createRequest(t, models.MediaKindMovie).ID,
		models.ItemStatusEncoding, func(i *models.ProcessingItem) {
			i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
			i.EncodingJobID = "existing-job-0000-0000-000000000000"
		})
	existing := &models.EncoderAssignment{
		JobID:     other.EncodingJobID,
		ItemID:    other.ID,
		InputPath: "/data/downloads/fight.club.1999.mkv",
		Status:    models.AssignmentStatusPending,
	}
	require.NoError(t, env.deps.Assignments.Create(context.Background(), existing))

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	require.True(t, out.ShouldPause)

	queue, err := env.deps.Assignments.GetPendingQueue(context.Background())
	require.NoError(t, err)
	assert.Len(t, queue, 1, "same input file must not be encoded twice")

	reloaded := env.reload(t, item.ID)
	assert.Equal(t, models.ItemStatusEncoding, reloaded.Status)
	assert.Equal(t, existing.JobID, reloaded.EncodingJobID)
}

func TestEncodeHandler_WaitsWhileJobInFlight(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	item := env.createMovieItem(t, request.ID, models.ItemStatusEncoding, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
		i.EncodingJobID = "11111111-2222-3333-4444-555555555555"
	})
	require.NoError(t, env.deps.Assignments.Create(context.Background(), &models.EncoderAssignment{
		JobID:     item.EncodingJobID,
		ItemID:    item.ID,
		InputPath: item.SourceFilePath,
		Status:    models.AssignmentStatusEncoding,
	}))

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	assert.True(t, out.ShouldPause)
	assert.Equal(t, models.ItemStatusEncoding, env.reload(t, item.ID).Status)
}

func TestEncodeHandler_ConvergesOnCompletedJob(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	item := env.createMovieItem(t, request.ID, models.ItemStatusEncoding, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
		i.EncodingJobID = "11111111-2222-3333-4444-555555555555"
	})
	assignment := &models.EncoderAssignment{
		JobID:     item.EncodingJobID,
		ItemID:    item.ID,
		InputPath: item.SourceFilePath,
		Status:    models.AssignmentStatusEncoding,
	}
	require.NoError(t, env.deps.Assignments.Create(context.Background(), assignment))
	assignment.MarkCompleted("/data/encoded/fight.club.1999.hevc.mkv", 2<<30, 0.5, 90*time.Second)
	require.NoError(t, env.deps.Assignments.Update(context.Background(), assignment))

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	require.True(t, out.Success)

	encode := out.Data["encode"].(map[string]any)
	files := encode["encodedFiles"].(map[string]any)
	assert.Equal(t, "/data/encoded/fight.club.1999.hevc.mkv", files["movie"])

	reloaded := env.reload(t, item.ID)
	assert.Equal(t, models.ItemStatusEncoded, reloaded.Status)
	assert.Equal(t, "/data/encoded/fight.club.1999.hevc.mkv",
		reloaded.StepContext.GetString(models.StepContextEncodedFile))
}

func TestEncodeHandler_FailedJobFailsStepAndItem(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	item := env.createMovieItem(t, request.ID, models.ItemStatusEncoding, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
		i.EncodingJobID = "11111111-2222-3333-4444-555555555555"
	})
	assignment := &models.EncoderAssignment{
		JobID:     item.EncodingJobID,
		ItemID:    item.ID,
		InputPath: item.SourceFilePath,
		Status:    models.AssignmentStatusEncoding,
		Attempt:   3,
	}
	require.NoError(t, env.deps.Assignments.Create(context.Background(), assignment))
	assignment.MarkFailed("ffmpeg exited with code 1")
	require.NoError(t, env.deps.Assignments.Update(context.Background(), assignment))

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	require.False(t, out.Success)
	assert.Contains(t, out.Error, "ffmpeg exited")

	reloaded := env.reload(t, item.ID)
	assert.Equal(t, models.ItemStatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.LastError, "ffmpeg exited")
}

func TestEncodeHandler_EncodedItemContributesOutput(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindMovie)
	env.createMovieItem(t, request.ID, models.ItemStatusEncoded, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/fight.club.1999.mkv"
		i.EncodingJobID = "11111111-2222-3333-4444-555555555555"
		i.StepContext = models.ContextMap{models.StepContextEncodedFile: "/data/encoded/out.mkv"}
	})

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), movieInput(request))
	require.NoError(t, err)
	require.True(t, out.Success)

	encode := out.Data["encode"].(map[string]any)
	files := encode["encodedFiles"].(map[string]any)
	assert.Equal(t, "/data/encoded/out.mkv", files["movie"])
}

func TestEncodeHandler_BranchQueuesOnlyItsItem(t *testing.T) {
	env := setupStepsTest(t)
	request := env.createRequest(t, models.MediaKindTV)
	target := env.createEpisodeItem(t, request.ID, 2, 5, models.ItemStatusDownloaded, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/the.wire.s02e05.mkv"
		i.StepContext = models.ContextMap{models.StepContextFileValidated: true}
	})
	other := env.createEpisodeItem(t, request.ID, 2, 6, models.ItemStatusDownloaded, func(i *models.ProcessingItem) {
		i.SourceFilePath = "/data/downloads/the.wire.s02e06.mkv"
		i.StepContext = models.ContextMap{models.StepContextFileValidated: true}
	})

	handler := NewEncodeHandler(env.deps)
	out, err := handler.Execute(context.Background(), branchInput(tvInput(request), target.ID))
	require.NoError(t, err)
	require.True(t, out.ShouldPause)

	assert.Equal(t, models.ItemStatusEncoding, env.reload(t, target.ID).Status)
	assert.Equal(t, models.ItemStatusDownloaded, env.reload(t, other.ID).Status)
}
