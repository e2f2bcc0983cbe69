package recovery

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
)

func setupRecoveryTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.ProcessingItem{},
		&models.Download{},
		&models.EncoderAssignment{},
		&models.PipelineExecution{},
	)
	require.NoError(t, err)

	return db
}

// recordingResumer stands in for the pipeline engine and remembers which
// executions the sweeps asked to wake.
type recordingResumer struct {
	mu  sync.Mutex
	ids []models.ULID
}

func (r *recordingResumer) ResumeExecution(_ context.Context, id models.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingResumer) resumed() []models.ULID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ULID(nil), r.ids...)
}

// recordingSpawner stands in for the engine's branch materializer.
type recordingSpawner struct {
	mu      sync.Mutex
	spawned []spawnCall
}

type spawnCall struct {
	parentID models.ULID
	itemID   models.ULID
}

func (s *recordingSpawner) StartBranch(_ context.Context, parentID, itemID models.ULID) (*models.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, spawnCall{parentID: parentID, itemID: itemID})
	branch := &models.PipelineExecution{
		RequestID:         models.NewULID(),
		TemplateID:        models.NewULID(),
		ParentExecutionID: &parentID,
		EpisodeID:         &itemID,
		Status:            models.ExecutionStatusRunning,
	}
	branch.ID = models.NewULID()
	return branch, nil
}

func (s *recordingSpawner) calls() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.spawned...)
}

// fakeDownloadClient is a scriptable download client.
type fakeDownloadClient struct {
	mu       sync.Mutex
	statuses map[string]*adapters.TransferStatus
	added    []adapters.Release
}

func newFakeDownloadClient() *fakeDownloadClient {
	return &fakeDownloadClient{statuses: map[string]*adapters.TransferStatus{}}
}

func (c *fakeDownloadClient) Add(_ context.Context, release adapters.Release, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, release)
	if release.InfoHash != "" {
		return release.InfoHash, nil
	}
	return "generated-hash", nil
}

func (c *fakeDownloadClient) Status(_ context.Context, hash string) (*adapters.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[hash], nil
}

func (c *fakeDownloadClient) Remove(context.Context, string, bool) error { return nil }

func (c *fakeDownloadClient) setStatus(hash string, status *adapters.TransferStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[hash] = status
}

func (c *fakeDownloadClient) addCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

type recoveryFixture struct {
	db        *gorm.DB
	items     repository.ProcessingItemRepository
	downloads repository.DownloadRepository
	jobs      repository.EncoderAssignmentRepository
	client    *fakeDownloadClient
	resumer   *recordingResumer
	recovery  *Recovery
}

func newRecoveryFixture(t *testing.T, cfg config.RecoveryConfig) *recoveryFixture {
	t.Helper()

	db := setupRecoveryTestDB(t)
	items := repository.NewProcessingItemRepository(db)
	downloads := repository.NewDownloadRepository(db)
	jobs := repository.NewEncoderAssignmentRepository(db)
	executions := repository.NewExecutionRepository(db)
	client := newFakeDownloadClient()
	resumer := &recordingResumer{}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := statemachine.New(items).WithLogger(quiet)
	rec := New(cfg, items, downloads, jobs, executions, machine, client, resumer).
		WithLogger(quiet).
		WithDownloadCategory("fetcharr")

	return &recoveryFixture{
		db:        db,
		items:     items,
		downloads: downloads,
		jobs:      jobs,
		client:    client,
		resumer:   resumer,
		recovery:  rec,
	}
}

func (f *recoveryFixture) seedItem(t *testing.T, mutate func(*models.ProcessingItem)) *models.ProcessingItem {
	t.Helper()
	item := &models.ProcessingItem{
		RequestID: models.NewULID(),
		Type:      models.ItemTypeMovie,
		TmdbID:    550,
		Title:     "Fight Club",
		Status:    models.ItemStatusPending,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(t, f.items.Create(context.Background(), item))
	return item
}

func (f *recoveryFixture) seedDownload(t *testing.T, requestID models.ULID, hash string, status models.DownloadStatus) *models.Download {
	t.Helper()
	download := &models.Download{
		RequestID:   requestID,
		TorrentHash: hash,
		TorrentName: "Fight.Club.1999.1080p.BluRay",
		MediaKind:   models.MediaKindMovie,
		Status:      status,
	}
	require.NoError(t, f.downloads.Create(context.Background(), download))
	return download
}

func (f *recoveryFixture) seedPausedExecution(t *testing.T, requestID models.ULID, reason string) *models.PipelineExecution {
	t.Helper()
	execution := &models.PipelineExecution{
		RequestID:   requestID,
		TemplateID:  models.NewULID(),
		Status:      models.ExecutionStatusPaused,
		PauseReason: reason,
		StartedAt:   models.Now(),
	}
	require.NoError(t, f.db.Create(execution).Error)
	return execution
}

// backdateItem ages the row's updated_at without touching anything else,
// standing in for time passing between sweeps.
func (f *recoveryFixture) backdateItem(t *testing.T, item *models.ProcessingItem, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age)
	require.NoError(t, f.db.Model(&models.ProcessingItem{}).
		Where("id = ?", item.ID).
		UpdateColumn("updated_at", past).Error)
}

func (f *recoveryFixture) reloadItem(t *testing.T, id models.ULID) *models.ProcessingItem {
	t.Helper()
	item, err := f.items.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func (f *recoveryFixture) reloadDownload(t *testing.T, id models.ULID) *models.Download {
	t.Helper()
	download, err := f.downloads.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, download)
	return download
}

func storedReleaseContext(hash string) models.ContextMap {
	return models.ContextMap{
		models.StepContextRelease: map[string]any{
			"title":       "Fight.Club.1999.1080p.BluRay",
			"downloadUrl": "http://indexer.test/dl/" + hash,
			"infoHash":    hash,
			"size":        float64(4 << 30),
			"seeders":     float64(42),
			"indexer":     "backlot",
		},
	}
}

func TestRecovery_StaleFoundRequeued(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{FoundStaleAfter: 5 * time.Minute})
	ctx := context.Background()

	stale := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusFound
		i.StepContext = storedReleaseContext("deadbeef")
	})
	f.backdateItem(t, stale, 10*time.Minute)
	execution := f.seedPausedExecution(t, stale.RequestID, steps.PauseWaitingForDownloads)

	fresh := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusFound
	})

	linked := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusFound
	})
	download := f.seedDownload(t, linked.RequestID, "cafef00d", models.DownloadStatusQueued)
	require.NoError(t, f.db.Model(&models.ProcessingItem{}).
		Where("id = ?", linked.ID).
		UpdateColumn("download_id", download.ID).Error)
	f.backdateItem(t, linked, 10*time.Minute)

	require.NoError(t, f.recovery.Sweep(ctx))

	reloaded := f.reloadItem(t, stale.ID)
	assert.Equal(t, models.ItemStatusPending, reloaded.Status)
	assert.Equal(t, 0, reloaded.Progress)
	assert.NotNil(t, reloaded.StepContext.Namespace(models.StepContextRelease),
		"the chosen release survives the requeue")
	assert.Contains(t, f.resumer.resumed(), execution.ID)

	assert.Equal(t, models.ItemStatusFound, f.reloadItem(t, fresh.ID).Status,
		"items inside the window are left alone")
	assert.Equal(t, models.ItemStatusFound, f.reloadItem(t, linked.ID).Status,
		"items that already linked a download are left alone")

	// Idempotent: a second pass finds nothing to do.
	require.NoError(t, f.recovery.Sweep(ctx))
	assert.Equal(t, models.ItemStatusPending, f.reloadItem(t, stale.ID).Status)
}

func TestRecovery_StuckDownloadRequeued(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{DownloadStuckAfter: 5 * time.Minute})
	ctx := context.Background()

	download := f.seedDownload(t, models.NewULID(), "feedbead", models.DownloadStatusCompleted)

	stuck := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDownloading
		i.Progress = 100
		i.DownloadID = &download.ID
	})
	f.backdateItem(t, stuck, 10*time.Minute)

	transferring := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDownloading
		i.Progress = 40
		i.DownloadID = &download.ID
	})
	f.backdateItem(t, transferring, 10*time.Minute)

	require.NoError(t, f.recovery.Sweep(ctx))

	reloaded := f.reloadItem(t, stuck.ID)
	assert.Equal(t, models.ItemStatusPending, reloaded.Status)
	assert.Nil(t, reloaded.DownloadID, "the stale link is dropped so the re-grab starts clean")
	assert.Equal(t, 0, reloaded.Progress)

	assert.Equal(t, models.ItemStatusDownloading, f.reloadItem(t, transferring.ID).Status,
		"transfers still moving are the poller's business")
}

func TestRecovery_SeasonLinkageAdopted(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	requestID := models.NewULID()
	download := f.seedDownload(t, requestID, "0ddba11", models.DownloadStatusDownloading)

	episode := func(season, number int, mutate func(*models.ProcessingItem)) *models.ProcessingItem {
		return f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = requestID
			i.Type = models.ItemTypeEpisode
			i.TmdbID = 1399
			i.Title = "Game of Thrones"
			i.Season = season
			i.Episode = number
			if mutate != nil {
				mutate(i)
			}
		})
	}

	linked := episode(2, 1, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDownloading
		i.DownloadID = &download.ID
	})
	stranded := episode(2, 2, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusFound
	})
	parked := episode(2, 3, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDiscovered
		ends := models.Now().Add(time.Hour)
		i.CooldownEndsAt = &ends
	})
	otherSeason := episode(3, 1, nil)

	execution := f.seedPausedExecution(t, requestID, steps.PauseWaitingForDownloads)

	require.NoError(t, f.recovery.Sweep(ctx))

	for _, id := range []models.ULID{stranded.ID, parked.ID} {
		reloaded := f.reloadItem(t, id)
		assert.Equal(t, models.ItemStatusDownloading, reloaded.Status)
		require.NotNil(t, reloaded.DownloadID)
		assert.Equal(t, download.ID, *reloaded.DownloadID, "siblings share the season pack")
	}
	assert.Contains(t, f.resumer.resumed(), execution.ID)

	assert.Equal(t, models.ItemStatusPending, f.reloadItem(t, otherSeason.ID).Status,
		"other seasons have their own grabs")
	assert.Equal(t, models.ItemStatusDownloading, f.reloadItem(t, linked.ID).Status)
}

func TestRecovery_OrphanedEncodeAdvanced(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	orphan := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusEncoding
		i.EncodingJobID = "job-done"
		i.SourceFilePath = "/data/downloads/fight_club.mkv"
	})
	require.NoError(t, f.jobs.Create(ctx, &models.EncoderAssignment{
		JobID:      "job-done",
		ItemID:     orphan.ID,
		InputPath:  orphan.SourceFilePath,
		Status:     models.AssignmentStatusCompleted,
		OutputPath: "/data/downloads/fight_club.encoded.mkv",
	}))

	// The item's branch is the waiter; the paused root must stay asleep.
	branch := &models.PipelineExecution{
		RequestID:   orphan.RequestID,
		TemplateID:  models.NewULID(),
		Status:      models.ExecutionStatusPaused,
		PauseReason: steps.PauseWaitingForEncoder,
		StartedAt:   models.Now(),
		EpisodeID:   &orphan.ID,
	}
	parentID := models.NewULID()
	branch.ParentExecutionID = &parentID
	require.NoError(t, f.db.Create(branch).Error)
	root := f.seedPausedExecution(t, orphan.RequestID, steps.PauseWaitingForEncoder)

	failed := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusEncoding
		i.EncodingJobID = "job-dead"
		i.SourceFilePath = "/data/downloads/other.mkv"
	})
	require.NoError(t, f.jobs.Create(ctx, &models.EncoderAssignment{
		JobID:     "job-dead",
		ItemID:    failed.ID,
		InputPath: failed.SourceFilePath,
		Status:    models.AssignmentStatusFailed,
		Error:     "encoder exploded",
	}))

	running := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusEncoding
		i.EncodingJobID = "job-live"
		i.SourceFilePath = "/data/downloads/live.mkv"
	})
	require.NoError(t, f.jobs.Create(ctx, &models.EncoderAssignment{
		JobID:     "job-live",
		ItemID:    running.ID,
		InputPath: running.SourceFilePath,
		Status:    models.AssignmentStatusEncoding,
	}))

	require.NoError(t, f.recovery.Sweep(ctx))

	reloaded := f.reloadItem(t, orphan.ID)
	assert.Equal(t, models.ItemStatusEncoded, reloaded.Status)
	assert.Equal(t, "/data/downloads/fight_club.encoded.mkv",
		reloaded.StepContext.GetString(models.StepContextEncodedFile))
	assert.Contains(t, f.resumer.resumed(), branch.ID)
	assert.NotContains(t, f.resumer.resumed(), root.ID,
		"items with a branch wake only the branch")

	assert.Equal(t, models.ItemStatusEncoding, f.reloadItem(t, failed.ID).Status,
		"failed assignments leave the item for a manual retry")
	assert.Equal(t, models.ItemStatusEncoding, f.reloadItem(t, running.ID).Status)

	// Idempotent: the item already advanced, nothing to re-inject.
	require.NoError(t, f.recovery.Sweep(ctx))
	assert.Len(t, f.resumer.resumed(), 1)
}

func TestRecovery_StuckDeliverySettled(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{DeliveryStuckAfter: 5 * time.Minute})
	ctx := context.Background()

	library := t.TempDir()
	final := filepath.Join(library, "Fight Club (1999).mkv")
	require.NoError(t, os.WriteFile(final, []byte("payload"), 0o644))

	delivered := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDelivering
		i.StepContext = models.ContextMap{models.StepContextDeliveredTo: []string{final}}
	})
	f.backdateItem(t, delivered, 10*time.Minute)

	vanished := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDelivering
		i.StepContext = models.ContextMap{
			models.StepContextDeliveredTo: []string{filepath.Join(library, "missing.mkv")},
		}
	})
	f.backdateItem(t, vanished, 10*time.Minute)

	dead := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDelivering
	})
	f.backdateItem(t, dead, 10*time.Minute)

	fresh := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDelivering
	})

	require.NoError(t, f.recovery.Sweep(ctx))

	assert.Equal(t, models.ItemStatusCompleted, f.reloadItem(t, delivered.ID).Status,
		"copies that finished only lost their final transition")

	reloaded := f.reloadItem(t, vanished.ID)
	assert.Equal(t, models.ItemStatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.LastError, "no progress")

	assert.Equal(t, models.ItemStatusFailed, f.reloadItem(t, dead.ID).Status)
	assert.Equal(t, models.ItemStatusDelivering, f.reloadItem(t, fresh.ID).Status,
		"items inside the window are left alone")
}

func TestRecovery_PromoteGrabsStoredRelease(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	ends := models.Now().Add(-time.Minute)
	item := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDiscovered
		i.CooldownEndsAt = &ends
		i.StepContext = storedReleaseContext("cafebabe")
	})
	execution := f.seedPausedExecution(t, item.RequestID,
		steps.PauseWaitingForCooldown+" until 2026-01-01T00:00:00Z")

	waiting := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDiscovered
		later := models.Now().Add(time.Hour)
		i.CooldownEndsAt = &later
		i.StepContext = storedReleaseContext("beefbeef")
	})

	require.NoError(t, f.recovery.PromoteCooldowns(ctx))

	reloaded := f.reloadItem(t, item.ID)
	assert.Equal(t, models.ItemStatusDownloading, reloaded.Status)
	require.NotNil(t, reloaded.DownloadID)
	assert.Equal(t, string(models.StepTypeDownload), reloaded.CurrentStep)

	download := f.reloadDownload(t, *reloaded.DownloadID)
	assert.Equal(t, "cafebabe", download.TorrentHash)
	assert.Equal(t, models.DownloadStatusQueued, download.Status)
	assert.Equal(t, 1, f.client.addCount())
	assert.Contains(t, f.resumer.resumed(), execution.ID)

	assert.Equal(t, models.ItemStatusDiscovered, f.reloadItem(t, waiting.ID).Status,
		"cooldowns still running are not promoted")

	// Idempotent: the item left DISCOVERED, so a second pass grabs nothing.
	require.NoError(t, f.recovery.PromoteCooldowns(ctx))
	assert.Equal(t, 1, f.client.addCount())
}

func TestRecovery_PromoteSeasonPackSharesDownload(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	requestID := models.NewULID()
	ends := models.Now().Add(-time.Minute)
	seed := func(episode int) *models.ProcessingItem {
		return f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = requestID
			i.Type = models.ItemTypeEpisode
			i.TmdbID = 1399
			i.Title = "Game of Thrones"
			i.Season = 2
			i.Episode = episode
			i.Status = models.ItemStatusDiscovered
			i.CooldownEndsAt = &ends
			i.StepContext = storedReleaseContext("feedface")
		})
	}
	first := seed(1)
	second := seed(2)

	require.NoError(t, f.recovery.PromoteCooldowns(ctx))

	a := f.reloadItem(t, first.ID)
	b := f.reloadItem(t, second.ID)
	assert.Equal(t, models.ItemStatusDownloading, a.Status)
	assert.Equal(t, models.ItemStatusDownloading, b.Status)
	require.NotNil(t, a.DownloadID)
	require.NotNil(t, b.DownloadID)
	assert.Equal(t, *a.DownloadID, *b.DownloadID, "one grab covers the whole season group")
	assert.Equal(t, 1, f.client.addCount())
}

func TestRecovery_PromoteWithoutReleaseWakesSearch(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	ends := models.Now().Add(-time.Minute)
	item := f.seedItem(t, func(i *models.ProcessingItem) {
		i.Status = models.ItemStatusDiscovered
		i.CooldownEndsAt = &ends
	})
	execution := f.seedPausedExecution(t, item.RequestID,
		steps.PauseWaitingForCooldown+" until 2026-01-01T00:00:00Z")

	require.NoError(t, f.recovery.PromoteCooldowns(ctx))

	assert.Equal(t, models.ItemStatusDiscovered, f.reloadItem(t, item.ID).Status,
		"nothing to grab; the search step owns the next round")
	assert.Zero(t, f.client.addCount())
	assert.Contains(t, f.resumer.resumed(), execution.ID)
}

func TestRecovery_PollerTracksProgress(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	download := f.seedDownload(t, models.NewULID(), "abad1dea", models.DownloadStatusQueued)
	item := f.seedItem(t, func(i *models.ProcessingItem) {
		i.RequestID = download.RequestID
		i.Status = models.ItemStatusDownloading
		i.DownloadID = &download.ID
	})

	f.client.setStatus("abad1dea", &adapters.TransferStatus{
		Hash:     "abad1dea",
		State:    adapters.TransferDownloading,
		Progress: 42,
		Size:     4 << 30,
		SavePath: "/data/downloads",
	})

	require.NoError(t, f.recovery.PollDownloads(ctx))

	reloadedDownload := f.reloadDownload(t, download.ID)
	assert.Equal(t, models.DownloadStatusDownloading, reloadedDownload.Status)
	assert.Equal(t, float64(42), reloadedDownload.Progress)
	assert.Equal(t, "/data/downloads", reloadedDownload.SavePath)

	reloaded := f.reloadItem(t, item.ID)
	assert.Equal(t, models.ItemStatusDownloading, reloaded.Status)
	assert.Equal(t, 42, reloaded.Progress, "transfer progress is mirrored onto the item")
}

func TestRecovery_PollerAdvancesCompletedDownload(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	payload := filepath.Join(t.TempDir(), "Fight.Club.1999.1080p.mkv")
	require.NoError(t, os.WriteFile(payload, []byte("movie bytes"), 0o644))

	download := f.seedDownload(t, models.NewULID(), "deadc0de", models.DownloadStatusDownloading)
	item := f.seedItem(t, func(i *models.ProcessingItem) {
		i.RequestID = download.RequestID
		i.Status = models.ItemStatusDownloading
		i.DownloadID = &download.ID
	})
	execution := f.seedPausedExecution(t, item.RequestID, steps.PauseWaitingForDownloads)

	f.client.setStatus("deadc0de", &adapters.TransferStatus{
		Hash:        "deadc0de",
		State:       adapters.TransferCompleted,
		Progress:    100,
		ContentPath: payload,
	})

	require.NoError(t, f.recovery.PollDownloads(ctx))

	reloadedDownload := f.reloadDownload(t, download.ID)
	assert.Equal(t, models.DownloadStatusCompleted, reloadedDownload.Status)
	assert.Equal(t, payload, reloadedDownload.ContentPath)
	assert.NotNil(t, reloadedDownload.CompletedAt)

	reloaded := f.reloadItem(t, item.ID)
	assert.Equal(t, models.ItemStatusDownloaded, reloaded.Status)
	assert.Equal(t, payload, reloaded.SourceFilePath)
	assert.True(t, reloaded.StepContext.GetBool(models.StepContextFileValidated),
		"the payload is probed before encode may pick it up")
	assert.Contains(t, f.resumer.resumed(), execution.ID)
}

func TestRecovery_PollerResolvesSeasonPack(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	pack := t.TempDir()
	e1 := filepath.Join(pack, "Game.of.Thrones.S02E01.1080p.mkv")
	e2 := filepath.Join(pack, "Game.of.Thrones.S02E02.1080p.mkv")
	require.NoError(t, os.WriteFile(e1, []byte("episode one"), 0o644))
	require.NoError(t, os.WriteFile(e2, []byte("episode two"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pack, "sample.mkv"), []byte("sample"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pack, "notes.txt"), []byte("nfo"), 0o644))

	requestID := models.NewULID()
	download := f.seedDownload(t, requestID, "5ea50npack", models.DownloadStatusDownloading)
	seed := func(episode int) *models.ProcessingItem {
		return f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = requestID
			i.Type = models.ItemTypeEpisode
			i.TmdbID = 1399
			i.Title = "Game of Thrones"
			i.Season = 2
			i.Episode = episode
			i.Status = models.ItemStatusDownloading
			i.DownloadID = &download.ID
		})
	}
	first := seed(1)
	second := seed(2)

	f.client.setStatus("5ea50npack", &adapters.TransferStatus{
		Hash:        "5ea50npack",
		State:       adapters.TransferCompleted,
		Progress:    100,
		ContentPath: pack,
	})

	require.NoError(t, f.recovery.PollDownloads(ctx))

	a := f.reloadItem(t, first.ID)
	b := f.reloadItem(t, second.ID)
	assert.Equal(t, models.ItemStatusDownloaded, a.Status)
	assert.Equal(t, models.ItemStatusDownloaded, b.Status)
	assert.Equal(t, e1, a.SourceFilePath)
	assert.Equal(t, e2, b.SourceFilePath)
}

func TestRecovery_PollerSpawnsEpisodeBranches(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	spawner := &recordingSpawner{}
	f.recovery.WithBranchSpawner(spawner)

	pack := t.TempDir()
	e1 := filepath.Join(pack, "Game.of.Thrones.S02E01.1080p.mkv")
	e2 := filepath.Join(pack, "Game.of.Thrones.S02E02.1080p.mkv")
	require.NoError(t, os.WriteFile(e1, []byte("episode one"), 0o644))
	require.NoError(t, os.WriteFile(e2, []byte("episode two"), 0o644))

	requestID := models.NewULID()
	download := f.seedDownload(t, requestID, "b4a9c4pack", models.DownloadStatusDownloading)
	seed := func(episode int) *models.ProcessingItem {
		return f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = requestID
			i.Type = models.ItemTypeEpisode
			i.TmdbID = 1399
			i.Title = "Game of Thrones"
			i.Season = 2
			i.Episode = episode
			i.Status = models.ItemStatusDownloading
			i.DownloadID = &download.ID
		})
	}
	first := seed(1)
	second := seed(2)
	root := f.seedPausedExecution(t, requestID, steps.PauseWaitingForDownloads)

	f.client.setStatus("b4a9c4pack", &adapters.TransferStatus{
		Hash:        "b4a9c4pack",
		State:       adapters.TransferCompleted,
		Progress:    100,
		ContentPath: pack,
	})

	require.NoError(t, f.recovery.PollDownloads(ctx))

	// Each landed episode got its own branch under the request root.
	spawned := spawner.calls()
	require.Len(t, spawned, 2)
	itemIDs := []models.ULID{spawned[0].itemID, spawned[1].itemID}
	assert.Contains(t, itemIDs, first.ID)
	assert.Contains(t, itemIDs, second.ID)
	assert.Equal(t, root.ID, spawned[0].parentID)
	assert.Equal(t, root.ID, spawned[1].parentID)
}

func TestRecovery_PollerFailsVanishedTransfer(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	download := f.seedDownload(t, models.NewULID(), "90netran5", models.DownloadStatusDownloading)
	item := f.seedItem(t, func(i *models.ProcessingItem) {
		i.RequestID = download.RequestID
		i.Status = models.ItemStatusDownloading
		i.DownloadID = &download.ID
	})
	execution := f.seedPausedExecution(t, item.RequestID, steps.PauseWaitingForDownloads)

	// No status scripted: the client has forgotten the hash.
	require.NoError(t, f.recovery.PollDownloads(ctx))

	assert.Equal(t, models.DownloadStatusFailed, f.reloadDownload(t, download.ID).Status)

	reloaded := f.reloadItem(t, item.ID)
	assert.Equal(t, models.ItemStatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.LastError, "vanished")
	assert.Contains(t, f.resumer.resumed(), execution.ID,
		"the walker wakes so the request can surface the failure")
}

func TestRecovery_PollerHealsMissedCompletion(t *testing.T) {
	f := newRecoveryFixture(t, config.RecoveryConfig{})
	ctx := context.Background()

	t.Run("payload present", func(t *testing.T) {
		payload := filepath.Join(t.TempDir(), "Fight.Club.1999.mkv")
		require.NoError(t, os.WriteFile(payload, []byte("movie bytes"), 0o644))

		download := f.seedDownload(t, models.NewULID(), "ca11ab1e", models.DownloadStatusDownloading)
		download.MarkCompleted(payload)
		require.NoError(t, f.downloads.Update(ctx, download))

		// The process died between the row completing and the item moving.
		item := f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = download.RequestID
			i.Status = models.ItemStatusDownloading
			i.Progress = 100
			i.DownloadID = &download.ID
		})
		execution := f.seedPausedExecution(t, item.RequestID, steps.PauseWaitingForDownloads)

		require.NoError(t, f.recovery.PollDownloads(ctx))

		reloaded := f.reloadItem(t, item.ID)
		assert.Equal(t, models.ItemStatusDownloaded, reloaded.Status)
		assert.Equal(t, payload, reloaded.SourceFilePath)
		assert.Contains(t, f.resumer.resumed(), execution.ID)
	})

	t.Run("payload missing", func(t *testing.T) {
		download := f.seedDownload(t, models.NewULID(), "da7a105e", models.DownloadStatusDownloading)
		download.MarkCompleted(filepath.Join(t.TempDir(), "gone.mkv"))
		require.NoError(t, f.downloads.Update(ctx, download))

		item := f.seedItem(t, func(i *models.ProcessingItem) {
			i.RequestID = download.RequestID
			i.Status = models.ItemStatusDownloading
			i.DownloadID = &download.ID
		})

		require.NoError(t, f.recovery.PollDownloads(ctx))

		reloaded := f.reloadItem(t, item.ID)
		assert.Equal(t, models.ItemStatusDownloading, reloaded.Status,
			"nothing to advance to; the stuck sweep requeues it later")
		assert.Equal(t, 100, reloaded.Progress,
			"marked fully transferred so the stuck sweep picks it up")
	})
}

func TestResolvePayload(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "Movie.2024.2160p.mkv")
	small := filepath.Join(dir, "Movie.2024.720p.mp4")
	episode := filepath.Join(dir, "Show.S03E07.1080p.mkv")
	alt := filepath.Join(dir, "Show.3x08.1080p.mkv")
	require.NoError(t, os.WriteFile(big, make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(small, make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(episode, make([]byte, 512), 0o644))
	require.NoError(t, os.WriteFile(alt, make([]byte, 512), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Movie.sample.mkv"), make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.mkv"), nil, 0o644))

	movie := &models.ProcessingItem{Type: models.ItemTypeMovie}
	assert.Equal(t, big, resolvePayload(dir, movie),
		"movies take the largest real video file")

	sxxeyy := &models.ProcessingItem{Type: models.ItemTypeEpisode, Season: 3, Episode: 7}
	assert.Equal(t, episode, resolvePayload(dir, sxxeyy))

	nxmm := &models.ProcessingItem{Type: models.ItemTypeEpisode, Season: 3, Episode: 8}
	assert.Equal(t, alt, resolvePayload(dir, nxmm), "NxMM numbering is recognized too")

	absent := &models.ProcessingItem{Type: models.ItemTypeEpisode, Season: 9, Episode: 9}
	assert.Empty(t, resolvePayload(dir, absent))

	assert.Equal(t, big, resolvePayload(big, movie), "single files resolve to themselves")
	assert.Empty(t, resolvePayload(filepath.Join(dir, "nope"), movie))
}
