package steps

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/ratelimit"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
)

type stepsEnv struct {
	db      *gorm.DB
	deps    Dependencies
	indexer *fakeIndexer
	client  *fakeDownloadClient
}

func setupStepsTest(t *testing.T) *stepsEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.Download{},
		&models.EncoderAssignment{},
		&models.RateLimitRecord{},
	))

	items := repository.NewProcessingItemRepository(db)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	indexer := &fakeIndexer{name: "primary"}
	client := &fakeDownloadClient{}
	set := &adapters.Set{
		Indexers:  []adapters.Indexer{indexer},
		Limits:    map[string]ratelimit.Limit{},
		Downloads: client,
		Targets:   map[string]adapters.StorageTarget{},
	}

	deps := Dependencies{
		Items:       items,
		Downloads:   repository.NewDownloadRepository(db),
		Assignments: repository.NewEncoderAssignmentRepository(db),
		Machine:     statemachine.New(items).WithLogger(quiet),
		Adapters:    set,
		Limiter:     ratelimit.NewLimiter(repository.NewRateLimitRepository(db)).WithLogger(quiet),
		Search:      config.SearchConfig{Cooldown: time.Hour, MinScore: 50},
		Download:    config.DownloadConfig{Category: "fetcharr"},
		Dispatch:    config.DispatchConfig{MaxAttempts: 3},
		Logger:      quiet,
	}

	return &stepsEnv{db: db, deps: deps, indexer: indexer, client: client}
}

func (e *stepsEnv) createRequest(t *testing.T, kind models.MediaKind) *models.Request {
	t.Helper()
	request := &models.Request{
		Kind:    kind,
		TmdbID:  550,
		Title:   "Fight Club",
		Year:    1999,
		Targets: []string{"primary"},
		Status:  models.RequestStatusProcessing,
	}
	if kind == models.MediaKindTV {
		request.TmdbID = 1438
		request.Title = "The Wire"
		request.Year = 2002
		request.RequestedSeasons = []int{2}
	}
	require.NoError(t, e.db.Create(request).Error)
	return request
}

func (e *stepsEnv) createMovieItem(t *testing.T, requestID models.ULID, status models.ItemStatus, mutate func(*models.ProcessingItem)) *models.ProcessingItem {
	t.Helper()
	item := &models.ProcessingItem{
		RequestID: requestID,
		Type:      models.ItemTypeMovie,
		TmdbID:    550,
		Title:     "Fight Club",
		Status:    status,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(t, e.db.Create(item).Error)
	return item
}

func (e *stepsEnv) createEpisodeItem(t *testing.T, requestID models.ULID, season, episode int, status models.ItemStatus, mutate func(*models.ProcessingItem)) *models.ProcessingItem {
	t.Helper()
	item := &models.ProcessingItem{
		RequestID: requestID,
		Type:      models.ItemTypeEpisode,
		TmdbID:    1438,
		Title:     "The Wire",
		Season:    season,
		Episode:   episode,
		Status:    status,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(t, e.db.Create(item).Error)
	return item
}

func (e *stepsEnv) reload(t *testing.T, id models.ULID) *models.ProcessingItem {
	t.Helper()
	item, err := e.deps.Items.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func movieInput(request *models.Request) pipeline.Input {
	return pipeline.Input{
		ExecutionID: models.NewULID(),
		RequestID:   request.ID,
		Context: models.ContextMap{
			"request": map[string]any{
				"id":      request.ID.String(),
				"kind":    "movie",
				"targets": []any{"primary"},
			},
			"media": map[string]any{
				"kind":   "movie",
				"title":  request.Title,
				"year":   float64(request.Year),
				"tmdbId": float64(request.TmdbID),
			},
		},
		Config: models.ContextMap{},
	}
}

func tvInput(request *models.Request) pipeline.Input {
	return pipeline.Input{
		ExecutionID: models.NewULID(),
		RequestID:   request.ID,
		Context: models.ContextMap{
			"request": map[string]any{
				"id":      request.ID.String(),
				"kind":    "tv",
				"targets": []any{"primary"},
			},
			"media": map[string]any{
				"kind":    "tv",
				"title":   request.Title,
				"year":    float64(request.Year),
				"tmdbId":  float64(request.TmdbID),
				"seasons": []any{float64(2)},
			},
		},
		Config: models.ContextMap{},
	}
}

func branchInput(parent pipeline.Input, itemID models.ULID) pipeline.Input {
	branch := parent
	branch.ExecutionID = models.NewULID()
	branch.ItemID = &itemID
	branch.IsBranch = true
	branch.Context = parent.Context.Clone()
	return branch
}

// fakeIndexer scripts search results and records the queries it saw.
type fakeIndexer struct {
	name     string
	releases []adapters.Release
	err      error
	queries  []adapters.SearchQuery
}

func (f *fakeIndexer) Name() string { return f.name }

func (f *fakeIndexer) Search(_ context.Context, query adapters.SearchQuery) ([]adapters.Release, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.releases, nil
}

// fakeDownloadClient records submissions and answers status polls from a
// scripted table.
type fakeDownloadClient struct {
	hash     string
	addErr   error
	added    []adapters.Release
	statuses map[string]*adapters.TransferStatus
	removed  []string
}

func (f *fakeDownloadClient) Add(_ context.Context, release adapters.Release, _ string) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, release)
	if f.hash != "" {
		return f.hash, nil
	}
	return release.InfoHash, nil
}

func (f *fakeDownloadClient) Status(_ context.Context, hash string) (*adapters.TransferStatus, error) {
	return f.statuses[hash], nil
}

func (f *fakeDownloadClient) Remove(_ context.Context, hash string, _ bool) error {
	f.removed = append(f.removed, hash)
	return nil
}

// fakeNotifier records delivered events.
type fakeNotifier struct {
	name   string
	only   map[string]bool
	err    error
	events []adapters.Event
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Wants(eventType string) bool {
	if f.only == nil {
		return true
	}
	return f.only[eventType]
}

func (f *fakeNotifier) Notify(_ context.Context, event adapters.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func goodRelease(title string) adapters.Release {
	return adapters.Release{
		Title:       title,
		DownloadURL: "https://indexer.example/dl/1",
		InfoHash:    "aabbccddeeff00112233445566778899aabbccdd",
		Size:        4 << 30,
		Seeders:     120,
		Indexer:     "primary",
	}
}
