package adapters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/httpclient"
	"github.com/jmylchreest/fetcharr/internal/ratelimit"
	"github.com/jmylchreest/fetcharr/internal/secrets"
)

// Set is the full collection of bound adapters the pipeline runs against.
type Set struct {
	Indexers  []Indexer
	Limits    map[string]ratelimit.Limit
	Downloads DownloadClient
	Targets   map[string]StorageTarget
	Notifiers []Notifier
}

// Target returns the named storage target.
func (s *Set) Target(name string) (StorageTarget, error) {
	target, ok := s.Targets[name]
	if !ok {
		return nil, fmt.Errorf("storage target %q is not configured", name)
	}
	return target, nil
}

// Build binds every configured adapter, resolving credentials through the
// secret store. Secret names in configuration win over inline values.
func Build(ctx context.Context, cfg *config.Config, store *secrets.Store, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Logger = logger
	shared := httpclient.New(httpCfg)

	set := &Set{
		Limits:  make(map[string]ratelimit.Limit),
		Targets: make(map[string]StorageTarget),
	}

	for _, idx := range cfg.Search.Indexers {
		apiKey, err := store.Resolve(ctx, idx.SecretName, idx.APIKey)
		if err != nil {
			return nil, fmt.Errorf("resolving API key for indexer %q: %w", idx.Name, err)
		}
		set.Indexers = append(set.Indexers, NewTorznabIndexer(idx.Name, idx.URL, apiKey, shared))
		set.Limits[idx.Name] = ratelimit.Limit{Max: idx.RateLimitMax, Window: idx.RateLimitWindow}
		logger.Info("indexer configured",
			slog.String("name", idx.Name),
			slog.Int("rate_limit_max", idx.RateLimitMax),
			slog.Duration("rate_limit_window", idx.RateLimitWindow))
	}

	if cfg.Download.URL != "" {
		password, err := store.Resolve(ctx, cfg.Download.SecretName, cfg.Download.Password)
		if err != nil {
			return nil, fmt.Errorf("resolving download client password: %w", err)
		}
		switch cfg.Download.Type {
		case "qbittorrent":
			client, err := NewQBittorrentClient(cfg.Download.URL, cfg.Download.Username, password, cfg.Download.HTTPTimeout)
			if err != nil {
				return nil, fmt.Errorf("building download client: %w", err)
			}
			set.Downloads = client
		default:
			return nil, fmt.Errorf("unsupported download client type %q", cfg.Download.Type)
		}
		logger.Info("download client configured",
			slog.String("type", cfg.Download.Type),
			slog.String("category", cfg.Download.Category))
	}

	for _, target := range cfg.Delivery.Targets {
		set.Targets[target.Name] = NewFilesystemTarget(target.Name, target.Path)
		logger.Info("storage target configured",
			slog.String("name", target.Name),
			slog.String("path", target.Path))
	}

	for _, hook := range cfg.Notify.Webhooks {
		set.Notifiers = append(set.Notifiers, NewWebhookNotifier(hook.Name, hook.URL, hook.Events, shared))
		logger.Info("webhook configured",
			slog.String("name", hook.Name),
			slog.Int("events", len(hook.Events)))
	}

	return set, nil
}
