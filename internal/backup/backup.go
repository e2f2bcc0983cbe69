// Package backup exports the user-authored configuration state (pipeline
// templates, requests, secret names) to compressed tar archives and prunes
// old archives per the retention policy. Archives are plain tar streams
// compressed with xz or bzip2 so they stay inspectable with standard tools.
package backup

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
)

// manifestVersion identifies the archive layout for future restores.
const manifestVersion = 1

// archivePrefix names backup files; retention only considers files carrying
// it so unrelated files in the backup directory survive cleanup.
const archivePrefix = "fetcharr-backup-"

// requestPageSize is the page size used when exporting requests.
const requestPageSize = 500

// Result describes a produced backup archive.
type Result struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// GetFilename returns the archive file name.
func (r *Result) GetFilename() string {
	return r.Filename
}

// manifest is the first entry of every archive.
type manifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format"`
	Templates int       `json:"templates"`
	Requests  int       `json:"requests"`
	Secrets   int       `json:"secrets"`
}

// Service creates and prunes backup archives.
type Service struct {
	cfg       config.BackupConfig
	dir       string
	templates repository.TemplateRepository
	requests  repository.RequestRepository
	secrets   repository.SecretRepository
	logger    *slog.Logger
}

// New creates a backup service writing archives under the configured backup
// directory (falling back to {storageBaseDir}/backups).
func New(
	cfg config.BackupConfig,
	storageBaseDir string,
	templates repository.TemplateRepository,
	requests repository.RequestRepository,
	secrets repository.SecretRepository,
) *Service {
	return &Service{
		cfg:       cfg,
		dir:       cfg.BackupPath(storageBaseDir),
		templates: templates,
		requests:  requests,
		secrets:   secrets,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With(slog.String("component", "backup"))
	}
	return s
}

// Directory returns the directory archives are written to.
func (s *Service) Directory() string {
	return s.dir
}

// Create exports templates, requests, and secret names into a new archive.
// Secret values never leave the database; only the names are recorded so a
// restore knows which secrets must be re-entered.
func (s *Service) Create(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	templates, err := s.templates.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	requests, err := s.allRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading requests: %w", err)
	}
	secretNames, err := s.secrets.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading secret names: %w", err)
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("%s%s.tar.%s", archivePrefix, now.Format("20060102-150405"), s.extension())
	path := filepath.Join(s.dir, filename)

	// Write to a temp file first so a crash never leaves a half archive
	// with the backup prefix.
	tmp, err := os.CreateTemp(s.dir, filename+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.writeArchive(tmp, now, templates, requests, secretNames); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stating archive: %w", err)
	}

	s.logger.Info("backup created",
		slog.String("file", filename),
		slog.Int64("size", info.Size()),
		slog.Int("templates", len(templates)),
		slog.Int("requests", len(requests)))
	return &Result{
		Filename:  filename,
		Path:      path,
		SizeBytes: info.Size(),
		CreatedAt: now,
	}, nil
}

// CreateBackupForScheduler adapts Create to the scheduler's backup handler.
func (s *Service) CreateBackupForScheduler(ctx context.Context) (scheduler.BackupCreateResult, error) {
	return s.Create(ctx)
}

// Ensure Service satisfies the scheduler's backup interface at compile time.
var _ scheduler.BackupCreateService = (*Service)(nil)

// List returns the existing archives, newest first.
func (s *Service) List() ([]Result, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var results []Result
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), archivePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		results = append(results, Result{
			Filename:  entry.Name(),
			Path:      filepath.Join(s.dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	// Timestamped names sort chronologically.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Filename > results[j].Filename
	})
	return results, nil
}

// CleanupOldBackups removes archives beyond the retention count, oldest
// first, and returns the number removed.
func (s *Service) CleanupOldBackups(ctx context.Context) (int, error) {
	retention := s.cfg.Schedule.Retention
	if retention <= 0 {
		return 0, nil
	}
	archives, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(archives) <= retention {
		return 0, nil
	}

	removed := 0
	for _, archive := range archives[retention:] {
		if err := os.Remove(archive.Path); err != nil {
			s.logger.Warn("removing old backup failed",
				slog.String("file", archive.Filename),
				slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("old backups removed", slog.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) extension() string {
	if s.cfg.Format == "bzip2" {
		return "bz2"
	}
	return "xz"
}

// compressor wraps w in the configured compression writer.
func (s *Service) compressor(w io.Writer) (io.WriteCloser, error) {
	if s.cfg.Format == "bzip2" {
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	}
	return xz.NewWriter(w)
}

func (s *Service) writeArchive(
	w io.Writer,
	now time.Time,
	templates []*models.Template,
	requests []*models.Request,
	secretNames []string,
) error {
	compressed, err := s.compressor(w)
	if err != nil {
		return fmt.Errorf("creating %s writer: %w", s.cfg.Format, err)
	}
	tw := tar.NewWriter(compressed)

	entries := []struct {
		name string
		data any
	}{
		{"manifest.json", manifest{
			Version:   manifestVersion,
			CreatedAt: now,
			Format:    s.cfg.Format,
			Templates: len(templates),
			Requests:  len(requests),
			Secrets:   len(secretNames),
		}},
		{"templates.json", templates},
		{"requests.json", requests},
		{"secret_names.json", secretNames},
	}
	for _, entry := range entries {
		if err := writeJSONEntry(tw, entry.name, now, entry.data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return fmt.Errorf("closing %s stream: %w", s.cfg.Format, err)
	}
	return nil
}

func writeJSONEntry(tw *tar.Writer, name string, modTime time.Time, data any) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(payload)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing %s header: %w", name, err)
	}
	if _, err := tw.Write(payload); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func (s *Service) allRequests(ctx context.Context) ([]*models.Request, error) {
	var all []*models.Request
	for offset := 0; ; offset += requestPageSize {
		page, _, err := s.requests.List(ctx, nil, offset, requestPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < requestPageSize {
			return all, nil
		}
	}
}
