// Package secrets stores named credentials encrypted at rest. Values are
// fernet tokens in the secrets table: the first configured key encrypts, every
// configured key may decrypt, so keys rotate by prepending a new one and
// re-saving secrets at leisure.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fernet/fernet-go"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

var (
	// ErrNoKeys is returned when the store is built without any key.
	ErrNoKeys = errors.New("no secret keys configured")

	// ErrNotFound is returned when the named secret does not exist.
	ErrNotFound = errors.New("secret not found")

	// ErrUndecryptable is returned when no configured key can open the
	// stored ciphertext. Usually the encrypting key was rotated out.
	ErrUndecryptable = errors.New("secret cannot be decrypted with the configured keys")
)

// Store encrypts and decrypts named secrets over the secret repository.
type Store struct {
	repo   repository.SecretRepository
	keys   []*fernet.Key
	logger *slog.Logger
}

// NewStore creates a store from base64 fernet keys, newest first.
func NewStore(repo repository.SecretRepository, encodedKeys []string) (*Store, error) {
	if len(encodedKeys) == 0 {
		return nil, ErrNoKeys
	}
	keys, err := fernet.DecodeKeys(encodedKeys...)
	if err != nil {
		return nil, fmt.Errorf("decoding secret keys: %w", err)
	}
	return &Store{
		repo:   repo,
		keys:   keys,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger for the store.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if logger != nil {
		s.logger = logger.With(slog.String("component", "secrets"))
	}
	return s
}

// Set encrypts value with the newest key and upserts it under name.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if name == "" {
		return models.ErrSecretNameRequired
	}
	token, err := fernet.EncryptAndSign([]byte(value), s.keys[0])
	if err != nil {
		return fmt.Errorf("encrypting secret %q: %w", name, err)
	}
	secret := &models.Secret{Name: name, Ciphertext: string(token)}
	if err := s.repo.Upsert(ctx, secret); err != nil {
		return fmt.Errorf("storing secret %q: %w", name, err)
	}
	s.logger.Info("secret stored", slog.String("name", name))
	return nil
}

// Get decrypts the named secret. Tokens have no TTL; a stored secret is valid
// until deleted or its key is rotated out.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	secret, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("loading secret %q: %w", name, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	plaintext := fernet.VerifyAndDecrypt([]byte(secret.Ciphertext), 0, s.keys)
	if plaintext == nil {
		return "", fmt.Errorf("secret %q: %w", name, ErrUndecryptable)
	}
	return string(plaintext), nil
}

// Resolve returns the named secret when name is set, otherwise the inline
// fallback. Configuration references secrets by name so credential values can
// stay out of config files; inline values remain allowed for development.
func (s *Store) Resolve(ctx context.Context, name, fallback string) (string, error) {
	if name == "" {
		return fallback, nil
	}
	return s.Get(ctx, name)
}

// Delete removes the named secret.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.repo.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting secret %q: %w", name, err)
	}
	s.logger.Info("secret deleted", slog.String("name", name))
	return nil
}

// Names lists stored secret names.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	names, err := s.repo.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	return names, nil
}

// GenerateKey returns a fresh base64 fernet key.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("generating secret key: %w", err)
	}
	return key.Encode(), nil
}

// ReadKeyFile loads one base64 key per line, newest first, skipping blank
// lines and #-comments.
func ReadKeyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return keys, nil
}
