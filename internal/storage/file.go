package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/pkg/logger"
)

const defaultRecordDir = "./data/accounts"

// recordDocument is the on-disk form of a record. TOML integers are signed,
// so the id field carries the uint64 account id bit-cast to int64; the
// filename keeps the unsigned decimal spelling.
type recordDocument struct {
	ID         int64                        `toml:"id"`
	State      account.State                `toml:"state"`
	Pending    *account.VerificationContext `toml:"pending,omitempty"`
	Attributes *account.Attributes          `toml:"attributes,omitempty"`
	Tokens     map[string]account.Token     `toml:"tokens,omitempty"`
	Reset      *account.VerificationContext `toml:"reset,omitempty"`
}

func newRecordDocument(rec account.Record) recordDocument {
	return recordDocument{
		ID:         int64(rec.ID),
		State:      rec.State,
		Pending:    rec.Pending,
		Attributes: rec.Attributes,
		Tokens:     rec.Tokens,
		Reset:      rec.Reset,
	}
}

func (d recordDocument) record() account.Record {
	return account.Record{
		ID:         uint64(d.ID),
		State:      d.State,
		Pending:    d.Pending,
		Attributes: d.Attributes,
		Tokens:     d.Tokens,
		Reset:      d.Reset,
	}
}

// FileStore persists one TOML document per account under a flat directory,
// named <id>.toml. Writes go through a temp file and rename so a crash never
// leaves a half-written record behind.
type FileStore struct {
	dir string
	log *zap.Logger
}

// NewFileStore creates the record directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = defaultRecordDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir %s: %w", dir, err)
	}
	return &FileStore{
		dir: dir,
		log: logger.WithModule("storage.file"),
	}, nil
}

func (s *FileStore) path(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.toml", id))
}

// LoadAll reads every record in the directory. Malformed files are logged
// and skipped rather than failing the whole startup.
func (s *FileStore) LoadAll(ctx context.Context) ([]account.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read record dir %s: %w", s.dir, err)
	}

	records := make([]account.Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable record", zap.String("path", path), zap.Error(err))
			continue
		}

		var doc recordDocument
		if err := toml.Unmarshal(data, &doc); err != nil {
			s.log.Warn("skipping malformed record", zap.String("path", path), zap.Error(err))
			continue
		}
		records = append(records, doc.record())
	}
	return records, nil
}

// Save writes the record atomically.
func (s *FileStore) Save(_ context.Context, rec account.Record) error {
	data, err := toml.Marshal(newRecordDocument(rec))
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".%d-*.tmp", rec.ID))
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record %d: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record %d: %w", rec.ID, err)
	}

	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename record %d: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record file; a missing file is not an error.
func (s *FileStore) Delete(_ context.Context, id uint64) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
