package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencampus/registrar/internal/account"
)

// RecordStore is the durable collaborator behind the in-memory registry.
// Records are keyed by account id; the registry reads everything once at
// startup and writes single records after mutations.
type RecordStore interface {
	LoadAll(ctx context.Context) ([]account.Record, error)
	Save(ctx context.Context, rec account.Record) error
	Delete(ctx context.Context, id uint64) error
	Close() error
}

// Config selects and parameterizes the durable backend.
type Config struct {
	Driver   string // file, sqlite, postgres or mysql
	Dir      string // record directory when Driver == file
	Path     string // database path when Driver == sqlite
	DSN      string // optional DSN override for database drivers
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Options  map[string]string
}

// Open initialises the record store for the configured driver.
func Open(cfg Config) (RecordStore, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		driver = "file"
	}

	switch driver {
	case "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		db, err := openSQLite(cfg)
		if err != nil {
			return nil, err
		}
		return NewDatabaseStore(db)
	case "postgres", "postgresql":
		db, err := openPostgres(cfg)
		if err != nil {
			return nil, err
		}
		return NewDatabaseStore(db)
	case "mysql", "mariadb":
		db, err := openMySQL(cfg)
		if err != nil {
			return nil, err
		}
		return NewDatabaseStore(db)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
