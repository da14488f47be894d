package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/okozlov/tgwatch/pkg/config"
)

// Postgres stores documents in a single key/value table, as an alternative to
// JSON files for deployments that already run a database.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &Postgres{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *Postgres) initializeSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("error creating documents table: %v", err)
	}
	return nil
}

// Document returns the document stored under the given key.
func (s *Postgres) Document(key string) Document {
	return &pgDocument{db: s.db, key: key}
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

type pgDocument struct {
	db  *sql.DB
	key string
}

func (d *pgDocument) Load() ([]byte, error) {
	var data []byte
	err := d.db.QueryRow(`SELECT data FROM documents WHERE key = $1`, d.key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading document %s: %v", d.key, err)
	}
	return data, nil
}

func (d *pgDocument) Save(data []byte) error {
	query := `
		INSERT INTO documents (key, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`

	if _, err := d.db.Exec(query, d.key, data); err != nil {
		return fmt.Errorf("error saving document %s: %v", d.key, err)
	}
	return nil
}
