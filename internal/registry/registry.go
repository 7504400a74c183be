// Package registry keeps a SQLite ledger of the datasets that were built.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/menta2k/dataset-maker/internal/utils"
)

// ErrNotFound is returned by Get for unknown ids
var ErrNotFound = errors.New("dataset not found")

// Entry is one recorded dataset build
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SourceDir  string    `json:"source_dir"`
	OutputDir  string    `json:"output_dir"`
	Descriptor string    `json:"descriptor"`
	NumClasses int       `json:"num_classes"`
	ClassNames []string  `json:"class_names"`
	TrainCount int       `json:"train_count"`
	ValCount   int       `json:"val_count"`
	Skipped    int       `json:"skipped"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry is the SQLite-backed ledger
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at dataSourceName
func Open(dataSourceName string) (*Registry, error) {
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	if dbDir := filepath.Dir(dbPath); dbDir != "." && dbDir != "" {
		if err := utils.EnsureDir(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &Registry{db: db}, nil
}

func createTables(db *sql.DB) error {
	createDatasetsTable := `
    CREATE TABLE IF NOT EXISTS datasets (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        source_dir TEXT NOT NULL,
        output_dir TEXT NOT NULL,
        descriptor TEXT,
        num_classes INTEGER NOT NULL DEFAULT 0,
        class_names TEXT NOT NULL,
        train_count INTEGER NOT NULL DEFAULT 0,
        val_count INTEGER NOT NULL DEFAULT 0,
        skipped INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_datasets_created_at ON datasets(created_at);
    `

	if _, err := db.Exec(createDatasetsTable); err != nil {
		return fmt.Errorf("error creating datasets table: %w", err)
	}
	return nil
}

// Close closes the database
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Record stores e, filling in ID and CreatedAt when empty, and returns the
// stored entry
func (r *Registry) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Second)
	if e.Name == "" {
		e.Name = filepath.Base(e.OutputDir)
	}
	if e.ClassNames == nil {
		e.ClassNames = []string{}
	}

	names, err := json.Marshal(e.ClassNames)
	if err != nil {
		return Entry{}, fmt.Errorf("error marshaling class names: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO datasets (id, name, source_dir, output_dir, descriptor, num_classes,
            class_names, train_count, val_count, skipped, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.SourceDir, e.OutputDir, e.Descriptor, e.NumClasses,
		string(names), e.TrainCount, e.ValCount, e.Skipped, e.Status, e.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("error inserting dataset: %w", err)
	}
	return e, nil
}

const selectColumns = `id, name, source_dir, output_dir, descriptor, num_classes,
    class_names, train_count, val_count, skipped, status, created_at`

// List returns the most recent entries first; limit <= 0 returns all
func (r *Registry) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM datasets ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying datasets: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasets: %w", err)
	}
	return entries, nil
}

// Get returns the entry with the given id
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM datasets WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e          Entry
		descriptor sql.NullString
		names      string
	)
	err := s.Scan(&e.ID, &e.Name, &e.SourceDir, &e.OutputDir, &descriptor, &e.NumClasses,
		&names, &e.TrainCount, &e.ValCount, &e.Skipped, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("error scanning dataset: %w", err)
	}
	e.Descriptor = descriptor.String
	if err := json.Unmarshal([]byte(names), &e.ClassNames); err != nil {
		return Entry{}, fmt.Errorf("error unmarshaling class names: %w", err)
	}
	return e, nil
}
