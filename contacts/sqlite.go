package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDirectory implements Directory on a local SQLite database.
type SQLiteDirectory struct {
	db *sql.DB
	// meMu serializes creation of the local user's profile.
	meMu sync.Mutex
}

// NewSQLiteDirectory opens (or creates) the database at path.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &SQLiteDirectory{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *SQLiteDirectory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS people (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		is_me INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_people_name_key ON people(name_key);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_people_me ON people(is_me) WHERE is_me = 1;
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLiteDirectory) insert(ctx context.Context, name, email string, isMe bool) (Person, error) {
	name = cleanName(name)
	if name == "" {
		return Person{}, ErrEmptyName
	}
	now := time.Now().UTC()
	p := Person{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     email,
		IsMe:      isMe,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO people (id, name, name_key, email, is_me, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nameKey(p.Name), p.Email, isMe, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Person{}, fmt.Errorf("failed to insert person: %w", err)
	}
	return p, nil
}

// Create adds a person.
func (d *SQLiteDirectory) Create(ctx context.Context, name, email string) (Person, error) {
	return d.insert(ctx, name, email, false)
}

const selectPeople = `SELECT id, name, email, is_me, created_at, updated_at FROM people`

func scanPerson(row interface{ Scan(...any) error }) (Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.IsMe, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Get returns one person.
func (d *SQLiteDirectory) Get(ctx context.Context, id string) (Person, error) {
	p, err := scanPerson(d.db.QueryRowContext(ctx, selectPeople+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Person{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Person{}, fmt.Errorf("failed to get person: %w", err)
	}
	return p, nil
}

// FindByName returns people whose name matches case-insensitively.
func (d *SQLiteDirectory) FindByName(ctx context.Context, name string) ([]Person, error) {
	return d.query(ctx, selectPeople+` WHERE name_key = ? ORDER BY created_at`, nameKey(cleanName(name)))
}

// List returns everybody, the local user first.
func (d *SQLiteDirectory) List(ctx context.Context) ([]Person, error) {
	return d.query(ctx, selectPeople+` ORDER BY is_me DESC, name_key`)
}

func (d *SQLiteDirectory) query(ctx context.Context, q string, args ...any) ([]Person, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Rename changes a person's name.
func (d *SQLiteDirectory) Rename(ctx context.Context, id, name string) error {
	name = cleanName(name)
	if name == "" {
		return ErrEmptyName
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE people SET name = ?, name_key = ?, updated_at = ? WHERE id = ?`,
		name, nameKey(name), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename person: %w", err)
	}
	return affected(res, id)
}

// Delete removes a person.
func (d *SQLiteDirectory) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM people WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete person: %w", err)
	}
	return affected(res, id)
}

// Me returns the local user's profile, creating it on first use.
func (d *SQLiteDirectory) Me(ctx context.Context) (Person, error) {
	d.meMu.Lock()
	defer d.meMu.Unlock()

	p, err := scanPerson(d.db.QueryRowContext(ctx, selectPeople+` WHERE is_me = 1`))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Person{}, fmt.Errorf("failed to get own profile: %w", err)
	}
	return d.insert(ctx, DefaultMeName, "", true)
}

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
