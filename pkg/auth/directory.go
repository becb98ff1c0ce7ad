package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/txctx"
)

// MemoryDirectory keeps principals in a map
type MemoryDirectory struct {
	mu         sync.RWMutex
	principals map[string]*Principal
}

// NewMemoryDirectory creates a directory pre-populated with the given ids
func NewMemoryDirectory(ids ...string) *MemoryDirectory {
	d := &MemoryDirectory{principals: make(map[string]*Principal)}
	for _, id := range ids {
		d.principals[id] = &Principal{ID: id, Username: id, IsActive: true, CreatedAt: time.Now().UTC()}
	}
	return d
}

// Register adds or replaces a principal
func (d *MemoryDirectory) Register(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	d.principals[p.ID] = &stored
	return nil
}

// Lookup returns a copy of the principal
func (d *MemoryDirectory) Lookup(ctx context.Context, id string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	out := *p
	return &out, nil
}

// SQLDirectory reads principals from the principals table
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a new SQLDirectory
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// EnsureSchema creates the principals table if it doesn't exist
func (d *SQLDirectory) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS principals (
			id VARCHAR(255) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			email VARCHAR(255),
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create principals table: %w", err)
	}
	return nil
}

// Register inserts a principal, updating username and email if it exists
func (d *SQLDirectory) Register(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO principals (id, username, email, is_bot, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, email = excluded.email
	`
	_, err := txctx.ExecerFor(ctx, d.db).ExecContext(ctx, query,
		p.ID, p.Username, sql.NullString{String: p.Email, Valid: p.Email != ""}, p.IsBot, p.IsActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to register principal: %w", err)
	}
	return nil
}

// Lookup retrieves a principal by ID
func (d *SQLDirectory) Lookup(ctx context.Context, id string) (*Principal, error) {
	query := `
		SELECT id, username, email, is_bot, is_active, created_at
		FROM principals
		WHERE id = $1
	`
	p := &Principal{}
	var email sql.NullString
	err := txctx.ExecerFor(ctx, d.db).QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Username, &email, &p.IsBot, &p.IsActive, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	if email.Valid {
		p.Email = email.String
	}
	return p, nil
}
