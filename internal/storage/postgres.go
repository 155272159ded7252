package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

var _ Repository = (*PGStore)(nil)

// PGConfig holds Postgres connection settings.
type PGConfig struct {
	DSN             string
	Dimensions      int // embedding size covered by the HNSW index
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PGStore is the Postgres backend of Repository. Embeddings live in a
// pgvector column and full-text search uses a trigger-maintained tsvector.
type PGStore struct {
	db         *sql.DB
	dimensions int
	now        func() time.Time
	logger     *slog.Logger
}

// OpenPostgres connects to cfg.DSN, runs pending migrations and makes sure
// the vector index for cfg.Dimensions exists.
func OpenPostgres(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := applyMigrations(db, pgMigrationsFS, "pgmigrations", "$1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &PGStore{db: db, dimensions: cfg.Dimensions, now: time.Now, logger: slog.Default()}
	if err := s.ensureVectorIndex(ctx); err != nil {
		s.logger.Warn("vector index creation failed, nearest-neighbour search will scan", "error", err)
	}
	return s, nil
}

// ensureVectorIndex builds a partial HNSW index over embeddings of the
// configured size. Rows of other sizes stay stored but are not searched.
func (s *PGStore) ensureVectorIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_workflows_embedding_%[1]d ON workflows
		USING hnsw ((embedding::vector(%[1]d)) vector_cosine_ops)
		WHERE vector_dims(embedding) = %[1]d`, s.dimensions))
	return err
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PGStore) AppliedMigrations() ([]int, error) { return appliedMigrations(s.db) }

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *PGStore) DB() *sql.DB { return s.db }

// pgArgs numbers bind parameters while a query is assembled.
type pgArgs []any

func (a *pgArgs) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func pgVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func pgNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Users ---

func (s *PGStore) EnsureUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	return err
}

func (s *PGStore) UpsertUser(ctx context.Context, u User) error {
	prefs, err := encodeJSON(u.Preferences, "{}")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, preferences, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			preferences = EXCLUDED.preferences,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Username, u.DisplayName, prefs, u.IsActive, s.now().UTC(),
	)
	return err
}

func (s *PGStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var prefs string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, preferences::text, is_active, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &prefs, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if err := decodeJSON(prefs, &u.Preferences); err != nil {
		return User{}, fmt.Errorf("decoding preferences: %w", err)
	}
	return u, nil
}

func (s *PGStore) SetUserPreference(ctx context.Context, id int64, key, value string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET preferences = jsonb_set(preferences, ARRAY[$1::text], to_jsonb($2::text)), updated_at = $3
		WHERE id = $4`, key, value, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) DeactivateUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = FALSE, updated_at = $1 WHERE id = $2`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) AddConversation(ctx context.Context, c Conversation) (int64, error) {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (user_id, category, input, response, intent_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7) RETURNING id`,
		c.UserID, c.Category, c.Input, c.Response, c.IntentType, meta, createdAt.UTC(),
	).Scan(&id)
	return id, err
}

func (s *PGStore) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, input, response, intent_type, metadata::text, created_at
		FROM conversations WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var meta string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Category, &c.Input, &c.Response, &c.IntentType, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Contacts ---

const pgContactColumns = `id, user_id, profile_url, name, headline, company, connection_status, notes, metadata::text, created_at, updated_at`

func scanPGContact(r rowScanner) (Contact, error) {
	var c Contact
	var meta string
	if err := r.Scan(&c.ID, &c.UserID, &c.ProfileURL, &c.Name, &c.Headline, &c.Company,
		&c.ConnectionStatus, &c.Notes, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Contact{}, err
	}
	if err := decodeJSON(meta, &c.Metadata); err != nil {
		return Contact{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return c, nil
}

func (s *PGStore) UpsertContact(ctx context.Context, c Contact) (int64, error) {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (user_id, profile_url, name, headline, company, connection_status, notes, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
		ON CONFLICT (user_id, profile_url) DO UPDATE SET
			name = EXCLUDED.name,
			headline = EXCLUDED.headline,
			company = EXCLUDED.company,
			connection_status = EXCLUDED.connection_status,
			notes = EXCLUDED.notes,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		c.UserID, c.ProfileURL, c.Name, c.Headline, c.Company, c.ConnectionStatus, c.Notes, meta, s.now().UTC(),
	).Scan(&id)
	return id, err
}

func (s *PGStore) GetContact(ctx context.Context, userID int64, profileURL string) (Contact, error) {
	c, err := scanPGContact(s.db.QueryRowContext(ctx,
		`SELECT `+pgContactColumns+` FROM contacts WHERE user_id = $1 AND profile_url = $2`, userID, profileURL))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (s *PGStore) ListContacts(ctx context.Context, userID int64, limit int) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgContactColumns+` FROM contacts WHERE user_id = $1 ORDER BY updated_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Contact
	for rows.Next() {
		c, err := scanPGContact(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Tools ---

func (s *PGStore) UpsertTool(ctx context.Context, t Tool) error {
	params, err := encodeJSON(t.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	version := t.Version
	if version == "" {
		version = "1.0"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_registry (name, description, category, parameters, is_enabled, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $7)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			parameters = EXCLUDED.parameters,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		t.Name, t.Description, t.Category, params, t.IsEnabled, version, s.now().UTC(),
	)
	return err
}

const pgToolColumns = `name, description, category, parameters::text, is_enabled, version, created_at, updated_at`

func scanPGTool(r rowScanner) (Tool, error) {
	var t Tool
	var params string
	if err := r.Scan(&t.Name, &t.Description, &t.Category, &params, &t.IsEnabled, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Tool{}, err
	}
	if err := decodeJSON(params, &t.Parameters); err != nil {
		return Tool{}, fmt.Errorf("decoding parameters of tool %s: %w", t.Name, err)
	}
	return t, nil
}

func (s *PGStore) GetTool(ctx context.Context, name string) (Tool, error) {
	t, err := scanPGTool(s.db.QueryRowContext(ctx, `SELECT `+pgToolColumns+` FROM tool_registry WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Tool{}, ErrNotFound
	}
	return t, err
}

func (s *PGStore) ListTools(ctx context.Context) ([]Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pgToolColumns+` FROM tool_registry ORDER BY category ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		t, err := scanPGTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) SetToolEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tool_registry SET is_enabled = $1, updated_at = $2 WHERE name = $3`,
		enabled, s.now().UTC(), name)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) SetToolPreference(ctx context.Context, p ToolPreference) error {
	settings, err := encodeJSON(p.Settings, "{}")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_tool_preferences (user_id, tool_name, enabled, settings, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (user_id, tool_name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.ToolName, p.Enabled, settings, s.now().UTC(),
	)
	return err
}

func (s *PGStore) GetToolPreference(ctx context.Context, userID int64, toolName string) (ToolPreference, error) {
	var p ToolPreference
	var settings string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tool_name, enabled, settings::text, updated_at
		FROM user_tool_preferences WHERE user_id = $1 AND tool_name = $2`, userID, toolName,
	).Scan(&p.UserID, &p.ToolName, &p.Enabled, &settings, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolPreference{}, ErrNotFound
	}
	if err != nil {
		return ToolPreference{}, err
	}
	if err := decodeJSON(settings, &p.Settings); err != nil {
		return ToolPreference{}, fmt.Errorf("decoding settings: %w", err)
	}
	return p, nil
}

// tsQuery ORs keywords for to_tsquery. Keywords are already reduced to
// letters by the extractor; anything else is dropped here.
func tsQuery(keywords []string) string {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, k)
		if k != "" {
			terms = append(terms, strings.ToLower(k))
		}
	}
	return strings.Join(terms, " | ")
}
