package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// --- Users ---

func (s *Store) EnsureUser(ctx context.Context, id int64) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, now, now)
	return err
}

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	prefs, err := encodeJSON(u.Preferences, "{}")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, preferences, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			preferences = excluded.preferences,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		u.ID, u.Username, u.DisplayName, prefs, boolInt(u.IsActive), now, now,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var prefs, createdAt, updatedAt string
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, preferences, is_active, created_at, updated_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &prefs, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsActive = active == 1
	if err := decodeJSON(prefs, &u.Preferences); err != nil {
		return User{}, fmt.Errorf("decoding preferences: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return User{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return u, nil
}

// SetUserPreference updates one key of the preferences map with json_set so
// concurrent writers of different keys do not overwrite each other.
func (s *Store) SetUserPreference(ctx context.Context, id int64, key, value string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET preferences = json_set(preferences, '$.' || json_quote(?), ?), updated_at = ?
		WHERE id = ?`, key, value, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = 0, updated_at = ? WHERE id = ?`, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// --- Conversations ---

func (s *Store) AddConversation(ctx context.Context, c Conversation) (int64, error) {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	createdAt := s.timestamp()
	if !c.CreatedAt.IsZero() {
		createdAt = formatTime(c.CreatedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, category, input, response, intent_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Category, c.Input, c.Response, c.IntentType, meta, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, input, response, intent_type, metadata, created_at
		FROM conversations WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var meta, createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Category, &c.Input, &c.Response, &c.IntentType, &meta, &createdAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Contacts ---

func (s *Store) UpsertContact(ctx context.Context, c Contact) (int64, error) {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	now := s.timestamp()
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (user_id, profile_url, name, headline, company, connection_status, notes, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, profile_url) DO UPDATE SET
			name = excluded.name,
			headline = excluded.headline,
			company = excluded.company,
			connection_status = excluded.connection_status,
			notes = excluded.notes,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id`,
		c.UserID, c.ProfileURL, c.Name, c.Headline, c.Company, c.ConnectionStatus, c.Notes, meta, now, now,
	).Scan(&id)
	return id, err
}

const contactColumns = `id, user_id, profile_url, name, headline, company, connection_status, notes, metadata, created_at, updated_at`

func scanContact(r rowScanner) (Contact, error) {
	var c Contact
	var meta, createdAt, updatedAt string
	if err := r.Scan(&c.ID, &c.UserID, &c.ProfileURL, &c.Name, &c.Headline, &c.Company,
		&c.ConnectionStatus, &c.Notes, &meta, &createdAt, &updatedAt); err != nil {
		return Contact{}, err
	}
	if err := decodeJSON(meta, &c.Metadata); err != nil {
		return Contact{}, fmt.Errorf("decoding metadata: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Contact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Contact{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) GetContact(ctx context.Context, userID int64, profileURL string) (Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND profile_url = ?`, userID, profileURL))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListContacts(ctx context.Context, userID int64, limit int) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
