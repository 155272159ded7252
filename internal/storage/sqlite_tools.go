package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertTool inserts or refreshes a tool definition. An existing row keeps
// its is_enabled flag so operators' choices survive reseeding.
func (s *Store) UpsertTool(ctx context.Context, t Tool) error {
	params, err := encodeJSON(t.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	version := t.Version
	if version == "" {
		version = "1.0"
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_registry (name, description, category, parameters, is_enabled, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			category = excluded.category,
			parameters = excluded.parameters,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		t.Name, t.Description, t.Category, params, boolInt(t.IsEnabled), version, now, now,
	)
	return err
}

const toolColumns = `name, description, category, parameters, is_enabled, version, created_at, updated_at`

func scanTool(r rowScanner) (Tool, error) {
	var t Tool
	var params, createdAt, updatedAt string
	var enabled int
	if err := r.Scan(&t.Name, &t.Description, &t.Category, &params, &enabled, &t.Version, &createdAt, &updatedAt); err != nil {
		return Tool{}, err
	}
	t.IsEnabled = enabled == 1
	if err := decodeJSON(params, &t.Parameters); err != nil {
		return Tool{}, fmt.Errorf("decoding parameters of tool %s: %w", t.Name, err)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Tool{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Tool{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

func (s *Store) GetTool(ctx context.Context, name string) (Tool, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tool_registry WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Tool{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListTools(ctx context.Context) ([]Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tool_registry ORDER BY category ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetToolEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tool_registry SET is_enabled = ?, updated_at = ? WHERE name = ?`,
		boolInt(enabled), s.timestamp(), name)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) SetToolPreference(ctx context.Context, p ToolPreference) error {
	settings, err := encodeJSON(p.Settings, "{}")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_tool_preferences (user_id, tool_name, enabled, settings, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, tool_name) DO UPDATE SET
			enabled = excluded.enabled,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		p.UserID, p.ToolName, boolInt(p.Enabled), settings, s.timestamp(),
	)
	return err
}

func (s *Store) GetToolPreference(ctx context.Context, userID int64, toolName string) (ToolPreference, error) {
	var p ToolPreference
	var settings, updatedAt string
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tool_name, enabled, settings, updated_at
		FROM user_tool_preferences WHERE user_id = ? AND tool_name = ?`, userID, toolName,
	).Scan(&p.UserID, &p.ToolName, &enabled, &settings, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolPreference{}, ErrNotFound
	}
	if err != nil {
		return ToolPreference{}, err
	}
	p.Enabled = enabled == 1
	if err := decodeJSON(settings, &p.Settings); err != nil {
		return ToolPreference{}, fmt.Errorf("decoding settings: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ToolPreference{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}
