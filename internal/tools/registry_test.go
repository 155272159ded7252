package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

func openTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := NewRegistry(s, nil)
	if err := r.Seed(context.Background(), DefaultTools()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return r, s
}

func TestSeed(t *testing.T) {
	r, _ := openTestRegistry(t)
	tools, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]string{
		"browser":            "browser",
		"linkedin":           "linkedin",
		"youtube_transcript": "youtube",
		"youtube_summary":    "youtube",
	}
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for _, tool := range tools {
		if want[tool.Name] != tool.Category {
			t.Errorf("%s category = %q, want %q", tool.Name, tool.Category, want[tool.Name])
		}
		if !tool.IsEnabled {
			t.Errorf("%s disabled after seed", tool.Name)
		}
	}
}

func TestSeed_KeepsDisabledFlag(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()
	if err := r.SetEnabled(ctx, "linkedin", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := r.Seed(ctx, DefaultTools()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	tool, err := r.Get(ctx, "linkedin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tool.IsEnabled {
		t.Error("reseed re-enabled a disabled tool")
	}
}

func TestValidate(t *testing.T) {
	r, s := openTestRegistry(t)
	ctx := context.Background()

	tool, err := r.Validate(ctx, 1, "linkedin", map[string]any{
		"action": "send_connection", "profile_url": "https://linkedin.com/in/pm",
		"chat_id": "42", "request": "connect with the PM", "max_retries": float64(1),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tool.Category != "linkedin" {
		t.Errorf("Category = %q, want linkedin", tool.Category)
	}

	tests := []struct {
		name     string
		taskType string
		data     map[string]any
		wantErr  string
	}{
		{"unknown type", "fax", map[string]any{}, `unknown task type "fax"`},
		{"missing action", "linkedin", map[string]any{}, `missing required property "action"`},
		{"bad enum", "linkedin", map[string]any{"action": "hack"}, "is not one of"},
		{"unknown arg", "linkedin", map[string]any{"action": "visit_profile", "cookie": "x"}, `unknown property "cookie"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate(ctx, 1, tt.taskType, tt.data)
			if !taskerr.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	t.Run("disabled tool", func(t *testing.T) {
		if err := s.SetToolEnabled(ctx, "youtube_summary", false); err != nil {
			t.Fatalf("SetToolEnabled: %v", err)
		}
		_, err := r.Validate(ctx, 1, "youtube_summary", map[string]any{"video_url": "u"})
		if !taskerr.IsValidation(err) || !strings.Contains(err.Error(), "disabled") {
			t.Errorf("err = %v, want disabled validation error", err)
		}
	})
}

func TestValidate_UserPreference(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := r.SetPreference(ctx, storage.ToolPreference{UserID: 7, ToolName: "browser", Enabled: false}); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	data := map[string]any{"action": "navigate", "url": "https://example.com"}
	if _, err := r.Validate(ctx, 7, "browser", data); !taskerr.IsValidation(err) {
		t.Errorf("user 7: err = %v, want validation error", err)
	}
	if _, err := r.Validate(ctx, 8, "browser", data); err != nil {
		t.Errorf("user 8: %v", err)
	}

	if err := r.SetPreference(ctx, storage.ToolPreference{UserID: 7, ToolName: "nope"}); !taskerr.IsValidation(err) {
		t.Errorf("unknown tool preference: err = %v, want validation error", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	content := `tools:
  - name: linkedin
    description: LinkedIn without job applications
    category: linkedin
    version: "2.0"
    parameters:
      type: object
      properties:
        action:
          type: string
          enum: [visit_profile, send_connection]
      required: [action]
  - name: calendar
    category: productivity
    enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d tools, want 2", len(defs))
	}
	if !defs[0].IsEnabled || defs[1].IsEnabled {
		t.Errorf("enabled = %v, %v; want true, false", defs[0].IsEnabled, defs[1].IsEnabled)
	}
	if err := ValidateArgs(defs[0].Parameters, map[string]any{"action": "apply_job"}); err == nil {
		t.Error("file schema should restrict the action enum")
	}

	merged := Merge(DefaultTools(), defs)
	if len(merged) != 5 {
		t.Fatalf("merged %d tools, want 5", len(merged))
	}
	if merged[1].Name != "linkedin" || merged[1].Version != "2.0" {
		t.Errorf("merged[1] = %s v%s, want the file's linkedin", merged[1].Name, merged[1].Version)
	}
	if merged[4].Name != "calendar" {
		t.Errorf("merged[4] = %s, want calendar", merged[4].Name)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	dup := filepath.Join(dir, "dup.yaml")
	os.WriteFile(dup, []byte("tools:\n  - name: a\n  - name: a\n"), 0o644)
	if _, err := LoadFile(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v, want duplicate error", err)
	}
	noName := filepath.Join(dir, "noname.yaml")
	os.WriteFile(noName, []byte("tools:\n  - category: x\n"), 0o644)
	if _, err := LoadFile(noName); err == nil {
		t.Error("entry without name should fail")
	}
}
