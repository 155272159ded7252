package tools

import (
	"fmt"
	"os"

	"github.com/kalambet/taskmem/internal/storage"
	"gopkg.in/yaml.v3"
)

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// DefaultTools is the built-in registry seed.
func DefaultTools() []storage.Tool {
	return []storage.Tool{
		{
			Name:        "browser",
			Description: "Drive a headless browser: navigate, click, type, extract, screenshot, scroll",
			Category:    "browser",
			IsEnabled:   true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []any{"navigate", "click", "type", "extract", "screenshot", "scroll"},
					},
					"url":       str("URL for navigation"),
					"selector":  str("CSS selector"),
					"text":      str("Text to type"),
					"direction": map[string]any{"type": "string", "enum": []any{"up", "down"}},
					"fields":    map[string]any{"type": "array", "description": "Fields to extract"},
				},
				"required": []any{"action"},
			},
		},
		{
			Name:        "linkedin",
			Description: "LinkedIn automation: profiles, connection requests, messages, people search, job applications",
			Category:    "linkedin",
			IsEnabled:   true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []any{"visit_profile", "send_connection", "send_message", "search_people", "get_profile_info", "apply_job"},
					},
					"profile_url": str("Profile URL"),
					"query":       str("Search query"),
					"message":     str("Message content"),
					"note":        str("Connection note"),
					"filters":     map[string]any{"type": "object", "description": "Search filters"},
					"resume_path": str("Resume file path"),
					"job_url":     str("Job posting URL"),
				},
				"required":             []any{"action"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "youtube_transcript",
			Description: "Extract the transcript of a YouTube video",
			Category:    "youtube",
			IsEnabled:   true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"video_url": str("YouTube video URL"),
					"language":  str("Transcript language, default en"),
				},
				"required": []any{"video_url"},
			},
		},
		{
			Name:        "youtube_summary",
			Description: "Summarize the content of a YouTube video",
			Category:    "youtube",
			IsEnabled:   true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"video_url":      str("YouTube video URL"),
					"summary_length": map[string]any{"type": "string", "enum": []any{"short", "medium", "long"}},
				},
				"required": []any{"video_url"},
			},
		},
	}
}

type fileTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Category    string         `yaml:"category"`
	Version     string         `yaml:"version"`
	Enabled     *bool          `yaml:"enabled"`
	Parameters  map[string]any `yaml:"parameters"`
}

type toolsFile struct {
	Tools []fileTool `yaml:"tools"`
}

// LoadFile reads tool definitions from a YAML file of the form
//
//	tools:
//	  - name: linkedin
//	    category: linkedin
//	    parameters: {type: object, properties: {...}, required: [action]}
//
// Tools default to enabled.
func LoadFile(path string) ([]storage.Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tools file: %w", err)
	}
	var f toolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tools file: %w", err)
	}

	out := make([]storage.Tool, 0, len(f.Tools))
	seen := make(map[string]bool)
	for i, t := range f.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools file: entry %d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tools file: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		out = append(out, storage.Tool{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Version:     t.Version,
			IsEnabled:   enabled,
			Parameters:  t.Parameters,
		})
	}
	return out, nil
}

// Merge overlays extra onto base by tool name, keeping base order and
// appending new tools.
func Merge(base, extra []storage.Tool) []storage.Tool {
	index := make(map[string]int, len(base))
	out := make([]storage.Tool, len(base))
	copy(out, base)
	for i, t := range out {
		index[t.Name] = i
	}
	for _, t := range extra {
		if i, ok := index[t.Name]; ok {
			out[i] = t
			continue
		}
		index[t.Name] = len(out)
		out = append(out, t)
	}
	return out
}
