package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// UserRequest is the body of PUT /v1/users/{id}.
type UserRequest struct {
	Username    string            `json:"username"`
	DisplayName string            `json:"display_name"`
	Preferences map[string]string `json:"preferences"`
	// IsActive defaults to true; false soft-deletes the user.
	IsActive *bool `json:"is_active,omitempty"`
}

func handlePutUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req UserRequest
		if !decodeBody(w, r, &req) {
			return
		}
		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}
		if err := deps.Repo.UpsertUser(r.Context(), storage.User{
			ID:          id,
			Username:    req.Username,
			DisplayName: req.DisplayName,
			Preferences: req.Preferences,
			IsActive:    active,
		}); err != nil {
			writeError(w, taskerr.Store("upsert user", err))
			return
		}
		u, err := deps.Repo.GetUser(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handlePatchPreferences(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var prefs map[string]string
		if !decodeBody(w, r, &prefs) {
			return
		}
		for key, value := range prefs {
			if strings.TrimSpace(key) == "" {
				writeError(w, taskerr.Validationf("empty preference key"))
				return
			}
			if err := deps.Repo.SetUserPreference(r.Context(), id, key, value); err != nil {
				writeError(w, err)
				return
			}
		}
		u, err := deps.Repo.GetUser(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

// ConversationRequest is the body of POST /v1/users/{id}/conversations.
type ConversationRequest struct {
	Category   string         `json:"category"`
	Input      string         `json:"input"`
	Response   string         `json:"response"`
	IntentType string         `json:"intent_type"`
	Metadata   map[string]any `json:"metadata"`
}

func handleAddConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req ConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Input == "" {
			writeError(w, taskerr.Validationf("input is required"))
			return
		}
		if err := deps.Repo.EnsureUser(r.Context(), id); err != nil {
			writeError(w, taskerr.Store("ensure user", err))
			return
		}
		convID, err := deps.Repo.AddConversation(r.Context(), storage.Conversation{
			UserID:     id,
			Category:   req.Category,
			Input:      req.Input,
			Response:   req.Response,
			IntentType: req.IntentType,
			Metadata:   req.Metadata,
		})
		if err != nil {
			writeError(w, taskerr.Store("add conversation", err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": convID})
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		list, err := deps.Repo.ListConversations(r.Context(), id, parseIntParam(r, "limit", 20, 200))
		if err != nil {
			writeError(w, taskerr.Store("list conversations", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

// ContactRequest is the body of PUT /v1/users/{id}/contacts. Contacts are
// keyed by profile_url.
type ContactRequest struct {
	ProfileURL       string         `json:"profile_url"`
	Name             string         `json:"name"`
	Headline         string         `json:"headline"`
	Company          string         `json:"company"`
	ConnectionStatus string         `json:"connection_status"`
	Notes            string         `json:"notes"`
	Metadata         map[string]any `json:"metadata"`
}

func handlePutContact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req ContactRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ProfileURL == "" {
			writeError(w, taskerr.Validationf("profile_url is required"))
			return
		}
		if err := deps.Repo.EnsureUser(r.Context(), id); err != nil {
			writeError(w, taskerr.Store("ensure user", err))
			return
		}
		if _, err := deps.Repo.UpsertContact(r.Context(), storage.Contact{
			UserID:           id,
			ProfileURL:       req.ProfileURL,
			Name:             req.Name,
			Headline:         req.Headline,
			Company:          req.Company,
			ConnectionStatus: req.ConnectionStatus,
			Notes:            req.Notes,
			Metadata:         req.Metadata,
		}); err != nil {
			writeError(w, taskerr.Store("upsert contact", err))
			return
		}
		c, err := deps.Repo.GetContact(r.Context(), id, req.ProfileURL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleListContacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		list, err := deps.Repo.ListContacts(r.Context(), id, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			writeError(w, taskerr.Store("list contacts", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

func handleListTools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Tools.List(r.Context())
		if err != nil {
			writeError(w, taskerr.Store("list tools", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

func handleUpdateTool(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Enabled == nil {
			writeError(w, taskerr.Validationf("enabled is required"))
			return
		}
		if err := deps.Tools.SetEnabled(r.Context(), name, *body.Enabled); err != nil {
			writeError(w, err)
			return
		}
		tool, err := deps.Tools.Get(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tool)
	}
}

// ToolPreferenceRequest is the body of PUT /v1/users/{id}/tools/{name}.
type ToolPreferenceRequest struct {
	Enabled  bool           `json:"enabled"`
	Settings map[string]any `json:"settings"`
}

func handlePutToolPreference(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		name := chi.URLParam(r, "name")
		var req ToolPreferenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Tools.SetPreference(r.Context(), storage.ToolPreference{
			UserID:   id,
			ToolName: name,
			Enabled:  req.Enabled,
			Settings: req.Settings,
		}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "tool": name, "enabled": req.Enabled})
	}
}
