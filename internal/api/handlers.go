package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func (s *Server) handleListBots(w http.ResponseWriter, _ *http.Request) {
	type botView struct {
		models.Bot
		Running bool  `json:"running"`
		SelfID  int64 `json:"self_id,omitempty"`
	}
	out := make([]botView, 0)
	for _, rb := range s.platform.List() {
		out = append(out, botView{
			Bot:     *rb.Record,
			Running: true,
			SelfID:  rb.Adapter.SelfID(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var bot models.Bot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if bot.Name == "" || bot.AdapterName == "" {
		writeError(w, http.StatusBadRequest, "name and adapter are required")
		return
	}
	if err := s.platform.CreateBot(r.Context(), &bot); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uuid": bot.UUID})
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	var bot models.Bot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bot.UUID = r.PathValue("uuid")
	if err := s.platform.UpdateBot(r.Context(), &bot); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	err := s.platform.DeleteBot(r.Context(), r.PathValue("uuid"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	type modelView struct {
		Name              string `json:"name"`
		Requester         string `json:"requester"`
		ToolCallSupported bool   `json:"tool_call_supported"`
	}
	out := make([]modelView, 0)
	for _, m := range s.models.List() {
		out = append(out, modelView{
			Name:              m.Name,
			Requester:         m.Requester.Name(),
			ToolCallSupported: m.ToolCallSupported,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.host.List()})
}

func (s *Server) handleTogglePlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enable bool `json:"enable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.host.SetEnabled(r.PathValue("name"), req.Enable); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.configfn()
	var data any
	switch r.PathValue("bundle") {
	case "command":
		data = snap.Command
	case "pipeline":
		data = snap.Pipeline
	case "platform":
		data = snap.Platform
	case "provider":
		data = redactProvider(snap.Provider)
	case "system":
		data = snap.System
	default:
		writeError(w, http.StatusNotFound, "unknown bundle")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// redactProvider masks API keys before they leave the process.
func redactProvider(cfg *config.ProviderConfig) *config.ProviderConfig {
	out := *cfg
	out.Keys = make(map[string][]string, len(cfg.Keys))
	for requester, keys := range cfg.Keys {
		masked := make([]string, len(keys))
		for i := range keys {
			masked[i] = "******"
		}
		out.Keys[requester] = masked
	}
	return &out
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bundle := r.PathValue("bundle")
	if err := s.configmgr.UpdateBundle(bundle, raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("settings updated", "bundle", bundle)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	type sessionView struct {
		Key           string `json:"key"`
		Concurrency   int64  `json:"concurrency"`
		Conversations int    `json:"conversations"`
		LastInteract  string `json:"last_interact"`
	}
	out := make([]sessionView, 0)
	for _, sess := range s.sessmgr.List() {
		out = append(out, sessionView{
			Key:           sess.Key(),
			Concurrency:   sess.Concurrency,
			Conversations: len(sess.Conversations()),
			LastInteract:  sess.LastInteract().Format("2006-01-02 15:04:05"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.List()})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := s.ring.After(after, limit)
	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": entries,
		"next": next,
	})
}
