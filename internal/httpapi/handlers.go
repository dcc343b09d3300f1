package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// syncRequest embeds SyncOptions but re-declares Limit as a pointer so a
// body with an explicit "limit": 0 can be told apart from an omitted one —
// json.Unmarshal resolves the shallower Limit field and leaves the
// embedded SyncOptions.Limit at its zero value, so opts.Limit below is
// always assigned from the pointer once decode succeeds.
type syncRequest struct {
	types.SyncOptions
	Limit *int `json:"limit"`
}

// handleSync runs POST /api/sync: a SyncOptions body against one account's
// Sync Service. An explicit limit of zero is honored as "do nothing" per
// spec.md §8, short-circuiting before any fetch.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid sync request body", err)
			return
		}
	}

	opts := req.SyncOptions
	if req.Limit != nil {
		opts.Limit = *req.Limit
	}

	account := opts.AccountName
	if account == "" {
		if def := s.cfg.DefaultAccount(); def != nil {
			account = def.Name
		}
	}

	svc, ok := s.syncs[account]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account", nil)
		return
	}

	if req.Limit != nil && *req.Limit == 0 {
		result := &types.SyncResult{SyncType: opts.SyncType}
		s.recordResult(account, result, nil)
		writeJSON(w, http.StatusOK, result)
		return
	}

	result, err := svc.Run(r.Context(), opts)
	s.recordResult(account, result, err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSyncStatus serves GET /api/sync/status: the last run summary for
// the requested (or default) account.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		if def := s.cfg.DefaultAccount(); def != nil {
			account = def.Name
		}
	}
	st, ok := s.status(account)
	if !ok {
		writeError(w, http.StatusNotFound, "no sync has run for this account yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleInbox serves GET /api/emails/inbox?limit=N&includeRead=bool.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.SearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}
	includeRead := false
	if v := r.URL.Query().Get("includeRead"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid includeRead", err)
			return
		}
		includeRead = b
	}

	results, err := s.store.Recent(r.Context(), limit, includeRead)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list inbox", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// searchRequest embeds SearchCriteria but re-declares Limit as a pointer,
// for the same reason as syncRequest: telling an explicit "limit": 0 apart
// from an omitted one.
type searchRequest struct {
	types.SearchCriteria
	Limit *int `json:"limit"`
}

// handleSearch serves POST /api/emails/search: a SearchCriteria body. An
// explicit limit of zero returns an empty result and never reaches Search,
// per spec.md §8.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid search criteria", err)
		return
	}

	if req.Limit != nil && *req.Limit == 0 {
		writeJSON(w, http.StatusOK, []*types.EmailSummary{})
		return
	}

	criteria := req.SearchCriteria
	if req.Limit != nil {
		criteria.Limit = *req.Limit
	}
	if criteria.Limit == 0 {
		criteria.Limit = s.cfg.SearchLimit
	}

	results, err := s.store.Search(r.Context(), criteria)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleGetEmail serves GET /api/email/:messageId: a single record with
// attachments and recipients.
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageId"]
	email, err := s.store.GetByMessageID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "email not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load email", err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

type batchRequest struct {
	IDs []int64 `json:"ids"`
}

// handleBatch serves POST /api/emails/batch: ids[] -> records.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch request", err)
		return
	}
	emails, err := s.store.GetByIDs(r.Context(), req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "batch fetch failed", err)
		return
	}
	writeJSON(w, http.StatusOK, emails)
}

// handleListeners serves GET /api/listeners: {listeners, stats}.
func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listeners": s.registry.GetAll(),
		"stats":     s.registry.Stats(),
	})
}

// handleListenerSource serves GET /api/listener/:filename: config + raw
// source text, read straight off disk since the registry only keeps the
// compiled proto in memory.
func (s *Server) handleListenerSource(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	var match *types.ListenerConfig
	for _, cfg := range s.registry.GetAll() {
		if filepath.Base(cfg.Path) == filename {
			c := cfg
			match = &c
			break
		}
	}
	if match == nil {
		writeError(w, http.StatusNotFound, "listener not found", nil)
		return
	}

	source, err := os.ReadFile(match.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read listener source", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config": match,
		"source": string(source),
	})
}
