// Package httpapi implements the HTTP/WS surface (C8): a thin adapter
// over the Mail Store, Sync Service, and Listener Registry exposing the
// routes spec.md §6 enumerates for the UI collaborator. No business
// logic lives here — every handler resolves arguments, calls into C1/C3/C4,
// and renders the result.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/config"
	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/internal/syncsvc"
)

// Server wires the HTTP surface to the rest of mailkeeper and owns the
// shared http.Server lifecycle, grounded on inbucket-inbucket's
// httpd.Server listen/shutdown split.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *listener.Registry
	syncs    map[string]*syncsvc.Service
	hub      *Hub
	logger   *logrus.Logger

	router *mux.Router
	srv    *http.Server

	mu         sync.Mutex
	lastResult map[string]*syncStatus
}

type syncStatus struct {
	Result   interface{} `json:"result"`
	RanAt    time.Time   `json:"ranAt"`
	Error    string      `json:"error,omitempty"`
}

// New builds a Server. syncs maps account name to its Sync Service, one
// per configured account.
func New(cfg *config.Config, st *store.Store, reg *listener.Registry, syncs map[string]*syncsvc.Service, hub *Hub, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		syncs:      syncs,
		hub:        hub,
		logger:     logger,
		lastResult: make(map[string]*syncStatus),
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/emails/inbox", s.handleInbox).Methods(http.MethodGet)
	s.router.HandleFunc("/api/emails/search", s.handleSearch).Methods(http.MethodPost)
	s.router.HandleFunc("/api/email/{messageId}", s.handleGetEmail).Methods(http.MethodGet)
	s.router.HandleFunc("/api/emails/batch", s.handleBatch).Methods(http.MethodPost)
	s.router.HandleFunc("/api/listeners", s.handleListeners).Methods(http.MethodGet)
	s.router.HandleFunc("/api/listener/{filename}", s.handleListenerSource).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS)
}

// Router exposes the mux.Router directly, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving on cfg.HTTPAddr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.HTTPAddr).Info("http surface listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) recordResult(account string, result interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &syncStatus{Result: result, RanAt: time.Now().UTC()}
	if err != nil {
		st.Error = err.Error()
	}
	s.lastResult[account] = st
}

func (s *Server) status(account string) (*syncStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lastResult[account]
	return st, ok
}
