// Package server exposes the HTTP control API: status, hop control,
// history queries, config updates and an SSE log stream.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	cberrors "github.com/chaoslab/chaosbot/internal/errors"
	"github.com/chaoslab/chaosbot/internal/history"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/orchestrator"
)

// HistoryStore is the slice of the history store the API consumes.
type HistoryStore interface {
	Query(f history.Filter) ([]history.Entry, error)
	Clear() (int64, error)
}

// Server routes control-plane requests to the orchestrator.
type Server struct {
	orch  *orchestrator.Orchestrator
	store HistoryStore
	log   *logging.Logger
}

// New builds the control server. store may be nil when history is
// disabled.
func New(orch *orchestrator.Orchestrator, store HistoryStore, log *logging.Logger) *Server {
	return &Server{orch: orch, store: store, log: log}
}

// Handler returns the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/hop", s.handleHop)
	mux.HandleFunc("POST /api/v1/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/trigger", s.handleTrigger)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/v1/history", s.handleHistoryClear)
	mux.HandleFunc("GET /api/v1/config", s.handleConfigGet)
	mux.HandleFunc("PUT /api/v1/config", s.handleConfigPut)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	return mux
}

// ListenAndServe blocks serving the API on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info(logging.F{Module: "server"}, "control API listening on %s", addr)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps state-machine rejections to 409 and everything else to
// the given fallback code.
func writeErr(w http.ResponseWriter, fallback int, err error) {
	code := fallback
	if cberrors.Rejection(err) {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"kind":  string(cberrors.KindOf(err)),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetStatus())
}

type hopRequest struct {
	Vlans []int `json:"vlans,omitempty"`
}

func (s *Server) handleHop(w http.ResponseWriter, r *http.Request) {
	var req hopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("bad hop request: %w", err))
			return
		}
	}
	if err := s.orch.HopAsync(req.Vlans); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "hop started"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req hopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("bad start request: %w", err))
			return
		}
	}
	if err := s.orch.Start(req.Vlans); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "daemon started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

type triggerRequest struct {
	VlanID  int      `json:"vlan_id"`
	Modules []string `json:"modules,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("bad trigger request: %w", err))
		return
	}
	if req.VlanID == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("vlan_id is required"))
		return
	}
	if err := s.orch.TriggerAsync(req.VlanID, req.Modules); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"result":  "cycle triggered",
		"vlan_id": req.VlanID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("history store disabled"))
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.store.Query(f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(entries),
		"cycles": entries,
	})
}

func filterFromQuery(r *http.Request) (history.Filter, error) {
	var f history.Filter
	q := r.URL.Query()
	for key, dst := range map[string]*int{"vlan": &f.VlanID, "last": &f.Last} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("bad %s parameter: %w", key, err)
			}
			*dst = n
		}
	}
	f.IP = q.Get("ip")
	for key, dst := range map[string]*time.Duration{
		"min_duration": &f.MinDuration,
		"max_duration": &f.MaxDuration,
	} {
		if v := q.Get(key); v != "" {
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return f, fmt.Errorf("bad %s parameter: %w", key, err)
			}
			*dst = time.Duration(secs * float64(time.Second))
		}
	}
	return f, nil
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("history store disabled"))
		return
	}
	n, err := s.store.Clear()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Config())
}

// handleConfigPut merges a partial config into the current snapshot and
// swaps it in. Rejected with 409 while an attack phase is running.
func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read config body: %w", err))
		return
	}

	next, err := s.orch.Config().Merge(body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid config: %w", err))
		return
	}
	if err := s.orch.UpdateConfig(next); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	s.log.Info(logging.F{Module: "server"}, "config updated via API")
	writeJSON(w, http.StatusOK, map[string]string{"result": "config updated"})
}

// handleLogs streams buffered plus live log lines as server-sent events.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, line := range s.log.Buffer() {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	flusher.Flush()

	ch := s.log.Subscribe()
	defer s.log.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
