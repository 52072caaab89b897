// Package admin implements the operator HTTP surface (SPEC_FULL.md
// §4.14): liveness, Prometheus metrics, a JSON dump of oplock and
// packet-pool state, and one write endpoint, POST
// /debug/oplocks/force-break, which fails a stuck oplock break. No NFS/SMB
// semantics cross this surface, which keeps it distinct from the
// client-JSON API spec.md marks as a non-goal. Grounded on the chi routing
// idiom in internal/controlplane/api's handler packages, generalized to
// this core's much smaller surface.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/oplock"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
)

// OplockSnapshotter is satisfied by *oplock.Manager.
type OplockSnapshotter interface {
	Snapshot() []oplock.SnapshotEntry
	ForceBreak(path string) error
}

// PoolStatter is satisfied by *rpcpacket.Pool.
type PoolStatter interface {
	Stats() rpcpacket.Stats
}

// Server mounts the admin routes on a chi router. It is a thin adapter:
// all actual state lives in the oplock manager and packet pool it reads.
type Server struct {
	srv *http.Server
}

// New builds a Server bound to addr, reading from oplocks and pool.
func New(addr string, oplocks OplockSnapshotter, pool PoolStatter) *Server {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/debug/oplocks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, oplockSnapshotJSON(oplocks.Snapshot()))
	})

	r.Get("/debug/pool", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pool.Stats())
	})

	// force-break is the one write operation this surface exposes: an
	// operator failing an outstanding break manually (oncfsdctl oplocks
	// force-break), never a client-facing oplock transition.
	r.Post("/debug/oplocks/force-break", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path query parameter", http.StatusBadRequest)
			return
		}
		if err := oplocks.ForceBreak(path); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{srv: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}}
}

// oplockEntryJSON is oplock.SnapshotEntry with a human-readable Type.
type oplockEntryJSON struct {
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	Owners      int       `json:"owners"`
	Deferred    int       `json:"deferred"`
	BreakSentAt time.Time `json:"break_sent_at,omitempty"`
	FailedBreak bool      `json:"failed_break"`
}

func oplockSnapshotJSON(entries []oplock.SnapshotEntry) []oplockEntryJSON {
	out := make([]oplockEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = oplockEntryJSON{
			Path:        e.Path,
			Type:        e.Type.String(),
			Owners:      e.Owners,
			Deferred:    e.Deferred,
			FailedBreak: e.FailedBreak,
		}
		if !e.BreakSentAt.IsZero() {
			out[i].BreakSentAt = e.BreakSentAt
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("admin: response encode failed", "error", err)
	}
}

// ListenAndServe blocks until the server is shut down or fails to bind.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, allowing up to 5s for in-flight
// requests to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
