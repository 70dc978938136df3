// Package acceptor implements spec.md §4.1: the HTTP surface that
// upgrades `/mac` and `/browser` to WebSockets and rejects everything
// else with 404, plus the ambient `/healthz` and `/metrics` endpoints a
// production relay carries regardless of protocol scope. Grounded on
// other_examples' devopsclaw ws_relay.go (buildMux/handleHealth/Stop),
// adapted from single-role node tunnels to the two-route, two-role
// pairing protocol this spec defines.
package acceptor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog"

	"github.com/coder/termrelay/internal/metrics"
	"github.com/coder/termrelay/internal/registry"
	"github.com/coder/termrelay/internal/relay"
)

// Acceptor owns the HTTP server and upgrade handlers.
type Acceptor struct {
	logger   slog.Logger
	router   *relay.Router
	registry *registry.Registry
	metrics  *metrics.Metrics

	httpSrv *http.Server
}

// New builds an Acceptor listening on addr (e.g. ":8080"). Join/rejoin
// attempts on /browser are rate-limited per remote address via
// go-chi/httprate, to blunt brute-force code guessing.
func New(logger slog.Logger, addr string, rt *relay.Router, reg *registry.Registry, m *metrics.Metrics) *Acceptor {
	a := &Acceptor{
		logger:   logger.Named("acceptor"),
		router:   rt,
		registry: reg,
		metrics:  m,
	}

	mux := chi.NewRouter()
	mux.With(httprate.LimitByIP(20, time.Minute)).Get("/mac", a.handleMac)
	mux.With(httprate.LimitByIP(20, time.Minute)).Get("/browser", a.handleBrowser)
	mux.Get("/healthz", a.handleHealthz)
	if m != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	a.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return a
}

// ListenAndServe blocks until the server stops or ctx is canceled,
// binding ctx as every request's base context so upgraded connections
// observe process shutdown. Mirrors the teacher's pattern of returning
// nil on a clean http.ErrServerClosed instead of propagating it.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	a.httpSrv.BaseContext = func(_ net.Listener) context.Context { return ctx }
	err := a.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, broadcasts a going-away
// close to every live session (SPEC_FULL.md §10), and waits up to ctx's
// deadline for in-flight plain HTTP requests to finish, per spec.md §5's
// shutdown rule. Upgraded WebSocket connections are hijacked from the
// http.Server, so it does not wait for their handlers to return.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.router.Shutdown()
	return a.httpSrv.Shutdown(ctx)
}

func (a *Acceptor) handleMac(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn(r.Context(), "mac upgrade failed", slog.Error(err))
		return
	}
	a.router.ServeAgent(r.Context(), ws)
}

func (a *Acceptor) handleBrowser(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn(r.Context(), "browser upgrade failed", slog.Error(err))
		return
	}
	a.router.ServeBrowser(r.Context(), ws)
}

func (a *Acceptor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"active_pairs": a.registry.Len(),
	})
}
