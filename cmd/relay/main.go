// Command relay runs the termrelay server: it accepts the Mac Agent's
// /mac WebSocket and Browser Clients' /browser WebSockets, pairs them by
// one-time code, and forwards terminal traffic between them until either
// side disconnects. Grounded on the teacher's cli/exp_resources.go for
// the serpent.Command/logger/flag skeleton, generalized from a
// subcommand of the coder CLI to this repo's sole top-level command.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"github.com/coder/termrelay/internal/acceptor"
	"github.com/coder/termrelay/internal/config"
	"github.com/coder/termrelay/internal/metrics"
	"github.com/coder/termrelay/internal/registry"
	"github.com/coder/termrelay/internal/relay"
)

// sweepInterval is how often the registry reaps expired codes that have no
// browser attached, per spec.md §4.2 ("runs periodically, once per minute").
const sweepInterval = time.Minute

func main() {
	var verbose bool
	cfg := config.Default()

	cmd := &serpent.Command{
		Use:   "relay",
		Short: "Run the termrelay pairing server.",
		Handler: func(i *serpent.Invocation) error {
			logger := slog.Make(sloghuman.Sink(i.Stderr)).Named("relay")
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			ctx, stop := signal.NotifyContext(i.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, logger, cfg)
		},
		Options: append(serpent.OptionSet{
			{
				Name:        "Verbose",
				Flag:        "verbose",
				Env:         "RELAY_VERBOSE",
				Description: "Enable debug-level logging.",
				Value:       serpent.BoolOf(&verbose),
				Default:     "false",
			},
		}, cfg.Options()...),
	}

	if err := cmd.Invoke().WithOS().Run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay: "+err.Error())
		os.Exit(1)
	}
}

// run wires every component together and blocks until ctx is canceled,
// then closes in-flight connections with a going-away status and shuts the
// HTTP server down before returning; it does not wait for those
// connections' queued frames to finish draining.
func run(ctx context.Context, logger slog.Logger, cfg *config.Config) error {
	reg := registry.New(logger, quartz.NewReal(), cfg.SessionCodeExpiry())
	m := metrics.New()
	rt := relay.New(logger, reg, m, int(cfg.OutboundQueueLimit), cfg.PingInterval(), cfg.PingTimeout())

	addr := net.JoinHostPort("", strconv.FormatInt(cfg.RelayPort, 10))
	a := acceptor.New(logger, addr, rt, reg, m)

	done := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", slog.F("addr", addr))
		done <- a.ListenAndServe(ctx)
	}()

	go sweepLoop(ctx, logger, reg, m)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			return xerrors.Errorf("shutdown: %w", err)
		}
		return <-done
	case err := <-done:
		if err != nil {
			return xerrors.Errorf("serve: %w", err)
		}
		return nil
	}
}

// sweepLoop reclaims expired codes with no browser attached and republishes the
// active-pairs gauge once per sweepInterval, stopping when ctx is done.
func sweepLoop(ctx context.Context, logger slog.Logger, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := reg.SweepExpired()
			if n > 0 {
				logger.Debug(ctx, "swept expired codes", slog.F("count", n))
			}
			m.ActivePairs.Set(float64(reg.Len()))
		}
	}
}
