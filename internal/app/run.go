package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/petervdpas/sirenconsole/internal/config"
	"github.com/petervdpas/sirenconsole/internal/console"
	"github.com/petervdpas/sirenconsole/internal/game"
	"github.com/petervdpas/sirenconsole/internal/library"
	"github.com/petervdpas/sirenconsole/internal/multiplex"
	"github.com/petervdpas/sirenconsole/internal/sequencer"
	"github.com/petervdpas/sirenconsole/internal/util"
	"github.com/petervdpas/sirenconsole/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.Dir, opt.CfgPath)
	applyLogLevels(opt.Cfg.Logging.Levels)

	return runConsoles(ctx, opt, logBuf)
}

func runConsoles(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg
	clk := clock.New()

	// ── MIDI library
	lib, err := library.Open(util.ResolvePath(o.Dir, cfg.Sequencer.MidiDir))
	if err != nil {
		return err
	}
	defer lib.Close()

	// ── Multiplexer
	hub := viewer.NewHub()
	defer hub.Close()

	handshake := config.Ms(cfg.Network.HandshakeTimeoutMs)
	mgr := multiplex.New(descriptors(cfg), hub, multiplex.Options{
		Clock:  clk,
		Dialer: console.WebsocketDialer{HandshakeTimeout: handshake},
		Conn: console.Options{
			ReconnectDelay:   config.Ms(cfg.Network.ReconnectMs),
			FlushStagger:     config.Ms(cfg.Network.FlushStaggerMs),
			HandshakeTimeout: handshake,
			QueueMax:         cfg.Network.QueueMax,
		},
		HealthInterval: config.Ms(cfg.Network.HealthCheckMs),
		RetryInterval:  config.Ms(cfg.Network.RetrySweepMs),
		StatusInterval: config.Ms(cfg.Network.StatusMs),
		EventsMax:      cfg.Events.Max,
		SnapshotPath:   util.ResolvePath(o.Dir, cfg.SnapshotPath),
	})
	if err := mgr.LoadSnapshot(); err != nil {
		log.Printf("APP: snapshot not restored: %v", err)
	}

	// ── Sequencer and game
	seq := sequencer.New(mgr, clk, config.Ms(cfg.Sequencer.TickMs))
	eng := game.New(mgr, clk, config.Ms(cfg.Game.LeaderboardMs))
	mgr.SetGame(eng)

	// ── Viewer
	srv := viewer.NewServer(cfg.Server.HTTPAddr, viewer.Viewer{
		Mux:     mgr,
		Seq:     seq,
		Game:    eng,
		Library: lib,
		Logs:    logs,
		Hub:     hub,
	})

	mgr.Start()

	srvErr := make(chan error, 1)
	go func() {
		log.Printf("APP: http api on http://%s", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	log.Println("========================================")
	log.Println("APP: shutting down")
	log.Println("========================================")
	shutdown(mgr, seq, eng, srv)
	return runErr
}

// shutdown stops timers before anything that could restart them, then the
// players, then the transports.
func shutdown(mgr *multiplex.Manager, seq *sequencer.Sequencer, eng *game.Engine, srv *http.Server) {
	mgr.CancelTimers()
	seq.Close()
	eng.Close()
	mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("APP: http shutdown: %v", err)
	}
}

func descriptors(cfg config.Config) []console.Descriptor {
	enabled := cfg.EnabledConsoles()
	out := make([]console.Descriptor, 0, len(enabled))
	for _, c := range enabled {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		out = append(out, console.Descriptor{
			ID:            c.ID,
			Name:          name,
			Host:          c.Host,
			Port:          c.Port,
			Outputs:       c.Outputs,
			Transposition: c.Transposition,
		})
	}
	return out
}
