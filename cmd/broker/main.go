package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"operator-broker/internal/api"
	"operator-broker/internal/backend"
	"operator-broker/internal/broker"
	"operator-broker/internal/config"
	"operator-broker/internal/loopdetect"
	mcpserver "operator-broker/internal/mcp"
	"operator-broker/internal/planner"
	"operator-broker/internal/recorder"
	"operator-broker/internal/session"
)

func main() {
	configPath := flag.String("config", "", "Path to the broker config file (empty for defaults)")
	stdio := flag.Bool("stdio", false, "Serve MCP over stdio instead of (or alongside) HTTP")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *stdio {
		cfg.MCP.Stdio = true
	}

	// Stdio mode speaks the MCP protocol on stdout, so logs go to a
	// file or nowhere.
	if cfg.MCP.Stdio && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	backends := buildBackends(cfg)
	chain := backend.NewChain(cfg.Backends.AttemptTimeoutDuration(), backends...)

	store := session.NewStore(session.Options{
		HistoryCapacity: cfg.Sessions.HistoryCapacity,
		StorePath:       cfg.Sessions.StorePath,
	})

	detector := loopdetect.New(loopdetect.Config{
		RepeatThreshold: cfg.Loop.RepeatThreshold,
		MinCycle:        cfg.Loop.MinCycle,
		MaxCycle:        cfg.Loop.MaxCycle,
		BurstThreshold:  cfg.Loop.BurstThreshold,
		BurstWindow:     cfg.Loop.BurstWindowDuration(),
	})

	var pl planner.Planner
	if p, err := planner.NewOpenAI(cfg.Planner); err != nil {
		log.Printf("planner disabled: %v", err)
	} else {
		pl = p
	}

	var rec *recorder.Recorder
	if cfg.Recorder.TraceDir != "" {
		rec, err = recorder.NewRecorder(cfg.Recorder.TraceDir)
		if err != nil {
			log.Printf("recorder disabled: %v", err)
		} else if err := rec.Start("broker"); err != nil {
			log.Printf("recorder start: %v", err)
		} else {
			defer rec.Close()
		}
	}

	dispatcher := broker.NewDispatcher(cfg, store, chain, detector, pl, rec)

	go runSweeper(ctx, dispatcher, cfg.Sessions.SweepIntervalDuration(), cfg.Sessions.MaxIdleDuration())

	errCh := make(chan error, 3)

	if cfg.Server.HTTPAddr != "" {
		apiServer := api.NewServer(cfg.Server.HTTPAddr, dispatcher)
		go func() { errCh <- apiServer.ListenAndServe(ctx) }()
	}

	if cfg.MCP.Stdio || cfg.MCP.SSEPort > 0 {
		server := mcpserver.NewServer(cfg, dispatcher)
		if cfg.MCP.SSEPort > 0 {
			log.Printf("starting MCP SSE server on port %d", cfg.MCP.SSEPort)
			go func() { errCh <- server.StartSSE(ctx, cfg.MCP.SSEPort) }()
		} else {
			log.Printf("starting MCP stdio server")
			go func() { errCh <- server.Start(ctx) }()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	shutdownBackends(backends)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", runErr)
	}
}

// buildBackends instantiates the configured candidates in priority
// order.
func buildBackends(cfg config.Config) []backend.Backend {
	var out []backend.Backend
	for _, name := range cfg.Backends.Order {
		switch name {
		case config.BackendEmbedded:
			out = append(out, backend.NewRod(cfg.Backends.Embedded))
		case config.BackendRemote:
			out = append(out, backend.NewPlaywright(cfg.Backends.Remote))
		case config.BackendNative:
			out = append(out, backend.NewNative(cfg.Backends.Native))
		}
	}
	return out
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownBackends(backends []backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, b := range backends {
		if s, ok := b.(shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				log.Printf("shutdown %s: %v", b.Name(), err)
			}
		}
	}
}

// runSweeper periodically reclaims idle sessions.
func runSweeper(ctx context.Context, d *broker.Dispatcher, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepIdle(ctx, maxAge)
		}
	}
}
