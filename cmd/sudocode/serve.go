package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/executor"
	"github.com/sudocode-ai/sudocode/internal/federation"
	"github.com/sudocode-ai/sudocode/internal/proc"
	"github.com/sudocode-ai/sudocode/internal/server"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/workflow"
)

func serve(args []string) {
	addr := ":8437"
	dir := "."
	localRepo := os.Getenv("SUDOCODE_LOCAL_REPO")
	logLevel := "info"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		case "--local-repo":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--local-repo requires a value")
				os.Exit(1)
			}
			localRepo = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if localRepo == "" {
		localRepo = "http://localhost" + addr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Bootstrap(ctx, dir, store.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	buf := events.NewBufferStore(events.WithBufferLogger(logger))
	tm := events.NewTransportManager(buf, logger)
	sse := events.NewSSETransport(buf, logger, 15*time.Second)
	ws := events.NewWSTransport(buf, logger, 15*time.Second)
	tm.Register(sse)
	tm.Register(ws)

	sup := proc.NewSupervisor(proc.WithLogger(logger))
	defer sup.Shutdown()
	reg := agent.NewRegistry()
	runner := executor.NewRunner(st, sup, tm, reg, executor.WithLogger(logger))
	engine := workflow.NewEngine(st, runner, tm, dir, workflow.WithLogger(logger))
	fed := federation.NewService(st, localRepo, federation.WithLogger(logger))

	// Background reapers: stale replay buffers and idle WS peers.
	stop := make(chan struct{})
	defer close(stop)
	go buf.StartSweeper(time.Minute, stop)
	go fed.Bus().StartSweeper(ctx, time.Minute, stop)

	srv := server.New(server.Config{Addr: addr}, server.Deps{
		Store:      st,
		Runner:     runner,
		Engine:     engine,
		Federation: fed,
		Transports: tm,
		SSE:        sse,
		WS:         ws,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}
