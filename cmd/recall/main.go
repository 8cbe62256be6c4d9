package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/recall/internal/admin"
	"github.com/xiy/recall/internal/assembler"
	"github.com/xiy/recall/internal/audit"
	"github.com/xiy/recall/internal/config"
	"github.com/xiy/recall/internal/embeddings"
	"github.com/xiy/recall/internal/flush"
	"github.com/xiy/recall/internal/memory"
	"github.com/xiy/recall/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	switch sub {
	case "chat":
		if err := runChat(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Println("recall v0.1.0")
	default:
		usage()
		os.Exit(2)
	}
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configPath := fs.String("config", "config/recall.yaml", "Path to config file")
	systemPrompt := fs.String("system-prompt", "You are a helpful assistant with long-term memory.", "System prompt section")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "recall"})
	setLogLevel(logger, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auditLog, err := audit.Open(ctx, cfg.AuditDBPath, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	// The hash provider stands in for a real embedding model; swap the
	// factory to wire one in. Loading stays off the first-message path.
	lazy := embeddings.NewLazy(cfg.VectorDim, func() (embeddings.Provider, error) {
		return embeddings.NewHash(cfg.VectorDim), nil
	})
	embedder, err := embeddings.NewCached(lazy, 4096)
	if err != nil {
		return err
	}
	defer embedder.Close()

	st, err := store.Open(store.Options{
		Dir:        cfg.DataDir,
		UserID:     cfg.UserID,
		Dim:        cfg.VectorDim,
		FlushEvery: cfg.FlushEvery,
		Embedder:   embedder,
		Audit:      auditLog,
	}, logger)
	if err != nil {
		return err
	}

	mgr := memory.New(cfg, memory.Deps{Store: st, Embedder: embedder, Audit: auditLog}, logger)

	asm := assembler.New(cfg, mgr, logger)
	asm.SetSystemPrompt(*systemPrompt)
	asm.SetStatusProvider(func(context.Context, string) string {
		ts := mgr.Stats()
		return fmt.Sprintf("memories: persistent=%d session=%d rolling=%d vectors=%d",
			ts.Persistent, ts.Session, ts.Rolling, ts.Vectors)
	})
	asm.SetOverviewProvider(func(context.Context, string) string {
		return "recall keeps tiered memories for user " + cfg.UserID + " and assembles them into prompt context."
	})
	asm.SetErrorLogProvider(func(ctx context.Context, _ string) string {
		events, err := auditLog.RecentEvents(ctx, 5)
		if err != nil || len(events) == 0 {
			return ""
		}
		lines := make([]string, 0, len(events))
		for _, ev := range events {
			if ev.Success {
				continue
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", ev.Op, ev.ErrorText))
		}
		return strings.Join(lines, "\n")
	})

	go flush.Start(ctx, logger, time.Duration(cfg.FlushSeconds)*time.Second, st)

	logger.Info("chat started", "user", cfg.UserID, "data_dir", cfg.DataDir)
	fmt.Println("recall chat — type a message, /clear to clear the session, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return st.Persist()
		case line == "/clear":
			mgr.ClearSession()
			fmt.Println("session cleared")
			continue
		}

		fmt.Println(asm.BuildContext(ctx, line, true))
		if err := mgr.AddDialogue(ctx, line, "noted.", true); err != nil {
			logger.Warn("dialogue ingest failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return st.Persist()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return st.Persist()
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", "config/recall.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.New(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auditLog, err := audit.Open(ctx, cfg.AuditDBPath, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	embedder := embeddings.NewHash(cfg.VectorDim)
	st, err := store.Open(store.Options{
		Dir:        cfg.DataDir,
		UserID:     cfg.UserID,
		Dim:        cfg.VectorDim,
		FlushEvery: cfg.FlushEvery,
		Embedder:   embedder,
		Audit:      auditLog,
	}, logger)
	if err != nil {
		return err
	}

	mgr := memory.New(cfg, memory.Deps{Store: st, Embedder: embedder, Audit: auditLog}, logger)
	return admin.Run(ctx, mgr, auditLog)
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`recall

Usage:
  recall chat [--config path] [--system-prompt text]
  recall admin [--config path]
  recall version
`)
}
