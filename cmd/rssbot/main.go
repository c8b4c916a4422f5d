package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aprlcat/rssbot/internal/config"
	"github.com/aprlcat/rssbot/internal/dispatch"
	"github.com/aprlcat/rssbot/internal/fetcher"
	"github.com/aprlcat/rssbot/internal/metrics"
	"github.com/aprlcat/rssbot/internal/model"
	"github.com/aprlcat/rssbot/internal/scheduler"
	"github.com/aprlcat/rssbot/internal/storage"
)

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	if cmd == "--help" || cmd == "-h" || cmd == "help" {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch cmd {
	case "run":
		err = cmdRun(cfg, store, log)
	case "add":
		err = cmdAdd(store, args)
	case "remove":
		err = cmdRemove(store, args)
	case "list":
		err = cmdList(store, args)
	case "check":
		err = cmdCheck(store, log, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		log.Error(cmd, "error", err)
		os.Exit(1)
	}
}

func cmdRun(cfg *config.Config, store storage.Storage, log *slog.Logger) error {
	d := dispatch.New(&http.Client{Timeout: 30 * time.Second}, log)

	sched := scheduler.New(store, fetcher.NewDefault(), d, log)
	sched.SetTickInterval(cfg.PollInterval)
	sched.SetWorkerCount(cfg.WorkerCount)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			log.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.Error("metrics listener", "error", err)
			}
		}()
	}

	log.Info("starting scheduler",
		"interval", cfg.PollInterval, "workers", cfg.WorkerCount)
	sched.Run(ctx)
	log.Info("scheduler stopped")
	return nil
}

func cmdAdd(store storage.Storage, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: rssbot add <guild_id> <channel_id> <url> <webhook_url>")
	}
	guildID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid guild id %q: %w", args[0], err)
	}
	channelID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid channel id %q: %w", args[1], err)
	}

	feed := model.Feed{
		GuildID:    guildID,
		ChannelID:  channelID,
		URL:        args[2],
		WebhookURL: args[3],
		IsActive:   true,
	}
	if err := store.CreateFeed(context.Background(), &feed); err != nil {
		return err
	}
	fmt.Printf("added feed #%d %s\n", feed.ID, feed.URL)
	return nil
}

func cmdRemove(store storage.Storage, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rssbot remove <guild_id> <url>")
	}
	guildID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid guild id %q: %w", args[0], err)
	}
	removed, err := store.DeleteFeed(context.Background(), guildID, args[1])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("feed not found: %s", args[1])
	}
	fmt.Printf("removed feed %s\n", args[1])
	return nil
}

func cmdList(store storage.Storage, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rssbot list <guild_id>")
	}
	guildID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid guild id %q: %w", args[0], err)
	}
	feeds, err := store.ListFeeds(context.Background(), guildID)
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		fmt.Println("no feeds registered")
		return nil
	}
	for _, f := range feeds {
		title := f.Title
		if title == "" {
			title = "(untitled)"
		}
		status := "active"
		if !f.IsActive {
			status = "paused"
		}
		fmt.Printf("#%d %s [%s]\n    %s\n", f.ID, title, status, f.URL)
		if !f.Cursor.IsZero() {
			fmt.Printf("    last seen %s\n", f.Cursor.LastSeenAt.Format("2006-01-02 15:04 UTC"))
		}
	}
	return nil
}

func cmdCheck(store storage.Storage, log *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rssbot check <url>")
	}
	feed, err := store.FindFeedByURL(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("feed not found: %s", args[0])
	}

	d := dispatch.New(&http.Client{Timeout: 30 * time.Second}, log)
	sched := scheduler.New(store, fetcher.NewDefault(), d, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.CheckFeed(ctx, *feed)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printHelp() {
	fmt.Fprintln(os.Stderr, "Usage: rssbot <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run                                           Start the polling daemon (default)")
	fmt.Fprintln(os.Stderr, "  add <guild_id> <channel_id> <url> <webhook>   Register a feed")
	fmt.Fprintln(os.Stderr, "  remove <guild_id> <url>                       Unregister a feed")
	fmt.Fprintln(os.Stderr, "  list <guild_id>                               List a guild's feeds")
	fmt.Fprintln(os.Stderr, "  check <url>                                   Poll a single feed once")
}
