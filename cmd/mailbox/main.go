// Slateboard transfer mailbox client.
//
// Uploads files with the resumable chunked protocol, sends text items,
// lists the shared timeline, and follows push updates.
//
// Sub-commands:
//
//	mailbox send <files...>     Upload files through the transfer queue
//	mailbox text <message>      Send a text item
//	mailbox list [-type t]      Print the current timeline
//	mailbox watch               Follow push updates until interrupted
//	mailbox delete <ids...>     Delete items (best-effort, sequential)
//	mailbox status              Show server and token status
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/slateboard/slateboard/internal/api"
	"github.com/slateboard/slateboard/internal/auth"
	"github.com/slateboard/slateboard/internal/config"
	"github.com/slateboard/slateboard/internal/logging"
	"github.com/slateboard/slateboard/internal/mailbox"
	"github.com/slateboard/slateboard/internal/metrics"
	"github.com/slateboard/slateboard/internal/protocol"
	"github.com/slateboard/slateboard/internal/transfer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "send":
		cmdSend(os.Args[2:])
	case "text":
		cmdText(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "delete":
		cmdDelete(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: mailbox <send|text|list|watch|delete|status> [flags] [args]\n")
}

// loadConfig merges env config with common flags and resolves the token.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	server := fs.String("server", cfg.ServerURL, "Server URL")
	token := fs.String("token", "", "Bearer token (default: AUTH_TOKEN env or saved token file)")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.Parse(args)

	cfg.ServerURL = strings.TrimSuffix(*server, "/")
	cfg.LogLevel = *logLevel
	if *token != "" {
		cfg.AuthToken = *token
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}

	if cfg.AuthToken == "" {
		if tf, err := auth.Load(); err == nil {
			if tf.IsExpired(0) {
				fmt.Fprintf(os.Stderr, "Error: saved token has expired; obtain a new one from the dashboard\n")
				os.Exit(1)
			}
			cfg.AuthToken = tf.Token
			logging.Debug("using saved token", zap.String("server", tf.Server))
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logging.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	return cfg
}

func newMailbox(cfg *config.Config) *mailbox.Mailbox {
	m, err := mailbox.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return m
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 0, "Max simultaneous uploads (default: MAX_CONCURRENCY env or 2)")
	chunkSize := fs.Int64("chunk-size", 0, "Proposed chunk size in bytes (server may override)")
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	if *concurrency > 0 {
		cfg.MaxConcurrency = *concurrency
	}
	if *chunkSize > 0 {
		cfg.ChunkSize = *chunkSize
	}

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mailbox send [flags] <files...>\n")
		os.Exit(2)
	}

	m := newMailbox(cfg)
	ctx, cancel := signalContext()
	defer cancel()

	if err := m.Start(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer m.Stop()

	var sources []*transfer.Source
	for _, path := range fs.Args() {
		src, err := transfer.OpenSource(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open %s: %v\n", path, err)
			os.Exit(1)
		}
		sources = append(sources, src)
	}

	ids := m.Queue.Enqueue(sources...)
	if len(ids) == 0 {
		fmt.Fprintf(os.Stderr, "Nothing to upload.\n")
		return
	}

	// Poll until every accepted item completes, fails, or we are
	// interrupted. Completed items leave the queue on their own.
	failed := 0
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nInterrupted.")
			return
		case <-ticker.C:
		}

		items := m.Queue.Items()
		pending := false
		failed = 0
		for _, it := range items {
			switch it.Status {
			case transfer.StatusFailed:
				failed++
			case transfer.StatusQueued, transfer.StatusUploading:
				pending = true
				fmt.Printf("\r%-30s %3.0f%%  ", it.Name, it.Progress*100)
			}
		}
		if !pending {
			break
		}
	}
	fmt.Println()

	if failed > 0 {
		for _, it := range m.Queue.Items() {
			if it.Status == transfer.StatusFailed {
				fmt.Fprintf(os.Stderr, "Failed: %s: %s\n", it.Name, it.Err)
			}
		}
		os.Exit(1)
	}
	fmt.Printf("Uploaded %d file(s).\n", len(ids)-failed)
}

func cmdText(args []string) {
	fs := flag.NewFlagSet("text", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mailbox text [flags] <message>\n")
		os.Exit(2)
	}

	m := newMailbox(cfg)
	item, err := m.SendText(context.Background(), strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sent: %s\n", item.ID)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	typ := fs.String("type", protocol.TypeAll, "Filter: all, file, or photo")
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	m := newMailbox(cfg)
	if err := m.Store.Load(context.Background(), *typ); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	items := m.Store.Items()
	if len(items) == 0 {
		fmt.Println("No items.")
		return
	}

	for _, it := range items {
		ts := time.UnixMilli(it.Timestamp).Format("2006-01-02 15:04:05")
		if it.Kind == protocol.KindFile && it.File != nil {
			fmt.Printf("%s  %-24s  file  %s (%d bytes)\n", ts, it.ID, it.File.Name, it.File.Size)
		} else {
			fmt.Printf("%s  %-24s  text  %s\n", ts, it.ID, it.Content)
		}
	}
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	m := newMailbox(cfg)
	ctx, cancel := signalContext()
	defer cancel()

	if err := m.Start(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer m.Stop()

	fmt.Println("Watching for updates (Ctrl+C to stop)...")

	m.Store.OnAdd(func(item protocol.TransferItem) {
		if item.Kind == protocol.KindFile && item.File != nil {
			fmt.Printf("+ %s  file  %s\n", item.ID, item.File.Name)
		} else {
			fmt.Printf("+ %s  text  %s\n", item.ID, item.Content)
		}
	})
	m.Store.OnRemove(func(id string) {
		fmt.Printf("- %s\n", id)
	})

	<-ctx.Done()
	fmt.Println("Done")
}

func cmdDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mailbox delete [flags] <ids...>\n")
		os.Exit(2)
	}

	m := newMailbox(cfg)
	ctx := context.Background()

	// Sequential and best-effort: one failure never aborts the rest.
	failed := 0
	for _, id := range fs.Args() {
		if err := m.Delete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: delete %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("Deleted: %s\n", id)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	defer logging.Sync()

	c := api.New(api.Config{
		BaseURL:   cfg.ServerURL,
		Timeout:   cfg.HTTPTimeout,
		AuthToken: cfg.AuthToken,
	})

	fmt.Printf("Server: %s\n", cfg.ServerURL)
	if err := c.Ping(context.Background()); err != nil {
		fmt.Printf("Status: offline (%v)\n", err)
	} else {
		fmt.Println("Status: online")
	}

	if cfg.AuthToken == "" {
		fmt.Println("Token:  none (read-only, timeline will be empty)")
		return
	}
	if exp, err := auth.TokenExpiry(cfg.AuthToken); err == nil {
		fmt.Printf("Token:  expires %s\n", exp.Format(time.RFC3339))
	} else {
		fmt.Println("Token:  set")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
