package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor"
	"github.com/ghalamif/AegisProctor/internal/adapters/backendmock"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "mock-backend":
		err = mockBackendCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("proctor-agent %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := proctor.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := proctor.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good (backend %s, camera %s, heartbeat every %s)\n",
		*cfgPath, cfg.Backend.BaseURL, cfg.Camera.Driver, cfg.Heartbeat.Base)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	journalDir := fs.String("journal", "", "Print stats for a local integrity journal and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *journalDir != "" {
		stats, err := proctor.InspectJournal(*journalDir)
		if err != nil {
			return err
		}
		pending := uint64(0)
		if stats.LatestAppended >= stats.OldestUncommitted {
			pending = uint64(stats.LatestAppended-stats.OldestUncommitted) + 1
		}
		fmt.Printf("journal %s: latest=%d pending=%d size_bytes=%d\n",
			*journalDir, stats.LatestAppended, pending, stats.SizeBytes)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var snapshotMetrics = []string{
	"proctor_heartbeats_sent_total",
	"proctor_heartbeats_failed_total",
	"proctor_chunks_uploaded_total",
	"proctor_chunks_failed_total",
	"proctor_recoveries_total",
	"proctor_frame_age_seconds",
	"proctor_journal_queue_length",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := make(map[string]float64, len(snapshotMetrics))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range snapshotMetrics {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] heartbeats=%.0f/%.0f chunks=%.0f/%.0f recoveries=%.0f frame_age=%.2fs journal_queue=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["proctor_heartbeats_sent_total"],
		targets["proctor_heartbeats_failed_total"],
		targets["proctor_chunks_uploaded_total"],
		targets["proctor_chunks_failed_total"],
		targets["proctor_recoveries_total"],
		targets["proctor_frame_age_seconds"],
		targets["proctor_journal_queue_length"],
	)
	return nil
}

func mockBackendCommand(args []string) error {
	fs := flag.NewFlagSet("mock-backend", flag.ExitOnError)
	addr := fs.String("addr", ":8000", "Listen address")
	console := fs.Bool("console", false, "Human-readable log output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var logger zerolog.Logger
	if *console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.With().Timestamp().Str("component", "mock-backend").Logger()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           backendmock.New(logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printUsage() {
	fmt.Printf(`AegisProctor agent

Usage:
  proctor-agent <command> [flags]

Commands:
  run            Start a proctored session using the provided config
  validate       Load and validate a config file without starting anything
  stats          Poll the Prometheus metrics endpoint, or inspect a journal with -journal
  mock-backend   Serve an in-memory proctoring backend for local testing

Examples:
  proctor-agent run -config ./data/config.yaml
  proctor-agent validate -config ./data/config.yaml
  proctor-agent stats -url http://localhost:9100/metrics -interval 1s
  proctor-agent stats -journal ./data/journal
  proctor-agent mock-backend -addr :8000
`)
}
