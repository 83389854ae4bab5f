package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/breaker"
	"github.com/chatrelay/chatrelay-gateway/internal/config"
	"github.com/chatrelay/chatrelay-gateway/internal/httpserver"
	"github.com/chatrelay/chatrelay-gateway/internal/logging"
	"github.com/chatrelay/chatrelay-gateway/internal/metrics"
	"github.com/chatrelay/chatrelay-gateway/internal/postproc"
	"github.com/chatrelay/chatrelay-gateway/internal/relay"
	"github.com/chatrelay/chatrelay-gateway/internal/retry"
	"github.com/chatrelay/chatrelay-gateway/internal/session"
	"github.com/chatrelay/chatrelay-gateway/internal/turnstore"
	turnasync "github.com/chatrelay/chatrelay-gateway/internal/turnstore/async"
	turnpostgres "github.com/chatrelay/chatrelay-gateway/internal/turnstore/postgres"
	turnsqlite "github.com/chatrelay/chatrelay-gateway/internal/turnstore/sqlite"
	"github.com/chatrelay/chatrelay-gateway/internal/upstream"
	"github.com/chatrelay/chatrelay-gateway/internal/version"
)

func main() {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[relayd] ")
		defer rot.Close()
	}

	var streamer upstream.Streamer
	var probeURL string
	if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
		log.Printf("no upstream api key configured; using loopback echo provider")
		streamer = upstream.NewLoopback(20 * time.Millisecond)
	} else {
		upstreamClient, err := upstream.New(upstream.Config{
			APIKey:  cfg.UpstreamAPIKey,
			BaseURL: cfg.UpstreamBaseURL,
			ConnectRetry: retry.Policy{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			Logger: logging.NewLogger(log.Writer(), "[relayd/upstream] "),
		})
		if err != nil {
			log.Fatalf("init upstream client: %v", err)
		}
		streamer = upstreamClient
		probeURL = upstreamClient.ProbeURL()
	}

	registry := session.NewRegistry(session.Options{
		Retention:  cfg.SessionRetention,
		MaxHistory: cfg.SessionMaxHistory,
		Logger:     logging.NewLogger(log.Writer(), "[relayd/session] "),
	})
	defer registry.Close()

	collector := metrics.NewCollector()

	var notifier *breaker.Notifier
	if strings.TrimSpace(cfg.BreakerWebhookURL) != "" {
		notifier = breaker.NewNotifier(cfg.BreakerWebhookURL, logging.NewLogger(log.Writer(), "[relayd/breaker] "))
	}
	brk := breaker.New(breaker.Options{
		OpenAfter:  cfg.BreakerOpenAfter,
		CloseAfter: cfg.BreakerCloseAfter,
		Notifier:   notifier,
		Logger:     logging.NewLogger(log.Writer(), "[relayd/breaker] "),
		OnTransition: func(state breaker.State) {
			collector.RecordBreakerTransition(string(state))
		},
	})

	probeCtx, stopProbes := context.WithCancel(context.Background())
	defer stopProbes()
	if probeURL != "" {
		prober := breaker.NewHTTPProber(probeURL, cfg.ProbeTimeout)
		go brk.Run(probeCtx, prober, cfg.ProbeInterval)
	}

	var turns relay.TurnRecorder
	switch strings.ToLower(strings.TrimSpace(cfg.TurnStoreDriver)) {
	case "", "none":
		log.Printf("turn persistence disabled")
	case "sqlite":
		store, err := turnsqlite.New(cfg.TurnStorePath)
		if err != nil {
			log.Fatalf("open sqlite turn store: %v", err)
		}
		defer store.Close()
		turns = newTurnRecorder(store)
		log.Printf("turn store driver=sqlite path=%s", cfg.TurnStorePath)
	case "postgres":
		store, err := turnpostgres.New(cfg.TurnStoreDSN, 10, 5)
		if err != nil {
			log.Fatalf("open postgres turn store: %v", err)
		}
		defer store.Close()
		turns = newTurnRecorder(store)
		log.Printf("turn store driver=postgres")
	default:
		log.Fatalf("unknown turn store driver %q", cfg.TurnStoreDriver)
	}
	if rec, ok := turns.(*turnasync.Recorder); ok {
		defer rec.Close()
	}

	rl := relay.New(relay.Options{
		Upstream:      streamer,
		Registry:      registry,
		PostProcessor: postproc.Default(),
		Turns:         turns,
		Logger:        logging.NewLogger(log.Writer(), "[relayd/relay] "),
		Model:         cfg.UpstreamModel,
		MaxTokens:     cfg.UpstreamMaxTokens,
		IdleTimeout:   cfg.StreamIdleTimeout,
		PingInterval:  cfg.SSEPingInterval,
	})

	server := httpserver.NewServer(httpserver.Options{
		Relay:    rl,
		Registry: registry,
		Breaker:  brk,
		Metrics:  collector,
		Logger:   logging.NewLogger(log.Writer(), "[relayd/http] "),
		LogLevel: cfg.LogLevel,
	})

	srv := server.HTTPServer(cfg.ListenAddr)
	// Streaming responses outlive any fixed write deadline; the per-session
	// idle timeout bounds them instead.
	srv.IdleTimeout = 60 * time.Second

	go func() {
		log.Printf("chatrelay %s listening on %s env=%s", version.FullInfo(), cfg.ListenAddr, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopProbes()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func newTurnRecorder(store turnstore.Store) relay.TurnRecorder {
	return turnasync.NewRecorder(store, 0, logging.NewLogger(log.Writer(), "[relayd/turns] "))
}
