package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/config"
	"github.com/omochice/socket-chat-client/internal/logging"
	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/prefs"
	"github.com/omochice/socket-chat-client/internal/transport"
	"github.com/omochice/socket-chat-client/internal/transport/gobwas"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
)

const help = `commands:
  /rooms          list rooms
  /join <room>    enter a room
  /leave          leave the current room
  /nick <name>    change username
  /older          load older messages
  /quit           exit
anything else is sent to the current room`

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Chat server WebSocket URL (e.g., ws://localhost:8080/ws/chat)")
	flag.StringVar(&cfg.Username, "username", cfg.Username, "Username to request when none is remembered")
	transportName := flag.String("transport", string(cfg.Transport), "Socket implementation: nhooyr or gobwas")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g., :9090)")
	flag.Parse()
	cfg.Transport = config.Transport(*transportName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("client_failed", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg config.Config, logger *zap.Logger) error {
	store, closePrefs, err := prefs.Open(cfg.PrefsOptions())
	if err != nil {
		return fmt.Errorf("failed to open prefs: %w", err)
	}
	defer func() {
		if err := closePrefs(); err != nil {
			logger.Warn("prefs_close_failed", zap.Error(err))
		}
	}()
	if err := seedUsername(store, cfg.Username); err != nil {
		logger.Warn("username_seed_failed", zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, promReg, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	registry := transport.NewRegistry(newDialer(cfg.Transport),
		transport.WithLogger(logger),
		transport.WithKeepalive(cfg.Keepalive),
		transport.WithObserver(m.Observer()),
	)
	defer registry.CloseAll()

	sess := chat.New(cfg.ServerURL, registry,
		chat.WithLogger(logger),
		chat.WithMetrics(m),
		chat.WithPrefs(store),
		chat.WithPolicy(cfg.Reconnect.Policy()),
		chat.WithWriteTimeout(cfg.WriteTimeout),
	)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal_received", zap.Stringer("signal", sig))
			cancel()
			// Unblock the stdin scanner.
			os.Stdin.Close()
		case <-ctx.Done():
		}
	}()

	if err := sess.ConnectChat(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.ServerURL, err)
	}
	logger.Info("connected", zap.String("server", cfg.ServerURL), zap.String("transport", string(cfg.Transport)))

	snaps, unsubscribe := sess.Store().Subscribe()
	defer unsubscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		r := newRenderer(os.Stdout)
		for snap := range snaps {
			r.render(snap)
		}
	}()

	fmt.Println("Type your messages (/help for commands):")
	readCommands(ctx, sess, os.Stdin, logger)

	sess.Close()
	unsubscribe()
	<-rendered
	return nil
}

// readCommands runs the input loop until /quit, EOF or ctx ends.
func readCommands(ctx context.Context, sess *chat.Session, in io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			room := sess.Store().Snapshot().CurrentRoom
			if room == nil {
				fmt.Println("join a room first (/rooms, /join <room>)")
				continue
			}
			sess.SetMessageInput(line)
			if !sess.SendMessage(line, room.ID) {
				fmt.Println("not connected, message kept as draft")
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return
		case "/help":
			fmt.Println(help)
		case "/rooms":
			sess.GetRooms()
		case "/join":
			if !sess.JoinChat(arg) {
				fmt.Println("usage: /join <room>")
			}
		case "/leave":
			room := sess.Store().Snapshot().CurrentRoom
			if room == nil || !sess.LeftChat(room.ID) {
				fmt.Println("not in a room")
			}
		case "/nick":
			if !sess.ChangeUsername(arg) {
				fmt.Println("usage: /nick <name>")
			}
		case "/older":
			if !sess.LoadOlderMessages() {
				fmt.Println("no older messages")
			}
		default:
			fmt.Printf("unknown command %s\n%s\n", cmd, help)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Error("input_read_failed", zap.Error(err))
	}
}

func newDialer(t config.Transport) transport.Dialer {
	if t == config.TransportGobwas {
		return &gobwas.Dialer{Timeout: 10 * time.Second}
	}
	return &ws.Dialer{}
}

// seedUsername remembers username unless one is remembered already.
func seedUsername(store prefs.Store, username string) error {
	if username == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := store.Username(ctx)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}
	return store.SetUsername(ctx, username)
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler(g))

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("metrics_listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", zap.Error(err))
		}
	}()
	return srv
}
