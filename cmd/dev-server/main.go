// Command dev-server runs the in-process chat server used by the tests on a
// real port, so the client can be tried without the production backend.
package main

import (
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/chattest"
	"github.com/omochice/socket-chat-client/internal/logging"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on (e.g., :8080)")
	roomNames := flag.String("rooms", "general,random", "Comma-separated room names")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var rooms []protocol.Room
	for _, name := range strings.Split(*roomNames, ",") {
		if name = strings.TrimSpace(name); name != "" {
			rooms = append(rooms, protocol.Room{ID: uuid.NewString(), Name: name})
		}
	}

	chatSrv := chattest.NewUnstarted(chattest.WithLogger(logger), chattest.WithRooms(rooms...))
	srv := &http.Server{Addr: *addr, Handler: chatSrv.Handler()}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.String("path", chattest.Path), zap.Int("rooms", len(rooms)))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", zap.Error(err))
			logger.Sync()
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutting_down", zap.Stringer("signal", sig))
		chatSrv.Close()
		srv.Close()
	}
}
