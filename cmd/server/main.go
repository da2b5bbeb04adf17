// Command server wires configuration, logging, the optional operation
// store, the connection registry, and the WebSocket protocol endpoint
// into a running collaborative editing server.
package main

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/collabtext/realtime-engine/internal/authn"
	"github.com/collabtext/realtime-engine/internal/config"
	"github.com/collabtext/realtime-engine/internal/conn"
	"github.com/collabtext/realtime-engine/internal/opstore"
	"github.com/collabtext/realtime-engine/internal/wsserver"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("COLLAB_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var store opstore.Store
	if cfg.EnableOpStore {
		logger.Info("initializing operation store", zap.String("dbPath", cfg.DBPath))
		sqliteStore, err := opstore.Open(cfg.DBPath)
		if err != nil {
			logger.Fatal("failed to initialize operation store", zap.Error(err))
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	var validator authn.Validator
	if cfg.JWTSecret != "" {
		validator = authn.NewJWTValidator(cfg.JWTSecret)
	} else {
		logger.Warn("no JWT_SECRET configured, accepting only the dev-anonymous token, as user anonymous")
		validator = authn.NewStaticValidator(map[string]string{"dev-anonymous": "anonymous"})
	}

	manager := conn.NewManager(logger)
	server := wsserver.New(manager, validator, store, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleUpgrade)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("server starting",
		zap.Int("port", cfg.Port),
		zap.Strings("allowedOrigins", cfg.AllowedOrigins),
		zap.Bool("opstoreEnabled", cfg.EnableOpStore),
	)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
