package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pavel-fokin/files-relay/internal/events"
	"github.com/pavel-fokin/files-relay/internal/files"
	"github.com/pavel-fokin/files-relay/internal/fs"
	"github.com/pavel-fokin/files-relay/internal/sqlite"
)

type Config struct {
	Addr              string        `env:"FILES_RELAY_ADDR" envDefault:":8080"`
	AdminToken        string        `env:"FILES_RELAY_ADMIN_TOKEN,required"`
	RegistryPath      string        `env:"FILES_RELAY_REGISTRY_PATH,required"`
	RegistryBackend   string        `env:"FILES_RELAY_REGISTRY_BACKEND" envDefault:"snapshot"`
	SnapshotFormat    string        `env:"FILES_RELAY_SNAPSHOT_FORMAT" envDefault:"json"`
	MaxSize           int64         `env:"FILES_RELAY_MAX_SIZE" envDefault:"1000000000"`
	MaxPending        int64         `env:"FILES_RELAY_MAX_PENDING_BYTES" envDefault:"10000000000"`
	PendingTimeout    time.Duration `env:"FILES_RELAY_PENDING_TIMEOUT" envDefault:"0s"`
	AdminDevice       int           `env:"FILES_RELAY_ADMIN_DEVICE" envDefault:"1"`
	LogLevel          string        `env:"FILES_RELAY_LOG_LEVEL" envDefault:"info"`
	ReadHeaderTimeout time.Duration `env:"FILES_RELAY_READ_HEADER_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `env:"FILES_RELAY_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout   time.Duration `env:"FILES_RELAY_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	BufferSize        int           `env:"FILES_RELAY_BUFFER_SIZE" envDefault:"32768"`
}

// Server is the HTTP relay server together with the services it owns.
type Server struct {
	*http.Server

	files    *files.Service
	registry io.Closer
	done     chan struct{}
}

func New(cfg *Config) (*Server, error) {
	// Initialize structured logger with JSON handler
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	registry, closer, err := newRegistry(cfg)
	if err != nil {
		slog.Error("Failed to initialize registry", "error", err)
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	hub := events.NewHub()
	fileService := files.NewService(registry,
		files.WithNotifier(hub),
		files.WithMaxSize(cfg.MaxSize),
		files.WithMaxPending(cfg.MaxPending),
		files.WithPendingTimeout(cfg.PendingTimeout),
		files.WithAdminDevice(files.Device(cfg.AdminDevice)),
		files.WithBufferSize(cfg.BufferSize),
	)
	if err := fileService.Start(context.Background()); err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to start file service: %w", err)
	}

	srv := &Server{
		files:    fileService,
		registry: closer,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthz)
	mux.HandleFunc("GET /v1/files", listFiles(fileService))
	mux.HandleFunc("POST /v1/files/{name}", uploadFile(fileService))
	mux.HandleFunc("GET /v1/files/{name}", downloadFile(fileService))
	mux.HandleFunc("DELETE /v1/files/{name}", deleteFile(cfg, fileService))
	mux.HandleFunc("GET /v1/transfers", auth(cfg.AdminToken, listTransfers(fileService)))
	mux.HandleFunc("GET /v1/events", fileEvents(fileService, hub, srv.done))

	// Wrap the handler with logging middleware
	handler := loggingMiddleware(limitBody(mux, cfg.MaxSize))

	// No read or write timeouts: an upload may wait for its downloader and
	// a relay lasts as long as the slower peer needs.
	srv.Server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return srv, nil
}

// Shutdown withdraws pending uploads, lets running relays finish until
// ctx expires, then stops the HTTP server and closes the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	filesErr := s.files.Shutdown(ctx)
	if filesErr != nil {
		filesErr = fmt.Errorf("failed to drain transfers: %w", filesErr)
	}
	httpErr := s.Server.Shutdown(ctx)
	var closeErr error
	if s.registry != nil {
		closeErr = s.registry.Close()
	}
	return errors.Join(filesErr, httpErr, closeErr)
}

func newRegistry(cfg *Config) (files.Registry, io.Closer, error) {
	switch cfg.RegistryBackend {
	case "", "snapshot":
		codec, err := fs.CodecByName(cfg.SnapshotFormat)
		if err != nil {
			return nil, nil, err
		}
		return fs.NewStorage(cfg.RegistryPath, codec), nil, nil
	case "sqlite":
		repo, err := sqlite.NewRepository(cfg.RegistryPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
