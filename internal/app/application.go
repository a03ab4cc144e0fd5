package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"presencegate/internal/api"
	"presencegate/internal/audit"
	"presencegate/internal/auth"
	"presencegate/internal/config"
	"presencegate/internal/gateway"
	"presencegate/internal/websocket"
)

// Application wires the gateway's components together and owns their
// lifecycle. Construction order: audit recorder, verifier, gateway, handler,
// HTTP server; shutdown runs in reverse.
type Application struct {
	config     *config.Config
	recorder   *audit.Recorder
	gateway    *gateway.Gateway
	httpServer *http.Server
}

// NewApplication builds a fully wired application from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Optional audit recorder; a nil interface disables recording in the
	// gateway without any further checks.
	var recorder *audit.Recorder
	var eventRecorder gateway.Recorder
	if cfg.Audit.Path != "" {
		r, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit recorder: %w", err)
		}
		recorder = r
		eventRecorder = r
	}

	verifier := auth.NewVerifier(cfg.Auth.BackendURL, cfg.Auth.RequestTimeout)
	gw := gateway.NewGateway(eventRecorder)

	wsHandler := websocket.NewHandler(gw, verifier, websocket.HandlerConfig{
		AllowedOrigin:    cfg.WebSocket.AllowedOrigin,
		AdmissionTimeout: cfg.Auth.AdmissionTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
	})

	apiServer := api.NewServer(cfg.WebSocket.AllowedOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		recorder:   recorder,
		gateway:    gw,
		httpServer: httpServer,
	}, nil
}

// Start launches the gateway loop and then the HTTP listener. A failure to
// bind the port is the one fatal runtime error.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting presence gateway on %s", app.httpServer.Addr)

	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.gateway.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("Presence gateway started")
		return nil
	case <-ctx.Done():
		_ = app.gateway.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: listener, gateway
// loop, audit recorder.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down presence gateway")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := app.gateway.Stop(); err != nil {
		log.Printf("Gateway shutdown error: %v", err)
	}

	if app.recorder != nil {
		if err := app.recorder.Close(); err != nil {
			log.Printf("Audit recorder shutdown error: %v", err)
		}
	}

	log.Printf("Presence gateway shutdown complete")
	return nil
}
