package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwire/chatwire/internal/dispatch"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/readsync"
	"github.com/chatwire/chatwire/internal/router"
	"github.com/chatwire/chatwire/internal/server/middleware"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/storage"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/typing"
	"github.com/chatwire/chatwire/pkg/config"
	"github.com/chatwire/chatwire/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    *presence.Registry
	engine      *dispatch.Engine
	readSync    *readsync.Synchronizer
	typingRelay *typing.Relay
	eventRouter *router.EventRouter
	messages    store.MessageStore
	attachments *storage.Disk
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	messages, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	attachments, err := storage.NewDisk(cfg.Storage.UploadDir)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("failed to open attachment storage: %w", err)
	}

	registry := presence.NewRegistry(logger)
	engine := dispatch.NewEngine(logger, registry, messages, dispatch.Options{
		QueueSize:      cfg.Dispatch.QueueSize,
		PersistTimeout: cfg.Dispatch.PersistTimeout,
	})
	readSync := readsync.NewSynchronizer(logger, registry, messages)
	typingRelay := typing.NewRelay(logger, registry, cfg.Typing.Expiry)
	authenticator := session.NewAuthenticator(cfg.Server.Auth.JWTSecret, logger)
	eventRouter := router.NewEventRouter(logger, registry, engine, readSync, typingRelay, authenticator)

	app := &App{
		logger:      logger,
		registry:    registry,
		engine:      engine,
		readSync:    readSync,
		typingRelay: typingRelay,
		eventRouter: eventRouter,
		messages:    messages,
		attachments: attachments,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()

	// The real-time channel authenticates in-band via connect-identify, so
	// the upgrade itself is unauthenticated.
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	))

	authed := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, authenticator),
		)
	}
	mux.Handle("POST /api/messages/send-attachment", authed(app.handleSendAttachment))
	mux.Handle("POST /api/messages/get-all", authed(app.handleGetAllMessages))
	mux.Handle("POST /api/messages/mark-as-read/{messageID}", authed(app.handleMarkAsRead))
	mux.Handle("POST /api/messages/mark-all-as-read/{withUserID}", authed(app.handleMarkAllAsRead))
	mux.Handle("POST /api/messages/delete-conversation", authed(app.handleDeleteConversation))

	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(attachments.Dir()))))
	mux.Handle("GET /metrics", promhttp.Handler())

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Handler exposes the route tree, primarily for tests driving the app
// through httptest.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		// Startup fault: nothing to shut down gracefully.
		return err
	case <-a.ctx.Done():
		return a.Shutdown()
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		a.eventRouter.HandleDisconnect,
		a.logger,
	)
	a.registry.AddConnection(conn)

	connLogger.Info("connection accepted", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence. The base context is already
// cancelled by the time this runs, so connection pumps are winding down on
// their own; we wait for them before releasing the store.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown did not complete cleanly", slog.Any("error", err))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	a.typingRelay.Close()
	a.engine.Close()
	if err := a.messages.Close(); err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
