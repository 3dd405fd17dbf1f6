package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/carevue/sessionhub/internal/gateway"
	"github.com/carevue/sessionhub/internal/hub"
	"github.com/carevue/sessionhub/internal/lifecycle"
	"github.com/carevue/sessionhub/internal/server/middleware"
	"github.com/carevue/sessionhub/internal/store"
	"github.com/carevue/sessionhub/pkg/config"
	"github.com/carevue/sessionhub/pkg/state"
	"github.com/carevue/sessionhub/pkg/state/statemanager"
	"github.com/carevue/sessionhub/pkg/transport"
)

type App struct {
	logger       *slog.Logger
	config       *config.Config
	stateManager state.Manager
	store        *store.Store
	hub          *hub.Hub
	machine      *lifecycle.Machine
	gateway      *gateway.Gateway
	wg           sync.WaitGroup
	http         *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	bookingStore, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	stateManager := statemanager.NewInMemoryManager(logger)
	eventHub := hub.New(stateManager, logger)

	// The cache is derived state; rebuild it from the system of record
	// before serving the first snapshot.
	live, err := bookingStore.LiveSessions(rootCtx)
	if err != nil {
		bookingStore.Close()
		return nil, err
	}
	eventHub.Prime(live)

	buffer := time.Duration(cfg.Scheduling.BufferMinutes) * time.Minute
	machine := lifecycle.NewMachine(bookingStore, eventHub, buffer, logger)
	machine.RegisterHook(lifecycle.NotifyHook(lifecycle.NewLogNotifier(logger)))

	app := &App{
		logger:       logger,
		config:       cfg,
		stateManager: stateManager,
		store:        bookingStore,
		hub:          eventHub,
		machine:      machine,
		gateway:      gateway.New(stateManager, eventHub, logger),
		ctx:          rootCtx,
	}

	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest",
				slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	authChain := func(h http.Handler) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				stateManager.CountUserConnections,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)

	// Collaborator surface for the booking/consultation REST layer. Safe to
	// call from concurrent handlers: the machine serializes per id.
	mux.Handle("POST /api/sessions", authChain(http.HandlerFunc(app.handleBook)))
	mux.Handle("POST /api/sessions/{id}/status", authChain(http.HandlerFunc(app.handleTransition)))
	mux.Handle("POST /api/sessions/{id}/milestone", authChain(http.HandlerFunc(app.handleMilestone)))
	mux.Handle("GET /api/sessions/live", authChain(http.HandlerFunc(app.handleLiveSessions)))
	mux.Handle("GET /api/sessions/{id}/history", authChain(http.HandlerFunc(app.handleHistory)))
	mux.Handle("GET /api/providers/{id}/availability", authChain(http.HandlerFunc(app.handleAvailability)))
	mux.Handle("GET /api/presence", authChain(http.HandlerFunc(app.handlePresence)))

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	go a.reapStaleConnections()

	<-a.ctx.Done()
	return a.Shutdown()
}

// reapStaleConnections closes connections whose heartbeat lapsed. Closing
// triggers the normal disconnect path, so rooms and roster clean up the
// same way an explicit disconnect would.
func (a *App) reapStaleConnections() {
	timeout := a.config.Transport.HeartbeatTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, conn := range a.stateManager.StaleConnections(timeout) {
				a.logger.Info("Reaping stale connection",
					slog.String("connID", conn.ID.String()),
					slog.String("userID", conn.Identity.ID),
				)
				conn.Transport.Close(errors.New("heartbeat timeout"))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Identity.ID),
	)

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
		transport.ConnectionConfig{
			ReadTimeout:  a.config.Transport.ReadTimeout,
			WriteTimeout: a.config.Transport.WriteTimeout,
			SendBuffer:   a.config.Transport.SendBuffer,
		},
		a.logger,
	)
	conn.SetOnMessageHandler(a.gateway.HandleMessage)
	conn.SetOnCloseHandler(a.gateway.HandleDisconnect)

	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.Identity)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.Run()
	if err := a.gateway.HandleConnect(stateConn); err != nil {
		connLogger.Error("Failed to push initial snapshot", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("User connection fully established",
		slog.String("role", string(reqMeta.Identity.Role)))
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close booking store", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
