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
	"github.com/itkodovaya/constructorAI-sub002/internal/project"
	"github.com/itkodovaya/constructorAI-sub002/internal/router"
	"github.com/itkodovaya/constructorAI-sub002/internal/server/middleware"
	"github.com/itkodovaya/constructorAI-sub002/pkg/config"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session/sessionmanager"
	"github.com/itkodovaya/constructorAI-sub002/pkg/transport"
)

type App struct {
	logger    *slog.Logger
	sessions  session.Manager
	msgRouter *router.Router
	wg        sync.WaitGroup
	http      *http.Server
	config    *config.Config
	projects  *project.SQLiteStore // nil when running with AllowAll

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	sessions := sessionmanager.NewInMemoryManager(logger)

	var authorizer project.Authorizer = project.AllowAll{}
	var store *project.SQLiteStore
	if cfg.Project.DatabasePath != "" {
		var err error
		store, err = project.OpenSQLiteStore(cfg.Project.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		authorizer = store
	} else {
		logger.Warn("No project database configured; every join is admitted")
	}

	broadcaster := router.NewRoomBroadcaster(logger, sessions)
	msgRouter := router.New(logger, sessions, authorizer, broadcaster)

	app := &App{
		logger:    logger,
		sessions:  sessions,
		msgRouter: msgRouter,
		config:    cfg,
		projects:  store,
		ctx:       rootCtx,
	}

	connCounter := middleware.UserConnectionCounter(sessions.GetUserConnectionCount)
	// Closes a user's oldest connection to make room for a new one.
	connCycler := func(userID string) {
		oldest, found := sessions.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.Mode, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(logger, connCounter, connCycler, cfg.Server.ConnectionLimit),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
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
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	if _, err := a.sessions.RegisterConnection(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	// A verified handshake identity is pinned before any envelope is read.
	if reqMeta.UserID != "" {
		if err := a.sessions.AssociateIdentity(conn.ID(), reqMeta.UserID, reqMeta.UserName); err != nil {
			connLogger.Error("Failed to associate identity with connection", slog.Any("error", err))
			conn.Close(err)
			return
		}
	}

	conn.SetOnMessageHandler(a.msgRouter.HandleMessage)
	conn.SetOnCloseHandler(a.msgRouter.HandleDisconnect)

	connLogger.Info("Client connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections; each close drives the
	// disconnect reconciler for its room.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.sessions.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if a.projects != nil {
		if err := a.projects.Close(); err != nil {
			a.logger.Error("Failed to close project database", slog.Any("error", err))
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
