// Package server wires the store, bridge, controller, and transports
// into one HTTP server.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/api"
	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/config"
	"github.com/agentdeck/bridge/internal/controller"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/monitoring"
	"github.com/agentdeck/bridge/internal/session"
	"github.com/agentdeck/bridge/internal/terminal"
	"github.com/agentdeck/bridge/internal/ws"
)

// Server owns all components and the HTTP listener.
type Server struct {
	cfg        *config.Config
	log        *logging.Logger
	router     *gin.Engine
	httpSrv    *http.Server
	store      *session.Store
	bridge     *bridge.Bridge
	controller *controller.Controller
	terminals  *terminal.Manager
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	store, err := session.NewStore(cfg.SessionsDir(), log)
	if err != nil {
		return nil, err
	}

	br := bridge.New(bridge.Config{
		Command:     cfg.Bridge.Command,
		Args:        cfg.Bridge.Args,
		WorkRoot:    cfg.WorkspacesDir(),
		EventBuffer: cfg.Bridge.EventBuffer,
	}, log)

	metrics := monitoring.New(func() float64 {
		return float64(br.ActiveCount())
	})

	ctrl := controller.New(store, br, metrics, log)

	var terminals *terminal.Manager
	if cfg.Terminal.Enabled {
		terminals = terminal.NewManager(cfg.Terminal.Shell, log)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	handlers := api.NewHandlers(store, ctrl, br, log)
	wsHandler := ws.NewHandler(ctrl, br, terminals, ws.RateLimit{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, log)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", metrics.Handler())

	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.PUT("/sessions/:id", handlers.SaveSession)
	router.PATCH("/sessions/:id/name", handlers.RenameSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)

	router.GET("/ws", wsHandler.HandleConnection)

	return &Server{
		cfg:        cfg,
		log:        log.Named("server"),
		router:     router,
		store:      store,
		bridge:     br,
		controller: ctrl,
		terminals:  terminals,
	}, nil
}

// Run starts serving and blocks until the listener stops.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("listening",
		zap.String("addr", addr),
		zap.String("agent_command", s.cfg.Bridge.Command))

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts everything down: stop accepting requests, kill live
// invocations and shells, drain the event pump.
func (s *Server) Close() error {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}

	if s.terminals != nil {
		s.terminals.CloseAll()
	}

	return s.controller.Close()
}
