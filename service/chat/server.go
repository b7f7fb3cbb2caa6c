package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"commune/global"
	"commune/logger"
	"commune/middleware"
)

// Server carries the HTTP surface: the websocket endpoint for the
// realtime protocol and the JSON account routes.
type Server struct {
	deps     *Deps
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(deps *Deps) *Server {
	s := &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.CheckOrigin(global.Config.AllowedOrigins),
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	deps.Auth.Mount(engine.Group("/api/auth"))
	engine.GET("/ws", s.handleWS)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.httpSrv = &http.Server{
		Addr:              global.Config.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed surface, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade: %v", err)
		return
	}
	// The handler goroutine becomes the session's read loop.
	NewSession(s.deps, conn).Run()
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logger.Infof("listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Shutdown()
	return s.httpSrv.Shutdown(ctx)
}
