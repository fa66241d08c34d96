// Package admin serves the control dashboard. Every mutating endpoint goes
// through the orchestrator, so manual sends obey the same governor and
// driver lock as the poll cycle.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quailyquaily/wabridge/bridge"
)

type Config struct {
	Addr string
}

func (c Config) addr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return "127.0.0.1:8089"
}

type Server struct {
	cfg  Config
	log  *slog.Logger
	orch *bridge.Orchestrator
	http *http.Server
}

func New(cfg Config, orch *bridge.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log, orch: orch}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleIndex)
	r.GET("/sessions", s.handleSessions)
	r.GET("/events", s.handleEvents)
	r.GET("/log", s.handleLog)
	r.POST("/send", s.handleSend)
	r.POST("/register", s.handleRegister)
	r.POST("/unregister", s.handleUnregister)
	r.POST("/reset", s.handleReset)
	r.POST("/restart", s.handleRestart)

	s.http = &http.Server{Addr: cfg.addr(), Handler: r}
	return s
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info("admin_listening", "addr", s.cfg.addr())

	select {
	case <-ctx.Done():
		_ = s.http.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": s.orch.Sessions(),
		"events":   s.orch.Events(),
		"log":      s.orch.AuditTail(20),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Sessions())
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Events())
}

func (s *Server) handleLog(c *gin.Context) {
	n := 50
	if raw := c.Query("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	c.JSON(http.StatusOK, s.orch.AuditTail(n))
}

type sendRequest struct {
	Number  string `json:"number" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.SendManual(c.Request.Context(), req.Number, req.Content); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

type chatRequest struct {
	Title  string `json:"title" binding:"required"`
	Folder string `json:"folder"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.RegisterChat(req.Title, req.Folder); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.UnregisterChat(req.Title); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) handleReset(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.ResetChat(req.Title); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleRestart(c *gin.Context) {
	s.orch.RequestRestart()
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}
