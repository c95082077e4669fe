package server

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/rest"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Session membership is the access check; origins are not.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server bundles the registry, the relay hub, and the HTTP surface.
type Server struct {
	registry *Registry
	hub      *Hub
	router   *gin.Engine
}

func New(opts RegistryOptions) *Server {
	registry := NewRegistry(opts)
	s := &Server{
		registry: registry,
		hub:      NewHub(registry),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	api := router.Group("/api")
	{
		api.POST("/tokens", s.issueToken)
		api.POST("/sessions/join", s.joinSession)
		api.GET("/sessions/:token/status", s.sessionStatus)
		api.DELETE("/sessions/:token", s.deleteSession)
		api.GET("/health/database", s.healthDatabase)
	}
	router.GET("/ws/sessions/:token", s.serveWS)

	s.router = router
	return s
}

// Handler exposes the HTTP surface, for both Run and httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	util.LogInfo("server: listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) issueToken(c *gin.Context) {
	var req rest.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	identity := req.ClientIdentity
	if identity == "" {
		identity = c.ClientIP()
	}

	resp, err := s.registry.IssueToken(req, identity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) joinSession(c *gin.Context) {
	var req rest.JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	resp, activated, err := s.registry.Join(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if activated {
		s.hub.ScheduleTTL(req.Token)
	}
	s.hub.BroadcastStatus(req.Token)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) sessionStatus(c *gin.Context) {
	resp, err := s.registry.Status(c.Param("token"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteSession(c *gin.Context) {
	token := c.Param("token")
	changed, err := s.registry.Delete(token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if changed {
		s.hub.Terminate(token, signaling.TypeSessionDeleted)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) healthDatabase(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) serveWS(c *gin.Context) {
	token := c.Param("token")
	participantID := c.Query("participantId")
	if participantID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err := s.registry.SocketAdmission(token, participantID); err != nil {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("server: upgrade failed: %v", err)
		return
	}
	s.hub.Attach(token, participantID, conn)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionFull):
		status = http.StatusConflict
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionDeleted):
		status = http.StatusGone
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}
