// Package api exposes the orchestrator over HTTP. Transport only: every
// decision lives below it.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"forgemend/internal/agent"
	"forgemend/internal/events"
	"forgemend/internal/graph"
	"forgemend/internal/healing"
	"forgemend/internal/logging"
	"forgemend/internal/metrics"
	"forgemend/internal/orchestrator"
	"forgemend/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	core    *orchestrator.Core
	hub     *events.Hub
	archive *store.SessionArchive
	log     *zap.Logger
}

// New builds the server. hub and archive may be nil in tests.
func New(core *orchestrator.Core, hub *events.Hub, archive *store.SessionArchive) *Server {
	return &Server{core: core, hub: hub, archive: archive, log: logging.Named("api")}
}

// Router assembles the gin engine with the standard middleware stack.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.PrometheusMiddleware())

	r.GET("/health", s.healthz)
	r.GET("/metrics", metrics.Handler())
	if s.hub != nil {
		r.GET("/ws", s.hub.ServeWS)
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/graphs", s.submitGraph)
		v1.GET("/graphs/:id", s.graphStatus)
		v1.DELETE("/graphs/:id", s.abortGraph)

		v1.POST("/artifacts/:id/heal", s.triggerHealing)
		v1.GET("/artifacts/:id/sessions", s.artifactSessions)

		v1.GET("/sessions", s.activeSessions)
		v1.GET("/sessions/:id", s.sessionStatus)
		v1.DELETE("/sessions/:id", s.abortSession)
	}
	return r
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitRequest struct {
	Description string            `json:"description" binding:"required"`
	ArtifactID  string            `json:"artifact_id"`
	Roles       []string          `json:"roles"`
	Constraints map[string]string `json:"constraints"`
}

func (s *Server) submitGraph(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req := graph.Request{
		Description: body.Description,
		ArtifactID:  body.ArtifactID,
		Constraints: body.Constraints,
		CallerID:    callerID(c),
	}
	for _, role := range body.Roles {
		req.Roles = append(req.Roles, agent.Role(role))
	}

	id, err := s.core.Submit(req)
	if err != nil {
		var berr *graph.BuildError
		if errors.As(err, &berr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": berr.Error()})
			return
		}
		s.log.Error("submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"graph_id": id})
}

func (s *Server) graphStatus(c *gin.Context) {
	st, err := s.core.GraphStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) abortGraph(c *gin.Context) {
	if err := s.core.AbortGraph(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborting"})
}

func (s *Server) triggerHealing(c *gin.Context) {
	id, err := s.core.TriggerHealing(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		if errors.Is(err, healing.ErrSessionBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("trigger healing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger healing failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id})
}

func (s *Server) sessionStatus(c *gin.Context) {
	id := c.Param("id")
	if st, err := s.core.SessionStatus(id); err == nil {
		c.JSON(http.StatusOK, st)
		return
	}
	// Fall back to the archive for sessions from earlier runs.
	if s.archive != nil {
		if st, err := s.archive.Get(c.Request.Context(), id); err == nil {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": orchestrator.ErrSessionNotFound.Error()})
}

func (s *Server) activeSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.core.ActiveSessions()})
}

func (s *Server) artifactSessions(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	sessions, err := s.archive.ListByArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.Error("archive query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) abortSession(c *gin.Context) {
	if err := s.core.AbortSession(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborting"})
}

// callerID passes the opaque identity token through for audit only.
func callerID(c *gin.Context) string {
	return c.GetHeader("X-Caller-ID")
}
