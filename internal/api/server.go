// Package api binds the analytics core's computation API to HTTP. The
// core itself is transport-agnostic; everything here is a thin adapter.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/proms-analytics-server/internal/config"
	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/service"
)

// Server is the HTTP binding of the computation API.
type Server struct {
	svc    *service.Service
	cfg    config.ServerConfig
	router *gin.Engine
	server *http.Server
	log    *logrus.Logger
}

// NewServer creates the HTTP server.
func NewServer(svc *service.Service, cfg config.ServerConfig, logLevel string, logger *logrus.Logger) *Server {
	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(rateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))

	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: router,
		log:    logger,
	}
	s.setupRoutes()
	return s
}

// rateLimitMiddleware bounds request throughput across all clients.
func rateLimitMiddleware(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		limit = 50
	}
	if burst <= 0 {
		burst = 100
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/patients/:id/review", s.handlePatientReview)
		v1.POST("/aggregates", s.handleCohortAggregate)
		v1.POST("/submissions/:id/written", s.handleSubmissionWritten)
	}
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// reviewQuery is the HTTP shape of a review request's filter context.
type reviewQuery struct {
	Institution  string `form:"institution" binding:"required"`
	AnchorKind   string `form:"anchor"`
	AnchorRef    string `form:"anchor_ref"`
	Granularity  string `form:"granularity"`
	UpperBound   string `form:"upper_bound"`
	MaxIntervals *int   `form:"max_intervals"`
}

func (s *Server) handlePatientReview(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient id"})
		return
	}

	var query reviewQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	institution, err := uuid.Parse(query.Institution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid institution id"})
		return
	}

	fc, err := query.filterContext()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	review, err := s.svc.GetPatientReview(c.Request.Context(), institution, patientID, fc)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (q reviewQuery) filterContext() (domain.FilterContext, error) {
	fc := domain.FilterContext{
		Anchor:      domain.Anchor{Kind: domain.AnchorRegistration},
		Granularity: domain.GranularityWeek,
	}
	if q.AnchorKind != "" {
		fc.Anchor.Kind = domain.AnchorKind(q.AnchorKind)
	}
	if q.AnchorRef != "" {
		ref, err := uuid.Parse(q.AnchorRef)
		if err != nil {
			return fc, fmt.Errorf("invalid anchor_ref: %w", err)
		}
		fc.Anchor.RefID = &ref
	}
	if q.Granularity != "" {
		fc.Granularity = domain.Granularity(q.Granularity)
	}
	if q.UpperBound != "" {
		t, err := time.Parse(time.RFC3339, q.UpperBound)
		if err != nil {
			return fc, fmt.Errorf("invalid upper_bound: %w", err)
		}
		fc.Window.UpperBound = &t
	}
	fc.Window.MaxIntervals = q.MaxIntervals
	return fc, nil
}

// aggregateRequest is the HTTP shape of GetCohortAggregate.
type aggregateRequest struct {
	ConstructID  *uuid.UUID              `json:"construct_id"`
	ItemID       *uuid.UUID              `json:"item_id"`
	IndexPatient uuid.UUID               `json:"index_patient" binding:"required"`
	Filter       domain.FilterContext    `json:"filter"`
	Predicates   domain.CohortPredicates `json:"predicates"`
	Aggregation  domain.AggregationKind  `json:"aggregation"`
}

func (s *Server) handleCohortAggregate(c *gin.Context) {
	var req aggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := domain.AggregateTarget{ConstructID: req.ConstructID, ItemID: req.ItemID}
	stats, err := s.svc.GetCohortAggregate(c.Request.Context(), target, req.Filter, req.Predicates, req.Aggregation, req.IndexPatient)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCohort) {
			// An empty cohort is an empty series, not a caller error.
			c.JSON(http.StatusOK, gin.H{"buckets": map[int]domain.BucketStat{}})
			return
		}
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": stats})
}

func (s *Server) handleSubmissionWritten(c *gin.Context) {
	submissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}

	if err := s.svc.OnSubmissionWritten(c.Request.Context(), submissionID); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recomputed"})
}

func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
	case errors.Is(err, domain.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
	default:
		s.log.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
