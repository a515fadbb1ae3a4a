// Package server exposes the ingestion operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/showrunnerhq/backlot/internal/orchestrator"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/service"
	"github.com/showrunnerhq/backlot/internal/store"
)

// WorkflowReader resolves workflow state for status polling.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, id string) (*orchestrator.Workflow, error)
}

// Server wires the HTTP surface over the service layer.
type Server struct {
	echo      *echo.Echo
	logger    *log.Logger
	svc       *service.Service
	workflows WorkflowReader
}

// New builds the echo instance with middleware and routes registered.
func New(logger *log.Logger, svc *service.Service, workflows WorkflowReader) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	s := &Server{echo: e, logger: logger, svc: svc, workflows: workflows}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.POST("/extractions", s.requestExtraction)
	api.GET("/extractions/:id", s.getExtraction)
	api.GET("/extractions/:id/audits", s.listAudits)
	api.POST("/extractions/:id/promote", s.promote)
	api.POST("/promotions/:audit_id/rollback", s.rollback)
	api.POST("/workflows", s.startWorkflow)
	api.GET("/workflows/:id", s.getWorkflow)

	return s
}

// Start begins serving on addr and blocks.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type extractionRequest struct {
	OrgID    string                 `json:"org_id"`
	FileID   string                 `json:"file_id"`
	Slot     string                 `json:"slot"`
	Actor    string                 `json:"actor"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) requestExtraction(c echo.Context) error {
	var req extractionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	jobID, err := s.svc.RequestExtraction(c.Request().Context(), service.ExtractionRequest{
		OrgID:    req.OrgID,
		FileID:   req.FileID,
		Slot:     req.Slot,
		Actor:    req.Actor,
		Metadata: req.Metadata,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getExtraction(c echo.Context) error {
	job, err := s.svc.GetExtractionJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "extraction job not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) listAudits(c echo.Context) error {
	audits, err := s.svc.ListPromotionAudits(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"audits": audits})
}

type promoteRequest struct {
	OrgID       string `json:"org_id"`
	Actor       string `json:"actor"`
	ReviewNotes string `json:"review_notes"`
}

func (s *Server) promote(c echo.Context) error {
	var req promoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.svc.PromoteExtraction(c.Request().Context(), c.Param("id"), req.OrgID, req.Actor, req.ReviewNotes)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "extraction job not found")
		}
		if promotion.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type rollbackRequest struct {
	OrgID  string `json:"org_id"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) rollback(c echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.svc.RollbackPromotion(c.Request().Context(), c.Param("audit_id"), req.OrgID, req.Actor, req.Reason)
	if err != nil {
		if errors.Is(err, store.ErrAuditNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "promotion audit not found")
		}
		if promotion.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type workflowRequest struct {
	Definition string                 `json:"definition"`
	OrgID      string                 `json:"org_id"`
	FileID     string                 `json:"file_id"`
	Params     map[string]interface{} `json:"params"`
}

func (s *Server) startWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Definition == "" {
		req.Definition = "full-processing"
	}
	id, err := s.svc.StartClusterWorkflow(c.Request().Context(), req.Definition, req.OrgID, req.FileID, req.Params)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"workflow_id": id})
}

func (s *Server) getWorkflow(c echo.Context) error {
	if s.workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow state is not available on this instance")
	}
	wf, err := s.workflows.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, wf)
}
