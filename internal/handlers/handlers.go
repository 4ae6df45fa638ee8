package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/auth"
	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/repository"
	"github.com/example/ekko-capture/internal/session"
	"github.com/example/ekko-capture/internal/usecase"
	"github.com/example/ekko-capture/internal/workflow"
)

// MaxUploadSize bounds a single uploaded photo.
const MaxUploadSize = 10 << 20

// formOverhead leaves room for multipart boundaries and headers around the file.
const formOverhead = 1 << 20

// CaptureService is what the routes need from the use case.
type CaptureService interface {
	Create(ctx context.Context, userID string, grammar capture.Grammar, cameraGranted bool) (*usecase.SessionInfo, error)
	Get(userID, id string) (*usecase.SessionInfo, error)
	Subscribe(userID, id string) (workflow.State, error)
	Capture(ctx context.Context, userID, id string, mode capture.Mode, data []byte) (workflow.State, error)
	Reset(userID, id string) (workflow.State, error)
	Edit(userID, id string) (workflow.State, error)
	Confirm(ctx context.Context, userID, id string) (workflow.State, error)
	SubmitManual(ctx context.Context, userID, id, value string) (workflow.State, error)
	Delete(userID, id string) error
	ListAttempts(ctx context.Context, userID, id string) ([]*repository.CaptureAttempt, error)
	Context(userID string) session.Context
	SignOut(userID string)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// EventStream attaches a websocket client to a session.
type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string, current workflow.State) error
}

type handler struct {
	svc    CaptureService
	events EventStream
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc CaptureService, events EventStream, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{svc: svc, events: events, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)
	api.POST("/captures", h.createCapture)
	api.GET("/captures/:id", h.getCapture)
	api.DELETE("/captures/:id", h.deleteCapture)
	api.POST("/captures/:id/image", h.uploadImage)
	api.POST("/captures/:id/reset", h.action(func(c *gin.Context, userID, id string) (workflow.State, error) {
		return svc.Reset(userID, id)
	}))
	api.POST("/captures/:id/edit", h.action(func(c *gin.Context, userID, id string) (workflow.State, error) {
		return svc.Edit(userID, id)
	}))
	api.POST("/captures/:id/confirm", h.action(func(c *gin.Context, userID, id string) (workflow.State, error) {
		return svc.Confirm(c.Request.Context(), userID, id)
	}))
	api.POST("/captures/:id/manual", h.submitManual)
	api.GET("/captures/:id/events", h.streamEvents)
	api.GET("/captures/:id/attempts", h.listAttempts)

	api.GET("/context", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Context(auth.UserID(c)))
	})
	api.DELETE("/context", func(c *gin.Context) {
		svc.SignOut(auth.UserID(c))
		c.Status(http.StatusNoContent)
	})
	api.GET("/metrics/summary", h.metricsSummary)
}

type createCaptureRequest struct {
	Grammar       string `json:"grammar" binding:"required"`
	CameraGranted bool   `json:"camera_granted"`
}

func (h *handler) createCapture(c *gin.Context) {
	var req createCaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grammar is required"})
		return
	}
	grammar, ok := capture.ParseGrammar(req.Grammar)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported grammar"})
		return
	}
	info, err := h.svc.Create(c.Request.Context(), auth.UserID(c), grammar, req.CameraGranted)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *handler) getCapture(c *gin.Context) {
	info, err := h.svc.Get(auth.UserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) listAttempts(c *gin.Context) {
	attempts, err := h.svc.ListAttempts(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrSessionNotFound) {
			h.writeError(c, err, nil)
			return
		}
		h.logger.Error("failed to list attempts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attempts unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (h *handler) deleteCapture(c *gin.Context) {
	if err := h.svc.Delete(auth.UserID(c), c.Param("id")); err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) uploadImage(c *gin.Context) {
	mode, ok := capture.ParseMode(c.DefaultQuery("mode", string(capture.ModeLibrary)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be camera or library"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)
	data, status, err := readImage(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	st, err := h.svc.Capture(c.Request.Context(), auth.UserID(c), c.Param("id"), mode, data)
	h.respond(c, st, err)
}

// readImage returns nil data when no file was posted; the picker was cancelled.
func readImage(c *gin.Context) ([]byte, int, error) {
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return nil, http.StatusOK, nil
		default:
			return nil, http.StatusBadRequest, errors.New("invalid multipart form")
		}
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}
	if ct := file.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, http.StatusUnsupportedMediaType, errors.New("only image uploads are accepted")
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}
	return data, http.StatusOK, nil
}

type manualRequest struct {
	Value string `json:"value"`
}

func (h *handler) submitManual(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	st, err := h.svc.SubmitManual(c.Request.Context(), auth.UserID(c), c.Param("id"), req.Value)
	h.respond(c, st, err)
}

func (h *handler) streamEvents(c *gin.Context) {
	st, err := h.svc.Subscribe(auth.UserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	if err := h.events.Serve(c.Writer, c.Request, c.Param("id"), st); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) action(fn func(c *gin.Context, userID, id string) (workflow.State, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := fn(c, auth.UserID(c), c.Param("id"))
		h.respond(c, st, err)
	}
}

func (h *handler) respond(c *gin.Context, st workflow.State, err error) {
	if err != nil {
		h.writeError(c, err, &st)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (h *handler) writeError(c *gin.Context, err error, st *workflow.State) {
	status, code := classify(err)
	body := gin.H{"error": err.Error(), "code": code}
	if st != nil && st.Phase != "" {
		body["state"] = st
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, workflow.ErrClosed):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, workflow.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, workflow.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, capture.ErrUnsupportedMode):
		return http.StatusBadRequest, "unsupported_mode"
	case errors.Is(err, capture.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, capture.ErrVehicleNotFound):
		return http.StatusNotFound, "vehicle_not_found"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}
