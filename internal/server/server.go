package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"item-image-pipeline/internal/pipeline"
)

const (
	codeValidation = "validation"
	codeServer     = "server"

	msgMethodNotAllowed = "Method not allowed"
	msgInvalidJSON      = "Invalid JSON body"
	msgInvalidItemID    = "itemId must be a valid UUID"
	msgInvalidBatchSize = "batchSize must be an integer between 1 and 100"
	msgInvalidRequest   = "Invalid request"

	// Every 500 carries the same text; details stay in the log.
	msgServer = "Service configuration error"

	maxBodyBytes = 1 << 20
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

type Server struct {
	router     *gin.Engine
	http       *http.Server
	dispatcher Dispatcher
	configErr  error
	validate   *validator.Validate
	log        *zap.Logger
}

// NewServer wires the HTTP surface. A non-nil configErr, or a nil
// dispatcher, makes every processing request answer with a configuration
// error instead of running.
func NewServer(addr string, dispatcher Dispatcher, configErr error, log *zap.Logger) *Server {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	s := &Server{
		router:     r,
		dispatcher: dispatcher,
		configErr:  configErr,
		validate:   validator.New(),
		log:        log,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.Use(s.requestLogger(), gin.CustomRecovery(s.recoverPanic))
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, errorBody(msgMethodNotAllowed, codeValidation))
	})

	r.POST("/process-item-image", s.handleProcess)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type processRequest struct {
	ItemID       string `json:"itemId" validate:"omitempty,uuid"`
	BatchSize    *int   `json:"batchSize" validate:"omitnil,min=1,max=100"`
	RecoverStale bool   `json:"recoverStale"`
}

func (s *Server) handleProcess(c *gin.Context) {
	if s.configErr != nil || s.dispatcher == nil {
		s.log.Error("service_misconfigured", zap.Error(s.configErr))
		c.JSON(http.StatusInternalServerError, errorBody(msgServer, codeServer))
		return
	}

	req, msg := s.parseRequest(c)
	if msg != "" {
		c.JSON(http.StatusBadRequest, errorBody(msg, codeValidation))
		return
	}

	// Claimed jobs run to completion even if the caller goes away.
	ctx := context.WithoutCancel(c.Request.Context())
	resp, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.log.Error("dispatch_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(msgServer, codeServer))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// parseRequest returns the dispatcher request, or a client message when
// the body is invalid. An empty body selects queue mode with defaults.
func (s *Server) parseRequest(c *gin.Context) (pipeline.Request, string) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return pipeline.Request{}, msgInvalidJSON
	}

	var in processRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			return pipeline.Request{}, msgInvalidJSON
		}
	}

	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Field() {
			case "ItemID":
				return pipeline.Request{}, msgInvalidItemID
			case "BatchSize":
				return pipeline.Request{}, msgInvalidBatchSize
			}
		}
		return pipeline.Request{}, msgInvalidRequest
	}

	req := pipeline.Request{RecoverStale: in.RecoverStale}
	if in.ItemID != "" {
		id, err := uuid.Parse(in.ItemID)
		if err != nil {
			return pipeline.Request{}, msgInvalidItemID
		}
		req.ItemID = &id
	}
	if in.BatchSize != nil {
		req.BatchSize = *in.BatchSize
	}
	return req, ""
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	s.log.Error("handler_panic", zap.Any("panic", recovered), zap.Stack("stack"))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(msgServer, codeServer))
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

func errorBody(msg, code string) gin.H {
	return gin.H{"success": false, "error": msg, "code": code}
}
