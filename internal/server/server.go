// Package server exposes the recognition service over HTTP. Responses use
// the {success, data, error, timestamp} envelope so callers can treat every
// endpoint uniformly.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nlud/internal/config"
	"nlud/internal/logging"
	"nlud/internal/nlu"
)

// requestIDHeader carries the per-request id echoed back to clients.
const requestIDHeader = "X-Request-ID"

// envelope is the uniform response wrapper.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// recognizeRequest is the body of POST /api/v1/intent/recognize.
type recognizeRequest struct {
	Text      string `json:"text"`
	Domain    string `json:"domain,omitempty"`
	Context   string `json:"context,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// classifyRequest is the body of POST /api/v1/domain/classify.
type classifyRequest struct {
	Text string `json:"text"`
}

// classifyResponse is the classify endpoint's payload.
type classifyResponse struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// Server wraps the gin engine around the recognition service.
type Server struct {
	cfg     *config.Settings
	service *nlu.Service
	http    *http.Server
}

// New builds the HTTP server with all routes registered.
func New(cfg *config.Settings, service *nlu.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog())

	s := &Server{
		cfg:     cfg,
		service: service,
		http: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}

	v1 := router.Group("/api/v1")
	v1.POST("/intent/recognize", s.handleRecognize)
	v1.POST("/domain/classify", s.handleClassify)
	v1.GET("/health", s.handleHealth)
	v1.GET("/info", s.handleInfo)
	return s
}

// Handler exposes the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.Server("Shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRecognize(c *gin.Context) {
	var req recognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res := s.service.Recognize(c.Request.Context(), req.Text, req.Domain)
	logging.ServerDebug("[%s] recognize %q -> intent=%s domain=%s method=%s",
		c.GetString(requestIDHeader), req.Text, res.Intent, res.Domain, res.Method)
	ok(c, res)
}

func (s *Server) handleClassify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		fail(c, http.StatusBadRequest, "text is required")
		return
	}

	domain, confidence, err := s.service.Classify(c.Request.Context(), req.Text)
	if err != nil {
		fail(c, http.StatusInternalServerError, "classification failed")
		logging.Server("[%s] classify %q failed: %v", c.GetString(requestIDHeader), req.Text, err)
		return
	}
	ok(c, classifyResponse{Domain: domain, Confidence: confidence})
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, gin.H{"status": "healthy", "name": s.cfg.Name, "version": s.cfg.Version})
}

func (s *Server) handleInfo(c *gin.Context) {
	ok(c, s.service.Info())
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// requestID tags every request with a short id, honoring one supplied by
// the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog writes one line per request to the server category.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Server("%s %s -> %d (%v)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
