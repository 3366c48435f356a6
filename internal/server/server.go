package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"chatbridge/internal/completion"
	"chatbridge/internal/config"
	"chatbridge/internal/engine"
	"chatbridge/internal/transcript"
	"chatbridge/internal/translator"
	"chatbridge/internal/usage"
)

// Version is the static server version reported by /status.
const Version = "0.1.0"

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// supportedLanguages is the static language list reported by /status.
var supportedLanguages = []string{"en"}

type Server struct {
	cfg       config.Config
	eng       engine.Engine
	orch      *completion.Orchestrator
	estimator *usage.Estimator
	app       *echo.Echo
	log       zerolog.Logger
	address   string
	modelID   string
	started   int64
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, eng engine.Engine, orch *completion.Orchestrator, logger zerolog.Logger) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.With().Str("component", "server").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Err(v.Error).
				Msg("request")
			return nil
		},
	}))
	// Browser-based OpenAI SDK clients point their base_url here.
	e.Use(middleware.CORS())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:       cfg,
		eng:       eng,
		orch:      orch,
		estimator: usage.NewEstimator(),
		app:       e,
		log:       log,
		address:   fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		modelID:   cfg.Engine.Model,
		started:   time.Now().Unix(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Host, s.cfg.Server.Port, s.modelID)
	s.log.Info().Str("addr", s.address).Str("model", s.modelID).Msg("starting server")

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// No write timeout: streamed responses stay open for the whole
		// generation.
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/status", s.handleStatus)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	avail := s.eng.Probe(c.Request().Context())
	return c.JSON(http.StatusOK, translator.NewStatus(avail, s.modelID, Version, supportedLanguages))
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.NewModelList(s.modelID, s.started))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()

	// The gate runs before any context building or engine invocation;
	// generation is never attempted against a known-unavailable engine.
	avail := s.eng.Probe(ctx)
	if !avail.Available {
		return unavailableError(avail)
	}

	tc := transcript.Build(req.ToTranscript())

	model := req.Model
	if model == "" {
		model = s.modelID
	}

	completionReq := completion.Request{
		Context: &tc,
		Options: req.EngineOptions(),
	}

	if req.Stream {
		return s.writeChatStream(c, model, completionReq)
	}

	result, err := s.orch.Complete(ctx, completionReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client is gone; nothing left to report.
			return nil
		}
		return toHTTPError(err)
	}

	promptTokens := s.estimator.CountContext(&tc)
	completionTokens := s.estimator.Count(result.Text)

	resp := translator.NewChatCompletion(
		newCompletionID(),
		time.Now().Unix(),
		model,
		result,
		&translator.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	)
	return c.JSON(http.StatusOK, resp)
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(message, errType, code string) errorBody {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return payload
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, newErrorBody(message, errType, code))
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func unavailableError(avail engine.Availability) error {
	message := avail.Detail
	if message == "" {
		message = fmt.Sprintf("generation engine is unavailable: %s", avail.Reason)
	}
	return requestError{
		Status:  http.StatusServiceUnavailable,
		Message: message,
		Type:    "engine_unavailable",
		Code:    string(avail.Reason),
	}
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var unavailErr *engine.UnavailableError
	if errors.As(err, &unavailErr) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: unavailErr.Error(),
			Type:    "engine_unavailable",
			Code:    string(unavailErr.Reason),
		}
	}

	var genErr *engine.GenerationError
	if errors.As(err, &genErr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: genErr.Error(),
			Type:    "server_error",
			Code:    "generation_error",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func printStartupBanner(host string, port int, model string) {
	fmt.Println()
	fmt.Println("chatbridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Serving model %q\n", model)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /status")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Point OpenAI-compatible clients at http://%s:%d/v1 - no API key required.\n", host, port)
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port, model)
}
