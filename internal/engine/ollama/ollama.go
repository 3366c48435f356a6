// Package ollama implements the engine contract against a local
// Ollama-compatible runtime.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatbridge/internal/config"
	"chatbridge/internal/engine"
	"chatbridge/internal/transcript"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatbridge/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Engine talks to a local Ollama runtime over HTTP. The value is shared
// process-wide; concurrent invocations are admitted through an internal
// semaphore so the model handle is never oversubscribed.
type Engine struct {
	baseURL   string
	model     string
	keepAlive string
	timeout   time.Duration
	client    *http.Client
	admit     chan struct{}
	log       zerolog.Logger

	tagsURL string
	chatURL string
}

// New constructs an engine from configuration. The configuration is expected
// to have been validated already.
func New(cfg config.EngineConfig, logger zerolog.Logger) (*Engine, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine base url must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("engine model must not be empty")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Engine{
		baseURL:   baseURL,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		timeout:   cfg.Timeout(),
		client:    newHTTPClient(),
		admit:     make(chan struct{}, maxConcurrent),
		log:       logger.With().Str("component", "engine").Logger(),
		tagsURL:   baseURL + "/api/tags",
		chatURL:   baseURL + "/api/chat",
	}, nil
}

// Model returns the configured model identifier.
func (e *Engine) Model() string {
	return e.model
}

// Probe queries the runtime's tag list and maps failures onto the stable
// unavailability vocabulary. The result reflects the runtime's state at the
// instant of the call and is never cached.
func (e *Engine) Probe(ctx context.Context) engine.Availability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.tagsURL, nil)
	if err != nil {
		return unavailable(engine.ReasonUnknown, fmt.Sprintf("construct probe request: %v", err))
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Debug().Err(err).Msg("engine probe failed")
		if isConnectionError(err) {
			return unavailable(engine.ReasonFeatureNotEnabled, "engine runtime is not running at "+e.baseURL)
		}
		return unavailable(engine.ReasonUnknown, fmt.Sprintf("engine probe failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		detail := strings.TrimSpace(string(body))
		if containsUnsupported(detail) {
			return unavailable(engine.ReasonDeviceNotEligible, detail)
		}
		return unavailable(engine.ReasonUnknown, fmt.Sprintf("engine probe returned status %d: %s", resp.StatusCode, detail))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := decodeJSON(resp.Body, &tags); err != nil {
		return unavailable(engine.ReasonUnknown, err.Error())
	}

	for _, m := range tags.Models {
		if modelMatches(m.Name, e.model) {
			return engine.Availability{Available: true}
		}
	}
	return unavailable(engine.ReasonModelNotReady, fmt.Sprintf("model %q is not loaded in the engine runtime", e.model))
}

// Generate runs a single-shot chat completion against the runtime.
func (e *Engine) Generate(ctx context.Context, tc *transcript.Context, opts engine.Options) (*engine.Result, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := e.newChatRequest(ctx, tc, opts, false)
	if err != nil {
		return nil, &engine.GenerationError{Err: err}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &engine.GenerationError{Err: fmt.Errorf("engine chat request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &engine.GenerationError{Err: parseAPIError(resp)}
	}

	var out chatChunk
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, &engine.GenerationError{Err: err}
	}

	return &engine.Result{
		Text:         out.Message.Content,
		FinishReason: mapDoneReason(out.DoneReason),
	}, nil
}

// GenerateStream starts an incremental chat completion. Segments are sent in
// production order; the error channel carries at most one terminal error and
// is closed last. Cancelling ctx aborts the underlying HTTP request.
func (e *Engine) GenerateStream(ctx context.Context, tc *transcript.Context, opts engine.Options) (<-chan engine.Segment, <-chan error) {
	segments := make(chan engine.Segment, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(segments)

		release, err := e.acquire(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer release()

		httpReq, err := e.newChatRequest(ctx, tc, opts, true)
		if err != nil {
			errs <- &engine.GenerationError{Err: err}
			return
		}

		resp, err := e.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- &engine.GenerationError{Err: fmt.Errorf("engine stream request failed: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := parseAPIError(resp)
			e.log.Error().Err(apiErr).Msg("engine rejected stream request")
			errs <- &engine.GenerationError{Err: apiErr}
			return
		}

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk chatChunk
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					return
				}
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				errs <- &engine.GenerationError{Err: fmt.Errorf("decode engine stream: %w", err)}
				return
			}

			seg := engine.Segment{Text: chunk.Message.Content}
			if chunk.Done {
				seg.FinishReason = mapDoneReason(chunk.DoneReason)
			}

			select {
			case segments <- seg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if chunk.Done {
				return
			}
		}
	}()

	return segments, errs
}

// acquire admits one request through the engine semaphore, honoring ctx
// while waiting. The returned func releases the slot.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	select {
	case e.admit <- struct{}{}:
		return func() { <-e.admit }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
}

func (e *Engine) newChatRequest(ctx context.Context, tc *transcript.Context, opts engine.Options, stream bool) (*http.Request, error) {
	payload := chatPayload{
		Model:     e.model,
		Messages:  buildMessages(tc),
		Stream:    stream,
		KeepAlive: e.keepAlive,
		Options:   buildOptions(opts),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal engine payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct engine request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	return req, nil
}

// buildMessages flattens a generation context into the runtime's message
// sequence: instructions first, then history turns, then the active prompt
// as the closing user message.
func buildMessages(tc *transcript.Context) []chatMessage {
	messages := make([]chatMessage, 0, len(tc.History)+2)

	if tc.Instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: tc.Instructions})
	}
	for _, turn := range tc.History {
		messages = append(messages, chatMessage{Role: string(turn.Speaker), Content: turn.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: tc.Prompt})

	return messages
}

func buildOptions(opts engine.Options) map[string]any {
	options := make(map[string]any)
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		options["top_p"] = *opts.TopP
	}
	if opts.MaxTokens != nil {
		options["num_predict"] = *opts.MaxTokens
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func mapDoneReason(reason string) string {
	switch reason {
	case "length", "limit":
		return engine.FinishLength
	default:
		return engine.FinishStop
	}
}

func modelMatches(available, requested string) bool {
	if available == requested {
		return true
	}
	if available == requested+":latest" {
		return true
	}
	base, _, found := strings.Cut(available, ":")
	return found && base == requested
}

func containsUnsupported(detail string) bool {
	lowered := strings.ToLower(detail)
	return strings.Contains(lowered, "not supported") || strings.Contains(lowered, "unsupported")
}

// isConnectionError reports whether the failure happened at the transport
// level, meaning the runtime is not reachable at all.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func unavailable(reason engine.Reason, detail string) engine.Availability {
	return engine.Availability{Available: false, Reason: reason, Detail: detail}
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("engine error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("engine error (status %d): %s", resp.StatusCode, apiErr.Error)
	}

	return fmt.Errorf("engine error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// No client-level timeout: streamed responses stay open for the whole
	// generation. Single-shot calls bound their own context instead.
	return &http.Client{Transport: transport}
}
