package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/config"
	"chatbridge/internal/engine"
	"chatbridge/internal/transcript"
)

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	eng, err := New(config.EngineConfig{
		BaseURL:        baseURL,
		Model:          "llama3.2",
		TimeoutSeconds: 5,
		MaxConcurrent:  1,
	}, zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func TestProbeReportsAvailableWhenModelLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3.2:latest"}},
		})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	avail := eng.Probe(context.Background())

	assert.True(t, avail.Available)
	assert.Empty(t, avail.Reason)
}

func TestProbeReportsModelNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "qwen2.5:7b"}},
		})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	avail := eng.Probe(context.Background())

	assert.False(t, avail.Available)
	assert.Equal(t, engine.ReasonModelNotReady, avail.Reason)
	assert.Contains(t, avail.Detail, "llama3.2")
}

func TestProbeReportsFeatureNotEnabledWhenRuntimeDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	eng := newTestEngine(t, baseURL)
	avail := eng.Probe(context.Background())

	assert.False(t, avail.Available)
	assert.Equal(t, engine.ReasonFeatureNotEnabled, avail.Reason)
}

func TestProbeMapsUnsupportedPlatformToDeviceNotEligible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "accelerator not supported on this device", http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	avail := eng.Probe(context.Background())

	assert.False(t, avail.Available)
	assert.Equal(t, engine.ReasonDeviceNotEligible, avail.Reason)
}

func TestGenerateSingleShot(t *testing.T) {
	var captured chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":     map[string]string{"role": "assistant", "content": "bonjour"},
			"done":        true,
			"done_reason": "stop",
		})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	tc := transcript.Build([]transcript.Message{
		{Role: transcript.RoleSystem, Content: "reply in French"},
		{Role: transcript.RoleUser, Content: "hello"},
	})

	temp := 0.7
	result, err := eng.Generate(context.Background(), &tc, engine.Options{Temperature: &temp})
	require.NoError(t, err)

	assert.Equal(t, "bonjour", result.Text)
	assert.Equal(t, engine.FinishStop, result.FinishReason)

	assert.False(t, captured.Stream)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "reply in French"}, captured.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "hello"}, captured.Messages[1])
	assert.Equal(t, 0.7, captured.Options["temperature"])
}

func TestGenerateMapsLengthCutoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":     map[string]string{"role": "assistant", "content": "truncated"},
			"done":        true,
			"done_reason": "length",
		})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	tc := transcript.Build([]transcript.Message{{Role: transcript.RoleUser, Content: "go on"}})

	result, err := eng.Generate(context.Background(), &tc, engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.FinishLength, result.FinishReason)
}

func TestGenerateWrapsEngineFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model crashed"})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	tc := transcript.Build([]transcript.Message{{Role: transcript.RoleUser, Content: "hi"}})

	_, err := eng.Generate(context.Background(), &tc, engine.Options{})
	require.Error(t, err)

	var genErr *engine.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Contains(t, genErr.Error(), "model crashed")
}

func TestGenerateStreamEmitsSegmentsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"message": map[string]string{"content": "Hel"}, "done": false})
		_ = enc.Encode(map[string]any{"message": map[string]string{"content": "lo wo"}, "done": false})
		_ = enc.Encode(map[string]any{"message": map[string]string{"content": "rld"}, "done": true, "done_reason": "stop"})
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	tc := transcript.Build([]transcript.Message{{Role: transcript.RoleUser, Content: "hi"}})

	segments, errs := eng.GenerateStream(context.Background(), &tc, engine.Options{})

	var got []engine.Segment
	for seg := range segments {
		got = append(got, seg)
	}
	require.NoError(t, <-errs)

	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, "lo wo", got[1].Text)
	assert.Equal(t, "rld", got[2].Text)
	assert.Empty(t, got[0].FinishReason)
	assert.Equal(t, engine.FinishStop, got[2].FinishReason)
}

func TestGenerateStreamSurfacesCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"message": map[string]string{"content": "partial"}, "done": false})
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	eng := newTestEngine(t, srv.URL)
	tc := transcript.Build([]transcript.Message{{Role: transcript.RoleUser, Content: "hi"}})

	ctx, cancel := context.WithCancel(context.Background())
	segments, errs := eng.GenerateStream(ctx, &tc, engine.Options{})

	seg, ok := <-segments
	require.True(t, ok)
	assert.Equal(t, "partial", seg.Text)

	cancel()
	for range segments {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestModelMatches(t *testing.T) {
	assert.True(t, modelMatches("llama3.2", "llama3.2"))
	assert.True(t, modelMatches("llama3.2:latest", "llama3.2"))
	assert.True(t, modelMatches("llama3.2:3b", "llama3.2"))
	assert.False(t, modelMatches("qwen2.5:7b", "llama3.2"))
}
