// Package translator maps between the OpenAI wire protocol and the internal
// transcript and engine types.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatbridge/internal/engine"
	"chatbridge/internal/transcript"
)

var (
	errEmptyMessages   = errors.New("at least one message is required")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidMaxToken = errors.New("max_tokens must be a positive integer")
)

var allowedRoles = map[string]transcript.Role{
	"system":    transcript.RoleSystem,
	"user":      transcript.RoleUser,
	"assistant": transcript.RoleAssistant,
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// The model field is informational and echoed back; there is no registry to
// validate it against.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		Temperature *float64      `json:"temperature"`
		TopP        *float64      `json:"top_p"`
		MaxTokens   *int          `json:"max_tokens"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.MaxTokens = raw.MaxTokens

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errInvalidMaxToken
	}
	return nil
}

// ToTranscript converts the wire messages into transcript form.
func (r ChatCompletionRequest) ToTranscript() []transcript.Message {
	msgs := make([]transcript.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, transcript.Message{
			Role:    allowedRoles[m.Role],
			Content: m.Content,
		})
	}
	return msgs
}

// EngineOptions extracts the generation parameters for the engine call.
func (r ChatCompletionRequest) EngineOptions() engine.Options {
	return engine.Options{
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxTokens,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage mirrors the token usage block in OpenAI responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewChatCompletion constructs the non-streaming response shape.
func NewChatCompletion(id string, createdUnix int64, model string, result *engine.Result, usage *Usage) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: result.Text,
				},
				FinishReason: result.FinishReason,
			},
		},
		Usage: usage,
	}
}

// ChatCompletionChunk models one streamed chat.completion.chunk object.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is the single choice carried by each chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental part of the assistant message. Role is
// present only on the first chunk of a stream; Content is omitted on the
// terminal chunk.
type ChunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// NewRoleChunk builds the first chunk of a stream: the assistant role
// announcement with empty content.
func NewRoleChunk(id string, createdUnix int64, model string) ChatCompletionChunk {
	empty := ""
	return newChunk(id, createdUnix, model, ChunkChoice{
		Delta: ChunkDelta{Role: "assistant", Content: &empty},
	})
}

// NewContentChunk builds a chunk carrying incremental content only.
func NewContentChunk(id string, createdUnix int64, model, content string) ChatCompletionChunk {
	return newChunk(id, createdUnix, model, ChunkChoice{
		Delta: ChunkDelta{Content: &content},
	})
}

// NewFinishChunk builds the terminal chunk with an empty delta and the
// mapped finish reason.
func NewFinishChunk(id string, createdUnix int64, model, finishReason string) ChatCompletionChunk {
	return newChunk(id, createdUnix, model, ChunkChoice{
		Delta:        ChunkDelta{},
		FinishReason: &finishReason,
	})
}

func newChunk(id string, createdUnix int64, model string, choice ChunkChoice) ChatCompletionChunk {
	choice.Index = 0
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   model,
		Choices: []ChunkChoice{choice},
	}
}

// ModelList is the response shape for GET /v1/models.
type ModelList struct {
	Object string            `json:"object"`
	Data   []ModelDescriptor `json:"data"`
}

// ModelDescriptor describes the single static model this server exposes.
type ModelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelList constructs the static single-model listing.
func NewModelList(modelID string, createdUnix int64) ModelList {
	return ModelList{
		Object: "list",
		Data: []ModelDescriptor{
			{
				ID:      modelID,
				Object:  "model",
				Created: createdUnix,
				OwnedBy: "chatbridge",
			},
		},
	}
}

// StatusResponse reports engine availability plus static server metadata.
type StatusResponse struct {
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Model     string   `json:"model"`
	Version   string   `json:"version"`
	Languages []string `json:"languages"`
}

// NewStatus constructs the /status payload from a fresh availability probe.
func NewStatus(avail engine.Availability, model, version string, languages []string) StatusResponse {
	return StatusResponse{
		Available: avail.Available,
		Reason:    string(avail.Reason),
		Detail:    avail.Detail,
		Model:     model,
		Version:   version,
		Languages: languages,
	}
}
