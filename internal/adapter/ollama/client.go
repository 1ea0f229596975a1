package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
	"github.com/MqtUA/ollamaverse/internal/infra/tracer"
)

// Compile-time interface assertion.
var _ domain.ChatBackend = (*Client)(nil)

// Client talks to an Ollama server over its native HTTP API.
// A token-bucket limiter caps the outbound request rate so recovery retries
// cannot stampede a local server that is already struggling.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a backend client from server configuration.
func NewClient(cfg config.ServerConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		baseURL: baseURL,
		client:  newHTTPClient(cfg),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger,
	}
}

// --- Ollama wire types ---

type wireMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Context  []int          `json:"context,omitempty"`
}

type chatResponse struct {
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Message   wireMessage `json:"message"`
	Done      bool        `json:"done"`
	Context   []int       `json:"context,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
	} `json:"models"`
}

func toWireRequest(req domain.ChatRequest) chatRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	return chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
		Options:  req.Options,
		Context:  req.Context,
	}
}

// ListModels implements domain.ChatBackend.
func (c *Client) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(httpResp.StatusCode, body)
	}

	var resp tagsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w: %v", domain.ErrAPI, err)
	}

	models := make([]domain.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, domain.ModelInfo{Name: m.Name, ModifiedAt: m.ModifiedAt, Size: m.Size})
	}
	return models, nil
}

// Chat implements domain.ChatBackend.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "ollama.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	req.Stream = false
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, c.client, c.baseURL+"/api/chat", body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w: %v", domain.ErrAPI, err)
	}
	if resp.Error != "" {
		err := fmt.Errorf("%s: %w", resp.Error, domain.ErrAPI)
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	c.logger.Debug("chat completed", "model", resp.Model, "thinking", resp.Message.Thinking != "")

	return &domain.ChatResponse{
		Model: resp.Model,
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Message.Content,
			Thinking:  resp.Message.Thinking,
			Timestamp: resp.CreatedAt,
		},
		Context:   resp.Context,
		CreatedAt: resp.CreatedAt,
	}, nil
}

// ChatStream implements domain.ChatBackend.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ctx, span := tracer.StartSpan(ctx, "ollama.chat_stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	req.Stream = true
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, c.client, c.baseURL+"/api/chat", body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	ch := parseNDJSONStream(ctx, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		var chunk chatResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}
		if chunk.Error != "" {
			return &domain.StreamDelta{
				Err:  fmt.Errorf("%s: %w", chunk.Error, domain.ErrAPI),
				Done: true,
			}, nil
		}
		return &domain.StreamDelta{
			Content:  chunk.Message.Content,
			Thinking: chunk.Message.Thinking,
			Done:     chunk.Done,
			Context:  chunk.Context,
		}, nil
	})
	return ch, nil
}

// TestConnection implements domain.ChatBackend.
func (c *Client) TestConnection(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return false
	}
	httpResp.Body.Close()

	return httpResp.StatusCode == http.StatusOK
}

// Warmup sends a lightweight request to pre-load a model so the first real
// turn does not pay model-load latency.
func (c *Client) Warmup(ctx context.Context, model string) error {
	if !c.TestConnection(ctx) {
		return fmt.Errorf("server not reachable at %s: %w", c.baseURL, domain.ErrConnection)
	}

	c.logger.Info("warming up model", "model", model, "base_url", c.baseURL)

	payload := fmt.Sprintf(`{"model":%q,"keep_alive":"5m"}`, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate",
		strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create warmup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("warmup failed: status %d: %w", httpResp.StatusCode, domain.ErrAPI)
	}
	return nil
}
