package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/version"
)

// Client is the HTTP implementation of ModelGateway. One circuit breaker is
// kept per provider so a failing provider opens without taking out the rest.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cfg        *config.GatewayConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a gateway client from configuration. The API key is read
// from the environment variable named by cfg.APIKeyEnv.
func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  os.Getenv(cfg.APIKeyEnv),
		httpClient: &http.Client{
			Timeout: 0, // per-request contexts carry the deadline
		},
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker guarding a provider, creating it on
// first use.
func (c *Client) breakerFor(provider string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gateway:" + provider,
		Timeout: c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.cfg.BreakerMaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Gateway circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[provider] = cb
	return cb
}

// providerOf extracts the provider prefix from a model ID ("anthropic/..." → "anthropic").
func providerOf(modelID string) string {
	if i := strings.IndexByte(modelID, '/'); i > 0 {
		return modelID[:i]
	}
	return modelID
}

// catalogEntry mirrors the gateway's /models response item.
type catalogEntry struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
	Architecture struct {
		Modality string `json:"modality"`
	} `json:"architecture"`
	TopProvider struct {
		Moderated bool `json:"is_moderated"`
	} `json:"top_provider"`
}

// ListModels fetches the provider catalog.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeTransientUpstream, err, "catalog fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nexuserr.FromStatus(resp.StatusCode, string(body))
	}

	var payload struct {
		Data []catalogEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	out := make([]Model, 0, len(payload.Data))
	for _, e := range payload.Data {
		out = append(out, Model{
			ID:            e.ID,
			Provider:      providerOf(e.ID),
			ContextLength: e.ContextLength,
			PromptPrice:   parsePrice(e.Pricing.Prompt),
			OutputPrice:   parsePrice(e.Pricing.Completion),
			Modalities:    strings.Split(e.Architecture.Modality, "->"),
			Moderated:     e.TopProvider.Moderated,
		})
	}
	return out, nil
}

func parsePrice(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%f", &f)
	return f
}

// Complete performs a non-streaming chat completion through the provider's
// circuit breaker.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return c.complete(ctx, req, nil)
}

// CompleteStream performs a streaming completion delivering chunks in order.
func (c *Client) CompleteStream(ctx context.Context, req CompletionRequest, handler ChunkHandler) (*CompletionResponse, error) {
	req.Stream = true
	return c.complete(ctx, req, handler)
}

func (c *Client) complete(ctx context.Context, req CompletionRequest, handler ChunkHandler) (*CompletionResponse, error) {
	cb := c.breakerFor(providerOf(req.ModelID))

	result, err := cb.Execute(func() (any, error) {
		return c.doComplete(ctx, req, handler)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, nexuserr.Newf(nexuserr.CodeGatewayUnavailable,
				"provider %s circuit open", providerOf(req.ModelID))
		}
		return nil, err
	}
	return result.(*CompletionResponse), nil
}

func (c *Client) doComplete(ctx context.Context, req CompletionRequest, handler ChunkHandler) (*CompletionResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, nexuserr.Newf(nexuserr.CodeTimeout,
				"completion deadline exceeded after %v", timeout)
		}
		return nil, nexuserr.Wrap(nexuserr.CodeTransientUpstream, err, "completion request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gerr := nexuserr.FromStatus(resp.StatusCode, string(respBody))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, perr := time.ParseDuration(ra + "s"); perr == nil {
				gerr.RetryAfter = d
			}
		}
		return nil, gerr
	}

	if req.Stream {
		return c.readStream(resp.Body, handler)
	}
	return c.readResponse(resp.Body)
}

func (c *Client) readResponse(body io.Reader) (*CompletionResponse, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding completion: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, nexuserr.New(nexuserr.CodeTransientUpstream, "completion returned no choices")
	}
	return &CompletionResponse{
		Content:      payload.Choices[0].Message.Content,
		TokensUsed:   payload.Usage.TotalTokens,
		FinishReason: payload.Choices[0].FinishReason,
	}, nil
}

// readStream consumes an SSE body, forwarding deltas to handler in order.
func (c *Client) readStream(body io.Reader, handler ChunkHandler) (*CompletionResponse, error) {
	var sb strings.Builder
	tokens := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue // malformed keep-alive frames are skipped
		}
		if frame.Usage != nil {
			tokens = frame.Usage.TotalTokens
		}
		if len(frame.Choices) == 0 {
			continue
		}
		delta := frame.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if handler != nil {
			if err := handler(Chunk{Delta: delta}); err != nil {
				return nil, fmt.Errorf("chunk handler aborted stream: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeTransientUpstream, err, "stream read failed")
	}
	if handler != nil {
		if err := handler(Chunk{Done: true}); err != nil {
			return nil, fmt.Errorf("chunk handler aborted stream: %w", err)
		}
	}
	return &CompletionResponse{Content: sb.String(), TokensUsed: tokens, FinishReason: "stop"}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
