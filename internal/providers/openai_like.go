package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// openAILike is the OpenAI-compatible variant of the Provider Adapter: any
// provider speaking POST {base_url}/chat/completions with
// Authorization: Bearer {key}. Most configured providers — OpenAI itself,
// Azure-style OpenAI-compatible endpoints, and the many "OpenAI-compatible"
// third-party hosts the teacher's config supported individually — all
// collapse onto this one variant under spec §4.1; only Gemini's distinct
// URL shape and query-string key warrant a second variant.
type openAILike struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func (o *openAILike) url() string {
	return strings.TrimRight(o.baseURL, "/") + "/chat/completions"
}

// probeBody is the minimal request spec §4.1 mandates: one user message,
// max_tokens capped at 1, streaming disabled — cheap enough to run on
// every probe cycle while still exercising both auth and model access.
type probeBody struct {
	Model     string         `json:"model"`
	Messages  []probeMessage `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
	Stream    bool           `json:"stream"`
}

type probeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (o *openAILike) BuildProbeRequest(ctx context.Context, key, model string) (*http.Request, error) {
	body := probeBody{
		Model:     model,
		Messages:  []probeMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
		Stream:    false,
	}
	data, err := marshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("providers: openai_like probe body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("providers: openai_like probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}

func (o *openAILike) ExecuteRequest(ctx context.Context, key string, in InboundRequest, allowStream bool) (*Response, error) {
	body, err := substituteModel(in.Body, in.Model)
	if err != nil {
		return nil, fmt.Errorf("providers: openai_like substitute model: %w", err)
	}

	stream := allowStream && in.Stream

	reqCtx := ctx
	var cancel context.CancelFunc
	if stream {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.url(), bytes.NewReader(body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("providers: openai_like execute request: %w", err)
	}
	copyForwardHeaders(req.Header, in.Headers)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := o.client
	if stream {
		client = o.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("providers: openai_like do: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !stream {
		if cancel != nil {
			cancel()
		}
		buffered, _, err := bufferedResponse(resp)
		return buffered, err
	}

	idleBody := newIdleTimeoutReader(resp.Body, cancel, DefaultStreamIdleTimeout)
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: idleBody, Streamed: true}, nil
}
