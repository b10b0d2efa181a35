package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// gemini is the Gemini variant: POST
// {base_url}/v1beta/models/{model}:generateContent?key={key}. Unlike
// openAILike, the key travels in the query string, not a header — spec
// §4.1 calls this out explicitly as the reason a second variant exists at
// all rather than folding Gemini into the generic case.
type gemini struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

type geminiProbeBody struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

func (g *gemini) generateContentURL(model, key string, streaming bool) string {
	method := "generateContent"
	if streaming {
		method = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(g.baseURL, "/"), model, method, key)
}

func (g *gemini) BuildProbeRequest(ctx context.Context, key, model string) (*http.Request, error) {
	body := geminiProbeBody{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "ping"}}}},
	}
	data, err := marshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("providers: gemini probe body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.generateContentURL(model, key, false), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("providers: gemini probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (g *gemini) ExecuteRequest(ctx context.Context, key string, in InboundRequest, allowStream bool) (*Response, error) {
	stream := allowStream && in.Stream

	reqCtx := ctx
	var cancel context.CancelFunc
	if stream {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.generateContentURL(in.Model, key, stream), bytes.NewReader(in.Body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("providers: gemini execute request: %w", err)
	}
	copyForwardHeaders(req.Header, in.Headers)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := g.client
	if stream {
		client = g.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("providers: gemini do: %w", err)
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
