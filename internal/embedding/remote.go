package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// remoteTimeout is looser than the local one: the remote API crosses the
// internet and only runs when the local daemon is already down.
const remoteTimeout = 8 * time.Second

// Remote embeds through an OpenAI-compatible /v1/embeddings endpoint.
type Remote struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewRemote(baseURL, apiKey, model string) *Remote {
	return &Remote{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/embeddings",
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: remoteTimeout},
	}
}

func (r *Remote) ModelID() string { return r.model }

type remoteEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(remoteEmbedRequest{Model: r.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Data) != 1 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding API returned %d embeddings for 1 input", len(out.Data))
	}
	return normalize(out.Data[0].Embedding), nil
}
