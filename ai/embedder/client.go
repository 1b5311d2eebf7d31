// Package embedder provides an OpenAI-compatible embeddings client. The
// default endpoint is a local Ollama instance, but anything speaking
// POST /v1/embeddings works.
package embedder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
	"github.com/teranos/sift/internal/httpclient"
)

// Config holds embedder client configuration
type Config struct {
	BaseURL    string // e.g. "http://localhost:11434"
	Model      string // e.g. "nomic-embed-text"
	APIKey     string // optional; local endpoints usually need none
	Timeout    time.Duration
	Dimensions int                // expected embedding dimensions
	Logger     *zap.SugaredLogger // nil = nop logger
}

// Client calls an OpenAI-compatible embeddings endpoint
type Client struct {
	config     Config
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewClient creates an embeddings client.
// Private-IP blocking is disabled: the default endpoint is localhost Ollama.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	blockPrivateIP := false
	return &Client{
		config:     config,
		httpClient: httpclient.NewWithOptions(config.Timeout, httpclient.Options{BlockPrivateIP: &blockPrivateIP}),
		logger:     logger,
	}
}

// embeddingRequest is the OpenAI-compatible request body
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse is the OpenAI-compatible response body
type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed returns the embedding vector for a single text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns embedding vectors for multiple texts in one call.
// Results come back in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}

	reqBody, err := json.Marshal(embeddingRequest{
		Model: c.config.Model,
		Input: texts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal embedding request")
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/v1/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "embedding request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedding response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("embedding request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal embedding response")
	}

	if len(embResp.Data) != len(texts) {
		return nil, errors.Newf("expected %d embeddings, got %d", len(texts), len(embResp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range embResp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, errors.Newf("embedding index %d out of range", item.Index)
		}
		if c.config.Dimensions > 0 && len(item.Embedding) != c.config.Dimensions {
			return nil, errors.Newf("embedding has %d dimensions, expected %d", len(item.Embedding), c.config.Dimensions)
		}
		vectors[item.Index] = item.Embedding
	}

	c.logger.Debugw("Embedded texts",
		"count", len(texts),
		"model", embResp.Model,
		"dimensions", len(vectors[0]),
	)

	return vectors, nil
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SerializeVector converts a float32 vector to the little-endian byte blob
// format sqlite-vec expects for vec0 inserts.
func SerializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// DeserializeVector converts a sqlite-vec byte blob back to float32s
func DeserializeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.Newf("invalid vector blob length %d", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
