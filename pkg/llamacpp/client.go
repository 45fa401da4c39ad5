package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/menta2k/paddy-inspector/pkg/client"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// Config configures the llama.cpp backend
type Config struct {
	URL        string
	Model      string
	LabelsPath string
	MaxDim     int
	Quality    int
}

// Client classifies images through a llama.cpp server's OpenAI-compatible API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     Config
	labels     *labels.LabelSet
	processor  *processing.Processor
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		config.URL = "http://localhost:8080"
	}
	if config.MaxDim <= 0 {
		config.MaxDim = 1024
	}
	if config.Quality <= 0 {
		config.Quality = 85
	}

	if _, err := os.Stat(config.LabelsPath); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	labelSet, err := labels.Load(config.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	slog.Info("llamacpp: backend ready", "url", config.URL, "model", config.Model, "classes", labelSet.Len())

	return &Client{
		baseURL: strings.TrimSuffix(config.URL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		config:    config,
		labels:    labelSet,
		processor: processing.NewProcessor(),
	}, nil
}

// Labels returns the label set the model chooses from
func (c *Client) Labels() *labels.LabelSet {
	return c.labels
}

func (c *Client) Classify(ctx context.Context, img image.Image) (int, float64, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	imgB64, err := c.processor.PrepareImageForModel(img, "jpg", c.config.MaxDim, c.config.Quality)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode image: %v", err)
	}

	req := ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: client.BuildPrompt(c.labels)},
					{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/jpeg;base64," + imgB64}},
				},
			},
		},
		Temperature: 0,
		MaxTokens:   256,
		Stream:      false,
	}

	respBody, err := c.sendRequest(ctx, "/v1/chat/completions", req)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %v", err)
	}

	responseText, err := extractContent(respBody)
	if err != nil {
		return 0, 0, err
	}

	slog.Debug("llamacpp: raw answer", "content", responseText)
	return client.ParseAnswer(responseText, c.labels)
}

// extractContent reads the first choice's text; content may be a string or
// an array of parts
func extractContent(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("failed to parse response: invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.Get("choices.0").Exists() {
		return "", fmt.Errorf("no choices in response")
	}

	content := root.Get("choices.0.message.content")
	if content.IsArray() {
		for _, part := range content.Array() {
			if text := part.Get("text").String(); text != "" {
				return text, nil
			}
		}
		return "", fmt.Errorf("no text content in response")
	}
	if text := content.String(); text != "" {
		return text, nil
	}
	return "", fmt.Errorf("empty response from llama.cpp server")
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
