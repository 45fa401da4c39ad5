package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/paddy-inspector/pkg/client"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// Config configures the Ollama backend
type Config struct {
	URL        string
	Model      string
	LabelsPath string
	MaxDim     int // long side of the image sent to the model
	Quality    int
}

// Client classifies images by asking an Ollama vision model to pick a label
type Client struct {
	client    *api.Client
	config    Config
	labels    *labels.LabelSet
	processor *processing.Processor
}

// NewClient creates a new Ollama backend. The label file must exist; a
// missing one makes the backend unavailable.
func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		config.URL = "http://localhost:11434"
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: ollama model name is required", types.ErrModelUnavailable)
	}
	if config.MaxDim <= 0 {
		config.MaxDim = 1024
	}
	if config.Quality <= 0 {
		config.Quality = 85
	}

	// Parse the provided URL
	parsedURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}

	if _, err := os.Stat(config.LabelsPath); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	labelSet, err := labels.Load(config.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	slog.Info("ollama: backend ready", "url", baseURL.String(), "model", config.Model, "classes", labelSet.Len())

	return &Client{
		client:    api.NewClient(baseURL, http.DefaultClient),
		config:    config,
		labels:    labelSet,
		processor: processing.NewProcessor(),
	}, nil
}

// Labels returns the label set the model chooses from
func (c *Client) Labels() *labels.LabelSet {
	return c.labels
}

// Classify sends the image with a label-picking prompt and parses the answer
func (c *Client) Classify(ctx context.Context, img image.Image) (int, float64, error) {
	// Add timeout if context doesn't have one (vision models on CPU are slow)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	imgB64, err := c.processor.PrepareImageForModel(img, "jpg", c.config.MaxDim, c.config.Quality)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode image: %v", err)
	}
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode base64 image: %v", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.config.Model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: client.BuildPrompt(c.labels),
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Format:  json.RawMessage(`"json"`),
		Options: modelOptions(c.config.Model),
	}

	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent += resp.Message.Content
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("ollama chat error: %v", err)
	}

	if responseContent == "" {
		return 0, 0, fmt.Errorf("empty response from ollama")
	}

	slog.Debug("ollama: raw answer", "content", responseContent)
	return client.ParseAnswer(responseContent, c.labels)
}

// modelOptions keeps sampling deterministic; MiniCPM-V needs a larger context
func modelOptions(model string) map[string]any {
	options := map[string]any{"temperature": 0.0}

	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["num_ctx"] = 4096
	}
	return options
}

// Close is a no-op; the HTTP client holds no resources
func (c *Client) Close() error {
	return nil
}
