package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	paddyinspector "github.com/menta2k/paddy-inspector"
	"github.com/menta2k/paddy-inspector/internal/server"
	"github.com/menta2k/paddy-inspector/internal/utils"
	"github.com/menta2k/paddy-inspector/pkg/detection"
	"github.com/menta2k/paddy-inspector/pkg/llamacpp"
	"github.com/menta2k/paddy-inspector/pkg/ollama"
	"github.com/menta2k/paddy-inspector/pkg/onnx"
	"github.com/menta2k/paddy-inspector/pkg/predictor"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/vision"
)

// Backend names accepted by classifier.backend
const (
	BackendONNX     = "onnx"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Config holds the application configuration
type Config struct {
	Validator  ValidatorConfig  `json:"validator" yaml:"validator"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Processing ProcessingConfig `json:"processing" yaml:"processing"`
	Server     ServerConfig     `json:"server" yaml:"server"`
}

// ValidatorConfig holds the green-ratio heuristic bounds (OpenCV HSV ranges)
type ValidatorConfig struct {
	HueMin        int     `json:"hue_min" yaml:"hue_min"`
	HueMax        int     `json:"hue_max" yaml:"hue_max"`
	SatMin        int     `json:"sat_min" yaml:"sat_min"`
	ValMin        int     `json:"val_min" yaml:"val_min"`
	MinGreenRatio float64 `json:"min_green_ratio" yaml:"min_green_ratio"`
}

// ClassifierConfig selects and configures the model backend
type ClassifierConfig struct {
	Backend           string `json:"backend" yaml:"backend"`
	Variant           string `json:"variant" yaml:"variant"`
	ModelPath         string `json:"model_path" yaml:"model_path"`
	LabelsPath        string `json:"labels_path" yaml:"labels_path"`
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	InputSize         int    `json:"input_size" yaml:"input_size"`
	ApplySoftmax      bool   `json:"apply_softmax" yaml:"apply_softmax"`
	URL               string `json:"url" yaml:"url"`     // ollama / llama.cpp server
	Model             string `json:"model" yaml:"model"` // ollama / llama.cpp model name
	TimeoutSeconds    int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// PolicyConfig holds the rejection policy
type PolicyConfig struct {
	Mode                string  `json:"mode" yaml:"mode"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// OutputConfig holds configuration for annotated output
type OutputConfig struct {
	Annotate bool `json:"annotate" yaml:"annotate"`
	Quality  int  `json:"quality" yaml:"quality"`
}

// ProcessingConfig holds image loading and batch options
type ProcessingConfig struct {
	Workers                int   `json:"workers" yaml:"workers"`
	DownloadTimeoutSeconds int   `json:"download_timeout_seconds" yaml:"download_timeout_seconds"`
	MaxDownloadMB          int64 `json:"max_download_mb" yaml:"max_download_mb"`
}

// ServerConfig holds configuration for the HTTP service
type ServerConfig struct {
	Port           int      `json:"port" yaml:"port"`
	UploadDir      string   `json:"upload_dir" yaml:"upload_dir"`
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent"`
	MaxUploadMB    int64    `json:"max_upload_mb" yaml:"max_upload_mb"`
	HistoryDB      string   `json:"history_db" yaml:"history_db"` // empty = in-memory history
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Default returns a configuration with default values
func Default() *Config {
	v := vision.DefaultConfig()
	return &Config{
		Validator: ValidatorConfig{
			HueMin:        int(v.HueMin),
			HueMax:        int(v.HueMax),
			SatMin:        int(v.SatMin),
			ValMin:        int(v.ValMin),
			MinGreenRatio: v.MinGreenRatio,
		},
		Classifier: ClassifierConfig{
			Backend:        BackendONNX,
			Variant:        string(onnx.VariantKeras),
			ModelPath:      filepath.Join("models", "paddy_disease_model.onnx"),
			LabelsPath:     filepath.Join("models", "class_indices.json"),
			InputSize:      onnx.DefaultInputSize,
			URL:            "http://localhost:11434",
			Model:          "llava",
			TimeoutSeconds: 0, // per-backend default
		},
		Policy: PolicyConfig{
			Mode:                string(predictor.PolicyHeuristicGate),
			ConfidenceThreshold: predictor.DefaultConfidenceThreshold,
		},
		Output: OutputConfig{
			Annotate: false,
			Quality:  90,
		},
		Processing: ProcessingConfig{
			Workers:                4,
			DownloadTimeoutSeconds: 30,
			MaxDownloadMB:          20,
		},
		Server: ServerConfig{
			Port:           5000,
			UploadDir:      "uploads",
			MaxConcurrent:  2,
			MaxUploadMB:    20,
			AllowedOrigins: []string{"*"},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Missing keys
// keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides values from PADDY_* environment variables and PORT
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("PADDY_BACKEND", &c.Classifier.Backend)
	str("PADDY_VARIANT", &c.Classifier.Variant)
	str("PADDY_MODEL_PATH", &c.Classifier.ModelPath)
	str("PADDY_LABELS_PATH", &c.Classifier.LabelsPath)
	str("PADDY_ONNX_LIB", &c.Classifier.SharedLibraryPath)
	str("PADDY_LLM_URL", &c.Classifier.URL)
	str("PADDY_LLM_MODEL", &c.Classifier.Model)
	str("PADDY_POLICY", &c.Policy.Mode)
	str("PADDY_UPLOAD_DIR", &c.Server.UploadDir)
	str("PADDY_HISTORY_DB", &c.Server.HistoryDB)

	if v := os.Getenv("PADDY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid PADDY_THRESHOLD %q: %w", v, err)
		}
		c.Policy.ConfidenceThreshold = f
	}
	if v := os.Getenv("PADDY_ANNOTATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PADDY_ANNOTATE %q: %w", v, err)
		}
		c.Output.Annotate = b
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"validator.hue_min": c.Validator.HueMin,
		"validator.hue_max": c.Validator.HueMax,
	} {
		if v < 0 || v > 179 {
			return fmt.Errorf("%s must be between 0 and 179", name)
		}
	}
	if c.Validator.HueMin > c.Validator.HueMax {
		return fmt.Errorf("validator.hue_min must not exceed validator.hue_max")
	}
	if c.Validator.SatMin < 0 || c.Validator.SatMin > 255 || c.Validator.ValMin < 0 || c.Validator.ValMin > 255 {
		return fmt.Errorf("validator.sat_min and validator.val_min must be between 0 and 255")
	}
	if c.Validator.MinGreenRatio < 0 || c.Validator.MinGreenRatio > 1 {
		return fmt.Errorf("validator.min_green_ratio must be between 0 and 1")
	}

	switch c.Classifier.Backend {
	case BackendONNX:
		if c.Classifier.Variant != string(onnx.VariantKeras) && c.Classifier.Variant != string(onnx.VariantYOLOCls) {
			return fmt.Errorf("classifier.variant must be %q or %q", onnx.VariantKeras, onnx.VariantYOLOCls)
		}
		if c.Classifier.ModelPath == "" {
			return fmt.Errorf("classifier.model_path cannot be empty")
		}
	case BackendOllama, BackendLlamaCpp:
		if c.Classifier.URL == "" {
			return fmt.Errorf("classifier.url cannot be empty for %s", c.Classifier.Backend)
		}
	default:
		return fmt.Errorf("classifier.backend must be one of %s, %s, %s", BackendONNX, BackendOllama, BackendLlamaCpp)
	}
	if c.Classifier.LabelsPath == "" {
		return fmt.Errorf("classifier.labels_path cannot be empty")
	}
	if c.Classifier.TimeoutSeconds < 0 {
		return fmt.Errorf("classifier.timeout_seconds must not be negative")
	}

	if _, err := predictor.ParsePolicy(c.Policy.Mode); err != nil {
		return fmt.Errorf("policy.mode: %w", err)
	}
	if c.Policy.ConfidenceThreshold < 0 || c.Policy.ConfidenceThreshold > 1 {
		return fmt.Errorf("policy.confidence_threshold must be between 0 and 1")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be positive")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be positive")
	}

	return nil
}

// VisionConfig converts the validator section
func (c *Config) VisionConfig() vision.Config {
	return vision.Config{
		HueMin:        uint8(c.Validator.HueMin),
		HueMax:        uint8(c.Validator.HueMax),
		SatMin:        uint8(c.Validator.SatMin),
		ValMin:        uint8(c.Validator.ValMin),
		MinGreenRatio: c.Validator.MinGreenRatio,
	}
}

// ONNXConfig converts the classifier section for the onnx backend
func (c *Config) ONNXConfig() onnx.Config {
	return onnx.Config{
		ModelPath:         c.Classifier.ModelPath,
		LabelsPath:        c.Classifier.LabelsPath,
		SharedLibraryPath: c.Classifier.SharedLibraryPath,
		Variant:           onnx.Variant(c.Classifier.Variant),
		InputSize:         c.Classifier.InputSize,
		ApplySoftmax:      c.Classifier.ApplySoftmax,
	}
}

// DetectionConfig converts the classifier timeout. Zero leaves the
// per-backend default to the inspector.
func (c *Config) DetectionConfig() detection.Config {
	return detection.Config{Timeout: time.Duration(c.Classifier.TimeoutSeconds) * time.Second}
}

// PredictorConfig converts the policy and output sections
func (c *Config) PredictorConfig() predictor.Config {
	return predictor.Config{
		Policy:              predictor.Policy(c.Policy.Mode),
		ConfidenceThreshold: c.Policy.ConfidenceThreshold,
		Annotate:            c.Output.Annotate,
	}
}

// ProcessorConfig converts the output and processing sections
func (c *Config) ProcessorConfig() processing.Config {
	cfg := processing.DefaultConfig()
	cfg.Quality = c.Output.Quality
	if c.Processing.DownloadTimeoutSeconds > 0 {
		cfg.DownloadTimeout = time.Duration(c.Processing.DownloadTimeoutSeconds) * time.Second
	}
	if c.Processing.MaxDownloadMB > 0 {
		cfg.MaxDownloadBytes = c.Processing.MaxDownloadMB << 20
	}
	return cfg
}

// Options converts the whole configuration into inspector options
func (c *Config) Options() paddyinspector.Options {
	return paddyinspector.Options{
		Backend: c.Classifier.Backend,
		ONNX:    c.ONNXConfig(),
		Ollama: ollama.Config{
			URL:        c.Classifier.URL,
			Model:      c.Classifier.Model,
			LabelsPath: c.Classifier.LabelsPath,
		},
		LlamaCpp: llamacpp.Config{
			URL:        c.Classifier.URL,
			Model:      c.Classifier.Model,
			LabelsPath: c.Classifier.LabelsPath,
		},
		Vision:     c.VisionConfig(),
		Detection:  c.DetectionConfig(),
		Predictor:  c.PredictorConfig(),
		Processing: c.ProcessorConfig(),
		Workers:    c.Processing.Workers,
	}
}

// ServerConfig converts the server section
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		UploadDir:      c.Server.UploadDir,
		MaxConcurrent:  int64(c.Server.MaxConcurrent),
		MaxUploadBytes: c.Server.MaxUploadMB << 20,
		AllowedOrigins: c.Server.AllowedOrigins,
	}
}

// Addr returns the listen address for the server section
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Load reads path, or the default config file when path is empty and the
// file exists, then applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if def := GetConfigPath(); utils.FileExists(def) {
			path = def
		}
	}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "paddy-inspector", "config.json")
}
