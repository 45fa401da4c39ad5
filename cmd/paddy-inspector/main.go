package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	paddyinspector "github.com/menta2k/paddy-inspector"
	"github.com/menta2k/paddy-inspector/internal/config"
	"github.com/menta2k/paddy-inspector/internal/utils"
)

const msgNoImage = "No image path provided"

func main() {
	log.SetFlags(0)
	log.SetPrefix(filepath.Base(os.Args[0]) + ": ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("paddy-inspector", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		saveConfig string
		backend    string
		variant    string
		modelPath  string
		labelsPath string
		url        string
		llmModel   string
		policy     string
		threshold  float64
		annotate   bool
		workers    int
		verbose    bool
	)
	fs.StringVar(&configPath, "config", "", "config file (json or yaml), defaults to "+config.GetConfigPath()+" when present")
	fs.StringVar(&saveConfig, "save-config", "", "write the effective configuration (json or yaml) to this path")
	fs.StringVar(&backend, "backend", "", "classifier backend: onnx|ollama|llamacpp")
	fs.StringVar(&variant, "variant", "", "onnx model variant: keras|yolo-cls")
	fs.StringVar(&modelPath, "model", "", "onnx model path")
	fs.StringVar(&labelsPath, "labels", "", "label file (class_indices.json, metadata.yaml, ...)")
	fs.StringVar(&url, "url", "", "ollama / llama.cpp server URL")
	fs.StringVar(&llmModel, "llm-model", "", "ollama / llama.cpp model name")
	fs.StringVar(&policy, "policy", "", "rejection policy: heuristic-gate|confidence-only|disabled")
	fs.Float64Var(&threshold, "threshold", 0, "confidence threshold (exclusive lower bound)")
	fs.BoolVar(&annotate, "annotate", false, "write an annotated copy next to each image")
	fs.IntVar(&workers, "workers", 0, "parallel predictions in batch mode")
	fs.BoolVar(&verbose, "v", false, "verbose logging on stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: paddy-inspector [flags] <image|dir|url> [image|dir|url ...]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() == 0 && saveConfig == "" {
		writeJSON(stdout, map[string]string{"error": msgNoImage})
		return 1
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		writeJSON(stdout, map[string]string{"error": err.Error()})
		return 1
	}

	// Only flags given on the command line override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Classifier.Backend = backend
		case "variant":
			cfg.Classifier.Variant = variant
		case "model":
			cfg.Classifier.ModelPath = modelPath
		case "labels":
			cfg.Classifier.LabelsPath = labelsPath
		case "url":
			cfg.Classifier.URL = url
		case "llm-model":
			cfg.Classifier.Model = llmModel
		case "policy":
			cfg.Policy.Mode = policy
		case "threshold":
			cfg.Policy.ConfidenceThreshold = threshold
		case "annotate":
			cfg.Output.Annotate = annotate
		case "workers":
			cfg.Processing.Workers = workers
		}
	})

	if err := cfg.Validate(); err != nil {
		writeJSON(stdout, map[string]string{"error": err.Error()})
		return 1
	}

	if saveConfig != "" {
		if err := cfg.SaveToFile(saveConfig); err != nil {
			writeJSON(stdout, map[string]string{"error": err.Error()})
			return 1
		}
		log.Printf("wrote %s", saveConfig)
		if fs.NArg() == 0 {
			return 0
		}
	}

	inspector, err := paddyinspector.New(cfg.Options())
	if err != nil {
		writeJSON(stdout, map[string]string{"error": err.Error()})
		return 1
	}
	defer inspector.Close()

	return predict(ctx, inspector, fs.Args(), stdout)
}

func predict(ctx context.Context, inspector *paddyinspector.Inspector, args []string, stdout io.Writer) int {
	if len(args) == 1 && !utils.DirExists(args[0]) {
		writeJSON(stdout, inspector.PredictSource(ctx, args[0]))
		return 0
	}

	paths, err := utils.ExpandImagePaths(args)
	if err != nil {
		writeJSON(stdout, map[string]string{"error": err.Error()})
		return 1
	}
	if len(paths) == 0 {
		writeJSON(stdout, map[string]string{"error": msgNoImage})
		return 1
	}

	for _, result := range inspector.PredictAll(ctx, paths) {
		writeJSON(stdout, result)
	}
	return 0
}

func writeJSON(w io.Writer, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		out = []byte(`{"error":"failed to encode result"}`)
	}
	fmt.Fprintln(w, string(out))
}
