// Package runtimeconfig loads the runtime options recognized by the
// inference core: sampling defaults, batching policy, generation toggles,
// KV cache layout selection, compute precision, kernel path, prompt
// defaults, and debug/benchmark knobs. Values come from a YAML file with
// environment-variable overrides, following the same "typed getter with a
// sane default" shape the rest of the stack's configuration code uses.
package runtimeconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Sampling struct {
	Temperature       float32 `yaml:"temperature"`
	TopP              float32 `yaml:"topP"`
	TopK              int     `yaml:"topK"`
	RepetitionPenalty float32 `yaml:"repetitionPenalty"`
	GreedyThreshold   float32 `yaml:"greedyThreshold"`
}

type StopCheckMode string

const (
	StopCheckBatch    StopCheckMode = "batch"
	StopCheckPerToken StopCheckMode = "per-token"
)

type Batching struct {
	MaxTokens     int           `yaml:"maxTokens"`
	BatchSize     int           `yaml:"batchSize"`
	StopCheckMode StopCheckMode `yaml:"stopCheckMode"`
}

type Generation struct {
	Profile                 bool `yaml:"profile"`
	DisableCommandBatching  bool `yaml:"disableCommandBatching"`
	DisableMultiTokenDecode bool `yaml:"disableMultiTokenDecode"`
}

type KVCacheLayout string

const (
	LayoutContiguous    KVCacheLayout = "contiguous"
	LayoutSlidingWindow KVCacheLayout = "sliding-window"
	LayoutPaged         KVCacheLayout = "paged"
	LayoutBDPA          KVCacheLayout = "bdpa"
)

type KVCache struct {
	Layout        KVCacheLayout `yaml:"layout"`
	KVDtype       string        `yaml:"kvDtype"`
	WindowSize    int           `yaml:"windowSize"`
	PageSize      int           `yaml:"pageSize"`
	BDPAVocabSize int           `yaml:"bdpaVocabSize"`
}

type Compute struct {
	ActivationDtype string `yaml:"activationDtype"` // "f16" or "f32"
}

type PerfGuards struct {
	DisableReadback bool `yaml:"disableReadback"`
}

type Debug struct {
	Probes             []string   `yaml:"probes"`
	ProfilerEnabled    bool       `yaml:"profilerEnabled"`
	PerfGuards         PerfGuards `yaml:"perfGuards"`
	ReadbackSampleSize int        `yaml:"readbackSampleSize"`
}

type BenchmarkRun struct {
	WarmupRuns   int      `yaml:"warmupRuns"`
	TimedRuns    int      `yaml:"timedRuns"`
	MaxNewTokens int      `yaml:"maxNewTokens"`
	Sampling     Sampling `yaml:"sampling"`
}

// Config is the full set of recognized runtime options.
type Config struct {
	Inference struct {
		Sampling     Sampling   `yaml:"sampling"`
		Batching     Batching   `yaml:"batching"`
		Generation   Generation `yaml:"generation"`
		KVCache      KVCache    `yaml:"kvcache"`
		Compute      Compute    `yaml:"compute"`
		KernelPath   string     `yaml:"kernelPath"`
		Prompt       string     `yaml:"prompt"`
		ChatTemplate struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"chatTemplate"`
	} `yaml:"inference"`

	Shared struct {
		Debug     Debug `yaml:"debug"`
		Benchmark struct {
			Run BenchmarkRun `yaml:"run"`
		} `yaml:"benchmark"`
	} `yaml:"shared"`
}

// Default returns the built-in defaults before any file or environment
// override is applied.
func Default() Config {
	var c Config
	c.Inference.Sampling = Sampling{Temperature: 0.8, TopP: 0.95, TopK: 40, RepetitionPenalty: 1.1, GreedyThreshold: 1e-4}
	c.Inference.Batching = Batching{MaxTokens: 256, BatchSize: 8, StopCheckMode: StopCheckPerToken}
	c.Inference.KVCache = KVCache{Layout: LayoutContiguous, KVDtype: "f16"}
	c.Inference.Compute = Compute{ActivationDtype: "f16"}
	return c
}

// Load reads path (if non-empty and present) over the defaults, then
// applies WGPUINFER_-prefixed environment variable overrides for the
// options most often tuned per-run without editing a file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("runtime config file not found, using defaults", "path", path)
			} else {
				return cfg, fmt.Errorf("runtimeconfig: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("runtimeconfig: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WGPUINFER_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Inference.Sampling.Temperature = float32(f)
		} else {
			slog.Warn("invalid WGPUINFER_TEMPERATURE, ignoring", "value", v)
		}
	}
	if v := os.Getenv("WGPUINFER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Inference.Batching.BatchSize = n
		} else {
			slog.Warn("invalid WGPUINFER_BATCH_SIZE, ignoring", "value", v)
		}
	}
	if v := os.Getenv("WGPUINFER_STOP_CHECK_MODE"); v != "" {
		switch strings.ToLower(v) {
		case "batch":
			cfg.Inference.Batching.StopCheckMode = StopCheckBatch
		case "per-token":
			cfg.Inference.Batching.StopCheckMode = StopCheckPerToken
		default:
			slog.Warn("unknown WGPUINFER_STOP_CHECK_MODE, ignoring", "value", v)
		}
	}
	if v := os.Getenv("WGPUINFER_PROFILE"); v != "" {
		cfg.Inference.Generation.Profile = v == "1" || strings.EqualFold(v, "true")
	}
}
