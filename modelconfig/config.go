// Package modelconfig parses a model manifest into the immutable model
// configuration the pipeline needs for the lifetime of a load: layer
// counts and dimensions, RoPE parameters, MoE flags, and the optional
// kernel plan.
package modelconfig

import (
	"github.com/wgpuinfer/core/errs"
)

// RopeScalingType mirrors the manifest's ropeScalingType field.
type RopeScalingType string

const (
	RopeScalingNone   RopeScalingType = ""
	RopeScalingLinear RopeScalingType = "linear"
	RopeScalingYaRN   RopeScalingType = "yarn"
)

// MoEParams holds the mixture-of-experts parameters present when UseMoE is
// set. The routing policy itself is an external collaborator; only the
// primitives it composes (expert count, top-k, shared experts) are in
// scope here.
type MoEParams struct {
	NumExperts       int
	NumExpertsUsed   int
	NumSharedExperts int
}

// LayerPipelinePlan optionally assigns transformer layers to devices; nil
// means "all layers on the bound device."
type LayerPipelinePlan struct {
	DeviceLayers map[string][]int
}

// Config is the model configuration, immutable once loadModel returns.
type Config struct {
	NumLayers        int
	HiddenSize       int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int
	VocabSize        int
	MaxSeqLen        int

	RopeTheta       float32
	RopeLocalTheta  float32
	RopeScale       float32
	RopeScalingType RopeScalingType

	RMSNormEps            float32
	ScaleEmbeddings       bool
	FinalLogitSoftcapping float32

	StopTokenIds []int32

	UseMoE bool
	MoE    MoEParams

	UseTiedEmbeddings  bool
	EmbeddingTranspose bool

	// ChatTemplate names the chat markup the model was trained on; empty
	// means the model declares none and prompts pass through untouched.
	ChatTemplate string

	LayerPipeline *LayerPipelinePlan
	KernelPath    string
}

// Validate checks the invariants the rest of the core assumes hold for the
// lifetime of a loaded model.
func (c Config) Validate() error {
	if c.NumKVHeads == 0 || c.NumHeads%c.NumKVHeads != 0 {
		return errs.Newf(errs.ManifestInvalid, "numHeads (%d) must be a multiple of numKVHeads (%d)", c.NumHeads, c.NumKVHeads).
			WithResource("numKVHeads")
	}
	if c.HiddenSize != c.NumHeads*c.HeadDim {
		return errs.Newf(errs.ManifestInvalid, "hiddenSize (%d) must equal numHeads*headDim (%d*%d=%d)",
			c.HiddenSize, c.NumHeads, c.HeadDim, c.NumHeads*c.HeadDim).
			WithResource("hiddenSize")
	}
	return nil
}

// TokenizerManifest is the tokenizer section of a model manifest.
type TokenizerManifest struct {
	Kind           string
	VocabPath      string
	MergesPath     string
	AddBOS, AddEOS bool
}

// Manifest is the structured input describing a model to load: identity,
// architecture dimensions, rope/quantization parameters, tokenizer
// location, shard list, and optimization hints.
type Manifest struct {
	ModelID      string
	Architecture string

	NumLayers        int
	HiddenSize       int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int
	VocabSize        int
	MaxSeqLen        int

	RopeTheta       float32
	RopeScale       float32
	RopeScalingType RopeScalingType
	RopeLocalTheta  float32

	RMSNormEps   float32
	StopTokenIds []int32

	ChatTemplate string

	Tokenizer TokenizerManifest

	Quantization string
	Shards       []string

	Optimizations struct {
		KernelPath string
	}

	Inference struct {
		PresetID string
	}
}

// ToConfig converts a parsed manifest into a validated model Config.
func ToConfig(m Manifest) (Config, error) {
	cfg := Config{
		NumLayers:        m.NumLayers,
		HiddenSize:       m.HiddenSize,
		NumHeads:         m.NumHeads,
		NumKVHeads:       m.NumKVHeads,
		HeadDim:          m.HeadDim,
		IntermediateSize: m.IntermediateSize,
		VocabSize:        m.VocabSize,
		MaxSeqLen:        m.MaxSeqLen,
		RopeTheta:        m.RopeTheta,
		RopeLocalTheta:   m.RopeLocalTheta,
		RopeScale:        m.RopeScale,
		RopeScalingType:  m.RopeScalingType,
		RMSNormEps:       m.RMSNormEps,
		StopTokenIds:     m.StopTokenIds,
		ChatTemplate:     m.ChatTemplate,
		KernelPath:       m.Optimizations.KernelPath,
	}

	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ResolveKernelPath implements the manifest -> runtime config -> model
// config -> default precedence for selecting a kernel plan id.
func ResolveKernelPath(manifestPath, runtimeConfigPath, modelConfigPath string) string {
	for _, p := range []string{manifestPath, runtimeConfigPath, modelConfigPath} {
		if p != "" {
			return p
		}
	}
	return "default"
}
