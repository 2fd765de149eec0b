// Command runner is the standalone CLI entrypoint for the inference core:
// load a model manifest, bind a GPU backend, and drive generation from the
// terminal without the rest of a model-management server around it.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wgpuinfer/core/generator"
	"github.com/wgpuinfer/core/logutil"
	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/modelconfig"
	"github.com/wgpuinfer/core/pipeline"
	"github.com/wgpuinfer/core/progress"
	"github.com/wgpuinfer/core/shard"
	"github.com/wgpuinfer/core/tokenizer"
)

func main() {
	slog.SetDefault(logutil.Logger())

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "GPU-resident transformer inference runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGenerateCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		backend      string
		modelPath    string
		manifestPath string
		runtimeCfg   string
		prompt       string
		maxTokens    int
		temperature  float32
		profile      bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Load a model and generate from a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			p := pipeline.New()
			if err := p.Initialize(cmd.Context(), backend, modelPath, ml.BackendParams{AllocMemory: true}, runtimeCfg, progress.Func(logProgress)); err != nil {
				return err
			}
			defer p.Unload()

			tok, model, loader, shiftFn, err := bindArchitecture(manifest)
			if err != nil {
				return err
			}

			if err := p.LoadModel(cmd.Context(), manifest, tok, model, loader, shiftFn); err != nil {
				return err
			}

			stream := generator.Start(p, prompt, pipeline.Options{
				MaxTokens:   maxTokens,
				Temperature: temperature,
				Profile:     profile,
			})
			for {
				piece, ok := stream.Next()
				if !ok {
					break
				}
				fmt.Print(piece.Text)
			}
			fmt.Println()

			return stream.Err()
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "webgpu", "registered ml.Backend name")
	cmd.Flags().StringVar(&modelPath, "model", "", "path passed to the backend loader")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a model manifest JSON file")
	cmd.Flags().StringVar(&runtimeCfg, "config", "", "path to a runtime configuration YAML file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum tokens to generate")
	cmd.Flags().Float32Var(&temperature, "temperature", 0.8, "sampling temperature")
	cmd.Flags().BoolVar(&profile, "profile", false, "enable GPU timestamp-query profiling")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

func loadManifest(path string) (modelconfig.Manifest, error) {
	var m modelconfig.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("runner: reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("runner: parsing manifest: %w", err)
	}
	return m, nil
}

// bindArchitecture is the seam where per-architecture forward-pass hooks,
// tokenizer, and shard loader for manifest.Architecture are bound. No
// architecture is registered in this module, so it always returns an error
// naming manifest.Architecture.
func bindArchitecture(manifest modelconfig.Manifest) (tokenizer.Tokenizer, pipeline.Model, shard.Loader, func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error), error) {
	return nil, pipeline.Model{}, nil, nil, fmt.Errorf("runner: no architecture registered for %q", manifest.Architecture)
}

func logProgress(e progress.Event) {
	slog.Info("progress", "stage", e.Stage, "percent", e.Percent, "message", e.Message)
}
