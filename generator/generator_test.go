package generator_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/generator"
	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/ml/mltest"
	"github.com/wgpuinfer/core/modelconfig"
	"github.com/wgpuinfer/core/pipeline"
	"github.com/wgpuinfer/core/recorder"
	"github.com/wgpuinfer/core/tokenizer"
	"github.com/wgpuinfer/core/weightmap"
)

const testVocab = 16

var registerOnce sync.Once

type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) ([]uint32, error) {
	var ids []uint32
	for _, r := range text {
		ids = append(ids, uint32(r)%testVocab)
	}
	return ids, nil
}

func (runeTokenizer) Decode(ids []uint32, skipSpecials, trim bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "<%d>", id)
	}
	return sb.String(), nil
}

func (runeTokenizer) VocabSize() int                         { return testVocab }
func (runeTokenizer) SpecialTokens() tokenizer.SpecialTokens { return tokenizer.SpecialTokens{} }
func (runeTokenizer) IsSpecialToken(id uint32) bool          { return false }

func successorModel() pipeline.Model {
	return pipeline.Model{
		Embed: func(rec recorder.Recorder, w *weightmap.Map, tokenIds []int32) (ml.Tensor, error) {
			vals := make([]float32, len(tokenIds))
			for i, id := range tokenIds {
				vals[i] = float32(id)
			}
			return rec.Context().FromFloats(vals, len(tokenIds)), nil
		},
		Layer: func(rec recorder.Recorder, w *weightmap.Map, layer int, hidden ml.Tensor, positions []int32) (ml.Tensor, error) {
			return hidden, nil
		},
		Logits: func(rec recorder.Recorder, w *weightmap.Map, hidden ml.Tensor) (ml.Tensor, error) {
			floats := hidden.Floats()
			last := int(floats[len(floats)-1])
			row := make([]float32, testVocab)
			row[(last+1)%testVocab] = 1
			return rec.Context().FromFloats(row, testVocab), nil
		},
	}
}

func newLoadedPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	registerOnce.Do(func() {
		ml.RegisterBackend("generatortest", func(string, ml.BackendParams) (ml.Backend, error) {
			return mltest.NewBackend(), nil
		})
	})

	p := pipeline.New()
	require.NoError(t, p.Initialize(context.Background(), "generatortest", "", ml.BackendParams{}, "", nil))

	manifest := modelconfig.Manifest{
		ModelID:          "successor-test",
		Architecture:     "test",
		NumLayers:        2,
		HiddenSize:       8,
		NumHeads:         2,
		NumKVHeads:       2,
		HeadDim:          4,
		IntermediateSize: 16,
		VocabSize:        testVocab,
		MaxSeqLen:        128,
	}
	require.NoError(t, p.LoadModel(context.Background(), manifest, runeTokenizer{}, successorModel(), nil, nil))
	return p
}

func TestStreamYieldsEveryPieceInOrder(t *testing.T) {
	p := newLoadedPipeline(t)

	stream := generator.Start(p, "abc", pipeline.Options{MaxTokens: 4, DisableBatching: true})

	var ids []int32
	var texts []string
	for {
		piece, ok := stream.Next()
		if !ok {
			break
		}
		ids = append(ids, piece.ID)
		texts = append(texts, piece.Text)
	}

	assert.Equal(t, []int32{4, 5, 6, 7}, ids)
	assert.Equal(t, []string{"<4>", "<5>", "<6>", "<7>"}, texts)
	assert.NoError(t, stream.Err())
}

func TestStreamIsPullBased(t *testing.T) {
	p := newLoadedPipeline(t)

	stream := generator.Start(p, "abc", pipeline.Options{MaxTokens: 8, DisableBatching: true})

	// Draining only the first two pieces must still work: the decode loop
	// waits on the consumer rather than racing ahead.
	first, ok := stream.Next()
	require.True(t, ok)
	second, ok := stream.Next()
	require.True(t, ok)
	assert.Equal(t, int32(4), first.ID)
	assert.Equal(t, int32(5), second.ID)

	stream.Stop()
	for {
		if _, ok := stream.Next(); !ok {
			break
		}
	}
	assert.NoError(t, stream.Err())
}

func TestStopEndsStreamEarly(t *testing.T) {
	p := newLoadedPipeline(t)

	stream := generator.Start(p, "abc", pipeline.Options{MaxTokens: 100, DisableBatching: true})

	_, ok := stream.Next()
	require.True(t, ok)
	stream.Stop()

	var rest int
	for {
		if _, ok := stream.Next(); !ok {
			break
		}
		rest++
	}
	// At most one piece was already in flight when the stop landed.
	assert.LessOrEqual(t, rest, 1)
	assert.NoError(t, stream.Err())
}

func TestCallerSignalCancelsStream(t *testing.T) {
	p := newLoadedPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream := generator.Start(p, "abc", pipeline.Options{MaxTokens: 100, DisableBatching: true, Signal: ctx})

	_, ok := stream.Next()
	require.True(t, ok)
	cancel()

	for {
		if _, ok := stream.Next(); !ok {
			break
		}
	}
	assert.NoError(t, stream.Err())
}

func TestStopIsIdempotent(t *testing.T) {
	p := newLoadedPipeline(t)

	stream := generator.Start(p, "abc", pipeline.Options{MaxTokens: 4, DisableBatching: true})
	stream.Stop()
	stream.Stop()

	for {
		if _, ok := stream.Next(); !ok {
			break
		}
	}
	assert.NoError(t, stream.Err())
}
