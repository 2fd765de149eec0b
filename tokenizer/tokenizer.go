// Package tokenizer declares the interface the pipeline consumes for text
// <-> token id conversion. Concrete tokenizers (BPE, SentencePiece, etc.)
// are external collaborators; this package defines only the contract.
package tokenizer

// SpecialTokens are the ids a model reserves for padding/sequence framing.
// A zero value (nil pointer semantics via *uint32) means "not present."
type SpecialTokens struct {
	Pad *uint32
	Bos *uint32
	Eos *uint32
	Unk *uint32
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]uint32, error)
	Decode(ids []uint32, skipSpecials, trim bool) (string, error)
	VocabSize() int
	SpecialTokens() SpecialTokens
	IsSpecialToken(id uint32) bool
}
