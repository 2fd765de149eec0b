// Package generator wraps a pipeline.Pipeline's synchronous Generate call
// in a pull-based async iterator: the GPU loop only advances when the
// caller asks for the next piece, so an abandoned stream (a cancelled HTTP
// request, a client that stopped reading) stops driving decode instead of
// racing ahead to produce tokens nobody will read.
package generator

import (
	"context"

	"github.com/wgpuinfer/core/pipeline"
)

// Stream is a pull-based iterator over generated token pieces.
type Stream struct {
	pieces chan pipeline.TokenPiece
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Start launches prompt's generation on p in the background and returns a
// Stream the caller drains with Next. Cancelling opts.Signal (or calling Stop on
// the returned Stream) stops the decode loop at the next iteration
// boundary; it does not interrupt a token mid-flight.
func Start(p *pipeline.Pipeline, prompt string, opts pipeline.Options) *Stream {
	parent := opts.Signal
	ctx, cancel := context.WithCancel(context.Background())
	if parent != nil {
		go func() {
			select {
			case <-parent.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	opts.Signal = ctx

	s := &Stream{
		pieces: make(chan pipeline.TokenPiece),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	onToken := opts.OnToken
	opts.OnToken = func(id int32, text string) {
		if onToken != nil {
			onToken(id, text)
		}
		select {
		case s.pieces <- pipeline.TokenPiece{ID: id, Text: text}:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(s.pieces)
		defer close(s.done)
		_, err := p.Generate(prompt, opts)
		s.err = err
	}()

	return s
}

// Next blocks until the next piece is available, returning ok=false once
// generation has finished (check Err for the reason).
func (s *Stream) Next() (pipeline.TokenPiece, bool) {
	piece, ok := <-s.pieces
	return piece, ok
}

// Stop cancels the underlying generation. Safe to call more than once.
func (s *Stream) Stop() {
	s.cancel()
}

// Err returns the error the underlying Generate call finished with, or nil
// if it completed normally. Stopping through Stop or opts.Signal counts as
// a normal end and also yields nil.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}
