// Package pipeline holds the shared pieces of the chunked execution
// pipeline: document chunking, result aggregation and handler configuration
// validation. Tool handlers compose these into their Execute paths.
package pipeline

import (
	"context"

	"github.com/tmc/langchaingo/textsplitter"

	playbook "github.com/parchmint/playbook-engine"
)

// defaultSeparators split on paragraph, then line, then sentence, then word
// boundaries so chunks never cut mid-sentence when a boundary exists.
var defaultSeparators = []string{"\n\n", "\n", ". ", " "}

// ChunkerConfig configures document splitting.
type ChunkerConfig struct {
	// ChunkSize is the target chunk length in characters (default: 4000).
	ChunkSize int

	// ChunkOverlap is how many characters consecutive chunks share so
	// context survives the boundary (default: 200).
	ChunkOverlap int

	// Threshold is the document length above which splitting kicks in.
	// Shorter documents pass through as a single chunk (default: ChunkSize).
	Threshold int
}

// DefaultChunkerConfig returns sensible defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    4000,
		ChunkOverlap: 200,
	}
}

// Chunker splits oversized document text into bounded, boundary-respecting
// chunks. Safe for concurrent use.
type Chunker struct {
	config   ChunkerConfig
	splitter textsplitter.TextSplitter
}

// NewChunker builds a chunker with the given configuration.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkerConfig().ChunkSize
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = DefaultChunkerConfig().ChunkOverlap
	}
	if config.Threshold <= 0 {
		config.Threshold = config.ChunkSize
	}
	return &Chunker{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(defaultSeparators),
		),
	}
}

// Split breaks text into chunks. Text at or below the threshold is returned
// unmodified as a single chunk; empty text yields one empty chunk so callers
// always get at least one model call.
func (c *Chunker) Split(text string) ([]string, error) {
	if len(text) <= c.config.Threshold {
		return []string{text}, nil
	}
	chunks, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, playbook.NewInternalError("execution", "splitting document text", err)
	}
	if len(chunks) == 0 {
		return []string{text}, nil
	}
	return chunks, nil
}

// ForEachChunk runs fn over every chunk in order, checking for cooperative
// cancellation before each call. On cancellation it stops immediately and
// returns an EXECUTION_CANCELLED error; partial chunk work is discarded by
// the caller.
func ForEachChunk(ctx context.Context, chunks []string, fn func(ctx context.Context, index int, chunk string) error) error {
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return playbook.NewCancelledError("execution", err)
		}
		if err := fn(ctx, i, chunk); err != nil {
			if ctx.Err() != nil && !playbook.HasCode(err, playbook.ErrCodeCancelled) {
				return playbook.NewCancelledError("execution", ctx.Err())
			}
			return err
		}
	}
	return nil
}
