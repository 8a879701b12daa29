package archive

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/internal/router"
	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// Sink is the subset of the pipeline's result sink the tee composes
type Sink interface {
	Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error
}

// TeeArchive writes every result to a primary and a secondary sink. The
// primary's error is the emit's error; a secondary failure is logged
// and swallowed so the durable store never blocks on the convenience
// copy.
type TeeArchive struct {
	primary   Sink
	secondary Sink
}

// NewTeeArchive composes two sinks
func NewTeeArchive(primary, secondary Sink) *TeeArchive {
	return &TeeArchive{primary: primary, secondary: secondary}
}

// Emit writes to both sinks
func (t *TeeArchive) Emit(ctx context.Context, result *crawl.CrawlResult, assignments []router.Assignment) error {
	err := t.primary.Emit(ctx, result, assignments)

	if t.secondary != nil {
		if secErr := t.secondary.Emit(ctx, result, assignments); secErr != nil {
			log.Warn().
				Err(secErr).
				Str("result_id", result.ID).
				Msg("Secondary archive emit failed")
		}
	}

	return err
}
