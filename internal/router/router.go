package router

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// Assignment routes one result to one persona. One result can serve
// multiple personas; a persona can receive many results.
type Assignment struct {
	PersonaID string  `json:"persona_id"`
	ResultID  string  `json:"result_id"`
	Relevance float64 `json:"relevance"`
}

// Route filters the source's persona-relevance map against the
// caller-supplied minimum threshold and assigns the result to every
// persona that meets it. Routing is a pure filter; it never mutates the
// result. Assignments are returned in persona order for determinism.
func Route(result *crawl.CrawlResult, src *source.Source, minRelevance float64) []Assignment {
	if src == nil || len(src.PersonaRelevance) == 0 {
		return nil
	}

	personas := make([]string, 0, len(src.PersonaRelevance))
	for persona := range src.PersonaRelevance {
		personas = append(personas, persona)
	}
	sort.Strings(personas)

	assignments := make([]Assignment, 0, len(personas))
	for _, persona := range personas {
		relevance := src.PersonaRelevance[persona]
		if relevance < minRelevance {
			continue
		}
		assignments = append(assignments, Assignment{
			PersonaID: persona,
			ResultID:  result.ID,
			Relevance: relevance,
		})
	}

	log.Debug().
		Str("result_id", result.ID).
		Str("source_id", src.ID).
		Float64("min_relevance", minRelevance).
		Int("assignments", len(assignments)).
		Msg("Result routed to personas")

	return assignments
}
