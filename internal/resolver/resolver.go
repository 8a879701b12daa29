package resolver

import (
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tokenlens/tokenlens/internal/matcher"
	"github.com/tokenlens/tokenlens/pkg/crawl"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// Precedence selects the binding tie-break order. The catalog's
// documentation history is ambiguous on this, so the order is explicit
// configuration rather than an implementation accident.
type Precedence string

const (
	// PrecedencePriorityFirst orders by priority desc, then specificity,
	// then last-updated desc (the default)
	PrecedencePriorityFirst Precedence = "priority-first"
	// PrecedenceSpecificityFirst orders by specificity, then priority
	// desc, then last-updated desc
	PrecedenceSpecificityFirst Precedence = "specificity-first"
)

// ResolverConfig configures resolution behavior
type ResolverConfig struct {
	Precedence Precedence `json:"precedence"`
}

// DefaultResolverConfig returns default resolver configuration
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		Precedence: PrecedencePriorityFirst,
	}
}

// Resolver maps URLs to execution plans using the pattern matcher and
// the catalog's binding records
type Resolver struct {
	catalog *source.Catalog
	config  *ResolverConfig
}

// ranked pairs a binding with the specificity of its matched rule
type ranked struct {
	binding     *source.Binding
	specificity matcher.Specificity
}

// Plan is the execution plan for one URL: the primary binding plus the
// remaining candidates, used only when the primary's strategies all
// fail validation. Fallback is attempted at most once per fetch.
type Plan struct {
	URL        string
	Source     *source.Source
	Primary    *source.Binding
	Candidates []*source.Binding

	fallbackUsed bool
}

// NewResolver creates a new resolver over a catalog snapshot
func NewResolver(catalog *source.Catalog, config *ResolverConfig) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	return &Resolver{
		catalog: catalog,
		config:  config,
	}
}

// Resolve produces an execution plan for a URL. A URL no binding
// matches is a *crawl.ResolutionError: a configuration gap, distinct
// from fetch or extraction failures.
func (r *Resolver) Resolve(rawURL string) (*Plan, error) {
	normalized, err := matcher.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	matched := make([]ranked, 0, 4)
	for i := range r.catalog.Bindings {
		binding := &r.catalog.Bindings[i]
		hits, err := matcher.MatchURL(normalized, []source.MatchRule{binding.Rule})
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			matched = append(matched, ranked{binding: binding, specificity: hits[0].Specificity})
		}
	}

	if len(matched) == 0 {
		log.Debug().
			Str("url", normalized).
			Msg("No binding matches URL")
		return nil, &crawl.ResolutionError{URL: normalized}
	}

	r.order(matched)

	primary := matched[0].binding
	candidates := make([]*source.Binding, 0, len(matched)-1)
	for _, m := range matched[1:] {
		candidates = append(candidates, m.binding)
	}

	src := r.catalog.SourceByID(primary.SourceID)

	log.Debug().
		Str("url", normalized).
		Str("binding_id", primary.ID).
		Int("candidates", len(candidates)).
		Str("precedence", string(r.config.Precedence)).
		Msg("URL resolved")

	return &Plan{
		URL:        normalized,
		Source:     src,
		Primary:    primary,
		Candidates: candidates,
	}, nil
}

// order sorts matched bindings by the configured precedence. Binding ID
// is the final tie-break so the order is fully deterministic.
func (r *Resolver) order(matched []ranked) {
	specificityFirst := r.config.Precedence == PrecedenceSpecificityFirst

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]

		if specificityFirst {
			if a.specificity != b.specificity {
				return a.specificity > b.specificity
			}
			if a.binding.Priority != b.binding.Priority {
				return a.binding.Priority > b.binding.Priority
			}
		} else {
			if a.binding.Priority != b.binding.Priority {
				return a.binding.Priority > b.binding.Priority
			}
			if a.specificity != b.specificity {
				return a.specificity > b.specificity
			}
		}

		if !a.binding.UpdatedAt.Equal(b.binding.UpdatedAt) {
			return a.binding.UpdatedAt.After(b.binding.UpdatedAt)
		}
		return a.binding.ID < b.binding.ID
	})
}

// Strategies returns the strategy descriptors attached to a binding, in
// the binding's declared order
func (r *Resolver) Strategies(binding *source.Binding) []source.StrategyDescriptor {
	out := make([]source.StrategyDescriptor, 0, len(binding.StrategyIDs))
	for _, id := range binding.StrategyIDs {
		if desc := r.catalog.StrategyByID(id); desc != nil {
			out = append(out, *desc)
		}
	}
	return out
}

// Fallback returns the next candidate binding and updates the plan.
// It succeeds at most once per plan to bound latency; later calls
// report exhaustion.
func (p *Plan) Fallback() (*source.Binding, bool) {
	if p.fallbackUsed || len(p.Candidates) == 0 {
		return nil, false
	}
	p.fallbackUsed = true
	next := p.Candidates[0]
	p.Candidates = p.Candidates[1:]

	log.Debug().
		Str("url", p.URL).
		Str("binding_id", next.ID).
		Msg("Falling back to next candidate binding")

	return next, true
}
