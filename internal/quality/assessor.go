package quality

import (
	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/pkg/crawl"
)

// WeightsConfig holds the scoring weights. Weights are configuration,
// not hard-coded; Version travels with every stored score so historical
// scores remain interpretable after weight changes.
type WeightsConfig struct {
	Version string `json:"version"`

	LengthWeight       float64 `json:"length_weight"`
	EntityWeight       float64 `json:"entity_weight"`
	RelationshipWeight float64 `json:"relationship_weight"`
	StructureWeight    float64 `json:"structure_weight"`

	// LengthSaturationWords is the word count past which longer content
	// stops raising the length score
	LengthSaturationWords int `json:"length_saturation_words"`
}

// DefaultWeightsConfig returns the current scoring weight set
func DefaultWeightsConfig() *WeightsConfig {
	return &WeightsConfig{
		Version:               "qw-v1",
		LengthWeight:          0.3,
		EntityWeight:          0.25,
		RelationshipWeight:    0.25,
		StructureWeight:       0.2,
		LengthSaturationWords: 400,
	}
}

// Assessor computes the composite quality score:
//
//	quality = clamp01(w1*len_score + w2*entity_density + w3*relationship_density + w4*structure_bonus)
//
// len_score saturates at the configured word threshold; densities are
// counts per 100 words; structure_bonus is a fixed increment when
// tables or enumerated data were detected during normalization.
// Scoring is a pure function of its inputs.
type Assessor struct {
	weights *WeightsConfig
}

// NewAssessor creates a quality assessor with the given weight set
func NewAssessor(weights *WeightsConfig) *Assessor {
	if weights == nil {
		weights = DefaultWeightsConfig()
	}
	return &Assessor{weights: weights}
}

// Version returns the weight-set version stamped onto results
func (a *Assessor) Version() string {
	return a.weights.Version
}

// Score computes the composite quality score for normalized content
// with the given extraction counts. Bounded to [0,1] for all inputs,
// including zero-length content, and monotonically non-decreasing in
// entity and relationship density.
func (a *Assessor) Score(content *crawl.NormalizedContent, entityCount, tripleCount int) float64 {
	words := 0
	hasStructure := false
	if content != nil {
		words = content.WordCount
		hasStructure = content.HasTables || content.HasEnumerations
	}

	lenScore := 0.0
	entityDensity := 0.0
	relationshipDensity := 0.0
	if words > 0 {
		saturation := a.weights.LengthSaturationWords
		if saturation <= 0 {
			saturation = DefaultWeightsConfig().LengthSaturationWords
		}
		lenScore = float64(words) / float64(saturation)
		if lenScore > 1 {
			lenScore = 1
		}

		per100 := float64(words) / 100.0
		entityDensity = float64(entityCount) / per100
		relationshipDensity = float64(tripleCount) / per100
	}

	structureBonus := 0.0
	if hasStructure {
		structureBonus = 1.0
	}

	score := a.weights.LengthWeight*lenScore +
		a.weights.EntityWeight*entityDensity +
		a.weights.RelationshipWeight*relationshipDensity +
		a.weights.StructureWeight*structureBonus

	score = clamp01(score)

	log.Debug().
		Str("weights_version", a.weights.Version).
		Int("words", words).
		Int("entities", entityCount).
		Int("triples", tripleCount).
		Bool("structure", hasStructure).
		Float64("score", score).
		Msg("Quality score computed")

	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
