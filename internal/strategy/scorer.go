package strategy

// Scorer rates a candidate change in [0,1]. Higher is better.
type Scorer interface {
	Name() string
	Score(content string, rep Report) float64
}

// WeightedScorer pairs a scorer with its weight in the combined score.
type WeightedScorer struct {
	Scorer Scorer
	Weight float64
}

// ValidationScorer gives 1 to valid changes and 0 otherwise.
type ValidationScorer struct{}

func (ValidationScorer) Name() string { return "validation" }

func (ValidationScorer) Score(_ string, rep Report) float64 {
	if rep.Valid {
		return 1
	}
	return 0
}

// DiffSizeScorer prefers smaller changes: 1/(1+lines/100).
type DiffSizeScorer struct{}

func (DiffSizeScorer) Name() string { return "diff_size" }

func (DiffSizeScorer) Score(_ string, rep Report) float64 {
	lines := float64(rep.Added + rep.Removed)
	return 1 / (1 + lines/100)
}

// combinedScore is the weighted mean of all scorers. Non-positive weights
// are ignored; with no usable weight the score is 0.
func combinedScore(scorers []WeightedScorer, content string, rep Report) float64 {
	var sum, weights float64
	for _, ws := range scorers {
		if ws.Weight <= 0 || ws.Scorer == nil {
			continue
		}
		sum += ws.Weight * ws.Scorer.Score(content, rep)
		weights += ws.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}
