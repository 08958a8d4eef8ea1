package candidates

// Scorer ranks a candidate unit for a demand. Lower scores are better.
// The allocation scheduler is decoupled from any particular ranking
// implementation through this interface; a learned model can be plugged
// in without touching the scheduler.
type Scorer interface {
	Score(c Candidate) float64
}

// HeuristicScorer is the default ranking. It combines transport ETA,
// remaining shelf life (units closer to expiry first, to reduce wastage)
// and the compatibility rank, and penalises stripping a source below its
// safety stock.
type HeuristicScorer struct {
	ETAWeight          float64 // per minute of travel
	ShelfWeight        float64 // per hour of remaining shelf life
	RankWeight         float64 // per compatibility rank step
	SafetyStockPenalty float64 // flat penalty when the source would dip below threshold
}

// NewHeuristicScorer returns a scorer with the default weights.
func NewHeuristicScorer() HeuristicScorer {
	return HeuristicScorer{
		ETAWeight:          1.0,
		ShelfWeight:        0.2,
		RankWeight:         5.0,
		SafetyStockPenalty: 500.0,
	}
}

func (s HeuristicScorer) Score(c Candidate) float64 {
	score := c.Route.ETAMinutes*s.ETAWeight +
		c.ShelfLifeHours*s.ShelfWeight +
		float64(c.CompatRank)*s.RankWeight
	if c.BreaksSafetyStock {
		score += s.SafetyStockPenalty
	}
	return score
}
