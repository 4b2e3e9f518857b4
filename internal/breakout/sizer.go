package breakout

import (
	"math"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// DefaultStopPct is the stop distance used when the position carries none.
const DefaultStopPct = 7.0

// Tranche names a sizing stage.
type Tranche string

const (
	TrancheInitial  Tranche = "initial"
	TranchePyramid1 Tranche = "pyramid1"
	TranchePyramid2 Tranche = "pyramid2"
)

// Suggestion is one sizing recommendation. Shares is a whole number.
type Suggestion struct {
	Tranche     Tranche `json:"tranche"`
	Shares      float64 `json:"shares"`
	Value       float64 `json:"value"`
	StopPrice   float64 `json:"stop_price"`
	RiskDollars float64 `json:"risk_dollars"`
}

// Sizer turns portfolio parameters plus the current exposure band into
// share counts. Two caps apply: the tranche's slice of the maximum position
// value scaled by the exposure band, and the account risk budget against
// the stop distance; the smaller wins.
type Sizer struct {
	cfg config.SizingConfig
}

// NewSizer creates the sizer.
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Initial sizes the first buy at the pivot.
func (s *Sizer) Initial(price, stopPct float64, band domain.ExposureBand) Suggestion {
	return s.size(TrancheInitial, s.cfg.InitialPct, price, stopPct, band)
}

// Pyramid1 sizes the first add-on.
func (s *Sizer) Pyramid1(price, stopPct float64, band domain.ExposureBand) Suggestion {
	return s.size(TranchePyramid1, s.cfg.Pyramid1Pct, price, stopPct, band)
}

// Pyramid2 sizes the second add-on.
func (s *Sizer) Pyramid2(price, stopPct float64, band domain.ExposureBand) Suggestion {
	return s.size(TranchePyramid2, s.cfg.Pyramid2Pct, price, stopPct, band)
}

func (s *Sizer) size(tranche Tranche, tranchePct, price, stopPct float64, band domain.ExposureBand) Suggestion {
	sug := Suggestion{Tranche: tranche}
	if price <= 0 || s.cfg.PortfolioValue <= 0 {
		return sug
	}
	if stopPct <= 0 {
		stopPct = DefaultStopPct
	}
	sug.StopPrice = price * (1 - stopPct/100)

	maxPositionValue := s.cfg.PortfolioValue * s.cfg.MaxPositionPct / 100
	targetValue := maxPositionValue * float64(band.MaxPct) / 100 * tranchePct / 100
	sharesByValue := targetValue / price

	riskPerShare := price - sug.StopPrice
	sharesByRisk := sharesByValue
	if s.cfg.AccountRiskPct > 0 && riskPerShare > 0 {
		riskBudget := s.cfg.PortfolioValue * s.cfg.AccountRiskPct / 100
		sharesByRisk = riskBudget / riskPerShare
	}

	sug.Shares = math.Floor(math.Min(sharesByValue, sharesByRisk))
	if sug.Shares < 0 {
		sug.Shares = 0
	}
	sug.Value = sug.Shares * price
	sug.RiskDollars = sug.Shares * riskPerShare
	return sug
}
