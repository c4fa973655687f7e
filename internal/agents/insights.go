package agents

import (
	"context"
	"slices"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
)

// Recommendations are the strategic calls derived from market data.
type Recommendations struct {
	MarketPosition string `json:"market_position"`
	GrowthStrategy string `json:"growth_strategy"`
	RiskAssessment string `json:"risk_assessment"`
}

// Insights is the Internal Insights agent's payload.
type Insights struct {
	Molecule            string          `json:"molecule"`
	AnalysisDate        time.Time       `json:"analysis_date"`
	MarketSize2024      float64         `json:"market_size_2024"`
	ProjectedSize2030   float64         `json:"projected_size_2030"`
	CAGR                float64         `json:"cagr"`
	CompetitorCount     int             `json:"competitor_count"`
	PrimaryIndications  int             `json:"primary_indications"`
	EmergingIndications int             `json:"emerging_indications"`
	Recommendations     Recommendations `json:"recommendations"`
}

type internalAgent struct {
	base
	ds *Dataset
}

func (a *internalAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	md, ok := a.ds.MarketFor(m)
	if !ok {
		return "", &pipeline.NoDataError{Kind: "internal", Molecule: molecule}
	}
	return encode(Analyze(md, a.opts.Clock.Now()))
}

// Analyze derives the internal insights report for md.
func Analyze(md MarketData, at time.Time) Insights {
	return Insights{
		Molecule:            md.Molecule,
		AnalysisDate:        at.UTC(),
		MarketSize2024:      md.MarketSize2024,
		ProjectedSize2030:   md.Forecast2030,
		CAGR:                md.CAGR,
		CompetitorCount:     len(md.Competitors),
		PrimaryIndications:  len(md.TopIndications),
		EmergingIndications: len(md.EmergingIndications),
		Recommendations: Recommendations{
			MarketPosition: marketPosition(md.CAGR),
			GrowthStrategy: growthStrategy(md),
			RiskAssessment: riskAssessment(md.Challenges),
		},
	}
}

func marketPosition(cagr float64) string {
	switch {
	case cagr > 10:
		return "High-growth market - Consider aggressive expansion strategy"
	case cagr > 5:
		return "Moderate growth - Focus on market share capture"
	default:
		return "Mature market - Emphasize cost optimization and differentiation"
	}
}

func growthStrategy(md MarketData) string {
	switch {
	case len(md.EmergingIndications) > 2:
		return "Pursue emerging indication development for market expansion"
	case len(md.Competitors) < 3:
		return "Limited competition - Accelerate market penetration"
	default:
		return "Competitive market - Focus on product differentiation"
	}
}

func riskAssessment(challenges []string) string {
	switch {
	case slices.Contains(challenges, "Generic competition"):
		return "High risk - Generic competition threat requires patent strategy"
	case slices.Contains(challenges, "High cost"):
		return "Medium risk - Cost pressures may impact market access"
	default:
		return "Low risk - Favorable market conditions for growth"
	}
}
