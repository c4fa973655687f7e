package agents_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-bodhiq/bodhiq/internal/agents"
	"github.com/mit-bodhiq/bodhiq/internal/clock"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func builtin(t *testing.T, opts agents.Options) map[string]pipeline.Agent {
	t.Helper()
	all, err := agents.Default(opts)
	require.NoError(t, err)
	byName := make(map[string]pipeline.Agent, len(all))
	for _, a := range all {
		byName[a.Name()] = a
	}
	return byName
}

func TestBuiltinRegistry(t *testing.T) {
	all, err := agents.Default(agents.Options{})
	require.NoError(t, err)
	require.Len(t, all, 7)

	want := []struct {
		name     string
		priority int
		estimate int64
	}{
		{agents.MarketInsights, 1, 3000},
		{agents.PatentLandscape, 2, 3000},
		{agents.ClinicalTrials, 3, 3500},
		{agents.EximTrade, 4, 2500},
		{agents.WebIntelligence, 5, 2500},
		{agents.InternalInsights, 6, 3000},
		{agents.ReportGenerator, 7, 2000},
	}
	for i, w := range want {
		assert.Equal(t, w.name, all[i].Name())
		assert.Equal(t, w.priority, all[i].Priority())
		assert.Equal(t, w.estimate, all[i].EstimatedDurationMs())
	}
}

func TestDatasetCoversEverySupportedMolecule(t *testing.T) {
	ds, err := agents.LoadDataset()
	require.NoError(t, err)
	for _, m := range model.SupportedMolecules {
		md, ok := ds.MarketFor(m)
		require.True(t, ok, m)
		assert.Equal(t, m, md.Molecule)
		assert.NotEmpty(t, ds.ClinicalTrials[m], m)
		assert.Len(t, ds.EximTrades[m], 4, m)
		assert.NotEmpty(t, ds.Publications[m], m)
	}
	assert.Len(t, ds.Patents, 2)
	assert.Equal(t, "Humira", ds.Patents["Humira"][0].Molecule)
}

func TestParseDatasetRejectsGarbage(t *testing.T) {
	_, err := agents.ParseDataset([]byte("market: [not, a, map"))
	require.Error(t, err)
}

func TestMarketInsights(t *testing.T) {
	a := builtin(t, agents.Options{})[agents.MarketInsights]

	out, err := a.Execute(context.Background(), "montelukast", 1)
	require.NoError(t, err)

	var md struct {
		Molecule    string  `json:"molecule"`
		Size        float64 `json:"market_size_2024"`
		Forecast    float64 `json:"forecasted_market_size_2030"`
		Competitors []struct {
			Company string  `json:"company_name"`
			Share   float64 `json:"market_share"`
		} `json:"competitors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.Equal(t, "Montelukast", md.Molecule)
	assert.InDelta(t, 2850, md.Size, 0.001)
	assert.InDelta(t, 3650, md.Forecast, 0.001)
	require.Len(t, md.Competitors, 4)
	assert.Equal(t, "Merck & Co.", md.Competitors[0].Company)
	assert.InDelta(t, 35.2, md.Competitors[0].Share, 0.001)
}

func TestNoDataMessages(t *testing.T) {
	ds := &agents.Dataset{}
	all := agents.Builtin(ds, agents.Options{})

	want := map[string]string{
		agents.MarketInsights:   "No market data available for molecule: Aspirin",
		agents.PatentLandscape:  "No patent data available for molecule: Aspirin",
		agents.ClinicalTrials:   "No clinical trial data available for molecule: Aspirin",
		agents.EximTrade:        "No EXIM trade data available for molecule: Aspirin",
		agents.WebIntelligence:  "No publication data available for molecule: Aspirin",
		agents.InternalInsights: "No internal data available for molecule: Aspirin",
	}
	for _, a := range all {
		msg, ok := want[a.Name()]
		if !ok {
			continue
		}
		out, err := a.Execute(context.Background(), "Aspirin", 1)
		assert.Empty(t, out, a.Name())
		require.Error(t, err, a.Name())
		assert.True(t, errors.Is(err, pipeline.ErrNoData), a.Name())
		assert.Equal(t, msg, err.Error())
	}
}

func TestPatentLandscapeOnlyKnownMolecules(t *testing.T) {
	byName := builtin(t, agents.Options{})

	out, err := byName[agents.PatentLandscape].Execute(context.Background(), "Humira", 2)
	require.NoError(t, err)
	var patents []agents.Patent
	require.NoError(t, json.Unmarshal([]byte(out), &patents))
	require.Len(t, patents, 3)
	assert.Equal(t, "US6090382", patents[0].Number)

	_, err = byName[agents.PatentLandscape].Execute(context.Background(), "Metformin", 2)
	assert.EqualError(t, err, "No patent data available for molecule: Metformin")
}

func TestAnalyzeRecommendations(t *testing.T) {
	ds, err := agents.LoadDataset()
	require.NoError(t, err)

	tests := []struct {
		molecule string
		position string
		growth   string
		risk     string
	}{
		{"Montelukast",
			"Mature market - Emphasize cost optimization and differentiation",
			"Competitive market - Focus on product differentiation",
			"High risk - Generic competition threat requires patent strategy"},
		{"Humira",
			"Moderate growth - Focus on market share capture",
			"Pursue emerging indication development for market expansion",
			"Medium risk - Cost pressures may impact market access"},
		{"Metformin",
			"Mature market - Emphasize cost optimization and differentiation",
			"Pursue emerging indication development for market expansion",
			"Low risk - Favorable market conditions for growth"},
		{"GLP-1",
			"High-growth market - Consider aggressive expansion strategy",
			"Pursue emerging indication development for market expansion",
			"Medium risk - Cost pressures may impact market access"},
	}
	for _, tt := range tests {
		t.Run(tt.molecule, func(t *testing.T) {
			md, ok := ds.MarketFor(tt.molecule)
			require.True(t, ok)
			got := agents.Analyze(md, epoch)
			assert.Equal(t, tt.position, got.Recommendations.MarketPosition)
			assert.Equal(t, tt.growth, got.Recommendations.GrowthStrategy)
			assert.Equal(t, tt.risk, got.Recommendations.RiskAssessment)
			assert.Equal(t, len(md.Competitors), got.CompetitorCount)
			assert.Equal(t, epoch, got.AnalysisDate)
		})
	}
}

func TestAnalyzeLimitedCompetition(t *testing.T) {
	got := agents.Analyze(agents.MarketData{
		Molecule:    "X",
		CAGR:        2,
		Competitors: []agents.Competitor{{Company: "A"}},
	}, epoch)
	assert.Equal(t, "Limited competition - Accelerate market penetration", got.Recommendations.GrowthStrategy)
}

func TestReportGenerator(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := builtin(t, agents.Options{Clock: fc})[agents.ReportGenerator]

	out, err := a.Execute(context.Background(), "Eliquis", 42)
	require.NoError(t, err)

	var r agents.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "Eliquis", r.Molecule)
	assert.Equal(t, int64(42), r.QueryID)
	assert.Equal(t, "PDF", r.Format)
	assert.True(t, r.IncludesCharts)
	assert.True(t, r.IncludesDataTables)
	assert.True(t, r.GeneratedAt.Equal(epoch))
	assert.Equal(t, "Report generation triggered successfully", r.Status)
}

func TestSimulatedLatencyWaitsForEstimate(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := builtin(t, agents.Options{SimulateLatency: true, Clock: fc})[agents.EximTrade]

	done := make(chan error, 1)
	go func() {
		_, err := a.Execute(context.Background(), "Metformin", 1)
		done <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(2499 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("agent answered before its estimated duration")
	case <-time.After(20 * time.Millisecond):
	}
	fc.Advance(time.Millisecond)
	require.NoError(t, <-done)
}

func TestSimulatedLatencyHonoursCancel(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := builtin(t, agents.Options{SimulateLatency: true, Clock: fc})[agents.MarketInsights]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Execute(ctx, "Humira", 1)
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, fc.Pending())
}
