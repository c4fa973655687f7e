// Package agents provides the built-in analysis agents. Each agent reads
// from an embedded reference dataset and returns its findings as JSON.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/clock"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
)

// Built-in agent names.
const (
	MarketInsights   = "Market Insights"
	PatentLandscape  = "Patent Landscape"
	ClinicalTrials   = "Clinical Trials"
	EximTrade        = "EXIM Trade"
	WebIntelligence  = "Web Intelligence"
	InternalInsights = "Internal Insights"
	ReportGenerator  = "Report Generator"
)

// Options configures the built-in agents.
type Options struct {
	// SimulateLatency makes each agent wait for its estimated duration
	// before answering, the way a remote data source would.
	SimulateLatency bool
	// Clock supplies timestamps and latency timers. Nil uses the real clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Builtin returns the seven built-in agents backed by ds, in priority order.
func Builtin(ds *Dataset, opts Options) []pipeline.Agent {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mk := func(name string, priority int, estimateMs int64) base {
		return base{name: name, priority: priority, estimateMs: estimateMs, opts: opts}
	}
	return []pipeline.Agent{
		&marketAgent{base: mk(MarketInsights, 1, 3000), ds: ds},
		&patentAgent{base: mk(PatentLandscape, 2, 3000), ds: ds},
		&trialsAgent{base: mk(ClinicalTrials, 3, 3500), ds: ds},
		&eximAgent{base: mk(EximTrade, 4, 2500), ds: ds},
		&webAgent{base: mk(WebIntelligence, 5, 2500), ds: ds},
		&internalAgent{base: mk(InternalInsights, 6, 3000), ds: ds},
		&reportAgent{base: mk(ReportGenerator, 7, 2000)},
	}
}

// Default loads the embedded dataset and returns the built-in agents.
func Default(opts Options) ([]pipeline.Agent, error) {
	ds, err := LoadDataset()
	if err != nil {
		return nil, err
	}
	return Builtin(ds, opts), nil
}

type base struct {
	name       string
	priority   int
	estimateMs int64
	opts       Options
}

func (b base) Name() string               { return b.name }
func (b base) Priority() int              { return b.priority }
func (b base) EstimatedDurationMs() int64 { return b.estimateMs }

// begin waits out the simulated latency and resolves molecule to its
// canonical spelling.
func (b base) begin(ctx context.Context, molecule string, queryID int64) (string, error) {
	b.opts.Logger.Debug("agent: executing", "agent", b.name, "molecule", molecule, "query_id", queryID)
	if b.opts.SimulateLatency && b.estimateMs > 0 {
		t := b.opts.Clock.NewTimer(time.Duration(b.estimateMs) * time.Millisecond)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	if m, ok := model.CanonicalMolecule(molecule); ok {
		return m, nil
	}
	return molecule, nil
}

type marketAgent struct {
	base
	ds *Dataset
}

func (a *marketAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	md, ok := a.ds.MarketFor(m)
	if !ok {
		return "", &pipeline.NoDataError{Kind: "market", Molecule: molecule}
	}
	return encode(md)
}

type patentAgent struct {
	base
	ds *Dataset
}

func (a *patentAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	return pipeline.EncodeNonEmpty("patent", molecule, a.ds.Patents[m])
}

type trialsAgent struct {
	base
	ds *Dataset
}

func (a *trialsAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	return pipeline.EncodeNonEmpty("clinical trial", molecule, a.ds.ClinicalTrials[m])
}

type eximAgent struct {
	base
	ds *Dataset
}

func (a *eximAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	return pipeline.EncodeNonEmpty("EXIM trade", molecule, a.ds.EximTrades[m])
}

type webAgent struct {
	base
	ds *Dataset
}

func (a *webAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	return pipeline.EncodeNonEmpty("publication", molecule, a.ds.Publications[m])
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("agents: encode result: %w", err)
	}
	return string(b), nil
}
