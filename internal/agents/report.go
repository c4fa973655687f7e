package agents

import (
	"context"
	"time"
)

// Report describes a generated report. Rendering the document itself
// happens outside the pipeline.
type Report struct {
	Molecule           string    `json:"molecule"`
	QueryID            int64     `json:"query_id"`
	GeneratedAt        time.Time `json:"report_generated_at"`
	Format             string    `json:"report_format"`
	IncludesCharts     bool      `json:"includes_charts"`
	IncludesDataTables bool      `json:"includes_data_tables"`
	Status             string    `json:"status"`
}

type reportAgent struct {
	base
}

func (a *reportAgent) Execute(ctx context.Context, molecule string, queryID int64) (string, error) {
	m, err := a.begin(ctx, molecule, queryID)
	if err != nil {
		return "", err
	}
	return encode(Report{
		Molecule:           m,
		QueryID:            queryID,
		GeneratedAt:        a.opts.Clock.Now().UTC(),
		Format:             "PDF",
		IncludesCharts:     true,
		IncludesDataTables: true,
		Status:             "Report generation triggered successfully",
	})
}
