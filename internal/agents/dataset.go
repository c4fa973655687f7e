package agents

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed dataset.yaml
var datasetYAML []byte

// Competitor is one company's position in a molecule's market.
type Competitor struct {
	Company     string  `yaml:"company" json:"company_name"`
	Product     string  `yaml:"product" json:"product_name"`
	MarketShare float64 `yaml:"market_share" json:"market_share"`
	Region      string  `yaml:"region" json:"region"`
	LaunchYear  string  `yaml:"launch_year" json:"launch_year"`
	Indication  string  `yaml:"indication" json:"indication"`
	Advantage   string  `yaml:"advantage" json:"competitive_advantage"`
}

// MarketData summarises the commercial market for a molecule. Sizes are in
// millions of USD.
type MarketData struct {
	Molecule            string       `yaml:"-" json:"molecule"`
	MarketSize2024      float64      `yaml:"market_size_2024" json:"market_size_2024"`
	CAGR                float64      `yaml:"cagr" json:"cagr"`
	Region              string       `yaml:"region" json:"region"`
	TopIndications      []string     `yaml:"top_indications" json:"top_indications"`
	EmergingIndications []string     `yaml:"emerging_indications" json:"emerging_indications"`
	Competitors         []Competitor `yaml:"competitors" json:"competitors"`
	GrowthDrivers       []string     `yaml:"growth_drivers" json:"growth_drivers"`
	Challenges          []string     `yaml:"challenges" json:"market_challenges"`
	Outlook             string       `yaml:"outlook" json:"market_outlook"`
	Forecast2030        float64      `yaml:"forecast_2030" json:"forecasted_market_size_2030"`
}

// Patent is a granted or pending patent covering a molecule.
type Patent struct {
	Number       string `yaml:"number" json:"patent_number"`
	Title        string `yaml:"title" json:"title"`
	Assignee     string `yaml:"assignee" json:"assignee"`
	Filed        string `yaml:"filed" json:"filing_date"`
	Published    string `yaml:"published" json:"publication_date"`
	Expires      string `yaml:"expires" json:"expiry_date"`
	Status       string `yaml:"status" json:"status"`
	Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction"`
	Molecule     string `yaml:"-" json:"molecule"`
	Indication   string `yaml:"indication" json:"indication"`
	Type         string `yaml:"type" json:"patent_type"`
	Priority     string `yaml:"priority" json:"priority"`
	Inventors    string `yaml:"inventors" json:"inventor_names"`
}

// ClinicalTrial is a registered study involving a molecule.
type ClinicalTrial struct {
	NCTID              string `yaml:"nct_id" json:"nct_id"`
	Title              string `yaml:"title" json:"title"`
	Phase              string `yaml:"phase" json:"phase"`
	Status             string `yaml:"status" json:"status"`
	Sponsor            string `yaml:"sponsor" json:"sponsor"`
	Molecule           string `yaml:"-" json:"molecule"`
	Indication         string `yaml:"indication" json:"indication"`
	Enrollment         int    `yaml:"enrollment" json:"enrollment_count"`
	StartDate          string `yaml:"start_date" json:"start_date"`
	CompletionDate     string `yaml:"completion_date" json:"completion_date"`
	PrimaryEndpoint    string `yaml:"primary_endpoint" json:"primary_endpoint"`
	SecondaryEndpoints string `yaml:"secondary_endpoints" json:"secondary_endpoints"`
	StudyType          string `yaml:"study_type" json:"study_type"`
	Allocation         string `yaml:"allocation" json:"allocation"`
	Masking            string `yaml:"masking" json:"masking"`
	Location           string `yaml:"location" json:"location"`
}

// EximTradeRecord is one monthly import or export record.
type EximTradeRecord struct {
	Molecule       string  `yaml:"-" json:"molecule"`
	Country        string  `yaml:"country" json:"country"`
	TradeType      string  `yaml:"trade_type" json:"trade_type"`
	VolumeKg       float64 `yaml:"volume_kg" json:"volume_kg"`
	ValueUSD       float64 `yaml:"value_usd" json:"value_usd"`
	Year           string  `yaml:"year" json:"year"`
	Month          string  `yaml:"month" json:"month"`
	HSCode         string  `yaml:"hs_code" json:"hs_code"`
	Product        string  `yaml:"product" json:"product_description"`
	PartnerCountry string  `yaml:"partner_country" json:"partner_country"`
	UnitPrice      float64 `yaml:"unit_price" json:"unit_price"`
	MarketShare    float64 `yaml:"market_share" json:"market_share"`
	Growth         string  `yaml:"growth" json:"trade_growth"`
}

// Publication is a journal article about a molecule.
type Publication struct {
	Title        string `yaml:"title" json:"title"`
	Authors      string `yaml:"authors" json:"authors"`
	Journal      string `yaml:"journal" json:"journal"`
	Published    string `yaml:"published" json:"publication_date"`
	DOI          string `yaml:"doi" json:"doi"`
	PMID         string `yaml:"pmid" json:"pmid"`
	Abstract     string `yaml:"abstract" json:"abstract_text,omitempty"`
	Molecule     string `yaml:"-" json:"molecule"`
	Indication   string `yaml:"indication" json:"indication"`
	StudyType    string `yaml:"study_type" json:"study_type"`
	Keywords     string `yaml:"keywords" json:"keywords"`
	Citations    int    `yaml:"citations" json:"citation_count"`
	ImpactFactor string `yaml:"impact_factor" json:"impact_factor"`
	URL          string `yaml:"url" json:"url"`
	Relevance    string `yaml:"relevance" json:"relevance_score"`
}

// Dataset is the reference data the built-in agents read from, keyed by
// canonical molecule name.
type Dataset struct {
	Market         map[string]MarketData        `yaml:"market"`
	Patents        map[string][]Patent          `yaml:"patents"`
	ClinicalTrials map[string][]ClinicalTrial   `yaml:"clinical_trials"`
	EximTrades     map[string][]EximTradeRecord `yaml:"exim_trades"`
	Publications   map[string][]Publication     `yaml:"publications"`
}

// LoadDataset returns the embedded reference dataset.
func LoadDataset() (*Dataset, error) {
	return ParseDataset(datasetYAML)
}

// ParseDataset decodes a dataset document and stamps each record with the
// molecule it is filed under.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("agents: parse dataset: %w", err)
	}
	for m, md := range ds.Market {
		md.Molecule = m
		ds.Market[m] = md
	}
	for m, items := range ds.Patents {
		for i := range items {
			items[i].Molecule = m
		}
	}
	for m, items := range ds.ClinicalTrials {
		for i := range items {
			items[i].Molecule = m
		}
	}
	for m, items := range ds.EximTrades {
		for i := range items {
			items[i].Molecule = m
		}
	}
	for m, items := range ds.Publications {
		for i := range items {
			items[i].Molecule = m
		}
	}
	return &ds, nil
}

// MarketFor returns the market data for molecule, if any.
func (d *Dataset) MarketFor(molecule string) (MarketData, bool) {
	md, ok := d.Market[molecule]
	return md, ok
}
