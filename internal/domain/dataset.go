package domain

// DatasetKind distinguishes row/column uploads from flat documents.
type DatasetKind string

const (
	DatasetTabular  DatasetKind = "tabular"
	DatasetDocument DatasetKind = "document"
)

// Dataset is an ingested upload. It lives only for the cycle that received
// it; only its summary is persisted.
type Dataset struct {
	Kind    DatasetKind
	Name    string
	Columns []string
	Rows    [][]string
	Text    string

	RowCount    int
	ColumnCount int
	WordCount   int
}

// SalesReport is the result of analysing a Product/Revenue/Cost table.
type SalesReport struct {
	MostSoldProduct       string `json:"most_sold_product"`
	HighestMarginProduct  string `json:"highest_margin_product"`
	MostRevenueProduct    string `json:"most_revenue_product"`
	MostProfitableProduct string `json:"most_profitable_product"`
}

// ColumnStats summarises a numeric column.
type ColumnStats struct {
	Name string  `json:"name"`
	Sum  float64 `json:"sum"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// DatasetSummary is the generic report for uploads that are not sales tables.
type DatasetSummary struct {
	Kind    DatasetKind   `json:"kind"`
	Rows    int           `json:"rows"`
	Columns int           `json:"columns"`
	Words   int           `json:"words,omitempty"`
	Numeric []ColumnStats `json:"numeric,omitempty"`
	Headers []string      `json:"headers,omitempty"`
}
