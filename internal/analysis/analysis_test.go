package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pulsar-assistant/internal/domain"
)

func table(columns []string, rows ...[]string) domain.Dataset {
	return domain.Dataset{
		Kind:        domain.DatasetTabular,
		Columns:     columns,
		Rows:        rows,
		RowCount:    len(rows),
		ColumnCount: len(columns),
	}
}

func salesTable(rows ...[]string) domain.Dataset {
	return table([]string{"Product", "Revenue", "Cost"}, rows...)
}

func TestAnalyze_ReferenceDataset(t *testing.T) {
	report, err := Analyze(salesTable(
		[]string{"A", "100", "40"},
		[]string{"B", "200", "50"},
		[]string{"A", "50", "10"},
	))
	require.NoError(t, err)
	// A appears twice; B has the largest single-row margin (150), the
	// largest revenue total (200 vs 150) and the largest profit (150 vs 100).
	require.Equal(t, domain.SalesReport{
		MostSoldProduct:       "A",
		HighestMarginProduct:  "B",
		MostRevenueProduct:    "B",
		MostProfitableProduct: "B",
	}, report)
}

func TestAnalyze_TiesPreferFirstEncountered(t *testing.T) {
	report, err := Analyze(salesTable(
		[]string{"Zeta", "100", "50"},
		[]string{"Alpha", "100", "50"},
	))
	require.NoError(t, err)
	require.Equal(t, "Zeta", report.MostSoldProduct)
	require.Equal(t, "Zeta", report.HighestMarginProduct)
	require.Equal(t, "Zeta", report.MostRevenueProduct)
	require.Equal(t, "Zeta", report.MostProfitableProduct)
}

func TestAnalyze_HeaderMatchingIsLenient(t *testing.T) {
	ds := table([]string{" cost", "PRODUCT", "Revenue "},
		[]string{"1", "A", "$1,000"},
	)
	report, err := Analyze(ds)
	require.NoError(t, err)
	require.Equal(t, "A", report.MostRevenueProduct)
}

func TestAnalyze_MissingColumns(t *testing.T) {
	_, err := Analyze(table([]string{"Product", "Revenue"}, []string{"A", "1"}))
	require.ErrorIs(t, err, domain.ErrSchema)
	require.Contains(t, err.Error(), "cost")
}

func TestAnalyze_NonNumeric(t *testing.T) {
	_, err := Analyze(salesTable([]string{"A", "lots", "1"}))
	require.ErrorIs(t, err, domain.ErrSchema)
}

func TestAnalyze_NoRowsOrDocument(t *testing.T) {
	_, err := Analyze(salesTable())
	require.ErrorIs(t, err, domain.ErrSchema)

	_, err = Analyze(domain.Dataset{Kind: domain.DatasetDocument})
	require.ErrorIs(t, err, domain.ErrSchema)
}

func TestSummarize_Tabular(t *testing.T) {
	sum := Summarize(table([]string{"Region", "Units"},
		[]string{"north", "4"},
		[]string{"south", "6"},
	))
	require.Equal(t, 2, sum.Rows)
	require.Equal(t, 2, sum.Columns)
	require.Len(t, sum.Numeric, 1)
	require.Equal(t, domain.ColumnStats{Name: "Units", Sum: 10, Min: 4, Max: 6, Mean: 5}, sum.Numeric[0])
}

func TestSummarize_Document(t *testing.T) {
	sum := Summarize(domain.Dataset{Kind: domain.DatasetDocument, RowCount: 3, WordCount: 42})
	require.Equal(t, 42, sum.Words)
	require.Empty(t, sum.Numeric)
}
