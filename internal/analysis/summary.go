package analysis

import (
	"strconv"
	"strings"

	"pulsar-assistant/internal/domain"
)

// Summarize describes an arbitrary dataset: its shape and, for tabular data,
// statistics for every column whose values are all numeric.
func Summarize(ds domain.Dataset) domain.DatasetSummary {
	sum := domain.DatasetSummary{
		Kind:    ds.Kind,
		Rows:    ds.RowCount,
		Columns: ds.ColumnCount,
	}
	if ds.Kind == domain.DatasetDocument {
		sum.Words = ds.WordCount
		return sum
	}
	sum.Headers = ds.Columns

	for col, name := range ds.Columns {
		stats, ok := numericColumn(ds.Rows, col)
		if !ok {
			continue
		}
		stats.Name = name
		sum.Numeric = append(sum.Numeric, stats)
	}
	return sum
}

func numericColumn(rows [][]string, col int) (domain.ColumnStats, bool) {
	if len(rows) == 0 {
		return domain.ColumnStats{}, false
	}
	var st domain.ColumnStats
	for i, row := range rows {
		if col >= len(row) {
			return domain.ColumnStats{}, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return domain.ColumnStats{}, false
		}
		if i == 0 || v < st.Min {
			st.Min = v
		}
		if i == 0 || v > st.Max {
			st.Max = v
		}
		st.Sum += v
	}
	st.Mean = st.Sum / float64(len(rows))
	return st, true
}
