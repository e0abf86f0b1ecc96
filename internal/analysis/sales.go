// Package analysis computes reports over ingested datasets.
package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"pulsar-assistant/internal/domain"
)

const (
	colProduct = "product"
	colRevenue = "revenue"
	colCost    = "cost"
)

type productTotals struct {
	count   int
	revenue float64
	profit  float64
}

// Analyze computes the sales report for a table with Product, Revenue and
// Cost columns. Ties are resolved in favour of the product seen first in row
// order.
func Analyze(ds domain.Dataset) (domain.SalesReport, error) {
	if ds.Kind != domain.DatasetTabular {
		return domain.SalesReport{}, fmt.Errorf("analysis: %w: dataset is not tabular", domain.ErrSchema)
	}
	idx, err := columnIndex(ds.Columns, colProduct, colRevenue, colCost)
	if err != nil {
		return domain.SalesReport{}, err
	}
	if len(ds.Rows) == 0 {
		return domain.SalesReport{}, fmt.Errorf("analysis: %w: dataset has no rows", domain.ErrSchema)
	}

	var (
		order      []string
		totals     = make(map[string]*productTotals)
		bestMargin string
		maxMargin  float64
	)
	for i, row := range ds.Rows {
		if len(row) != len(ds.Columns) {
			return domain.SalesReport{}, fmt.Errorf("analysis: %w: row %d has %d fields, want %d", domain.ErrSchema, i+1, len(row), len(ds.Columns))
		}
		product := strings.TrimSpace(row[idx[colProduct]])
		revenue, err := parseNumber(row[idx[colRevenue]], "Revenue", i)
		if err != nil {
			return domain.SalesReport{}, err
		}
		cost, err := parseNumber(row[idx[colCost]], "Cost", i)
		if err != nil {
			return domain.SalesReport{}, err
		}

		margin := revenue - cost
		if i == 0 || margin > maxMargin {
			maxMargin = margin
			bestMargin = product
		}

		t, ok := totals[product]
		if !ok {
			t = &productTotals{}
			totals[product] = t
			order = append(order, product)
		}
		t.count++
		t.revenue += revenue
		t.profit += margin
	}

	return domain.SalesReport{
		MostSoldProduct:       argmax(order, func(p string) float64 { return float64(totals[p].count) }),
		HighestMarginProduct:  bestMargin,
		MostRevenueProduct:    argmax(order, func(p string) float64 { return totals[p].revenue }),
		MostProfitableProduct: argmax(order, func(p string) float64 { return totals[p].profit }),
	}, nil
}

// argmax returns the first key in order with the strictly greatest score.
func argmax(order []string, score func(string) float64) string {
	best := ""
	var bestScore float64
	for i, k := range order {
		s := score(k)
		if i == 0 || s > bestScore {
			best, bestScore = k, s
		}
	}
	return best
}

func columnIndex(columns []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(required))
	for i, c := range columns {
		name := strings.ToLower(strings.TrimSpace(c))
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	var missing []string
	for _, r := range required {
		if _, ok := idx[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("analysis: %w: missing columns %s", domain.ErrSchema, strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseNumber(raw, column string, row int) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("analysis: %w: %s value %q in row %d is not numeric", domain.ErrSchema, column, raw, row+1)
	}
	return v, nil
}
