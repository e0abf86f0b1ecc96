package conversation

import (
	"errors"
	"fmt"
	"strings"

	"pulsar-assistant/internal/domain"
)

const (
	unsupportedFormatText = "Sorry, I can only read CSV, PDF or plain-text files. Please upload your product data in a CSV file."
	parseFailureText      = "Sorry, I couldn't read that file. Please check that it is a valid CSV and upload it again."
	schemaFailureText     = "Your file needs Product, Revenue and Cost columns with numeric values. Please fix it and upload it again."
	freeformInviteText    = "You can now ask me anything about your business."

	maxDigestRunes = 1500
	digestRows     = 5
)

func ingestFailureText(err error) string {
	if errors.Is(err, domain.ErrUnsupportedFormat) {
		return unsupportedFormatText
	}
	return parseFailureText
}

// FormatReport renders the sales report as a bot message.
func FormatReport(r domain.SalesReport) string {
	return strings.Join([]string{
		reportPrefixText,
		"- Most sold product: " + r.MostSoldProduct,
		"- Highest margin product: " + r.HighestMarginProduct,
		"- Most revenue product: " + r.MostRevenueProduct,
		"- Most profitable product: " + r.MostProfitableProduct,
		freeformInviteText,
	}, "\n")
}

// FormatSummary renders a generic dataset summary as a bot message.
func FormatSummary(name string, s domain.DatasetSummary) string {
	var b strings.Builder
	if s.Kind == domain.DatasetDocument {
		fmt.Fprintf(&b, "Thanks! I read %s: %d words over %d lines.", name, s.Words, s.Rows)
	} else {
		fmt.Fprintf(&b, "Thanks! I received %s with %d rows and %d columns", name, s.Rows, s.Columns)
		if len(s.Headers) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(s.Headers, ", "))
		}
		b.WriteString(".")
		for _, c := range s.Numeric {
			fmt.Fprintf(&b, "\n- %s: total %s, min %s, max %s, average %s",
				c.Name, formatNumber(c.Sum), formatNumber(c.Min), formatNumber(c.Max), formatNumber(c.Mean))
		}
	}
	b.WriteString("\n")
	b.WriteString(freeformInviteText)
	return b.String()
}

func formatNumber(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

// datasetDigest keeps the part of an upload that later replies can quote: the
// opening of a document, or the header and first rows of a table.
func datasetDigest(ds domain.Dataset) string {
	if ds.Kind == domain.DatasetDocument {
		return truncateRunes(strings.Join(strings.Fields(ds.Text), " "), maxDigestRunes)
	}
	lines := []string{strings.Join(ds.Columns, ", ")}
	for i, row := range ds.Rows {
		if i == digestRows {
			lines = append(lines, fmt.Sprintf("(%d more rows)", len(ds.Rows)-digestRows))
			break
		}
		lines = append(lines, strings.Join(row, ", "))
	}
	return truncateRunes(strings.Join(lines, "\n"), maxDigestRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
