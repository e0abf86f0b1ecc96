package intake

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pulsar-assistant/internal/domain"
)

const salesCSV = "Product,Revenue,Cost\nA,100,40\nB,200,50\nA,50,10\n"

func TestIngest_CSV(t *testing.T) {
	ds, err := New(0).Ingest("sales.csv", []byte(salesCSV), "text/csv")
	require.NoError(t, err)
	require.Equal(t, domain.DatasetTabular, ds.Kind)
	require.Equal(t, "sales.csv", ds.Name)
	require.Equal(t, []string{"Product", "Revenue", "Cost"}, ds.Columns)
	require.Equal(t, 3, ds.RowCount)
	require.Equal(t, 3, ds.ColumnCount)
	require.Equal(t, []string{"B", "200", "50"}, ds.Rows[1])
}

func TestIngest_CSVWithBOMAndExtension(t *testing.T) {
	ds, err := New(0).Ingest("x", []byte("\xef\xbb\xbf"+salesCSV), "upload.CSV")
	require.NoError(t, err)
	require.Equal(t, "Product", ds.Columns[0])
}

func TestIngest_BinaryDeclaredCSV(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err := New(0).Ingest("image.csv", png, "csv")
	require.ErrorIs(t, err, domain.ErrParse)
	require.True(t, IsIngestError(err))
}

func TestIngest_RaggedCSV(t *testing.T) {
	_, err := New(0).Ingest("bad.csv", []byte("a,b\n1,2,3\n"), "csv")
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestIngest_EmptyHeaderColumn(t *testing.T) {
	_, err := New(0).Ingest("bad.csv", []byte("a,,c\n1,2,3\n"), "csv")
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestIngest_UnsupportedFormat(t *testing.T) {
	_, err := New(0).Ingest("photo.png", []byte("whatever"), "image/png")
	require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestIngest_TooLarge(t *testing.T) {
	_, err := New(8).Ingest("big.csv", []byte(salesCSV), "csv")
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestIngest_Empty(t *testing.T) {
	_, err := New(0).Ingest("empty.csv", nil, "csv")
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestIngest_PlainTextDocument(t *testing.T) {
	text := "Pulsar sells widgets.\n\nWe ship worldwide.\n"
	ds, err := New(0).Ingest("brief.txt", []byte(text), "text/plain; charset=utf-8")
	require.NoError(t, err)
	require.Equal(t, domain.DatasetDocument, ds.Kind)
	require.Equal(t, 6, ds.WordCount)
	require.Equal(t, 2, ds.RowCount)
}

func TestIngest_CorruptPDF(t *testing.T) {
	_, err := New(0).Ingest("doc.pdf", []byte(strings.Repeat("not a pdf ", 10)), "application/pdf")
	require.ErrorIs(t, err, domain.ErrParse)
}
