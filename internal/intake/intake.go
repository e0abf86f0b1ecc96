// Package intake turns raw uploads into in-memory datasets.
package intake

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"pulsar-assistant/internal/domain"
)

const defaultMaxBytes = 10 << 20

type format int

const (
	formatUnknown format = iota
	formatCSV
	formatPDF
	formatText
)

// Intake parses uploads. The zero value is not usable; use New.
type Intake struct {
	maxBytes int
}

// New returns an Intake that rejects uploads larger than maxBytes
// (10 MiB when maxBytes <= 0).
func New(maxBytes int) *Intake {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Intake{maxBytes: maxBytes}
}

// Ingest parses data according to declaredType, which may be a MIME type, a
// bare extension ("csv") or a file name ("sales.csv"). Ingestion is
// all-or-nothing: on error no dataset is returned.
func (in *Intake) Ingest(name string, data []byte, declaredType string) (domain.Dataset, error) {
	f := detectFormat(declaredType)
	if f == formatUnknown {
		return domain.Dataset{}, fmt.Errorf("intake: %w: %q", domain.ErrUnsupportedFormat, declaredType)
	}
	if len(data) == 0 {
		return domain.Dataset{}, fmt.Errorf("intake: %w: empty upload", domain.ErrParse)
	}
	if len(data) > in.maxBytes {
		return domain.Dataset{}, fmt.Errorf("intake: %w: upload exceeds %d bytes", domain.ErrParse, in.maxBytes)
	}

	var (
		ds  domain.Dataset
		err error
	)
	switch f {
	case formatCSV:
		ds, err = parseCSV(data)
	case formatPDF:
		ds, err = parsePDF(data)
	case formatText:
		ds, err = parseText(data)
	}
	if err != nil {
		return domain.Dataset{}, err
	}
	ds.Name = name
	return ds, nil
}

func detectFormat(declared string) format {
	t := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "text/csv", "application/csv", "application/vnd.ms-excel":
		return formatCSV
	case "application/pdf":
		return formatPDF
	case "text/plain":
		return formatText
	}
	ext := strings.TrimPrefix(path.Ext(t), ".")
	if ext == "" {
		ext = t
	}
	switch ext {
	case "csv":
		return formatCSV
	case "pdf":
		return formatPDF
	case "txt", "text":
		return formatText
	}
	return formatUnknown
}

func checkText(data []byte) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("intake: %w: content is not valid UTF-8 text", domain.ErrParse)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return fmt.Errorf("intake: %w: content contains binary data", domain.ErrParse)
	}
	return nil
}

func parseCSV(data []byte) (domain.Dataset, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := checkText(data); err != nil {
		return domain.Dataset{}, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("intake: %w: %v", domain.ErrParse, err)
	}
	if len(records) == 0 {
		return domain.Dataset{}, fmt.Errorf("intake: %w: missing header row", domain.ErrParse)
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			return domain.Dataset{}, fmt.Errorf("intake: %w: empty column name at position %d", domain.ErrParse, i+1)
		}
		header[i] = h
	}
	rows := records[1:]
	return domain.Dataset{
		Kind:        domain.DatasetTabular,
		Columns:     header,
		Rows:        rows,
		RowCount:    len(rows),
		ColumnCount: len(header),
	}, nil
}

func parseText(data []byte) (domain.Dataset, error) {
	if err := checkText(data); err != nil {
		return domain.Dataset{}, err
	}
	return documentDataset(string(data)), nil
}

func parsePDF(data []byte) (ds domain.Dataset, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			ds = domain.Dataset{}
			err = fmt.Errorf("intake: %w: corrupt pdf: %v", domain.ErrParse, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("intake: %w: %v", domain.ErrParse, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("intake: %w: extract pdf text: %v", domain.ErrParse, err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("intake: %w: read pdf text: %v", domain.ErrParse, err)
	}
	return documentDataset(string(text)), nil
}

func documentDataset(text string) domain.Dataset {
	lines := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	return domain.Dataset{
		Kind:      domain.DatasetDocument,
		Text:      text,
		RowCount:  lines,
		WordCount: len(strings.Fields(text)),
	}
}

// IsIngestError reports whether err is one of the ingestion failures that the
// user may fix by uploading again.
func IsIngestError(err error) bool {
	return errors.Is(err, domain.ErrUnsupportedFormat) || errors.Is(err, domain.ErrParse)
}
