// Package dataset fetches the remote tabular dataset that gets indexed into
// the search engine. The dataset is a CSV file reachable over HTTP; each row
// contributes one document (an identifier plus a text field). Rows live
// entirely in memory — they are mutated in place when embeddings are
// computed and have no further lifecycle beyond being submitted for indexing.
package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Row is a single dataset record.
type Row struct {
	// ID is the unique identifier for this row. Rows without an id column
	// value are assigned a generated UUID.
	ID string

	// Text is the content to be indexed and retrieved over.
	Text string

	// Embedding is the dense vector for Text. Nil until computed by the
	// embedding batcher; only the external-embedding path populates it.
	Embedding []float32
}

// Loader fetches CSV datasets over HTTP.
type Loader struct {
	// idColumn is the CSV header name of the identifier column.
	idColumn string

	// textColumn is the CSV header name of the text column.
	textColumn string

	// limit caps the number of rows returned (0 = all).
	limit int

	// client is the HTTP client used for the fetch.
	client *http.Client
}

// NewLoader constructs a Loader. Empty column names default to "id"/"text".
func NewLoader(idColumn, textColumn string, limit int) *Loader {
	if idColumn == "" {
		idColumn = "id"
	}
	if textColumn == "" {
		textColumn = "text"
	}
	return &Loader{
		idColumn:   idColumn,
		textColumn: textColumn,
		limit:      limit,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// Fetch downloads the CSV at url and parses it into rows. The first record
// is treated as the header. Rows with an empty text cell are skipped; rows
// with an empty or missing id cell get a generated UUID.
func (l *Loader) Fetch(ctx context.Context, url string) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset: creating request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, text/plain")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataset: fetch failed for %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataset: unexpected status %d for %s", resp.StatusCode, url)
	}

	rows, err := l.parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dataset: parsing %s: %w", url, err)
	}
	return rows, nil
}

// parse reads CSV records from r and converts them into rows.
func (l *Loader) parse(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty dataset")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	idIdx, textIdx := -1, -1
	for i, name := range header {
		switch name {
		case l.idColumn:
			idIdx = i
		case l.textColumn:
			textIdx = i
		}
	}
	if textIdx < 0 {
		return nil, fmt.Errorf("text column %q not found in header %v", l.textColumn, header)
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}
		if textIdx >= len(rec) || rec[textIdx] == "" {
			continue
		}

		id := ""
		if idIdx >= 0 && idIdx < len(rec) {
			id = rec[idIdx]
		}
		if id == "" {
			id = uuid.NewString()
		}

		rows = append(rows, Row{ID: id, Text: rec[textIdx]})
		if l.limit > 0 && len(rows) >= l.limit {
			break
		}
	}

	return rows, nil
}

// Texts returns the text field of every row, in row order. The returned
// slice is parallel to rows so embeddings computed from it can be written
// back by index.
func Texts(rows []Row) []string {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Text
	}
	return texts
}

// AttachEmbeddings writes embeddings back onto rows in place. The two slices
// must be parallel: embeddings[i] is the vector for rows[i].
func AttachEmbeddings(rows []Row, embeddings [][]float32) error {
	if len(rows) != len(embeddings) {
		return fmt.Errorf("dataset: %d rows but %d embeddings", len(rows), len(embeddings))
	}
	for i := range rows {
		rows[i].Embedding = embeddings[i]
	}
	return nil
}
