package retrieval

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/queryloom/queryloom/internal/storage"
)

// ExampleRecord is one worked question/SQL pair. Index is its row
// position in the corpus and serves as the retrieval key.
type ExampleRecord struct {
	Index    int
	Question string
	SQL      string
}

type corpusRow struct {
	Question string `parquet:"question"`
	SQL      string `parquet:"sql"`
}

// LoadCorpus reads the example corpus from the object store. Keys ending
// in .parquet are decoded as Parquet, everything else as CSV with
// question and sql columns.
func LoadCorpus(ctx context.Context, store storage.ObjectStore, key string) ([]ExampleRecord, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get corpus %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	if strings.HasSuffix(strings.ToLower(key), ".parquet") {
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read corpus %q: %w", key, err)
		}
		return DecodeParquetCorpus(data)
	}
	return DecodeCSVCorpus(reader)
}

func DecodeCSVCorpus(r io.Reader) ([]ExampleRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read corpus csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("corpus must have a header row and at least one example")
	}

	header := records[0]
	questionIndex, sqlIndex := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "question":
			questionIndex = i
		case "sql":
			sqlIndex = i
		}
	}
	if questionIndex < 0 || sqlIndex < 0 {
		return nil, fmt.Errorf("corpus header must contain question and sql")
	}

	examples := make([]ExampleRecord, 0, len(records)-1)
	for _, record := range records[1:] {
		if questionIndex >= len(record) || sqlIndex >= len(record) {
			continue
		}
		question := strings.TrimSpace(record[questionIndex])
		sqlText := strings.TrimSpace(record[sqlIndex])
		if question == "" || sqlText == "" {
			continue
		}
		examples = append(examples, ExampleRecord{Index: len(examples), Question: question, SQL: sqlText})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("corpus has no usable examples")
	}
	return examples, nil
}

func DecodeParquetCorpus(data []byte) ([]ExampleRecord, error) {
	rows, err := parquet.Read[corpusRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read corpus parquet: %w", err)
	}
	examples := make([]ExampleRecord, 0, len(rows))
	for _, row := range rows {
		question := strings.TrimSpace(row.Question)
		sqlText := strings.TrimSpace(row.SQL)
		if question == "" || sqlText == "" {
			continue
		}
		examples = append(examples, ExampleRecord{Index: len(examples), Question: question, SQL: sqlText})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("corpus has no usable examples")
	}
	return examples, nil
}

// EncodeParquetCorpus writes examples as a Parquet blob suitable for
// publishing to the object store under a .parquet corpus key.
func EncodeParquetCorpus(examples []ExampleRecord) ([]byte, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("examples are required")
	}
	rows := make([]corpusRow, 0, len(examples))
	for _, example := range examples {
		rows = append(rows, corpusRow{Question: example.Question, SQL: example.SQL})
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[corpusRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
