package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/queryloom/queryloom/internal/storage"
)

var ErrTableNotFound = errors.New("catalog: table not found")

// LoadError marks a reference source that could not be parsed into the
// expected shape. It is fatal at process startup.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load reference %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type TableDescriptor struct {
	Name            string
	Columns         []string
	Confidentiality string
}

type JoinInstruction struct {
	FromTable   string `json:"from_table"`
	ToTable     string `json:"to_table"`
	Instruction string `json:"instruction"`
}

type Keys struct {
	Tables     string
	Columns    string
	JoinMatrix string
}

// Catalog is the immutable snapshot of canonical table names, column
// metadata, and the pairwise join-instruction matrix. Built once at
// startup, safe for concurrent reads.
type Catalog struct {
	tables map[string]TableDescriptor
	names  []string
	joins  map[string]map[string]string
}

func Load(ctx context.Context, store storage.ObjectStore, keys Keys) (*Catalog, error) {
	tablesReader, err := store.Get(ctx, keys.Tables)
	if err != nil {
		return nil, &LoadError{Source: "tables", Err: err}
	}
	names, err := parseTables(tablesReader)
	_ = tablesReader.Close()
	if err != nil {
		return nil, &LoadError{Source: "tables", Err: err}
	}

	columnsReader, err := store.Get(ctx, keys.Columns)
	if err != nil {
		return nil, &LoadError{Source: "columns", Err: err}
	}
	descriptors, err := parseColumns(columnsReader)
	_ = columnsReader.Close()
	if err != nil {
		return nil, &LoadError{Source: "columns", Err: err}
	}

	matrixReader, err := store.Get(ctx, keys.JoinMatrix)
	if err != nil {
		return nil, &LoadError{Source: "join matrix", Err: err}
	}
	joins, err := parseJoinMatrix(matrixReader)
	_ = matrixReader.Close()
	if err != nil {
		return nil, &LoadError{Source: "join matrix", Err: err}
	}

	return New(names, descriptors, joins)
}

// New builds a catalog from already-parsed sources.
func New(names []string, descriptors map[string]TableDescriptor, joins map[string]map[string]string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, &LoadError{Source: "tables", Err: fmt.Errorf("no canonical tables")}
	}
	cat := &Catalog{
		tables: make(map[string]TableDescriptor, len(names)),
		names:  make([]string, 0, len(names)),
		joins:  joins,
	}
	if cat.joins == nil {
		cat.joins = map[string]map[string]string{}
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := cat.tables[name]; ok {
			continue
		}
		descriptor, ok := descriptors[name]
		if !ok {
			descriptor = TableDescriptor{Name: name}
		}
		descriptor.Name = name
		cat.tables[name] = descriptor
		cat.names = append(cat.names, name)
	}
	sort.Strings(cat.names)
	return cat, nil
}

// CanonicalTables returns the sorted canonical table names.
func (c *Catalog) CanonicalTables() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Catalog) HasTable(name string) bool {
	_, ok := c.tables[name]
	return ok
}

func (c *Catalog) Descriptor(name string) (TableDescriptor, error) {
	descriptor, ok := c.tables[name]
	if !ok {
		return TableDescriptor{}, ErrTableNotFound
	}
	return descriptor, nil
}

func (c *Catalog) ColumnsFor(name string) []string {
	descriptor, ok := c.tables[name]
	if !ok {
		return nil
	}
	out := make([]string, len(descriptor.Columns))
	copy(out, descriptor.Columns)
	return out
}

// JoinInstructions restricts the join matrix to the given tables, skipping
// self-pairs and blank or "NA" cells. Results are sorted by
// (FromTable, ToTable) so the output is deterministic.
func (c *Catalog) JoinInstructions(tables []string) []JoinInstruction {
	selected := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		table = strings.ToLower(strings.TrimSpace(table))
		if table != "" {
			selected[table] = struct{}{}
		}
	}

	out := make([]JoinInstruction, 0)
	for from := range selected {
		row, ok := c.joins[from]
		if !ok {
			continue
		}
		for to := range selected {
			if from == to {
				continue
			}
			instruction := strings.TrimSpace(row[to])
			if instruction == "" || strings.EqualFold(instruction, "NA") {
				continue
			}
			out = append(out, JoinInstruction{FromTable: from, ToTable: to, Instruction: instruction})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FromTable != out[j].FromTable {
			return out[i].FromTable < out[j].FromTable
		}
		return out[i].ToTable < out[j].ToTable
	})
	return out
}

func parseTables(r io.Reader) ([]string, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("expected a header row and at least one table")
	}
	nameIndex := columnIndex(records[0], "table_name")
	if nameIndex < 0 {
		nameIndex = 0
	}
	names := make([]string, 0, len(records)-1)
	for _, record := range records[1:] {
		if nameIndex >= len(record) {
			continue
		}
		name := strings.TrimSpace(record[nameIndex])
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no table names found")
	}
	return names, nil
}

func parseColumns(r io.Reader) (map[string]TableDescriptor, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("expected a header row")
	}
	header := records[0]
	tableIndex := columnIndex(header, "table_name")
	columnIdx := columnIndex(header, "column_name")
	tierIndex := columnIndex(header, "confidentiality_tier")
	if tableIndex < 0 || columnIdx < 0 {
		return nil, fmt.Errorf("header must contain table_name and column_name")
	}

	descriptors := map[string]TableDescriptor{}
	for _, record := range records[1:] {
		if tableIndex >= len(record) || columnIdx >= len(record) {
			continue
		}
		table := strings.TrimSpace(record[tableIndex])
		column := strings.TrimSpace(record[columnIdx])
		if table == "" || column == "" {
			continue
		}
		descriptor := descriptors[table]
		descriptor.Name = table
		descriptor.Columns = append(descriptor.Columns, column)
		if tierIndex >= 0 && tierIndex < len(record) {
			if tier := strings.TrimSpace(record[tierIndex]); tier != "" {
				descriptor.Confidentiality = tier
			}
		}
		descriptors[table] = descriptor
	}
	return descriptors, nil
}

func parseJoinMatrix(r io.Reader) (map[string]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("expected a header row and at least one matrix row")
	}

	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("matrix header must name at least one table")
	}
	columnNames := make([]string, len(header))
	for i := 1; i < len(header); i++ {
		columnNames[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	joins := map[string]map[string]string{}
	for _, record := range records[1:] {
		if len(record) < 1 {
			continue
		}
		from := strings.ToLower(strings.TrimSpace(record[0]))
		if from == "" {
			continue
		}
		row := map[string]string{}
		for i := 1; i < len(record) && i < len(columnNames); i++ {
			to := columnNames[i]
			if to == "" {
				continue
			}
			row[to] = strings.TrimSpace(record[i])
		}
		joins[from] = row
	}
	return joins, nil
}

func columnIndex(header []string, name string) int {
	for i, candidate := range header {
		if strings.EqualFold(strings.TrimSpace(candidate), name) {
			return i
		}
	}
	return -1
}
