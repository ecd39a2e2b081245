package resolve

import (
	"strings"

	"github.com/queryloom/queryloom/internal/catalog"
)

const defaultThreshold = 0.7

// Resolver corrects model-proposed table and column names against the
// canonical catalog.
type Resolver struct {
	catalog   *catalog.Catalog
	threshold float64
}

func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{catalog: cat, threshold: defaultThreshold}
}

// Resolution is the outcome of a fuzzy pass: corrected tables in input
// order, the column map rekeyed through the corrections, and the set of
// candidates dropped because no canonical name cleared the threshold.
type Resolution struct {
	Tables      []string
	Columns     map[string][]string
	Corrections map[string]string
	Dropped     []string
}

func (r *Resolver) Resolve(tables []string, columns map[string][]string) Resolution {
	resolution := Resolution{
		Tables:      make([]string, 0, len(tables)),
		Columns:     map[string][]string{},
		Corrections: map[string]string{},
	}

	seen := map[string]struct{}{}
	for _, candidate := range tables {
		name := StripQuotes(strings.TrimSpace(candidate))
		if name == "" {
			continue
		}

		resolved := name
		if !r.catalog.HasTable(name) {
			match, ok := r.closestMatch(name)
			if !ok {
				resolution.Dropped = append(resolution.Dropped, name)
				continue
			}
			resolution.Corrections[name] = match
			resolved = match
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		resolution.Tables = append(resolution.Tables, resolved)
	}

	for candidate, cols := range columns {
		key := StripQuotes(strings.TrimSpace(candidate))
		if corrected, ok := resolution.Corrections[key]; ok {
			key = corrected
		}
		if _, ok := seen[key]; !ok {
			continue
		}
		quoted := make([]string, 0, len(cols))
		for _, col := range cols {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			quoted = append(quoted, QuoteColumn(col))
		}
		resolution.Columns[key] = quoted
	}

	return resolution
}

func (r *Resolver) closestMatch(candidate string) (string, bool) {
	best := ""
	bestRatio := 0.0
	for _, canonical := range r.catalog.CanonicalTables() {
		ratio := Ratio(strings.ToLower(candidate), strings.ToLower(canonical))
		if ratio > bestRatio {
			best, bestRatio = canonical, ratio
		}
	}
	if bestRatio < r.threshold {
		return "", false
	}
	return best, true
}

// StripQuotes removes one wrapping single or double quote pair.
func StripQuotes(name string) string {
	if len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return name[1 : len(name)-1]
		}
	}
	return name
}

// QuoteColumn wraps a column name in double quotes unless it is already
// fully quoted. Applying it twice is a no-op.
func QuoteColumn(column string) string {
	if len(column) >= 2 {
		first, last := column[0], column[len(column)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return column
		}
	}
	return `"` + column + `"`
}
