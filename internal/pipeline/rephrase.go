package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var monthPattern = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)\b`)

var monthNames = map[string]string{
	"jan":  "January",
	"feb":  "February",
	"mar":  "March",
	"apr":  "April",
	"jun":  "June",
	"jul":  "July",
	"aug":  "August",
	"sep":  "September",
	"sept": "September",
	"oct":  "October",
	"nov":  "November",
	"dec":  "December",
}

type location struct {
	name string
	kind string
}

// Rephraser normalizes an incoming question before any model call: bare
// location names get their type label, month abbreviations expand to
// full names, and known metric phrases gain their implied unit. Every
// transform is best-effort; unmatched input passes through unchanged.
type Rephraser struct {
	locations []location
}

// NewRephraser builds a rephraser from a name-to-type map. Longer names
// are labeled first so "Nagpur East" wins over "Nagpur".
func NewRephraser(locations map[string]string) *Rephraser {
	entries := make([]location, 0, len(locations))
	for name, kind := range locations {
		name = strings.TrimSpace(name)
		kind = strings.TrimSpace(kind)
		if name == "" || kind == "" {
			continue
		}
		entries = append(entries, location{name: name, kind: strings.ToLower(kind)})
	}
	sort.Slice(entries, func(a, b int) bool {
		if len(entries[a].name) != len(entries[b].name) {
			return len(entries[a].name) > len(entries[b].name)
		}
		return entries[a].name < entries[b].name
	})
	return &Rephraser{locations: entries}
}

func (r *Rephraser) Rephrase(question string) string {
	out := r.labelLocations(question)
	out = expandMonths(out)
	out = insertAmountQualifier(out)
	return out
}

type span struct{ start, end int }

func (r *Rephraser) labelLocations(question string) string {
	lowered := strings.ToLower(question)
	var claimed []span
	var edits []struct {
		span
		text string
	}

	for _, loc := range r.locations {
		needle := strings.ToLower(loc.name)
		offset := 0
		for {
			idx := strings.Index(lowered[offset:], needle)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(needle)
			offset = end

			if !isWordBoundary(lowered, start, end) || overlaps(claimed, start, end) {
				continue
			}
			if precededByLabel(lowered, start, loc.kind) {
				claimed = append(claimed, span{start, end})
				continue
			}
			claimed = append(claimed, span{start, end})
			edits = append(edits, struct {
				span
				text string
			}{span{start, end}, loc.kind + " " + question[start:end]})
		}
	}

	if len(edits) == 0 {
		return question
	}
	sort.Slice(edits, func(a, b int) bool { return edits[a].start > edits[b].start })
	out := question
	for _, edit := range edits {
		out = out[:edit.start] + edit.text + out[edit.end:]
	}
	return out
}

func isWordBoundary(s string, start, end int) bool {
	if start > 0 && isWordRune(rune(s[start-1])) {
		return false
	}
	if end < len(s) && isWordRune(rune(s[end])) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func overlaps(claimed []span, start, end int) bool {
	for _, c := range claimed {
		if start < c.end && end > c.start {
			return true
		}
	}
	return false
}

func precededByLabel(lowered string, start int, kind string) bool {
	before := strings.TrimRight(lowered[:start], " ")
	return strings.HasSuffix(before, kind)
}

func expandMonths(question string) string {
	return monthPattern.ReplaceAllStringFunc(question, func(match string) string {
		if full, ok := monthNames[strings.ToLower(match)]; ok {
			return full
		}
		return match
	})
}

// insertAmountQualifier appends "amount" to a bare disbursement-total
// phrase so the model aggregates the amount column, not row counts.
func insertAmountQualifier(question string) string {
	const phrase = "total disbursement"
	offset := 0
	out := question
	for {
		lowered := strings.ToLower(out)
		idx := strings.Index(lowered[offset:], phrase)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(phrase)
		offset = end
		rest := strings.TrimLeft(lowered[end:], " ")
		if strings.HasPrefix(rest, "amount") {
			continue
		}
		if !isWordBoundary(lowered, start, end) {
			continue
		}
		out = out[:end] + " amount" + out[end:]
		offset = end + len(" amount")
	}
	return out
}

// DefaultLocations covers the branch network's geography. Deployments
// with their own hierarchy pass a custom map to NewRephraser.
func DefaultLocations() map[string]string {
	return map[string]string{
		"Maharashtra":  "state",
		"Gujarat":      "state",
		"Karnataka":    "state",
		"Pune":         "district",
		"Nagpur":       "district",
		"Nashik":       "district",
		"Aurangabad":   "district",
		"Ahmedabad":    "district",
		"Belgaum":      "district",
		"Nagpur East":  "branch",
		"Pune Main":    "branch",
		"Nashik City":  "branch",
		"Western Zone": "zone",
		"Central Zone": "zone",
	}
}
