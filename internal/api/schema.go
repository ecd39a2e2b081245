package api

import (
	"net/http"
	"strings"

	"github.com/queryloom/queryloom/internal/catalog"
)

type tableView struct {
	Name            string   `json:"name"`
	Columns         []string `json:"columns"`
	Confidentiality string   `json:"confidentiality,omitempty"`
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "reference catalog is not configured", false, nil)
		return
	}

	names := deps.Catalog.CanonicalTables()
	tables := make([]tableView, 0, len(names))
	for _, name := range names {
		descriptor, err := deps.Catalog.Descriptor(name)
		if err != nil {
			continue
		}
		tables = append(tables, tableView{
			Name:            descriptor.Name,
			Columns:         descriptor.Columns,
			Confidentiality: descriptor.Confidentiality,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func handleListJoins(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Joins == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "join resolver is not configured", false, nil)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("tables"))
	if raw == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLES_REQUIRED", "tables query parameter is required", false, nil)
		return
	}
	tables := make([]string, 0)
	for _, table := range strings.Split(raw, ",") {
		table = strings.TrimSpace(table)
		if table != "" {
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLES_REQUIRED", "tables query parameter is required", false, nil)
		return
	}

	joins := deps.Joins.Resolve(tables)
	if joins == nil {
		joins = []catalog.JoinInstruction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"joins": joins})
}
