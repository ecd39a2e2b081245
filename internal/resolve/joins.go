package resolve

import "github.com/queryloom/queryloom/internal/catalog"

// JoinResolver expands a resolved table set into directed join
// instructions from the catalog matrix. It exists separately from the
// fuzzy resolver because join-path correctness is its own testable
// concern.
type JoinResolver struct {
	catalog *catalog.Catalog
}

func NewJoinResolver(cat *catalog.Catalog) *JoinResolver {
	return &JoinResolver{catalog: cat}
}

func (r *JoinResolver) Resolve(tables []string) []catalog.JoinInstruction {
	if len(tables) == 0 {
		return nil
	}
	return r.catalog.JoinInstructions(tables)
}
