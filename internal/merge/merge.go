// Package merge applies partial step-progress updates to accumulated run state.
package merge

import "github.com/jonathan/catalog-sync/internal/types"

// Merge returns base with patch applied recursively. When both the existing value and the
// patch value are objects they are merged key by key; any other patch value (array,
// scalar, explicit nil) replaces the existing value. Keys absent from patch are kept.
// Neither argument is modified and the result shares no maps or slices with them.
func Merge(base, patch map[string]any) map[string]any {
	out := types.CloneDocument(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for key, pv := range patch {
		pm, patchIsObject := asObject(pv)
		bm, baseIsObject := asObject(out[key])
		if patchIsObject && baseIsObject {
			out[key] = Merge(bm, pm)
			continue
		}
		out[key] = types.CloneValue(pv)
	}
	return out
}

// Steps merges a single named step patch into the steps document without touching
// sibling steps.
func Steps(steps types.Steps, step string, patch map[string]any) types.Steps {
	return types.Steps(Merge(steps, map[string]any{step: patch}))
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, t != nil
	case types.Steps:
		return t, t != nil
	}
	return nil, false
}
