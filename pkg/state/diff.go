package state

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// Diff computes the patch list that transforms state a into state b.
// Applying the result to a clone of a yields b; used for scenario compare
// and the checkpoint store's Diff operation.
func Diff(a, b *State) []models.Patch {
	var patches []models.Patch
	diffValue("", a.doc, b.doc, &patches)
	return patches
}

// ApplyPatches applies a Diff result to a clone of s, returning the new state.
func ApplyPatches(s *State, patches []models.Patch) (*State, error) {
	out := s.Clone()
	for _, p := range patches {
		if err := out.Apply(p.Op, p.Path, p.Value); err != nil {
			return nil, fmt.Errorf("applying diff patch %s %s: %w", p.Op, p.Path, err)
		}
	}
	return out, nil
}

func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

func diffValue(path string, a, b any, out *[]models.Patch) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffMap(path, am, bm, out)
		return
	}
	// Lists and scalars are replaced wholesale: list element identity is not
	// stable enough for element-level diffs (node lists are re-sorted on
	// merge), and a wholesale replace keeps Diff∘Apply exact.
	if !reflect.DeepEqual(a, b) {
		*out = append(*out, models.Patch{Op: models.OpReplace, Path: path, Value: b})
	}
}

func diffMap(path string, a, b map[string]any, out *[]models.Patch) {
	keys := make([]string, 0, len(a)+len(b))
	seen := map[string]struct{}{}
	for k := range a {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := path + "/" + escapeToken(k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*out = append(*out, models.Patch{Op: models.OpRemove, Path: childPath})
		case !inA && inB:
			*out = append(*out, models.Patch{Op: models.OpAdd, Path: childPath, Value: bv})
		default:
			diffValue(childPath, av, bv, out)
		}
	}
}
