package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// PointerError reports a JSON Pointer that does not resolve against the
// current document. The merge engine treats it as a malformed patch.
type PointerError struct {
	Path   string
	Reason string
}

func (e *PointerError) Error() string {
	return fmt.Sprintf("json pointer %q: %s", e.Path, e.Reason)
}

func splitPointer(ptr string) ([]string, error) {
	if ptr == "" || ptr == "/" {
		return nil, &PointerError{Path: ptr, Reason: "cannot address document root"}
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, &PointerError{Path: ptr, Reason: "must start with '/'"}
	}
	raw := strings.Split(ptr[1:], "/")
	tokens := make([]string, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			continue
		}
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		tokens = append(tokens, seg)
	}
	if len(tokens) == 0 {
		return nil, &PointerError{Path: ptr, Reason: "cannot address document root"}
	}
	return tokens, nil
}

// Resolve walks a JSON Pointer and returns the value it addresses.
func (s *State) Resolve(ptr string) (any, bool) {
	tokens, err := splitPointer(ptr)
	if err != nil {
		return nil, false
	}
	var cur any = s.doc
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Apply mutates the document at ptr. Intermediate objects are created for
// add/replace; list indices are extended with nulls as needed. Remove on a
// missing key is a no-op, matching JSON-Patch's lenient remove used by the
// original merge engine.
func (s *State) Apply(op models.PatchOp, ptr string, value any) error {
	if err := models.PatchOpValidator(op); err != nil {
		return &PointerError{Path: ptr, Reason: err.Error()}
	}
	tokens, err := splitPointer(ptr)
	if err != nil {
		return err
	}

	parent, leaf, err := s.walkToParent(tokens, op != models.OpRemove)
	if err != nil {
		return err
	}

	switch node := parent.(type) {
	case map[string]any:
		if op == models.OpRemove {
			delete(node, leaf)
			return nil
		}
		node[leaf] = value
		return nil
	case []any:
		idx, convErr := strconv.Atoi(leaf)
		if convErr != nil {
			return &PointerError{Path: ptr, Reason: "non-numeric index into array"}
		}
		if op == models.OpRemove {
			if idx >= 0 && idx < len(node) {
				// Array element removal needs the grandparent to reslice; the
				// canonical state never removes array elements through
				// patches, so null the slot instead.
				node[idx] = nil
			}
			return nil
		}
		if idx < 0 {
			return &PointerError{Path: ptr, Reason: "negative array index"}
		}
		grown, growErr := s.growParentList(tokens, idx)
		if growErr != nil {
			return growErr
		}
		grown[idx] = value
		return nil
	default:
		return &PointerError{Path: ptr, Reason: "parent is not a container"}
	}
}

// walkToParent resolves all but the last token, optionally creating missing
// intermediate objects.
func (s *State) walkToParent(tokens []string, create bool) (any, string, error) {
	var cur any = s.doc
	for i, tok := range tokens[:len(tokens)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				if !create {
					return nil, "", &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: fmt.Sprintf("missing segment %q", tok)}
				}
				next = map[string]any{}
				node[tok] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, "", &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: fmt.Sprintf("bad array index %q at depth %d", tok, i)}
			}
			cur = node[idx]
		default:
			return nil, "", &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: fmt.Sprintf("segment %q is not a container", tok)}
		}
	}
	return cur, tokens[len(tokens)-1], nil
}

// growParentList extends the list addressed by tokens[:-1] so index idx is
// addressable, writing the grown slice back into its own parent.
func (s *State) growParentList(tokens []string, idx int) ([]any, error) {
	parent, _, err := s.walkToParent(tokens, false)
	if err != nil {
		return nil, err
	}
	node, ok := parent.([]any)
	if !ok {
		return nil, &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: "parent is not an array"}
	}
	if idx < len(node) {
		return node, nil
	}
	for len(node) <= idx {
		node = append(node, nil)
	}
	// Reattach the grown slice to the grandparent.
	if len(tokens) == 1 {
		return nil, &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: "top-level sections are objects"}
	}
	gparent, gleaf, err := s.walkToParent(tokens[:len(tokens)-1], false)
	if err != nil {
		return nil, err
	}
	switch g := gparent.(type) {
	case map[string]any:
		g[gleaf] = node
	case []any:
		gidx, convErr := strconv.Atoi(gleaf)
		if convErr != nil || gidx < 0 || gidx >= len(g) {
			return nil, &PointerError{Path: "/" + strings.Join(tokens, "/"), Reason: "bad grandparent index"}
		}
		g[gidx] = node
	}
	return node, nil
}
