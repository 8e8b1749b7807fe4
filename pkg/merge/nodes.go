package merge

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// nodeSignature is the content identity of a graph node. A rerun that
// produces an identical node keeps the prior updated_at so the UI does not
// see a phantom mutation.
func nodeSignature(node map[string]any) string {
	return fmt.Sprintf("%v|%v|%v|%v|%v|%v|%v|%v",
		node["title"], node["pillar"], node["type"], node["content"],
		node["assumptions"], node["evidence_refs"], node["dependencies"], node["status"])
}

// upsertNodes merges incoming nodes into the existing node list by stable
// node ID and returns the new list plus created/updated ID sets. Frozen nodes
// are skipped unless the incoming payload carries override=true.
func (e *Engine) upsertNodes(existing, incoming []any) (nodes []any, created, updated []string) {
	byID := map[string]map[string]any{}
	ids := []string{}
	for _, raw := range existing {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := node["id"].(string)
		if id == "" {
			continue
		}
		byID[id] = copyMap(node)
		ids = append(ids, id)
	}

	for _, raw := range incoming {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := node["id"].(string)
		if id == "" {
			continue
		}
		if e.isFrozen(id) && !boolOf(node["override"]) {
			continue
		}
		prior, exists := byID[id]
		next := copyMap(node)
		delete(next, "override")
		if exists {
			if nodeSignature(prior) == nodeSignature(next) {
				if prev, ok := prior["updated_at"]; ok {
					next["updated_at"] = prev
				}
			} else if !reflect.DeepEqual(prior, next) {
				updated = append(updated, id)
			}
		} else {
			created = append(created, id)
			ids = append(ids, id)
		}
		byID[id] = next
	}

	sort.Strings(ids)
	nodes = make([]any, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, byID[id])
	}
	return nodes, created, updated
}

// applyNodeUpdate upserts a single typed node_update. Finalize sets
// status=final and freezes the node against non-override writes for the rest
// of the run.
func (e *Engine) applyNodeUpdate(s *state.State, upd models.NodeUpdate) (createdID, updatedID string, err error) {
	if e.isFrozen(upd.NodeID) && !boolOf(upd.Payload["override"]) {
		return "", "", nil
	}
	payload := copyMap(upd.Payload)
	delete(payload, "override")
	payload["id"] = upd.NodeID
	if upd.Action == models.NodeActionFinalize {
		payload["status"] = "final"
	}
	if _, ok := payload["updated_at"]; !ok {
		payload["updated_at"] = state.UTCNow()
	}

	nodes, created, updated := e.upsertNodes(s.GraphNodes(), []any{payload})
	if err := s.Apply(models.OpReplace, "/graph/nodes", nodes); err != nil {
		return "", "", err
	}
	if upd.Action == models.NodeActionFinalize {
		e.freeze(upd.NodeID)
	}
	if len(created) > 0 {
		return created[0], "", nil
	}
	if len(updated) > 0 {
		return "", updated[0], nil
	}
	return "", "", nil
}

// mergeGroups merges incoming groups into the existing group list by ID,
// deduping node_ids while preserving first-seen order.
func mergeGroups(existing, incoming []any) []any {
	byID := map[string]map[string]any{}
	ids := []string{}
	for _, raw := range existing {
		group, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := group["id"].(string)
		if id == "" {
			continue
		}
		byID[id] = copyMap(group)
		ids = append(ids, id)
	}
	for _, raw := range incoming {
		group, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := group["id"].(string)
		if id == "" {
			continue
		}
		merged := copyMap(group)
		merged["node_ids"] = dedupeAny(asSlice(group["node_ids"]))
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = merged
	}

	sort.Strings(ids)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

func dedupeAny(list []any) []any {
	seen := map[string]struct{}{}
	out := []any{}
	for _, v := range list {
		key := fmt.Sprintf("%v", v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
