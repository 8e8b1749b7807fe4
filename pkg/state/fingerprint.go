package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives the deterministic key used to look up fixture provider
// responses: a digest over idea, constraints, and intake answers. Two
// scenarios with identical inputs replay identical fixtures.
func Fingerprint(s *State) string {
	material := map[string]any{
		"idea":        s.doc["idea"],
		"constraints": s.doc["constraints"],
		"intake":      s.SliceAt("/inputs/intake_answers"),
	}
	raw, err := json.Marshal(material)
	if err != nil {
		// The sections above are always JSON-representable; this path exists
		// to satisfy Marshal's contract only.
		return "invalid"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:32]
}
