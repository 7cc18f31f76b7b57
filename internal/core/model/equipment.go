package model

import "strings"

// NormalizeToken lowercases and trims an equipment token. The spec mandates
// this normalisation everywhere tokens are compared (§9 design notes).
func NormalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// NormalizeTokens returns a new slice holding the normalised form of each
// token; the input slice is not modified.
func NormalizeTokens(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = NormalizeToken(t)
	}
	return out
}

// EquipmentSatisfies reports whether the room's equipment set `available`
// satisfies every token in `required`, under a bidirectional substring
// containment rule: a required token r is satisfied by some e in available
// iff r is a substring of e or e is a substring of r. Do not simplify this
// to equality matching: real data mixes compound tokens
// ("smart-whiteboard") with simple ones ("whiteboard").
func EquipmentSatisfies(required, available []string) bool {
	for _, r := range required {
		if !tokenSatisfied(r, available) {
			return false
		}
	}
	return true
}

func tokenSatisfied(required string, available []string) bool {
	r := NormalizeToken(required)
	for _, a := range available {
		e := NormalizeToken(a)
		if strings.Contains(e, r) || strings.Contains(r, e) {
			return true
		}
	}
	return false
}
