package attribution

import (
	"encoding/json"
	"strconv"
)

// Find reports whether container holds, at any depth, a leaf equal to arn or
// id. Maps are searched through their values and slices through their
// elements; the search stops at the first hit. container must be acyclic,
// which holds for anything decoded from JSON.
func Find(container any, arn, id string) bool {
	switch v := container.(type) {
	case map[string]any:
		for _, child := range v {
			if Find(child, arn, id) {
				return true
			}
		}
		return false
	case []any:
		for _, child := range v {
			if Find(child, arn, id) {
				return true
			}
		}
		return false
	default:
		return leafEquals(v, arn) || leafEquals(v, id)
	}
}

// leafEquals compares a scalar with a candidate by text. Empty candidates,
// booleans and nulls never match.
func leafEquals(leaf any, candidate string) bool {
	if candidate == "" {
		return false
	}
	switch v := leaf.(type) {
	case string:
		return v == candidate
	case json.Number:
		return v.String() == candidate
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64) == candidate
	default:
		return false
	}
}
