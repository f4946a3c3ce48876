package entity

import (
	"reflect"
	"sort"
	"unicode/utf8"
)

// FieldDiff is one field whose value differs between two payloads
type FieldDiff struct {
	Field         string
	Local         interface{}
	Server        interface{}
	LocalPresent  bool
	ServerPresent bool
}

// Diff compares local and server field by field over the union of their
// keys. Values must be in JSON form; see NormalizeFields.
func Diff(local, server Fields) []FieldDiff {
	seen := make(map[string]struct{}, len(local)+len(server))
	var diffs []FieldDiff

	check := func(name string) {
		if _, done := seen[name]; done {
			return
		}
		seen[name] = struct{}{}

		lv, lok := local[name]
		sv, sok := server[name]
		if lok == sok && reflect.DeepEqual(lv, sv) {
			return
		}
		diffs = append(diffs, FieldDiff{
			Field:         name,
			Local:         cloneValue(lv),
			Server:        cloneValue(sv),
			LocalPresent:  lok,
			ServerPresent: sok,
		})
	}

	for _, name := range local.Keys() {
		check(name)
	}
	for _, name := range server.Keys() {
		check(name)
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

// MergeValues combines the two sides of a conflicting field:
//   - a side that is absent yields to the present one
//   - strings: the longer one wins, the server on a tie
//   - numbers: the larger one wins
//   - arrays: union, local order first, then unseen server items
//   - anything else: the server value
//
// The second result reports whether the merged field is present.
func MergeValues(local, server interface{}, localPresent, serverPresent bool) (interface{}, bool) {
	switch {
	case !localPresent && !serverPresent:
		return nil, false
	case !localPresent:
		return cloneValue(server), true
	case !serverPresent:
		return cloneValue(local), true
	}

	switch l := local.(type) {
	case string:
		if s, ok := server.(string); ok {
			if utf8.RuneCountInString(l) > utf8.RuneCountInString(s) {
				return l, true
			}
			return s, true
		}
	case float64:
		if s, ok := server.(float64); ok {
			if l > s {
				return l, true
			}
			return s, true
		}
	case []interface{}:
		if s, ok := server.([]interface{}); ok {
			return unionArrays(l, s), true
		}
	}
	return cloneValue(server), true
}

func unionArrays(local, server []interface{}) []interface{} {
	out := make([]interface{}, 0, len(local)+len(server))
	contains := func(v interface{}) bool {
		for _, existing := range out {
			if reflect.DeepEqual(existing, v) {
				return true
			}
		}
		return false
	}
	for _, v := range local {
		if !contains(v) {
			out = append(out, cloneValue(v))
		}
	}
	for _, v := range server {
		if !contains(v) {
			out = append(out, cloneValue(v))
		}
	}
	return out
}
