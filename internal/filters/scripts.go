package filters

import (
	"unicode"
)

// ScriptSet is the set of Unicode scripts expected in a deployment.
type ScriptSet struct {
	tables []*unicode.RangeTable
	names  []string
}

// NewScriptSet resolves script names such as "Latin" or "Cyrillic". Unknown
// names are returned separately so the caller can log them.
func NewScriptSet(names []string) (ScriptSet, []string) {
	var set ScriptSet
	var unknown []string
	for _, name := range names {
		table, ok := unicode.Scripts[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		set.tables = append(set.tables, table)
		set.names = append(set.names, name)
	}
	return set, unknown
}

func (s ScriptSet) Empty() bool {
	return len(s.tables) == 0
}

// Disallowed returns the first letter of text outside every allowed script.
func (s ScriptSet) Disallowed(text string) (rune, bool) {
	if s.Empty() {
		return 0, false
	}
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.In(r, s.tables...) {
			return r, true
		}
	}
	return 0, false
}
