package filters

import "strings"

// DisplayNameMasker hides display names that carry advertising or lookalike
// words before they are echoed back into a chat.
type DisplayNameMasker struct {
	fragments   []string
	placeholder string
}

func NewDisplayNameMasker(fragments []string, placeholder string) *DisplayNameMasker {
	m := &DisplayNameMasker{placeholder: placeholder}
	for _, fragment := range fragments {
		fragment = strings.TrimSpace(Normalize(fragment))
		if fragment != "" {
			m.fragments = append(m.fragments, fragment)
		}
	}
	return m
}

func (m *DisplayNameMasker) Suspicious(name string) bool {
	normalized := Normalize(name)
	for _, fragment := range m.fragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return len(LookalikeWords(normalized)) > 0
}

func (m *DisplayNameMasker) Mask(name string) string {
	if m.Suspicious(name) {
		return m.placeholder
	}
	return name
}
