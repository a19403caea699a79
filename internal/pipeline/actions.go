package pipeline

import (
	"regexp"
	"strings"

	"github.com/ent0n29/chorus/internal/protocol"
)

var tagPattern = regexp.MustCompile(`\[([a-zA-Z][a-zA-Z_\-]{0,31})\]`)

// ExtractActions strips [tag] expression markers out of text and returns
// them as avatar actions, in order of appearance.
func ExtractActions(text string) (string, *protocol.Actions) {
	matches := tagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}
	actions := &protocol.Actions{Expressions: make([]string, 0, len(matches))}
	for _, m := range matches {
		actions.Expressions = append(actions.Expressions, strings.ToLower(m[1]))
	}
	clean := tagPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(clean), " "), actions
}

func mergeActions(a, b *protocol.Actions) *protocol.Actions {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &protocol.Actions{Expressions: append(append([]string(nil), a.Expressions...), b.Expressions...)}
}
