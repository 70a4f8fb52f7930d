package term

import (
	"strings"
	"unicode"
)

// InputBoxState classifies the agent's input box after a submit attempt.
type InputBoxState string

const (
	InputEmpty         InputBoxState = "empty"
	InputHasContent    InputBoxState = "has_content"
	InputIndeterminate InputBoxState = "indeterminate"
)

// Runes that make up the horizontal rules framing the agent's input box.
const ruleRunes = "─━═╌┄┈-"

// Corner and junction runes that may start or end a rule line.
const ruleEdgeRunes = "╭╮╰╯┌┐└┘├┤+"

// classifyInputBox locates the input box in captured pane text — the
// region between the last two horizontal rule lines — and reports whether
// it still holds content. When fewer than two rules are visible the box
// cannot be located and the state is indeterminate.
func classifyInputBox(pane string) (InputBoxState, string) {
	lines := strings.Split(pane, "\n")

	var ruleIdx []int
	for i, line := range lines {
		if isRuleLine(line) {
			ruleIdx = append(ruleIdx, i)
		}
	}
	if len(ruleIdx) < 2 {
		return InputIndeterminate, ""
	}

	top := ruleIdx[len(ruleIdx)-2]
	bottom := ruleIdx[len(ruleIdx)-1]
	var content []string
	for _, line := range lines[top+1 : bottom] {
		if t := trimBoxLine(line); t != "" {
			content = append(content, t)
		}
	}
	text := strings.Join(content, "\n")
	if !hasVisibleRunes(text) {
		return InputEmpty, ""
	}
	return InputHasContent, text
}

// hasVisibleRunes reports whether any rune survives after dropping
// whitespace and invisible formatting characters (ghost-text hints pad
// the box with those).
func hasVisibleRunes(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.In(r, unicode.Cf) {
			continue
		}
		return true
	}
	return false
}

// isRuleLine reports whether a pane line is a horizontal rule: at least
// four runes long after trimming, made of rule strokes with optional
// corner runes at the edges.
func isRuleLine(line string) bool {
	t := strings.TrimSpace(line)
	runes := []rune(t)
	if len(runes) < 4 {
		return false
	}
	strokes := 0
	for i, r := range runes {
		switch {
		case strings.ContainsRune(ruleRunes, r):
			strokes++
		case strings.ContainsRune(ruleEdgeRunes, r):
			if i != 0 && i != len(runes)-1 {
				return false
			}
		default:
			return false
		}
	}
	return strokes >= len(runes)-2
}

// trimBoxLine strips box borders and the prompt marker from an input box
// line, leaving the user-visible content.
func trimBoxLine(line string) string {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "│")
	t = strings.TrimSuffix(t, "│")
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, ">")
	return strings.TrimSpace(t)
}
