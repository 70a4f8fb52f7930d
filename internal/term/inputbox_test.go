package term

import "testing"

func TestClassifyInputBox(t *testing.T) {
	tests := []struct {
		name    string
		pane    string
		want    InputBoxState
		content string
	}{
		{
			name: "empty box",
			pane: "output above\n╭────────────╮\n│ >          │\n╰────────────╯",
			want: InputEmpty,
		},
		{
			name:    "box with content",
			pane:    "output above\n╭────────────╮\n│ > hello    │\n╰────────────╯",
			want:    InputHasContent,
			content: "hello",
		},
		{
			name: "no rules at all",
			pane: "just plain scrollback\nwith several lines\nbut no box",
			want: InputIndeterminate,
		},
		{
			name: "one rule only",
			pane: "text\n────────────\nmore text",
			want: InputIndeterminate,
		},
		{
			name:    "uses last two rules",
			pane:    "╭────╮\n│ old box │\n╰────╯\nscroll\n╭────────╮\n│ > fresh │\n╰────────╯",
			want:    InputHasContent,
			content: "fresh",
		},
		{
			name:    "multiline content",
			pane:    "╭──────────╮\n│ > line1  │\n│   line2  │\n╰──────────╯",
			want:    InputHasContent,
			content: "line1\nline2",
		},
		{
			name: "plain dashes count as rules",
			pane: "x\n--------\n\n--------",
			want: InputEmpty,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state, content := classifyInputBox(tc.pane)
			if state != tc.want {
				t.Fatalf("state = %q, want %q", state, tc.want)
			}
			if tc.content != "" && content != tc.content {
				t.Errorf("content = %q, want %q", content, tc.content)
			}
		})
	}
}

func TestIsRuleLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"────────────", true},
		{"  ╭────────╮", true},
		{"----", true},
		{"---", false},           // too short
		{"── text ──", false},    // interior text
		{"│ > hello │", false},   // box content line
		{"", false},
		{"══════", true},
	}
	for _, tc := range tests {
		if got := isRuleLine(tc.line); got != tc.want {
			t.Errorf("isRuleLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
