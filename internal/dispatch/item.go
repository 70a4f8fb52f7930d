package dispatch

import (
	"strings"

	"github.com/okvist/vigil/internal/queue"
)

type itemKind string

const (
	kindControl      itemKind = "control"
	kindConversation itemKind = "conversation"
)

// item is a claimed queue row of either table, with the handful of
// accessors the loop cares about.
type item struct {
	kind itemKind
	ctrl *queue.Control
	conv *queue.Conversation
}

func (it *item) id() int64 {
	if it.kind == kindControl {
		return it.ctrl.ID
	}
	return it.conv.ID
}

func (it *item) content() string {
	if it.kind == kindControl {
		return it.ctrl.Content
	}
	return it.conv.Content
}

func (it *item) requireIdle() bool {
	if it.kind == kindControl {
		return it.ctrl.RequireIdle
	}
	return it.conv.RequireIdle
}

func (it *item) bypassState() bool {
	return it.kind == kindControl && it.ctrl.BypassState
}

// sanitize strips control characters that would garble the paste, keeping
// tabs and newlines.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
