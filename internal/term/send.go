package term

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSubmitNotVerified is returned when the input box still holds content
// after every Enter retry. The content was pasted but may not have been
// submitted; callers should treat the delivery as failed and retry later.
var ErrSubmitNotVerified = errors.New("term: submit not verified, input box still has content")

// Send delivers content to the agent: stage in a named buffer, paste,
// wait for the terminal to ingest it, then press Enter and verify the
// input box emptied. Ghost text (autocomplete overlays) that swallows the
// first Enter is dismissed with a space+backspace before retrying.
func (c *Client) Send(ctx context.Context, content string) error {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return errors.New("term: empty content")
	}

	name := "vigil-" + uuid.NewString()
	if err := c.loadBuffer(ctx, name, []byte(content)); err != nil {
		return err
	}
	defer c.deleteBuffer(ctx, name)

	if err := c.pasteBuffer(ctx, name); err != nil {
		return err
	}
	c.sleep(c.deliveryDelay(len(content)))

	return c.submitAndVerify(ctx)
}

// submitAndVerify presses Enter and confirms the input box cleared.
func (c *Client) submitAndVerify(ctx context.Context) error {
	retries := c.enterRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		if err := c.SendKeys(ctx, "Enter"); err != nil {
			return err
		}
		c.sleep(c.enterWait)

		pane, err := c.CapturePane(ctx)
		if err != nil {
			return fmt.Errorf("verify submit: %w", err)
		}
		switch state, _ := classifyInputBox(pane); state {
		case InputEmpty:
			return nil
		case InputIndeterminate:
			// No input box visible; assume success but keep the capture.
			c.recordDiagnostics(pane)
			return nil
		case InputHasContent:
			if attempt == retries {
				return ErrSubmitNotVerified
			}
			// Ghost text eats the first Enter. Typing any key and erasing
			// it dismisses the overlay without altering the input.
			if err := c.SendKeys(ctx, "Space", "BSpace"); err != nil {
				return err
			}
			c.sleep(c.enterWait)
		}
	}
	return ErrSubmitNotVerified
}

// deliveryDelay scales the post-paste wait with content size: Base plus
// PerKB for each full KiB, capped at Max. Large pastes take the terminal
// longer to ingest before Enter lands.
func (c *Client) deliveryDelay(bytes int) time.Duration {
	d := c.delayBase + time.Duration(bytes/1024)*c.delayPerKB
	if c.delayMax > 0 && d > c.delayMax {
		return c.delayMax
	}
	return d
}

// recordDiagnostics appends an unverifiable pane capture to the
// diagnostics file, best effort.
func (c *Client) recordDiagnostics(pane string) {
	if c.diag == "" {
		return
	}
	f, err := os.OpenFile(c.diag, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "--- %s indeterminate capture ---\n%s\n", time.Now().Format(time.RFC3339), pane)
}
