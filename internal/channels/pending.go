package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Pending is one channel awaiting a notice that the agent has recovered.
// Records accumulate while the agent is unhealthy and inbound messages are
// being refused.
type Pending struct {
	Channel  string `json:"channel"`
	Endpoint string `json:"endpoint,omitempty"`
}

// AppendPending records one pending channel, one JSON document per line.
func AppendPending(path string, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("channels: marshal pending: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("channels: open pending: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("channels: append pending: %w", err)
	}
	return nil
}

// DrainPending reads all pending records, removes the file, and returns
// the records deduplicated in first-seen order. Malformed lines are
// skipped. A missing file yields nothing.
func DrainPending(path string) ([]Pending, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("channels: open pending: %w", err)
	}

	var (
		out  []Pending
		seen = map[Pending]bool{}
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p Pending
		if err := json.Unmarshal(line, &p); err != nil || p.Channel == "" {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return out, fmt.Errorf("channels: read pending: %w", scanErr)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("channels: clear pending: %w", err)
	}
	return out, nil
}

const recoveryNotice = "The agent is back online; queued messages are being processed again."

// NotifyPending drains the pending file and sends a recovery notice to
// each recorded channel. Failures are logged per channel, never fatal.
func (i *Invoker) NotifyPending(ctx context.Context, path string) {
	items, err := DrainPending(path)
	if err != nil {
		slog.Warn("channels: drain pending", "error", err)
	}
	for _, p := range items {
		if err := i.Send(ctx, p.Channel, p.Endpoint, recoveryNotice); err != nil {
			slog.Warn("channels: recovery notice failed",
				"channel", p.Channel, "endpoint", p.Endpoint, "error", err)
		} else {
			slog.Info("channels: recovery notice sent", "channel", p.Channel, "endpoint", p.Endpoint)
		}
	}
}
