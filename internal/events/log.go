package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLog persists bus events to a JSONL file, one line per event.
// The file holds one day of activity: the first write after a local
// date change truncates it, so the log never grows without bound.
type FileLog struct {
	mu          sync.Mutex
	path        string
	day         string
	unsubscribe func()
	now         func() time.Time
}

// NewFileLog creates a FileLog that subscribes to all bus events and
// appends them to path.
func NewFileLog(path string, bus *Bus) *FileLog {
	fl := &FileLog{path: path, now: time.Now}
	fl.unsubscribe = bus.Subscribe(fl.handleEvent)
	return fl
}

// Close unsubscribes the log from the event bus.
func (fl *FileLog) Close() {
	if fl.unsubscribe != nil {
		fl.unsubscribe()
	}
}

func (fl *FileLog) handleEvent(e Event) {
	_ = fl.Write(e)
}

// Write appends one event, truncating first when the day has changed.
func (fl *FileLog) Write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return err
	}
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if day := fl.now().Format("2006-01-02"); day != fl.day {
		if fl.day != "" {
			flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
		} else if fileIsFromAnotherDay(fl.path, day) {
			flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
		}
		fl.day = day
	}

	f, err := os.OpenFile(fl.path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// TruncateIfNewDay empties the file when the local date has changed since
// the last write, without waiting for the next event.
func (fl *FileLog) TruncateIfNewDay(now time.Time) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	day := now.Format("2006-01-02")
	if day == fl.day {
		return nil
	}
	stale := fl.day != "" || fileIsFromAnotherDay(fl.path, day)
	fl.day = day
	if !stale {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// fileIsFromAnotherDay reports whether an existing log was last written
// on a different local date, so a fresh process starts a fresh day.
func fileIsFromAnotherDay(path, today string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Format("2006-01-02") != today
}
