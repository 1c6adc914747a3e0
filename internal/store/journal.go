package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Journal records finished work items of a long job so an interrupted run
// can pick up where it stopped. Entries are appended to <dir>/<name>.journal
// as "key<TAB>value" lines; the stamp in <dir>/<name>.stamp identifies the
// job the entries belong to (a backfill end date, a sweep ID). It is safe
// for concurrent use.
type Journal struct {
	mu      sync.Mutex
	entries map[string]string
	file    *os.File
	w       *bufio.Writer
	path    string
	stamp   string
}

// OpenJournal loads or creates the journal called name under dir.
func OpenJournal(dir, name string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	j := &Journal{
		entries: make(map[string]string),
		path:    filepath.Join(dir, name+".journal"),
		stamp:   filepath.Join(dir, name+".stamp"),
	}

	if data, err := os.ReadFile(j.path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			key, value, _ := strings.Cut(line, "\t")
			if key = strings.TrimSpace(key); key != "" {
				j.entries[key] = strings.TrimSpace(value)
			}
		}
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(j.path), err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	return nil
}

// Get returns the value recorded for key.
func (j *Journal) Get(key string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.entries[key]
	return v, ok
}

// Has reports whether key was recorded.
func (j *Journal) Has(key string) bool {
	_, ok := j.Get(key)
	return ok
}

// Len returns the number of recorded keys.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Put records key with value and flushes it to disk. Re-recording a key
// with the same value is a no-op; a new value supersedes the old one on
// reload.
func (j *Journal) Put(key, value string) error {
	if strings.ContainsAny(key, "\t\n") || strings.Contains(value, "\n") {
		return fmt.Errorf("journal entry %q: key or value contains a separator", key)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if old, ok := j.entries[key]; ok && old == value {
		return nil
	}
	j.entries[key] = value
	if _, err := j.w.WriteString(key + "\t" + value + "\n"); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(j.path), err)
	}
	return j.w.Flush()
}

// Mark records keys with empty values.
func (j *Journal) Mark(keys ...string) error {
	for _, k := range keys {
		if err := j.Put(k, ""); err != nil {
			return err
		}
	}
	return nil
}

// Stamp returns the stored job identifier, or "" when none is set.
func (j *Journal) Stamp() string {
	data, err := os.ReadFile(j.stamp)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetStamp stores the job identifier.
func (j *Journal) SetStamp(s string) error {
	return os.WriteFile(j.stamp, []byte(s), 0o644)
}

// Reset drops every entry and the stamp.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.file.Close()
	j.entries = make(map[string]string)
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(j.stamp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return j.open()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
