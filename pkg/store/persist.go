package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// One JSON file per entry. Persistence is best-effort: the in-memory map
// stays authoritative and any disk failure degrades the store to
// memory-only operation.

var unsafeRunes = `/\:*?"<>| `

func entryFilename(dir, key string) string {
	safe := strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafeRunes, r) {
			return '_'
		}
		return r
	}, key)
	return filepath.Join(dir, safe+".json")
}

func saveEntry(dir string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return os.WriteFile(entryFilename(dir, e.Key), raw, 0o644)
}

func removeEntryFile(dir, key string) {
	_ = os.Remove(entryFilename(dir, key))
}

// loadEntries reads every persisted entry under dir, skipping files that
// are unreadable, malformed, or already expired.
func loadEntries(dir string, now time.Time) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Key == "" {
			continue
		}
		if e.Expired(now) {
			_ = os.Remove(filepath.Join(dir, f.Name()))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func removeAllEntryFiles(dir string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
}
