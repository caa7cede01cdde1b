// Package activity persists per-workspace activity feeds and fans them out
// to live subscribers.
package activity

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/fsutil"
)

const (
	// LogDirName is the subdirectory of the artifact root holding the feed.
	LogDirName = "factory"

	// LogFileName is the append-only JSONL activity file.
	LogFileName = "activity.jsonl"
)

// LogPath returns the activity file path for an artifact root.
func LogPath(artifactRoot string) string {
	return filepath.Join(artifactRoot, LogDirName, LogFileName)
}

// appendLine writes one entry to the feed file. The file stays open across
// appends; rotation is not a concern at these volumes.
func appendLine(f *os.File, entry core.ActivityEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// readEntries loads the feed and returns the most recent limit entries in
// append order. since, when non-zero, drops entries at or before it.
func readEntries(path string, limit int, since time.Time) ([]core.ActivityEntry, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []core.ActivityEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry core.ActivityEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Torn tail line after a crash; everything before it is intact.
			continue
		}
		if !since.IsZero() && !entry.Timestamp.After(since) {
			continue
		}
		entries = append(entries, entry)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
