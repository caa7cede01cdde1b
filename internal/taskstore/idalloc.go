package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
)

// CounterFileName holds the per-workspace ID counter under the artifact root.
const CounterFileName = ".task-id-counter.json"

type counterFile struct {
	Counter int `json:"counter"`
}

// allocateID hands out the next task ID for the workspace. The counter file
// and the directory scan are reconciled on every call so IDs stay monotonic
// even after manual file edits or a lost counter file.
func (s *Store) allocateID(tasksDir string) (core.TaskID, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	counterPath := filepath.Join(s.artifactRoot, CounterFileName)

	stored := 0
	if data, err := os.ReadFile(counterPath); err == nil {
		var cf counterFile
		if err := json.Unmarshal(data, &cf); err == nil {
			stored = cf.Counter
		}
	} else if !os.IsNotExist(err) {
		return "", core.ErrIO("reading task-id counter", err)
	}

	onDisk := highestSuffix(tasksDir, s.prefix)

	next := stored
	if onDisk > next {
		next = onDisk
	}
	next++

	data, err := json.Marshal(counterFile{Counter: next})
	if err != nil {
		return "", core.ErrIO("encoding task-id counter", err)
	}
	if err := config.AtomicWrite(counterPath, data); err != nil {
		return "", core.ErrIO("writing task-id counter", err)
	}

	return core.TaskID(fmt.Sprintf("%s-%d", s.prefix, next)), nil
}

// highestSuffix scans task directories for the largest numeric suffix
// carrying the given prefix. Missing or unreadable dirs count as zero.
func highestSuffix(tasksDir, prefix string) int {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), prefix+"-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}
