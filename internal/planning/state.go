package planning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/fsutil"
)

// Planning state files under the workspace artifact root.
const (
	SessionIDFileName   = "planning-session-id.txt"
	MessagesFileName    = "planning-messages.json"
	ArchiveDirName      = "planning-sessions"
	ShelfFileName       = "shelf.json"
	IdeaBacklogFileName = "idea-backlog.json"
	ContextFileName     = "workspace-context.md"
)

// Message is one persisted planning-session message. Metadata carries the
// structured payloads the session rehydrates from on resume: QA requests and
// responses, drafts, artifacts.
type Message struct {
	ID        string         `json:"id"`
	Role      core.ChatRole  `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Shelf holds the session-scoped planning outputs.
type Shelf struct {
	Drafts    map[string]core.DraftTask `json:"drafts"`
	Artifacts map[string]core.Artifact  `json:"artifacts"`
}

func newShelf() Shelf {
	return Shelf{
		Drafts:    make(map[string]core.DraftTask),
		Artifacts: make(map[string]core.Artifact),
	}
}

// state owns the on-disk planning files for one workspace.
type state struct {
	root string
}

func (st *state) sessionIDPath() string   { return filepath.Join(st.root, SessionIDFileName) }
func (st *state) messagesPath() string    { return filepath.Join(st.root, MessagesFileName) }
func (st *state) shelfPath() string       { return filepath.Join(st.root, ShelfFileName) }
func (st *state) ideaBacklogPath() string { return filepath.Join(st.root, IdeaBacklogFileName) }
func (st *state) contextPath() string     { return filepath.Join(st.root, ContextFileName) }

func (st *state) archivePath(sessionID string) string {
	return filepath.Join(st.root, ArchiveDirName, sessionID+".json")
}

func (st *state) loadSessionID() (string, error) {
	data, err := fsutil.ReadFileScoped(st.sessionIDPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (st *state) writeSessionID(id string) error {
	return config.AtomicWrite(st.sessionIDPath(), []byte(id+"\n"))
}

func (st *state) loadMessages() ([]Message, error) {
	data, err := fsutil.ReadFileScoped(st.messagesPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (st *state) writeMessages(msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWrite(st.messagesPath(), data)
}

func (st *state) archiveMessages(sessionID string, msgs []Message) error {
	if sessionID == "" || len(msgs) == 0 {
		return nil
	}
	path := st.archivePath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWrite(path, data)
}

func (st *state) loadShelf() (Shelf, error) {
	shelf := newShelf()
	data, err := fsutil.ReadFileScoped(st.shelfPath())
	if os.IsNotExist(err) {
		return shelf, nil
	}
	if err != nil {
		return shelf, err
	}
	if err := json.Unmarshal(data, &shelf); err != nil {
		return newShelf(), err
	}
	if shelf.Drafts == nil {
		shelf.Drafts = make(map[string]core.DraftTask)
	}
	if shelf.Artifacts == nil {
		shelf.Artifacts = make(map[string]core.Artifact)
	}
	return shelf, nil
}

func (st *state) writeShelf(shelf Shelf) error {
	data, err := json.MarshalIndent(shelf, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWrite(st.shelfPath(), data)
}

func (st *state) loadIdeaBacklog() ([]core.DraftTask, error) {
	data, err := fsutil.ReadFileScoped(st.ideaBacklogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var drafts []core.DraftTask
	if err := json.Unmarshal(data, &drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

// stashIdeas appends un-promoted drafts to the cross-session idea backlog.
// The shelf is session-scoped; ideas the user never promoted survive a reset
// here instead of disappearing with it.
func (st *state) stashIdeas(drafts map[string]core.DraftTask) error {
	if len(drafts) == 0 {
		return nil
	}
	backlog, err := st.loadIdeaBacklog()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(backlog))
	for _, d := range backlog {
		seen[d.DraftID] = true
	}
	ids := make([]string, 0, len(drafts))
	for id := range drafts {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		backlog = append(backlog, drafts[id])
	}
	data, err := json.MarshalIndent(backlog, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWrite(st.ideaBacklogPath(), data)
}

// loadContext returns the shared workspace context, or "" when none exists.
func (st *state) loadContext() string {
	data, err := fsutil.ReadFileScoped(st.contextPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// rehydrateShelf restores drafts and artifacts recorded only in message
// metadata, so a shelf file lost between runs does not lose session outputs.
func rehydrateShelf(shelf *Shelf, msgs []Message) {
	for _, m := range msgs {
		if raw, ok := m.Metadata["draft"]; ok {
			var d core.DraftTask
			if decodeMeta(raw, &d) == nil && d.DraftID != "" {
				if _, exists := shelf.Drafts[d.DraftID]; !exists {
					shelf.Drafts[d.DraftID] = d
				}
			}
		}
		if raw, ok := m.Metadata["artifact"]; ok {
			var a core.Artifact
			if decodeMeta(raw, &a) == nil && a.ArtifactID != "" {
				if _, exists := shelf.Artifacts[a.ArtifactID]; !exists {
					shelf.Artifacts[a.ArtifactID] = a
				}
			}
		}
	}
}

func decodeMeta(raw, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
