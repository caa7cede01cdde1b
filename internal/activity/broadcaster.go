package activity

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/logging"
)

// DefaultSubscriberBuffer is how many undelivered entries a subscriber may
// accumulate before it is dropped.
const DefaultSubscriberBuffer = 256

// ErrBroadcasterClosed is returned after Close.
var ErrBroadcasterClosed = errors.New("activity broadcaster is closed")

// RootResolver maps a workspace ID to its artifact root.
type RootResolver func(workspaceID string) (string, error)

// Subscription is a live feed of one workspace's activity.
type Subscription struct {
	C chan core.ActivityEntry

	workspaceID string
	id          int
	cancel      func()
	once        sync.Once
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Broadcaster appends activity entries per workspace and fans them out to
// subscribers in append order. Appends are total-order per workspace.
type Broadcaster struct {
	resolveRoot RootResolver
	logger      *logging.Logger
	bufferSize  int

	mu         sync.Mutex
	workspaces map[string]*workspaceFeed
	closed     bool
}

type workspaceFeed struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	subscribers map[int]*Subscription
	nextSubID   int
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(logger *logging.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// NewBroadcaster creates a broadcaster. resolveRoot maps workspace IDs to
// artifact roots; it is consulted once per workspace on first use.
func NewBroadcaster(resolveRoot RootResolver, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		resolveRoot: resolveRoot,
		logger:      logging.NewNop(),
		bufferSize:  DefaultSubscriberBuffer,
		workspaces:  make(map[string]*workspaceFeed),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) feed(workspaceID string) (*workspaceFeed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	if f, ok := b.workspaces[workspaceID]; ok {
		return f, nil
	}

	root, err := b.resolveRoot(workspaceID)
	if err != nil {
		return nil, err
	}
	f := &workspaceFeed{
		path:        LogPath(root),
		subscribers: make(map[int]*Subscription),
	}
	b.workspaces[workspaceID] = f
	return f, nil
}

// Append assigns the entry a fresh ID and timestamp, persists it, and fans
// it out. Persistence failures are logged and surfaced to subscribers as an
// io_error system event; they never fail the append.
func (b *Broadcaster) Append(workspaceID string, entry core.ActivityEntry) (core.ActivityEntry, error) {
	f, err := b.feed(workspaceID)
	if err != nil {
		return core.ActivityEntry{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now()

	if err := f.persist(entry); err != nil {
		b.logger.Error("activity persist failed",
			"workspace", workspaceID,
			"path", f.path,
			"error", err)
		marker := core.NewSystemEvent(entry.TaskID, core.EventIOError, "activity log write failed")
		marker.ID = uuid.NewString()
		marker.Timestamp = time.Now()
		b.fanOut(workspaceID, f, marker)
	}

	b.fanOut(workspaceID, f, entry)
	return entry, nil
}

func (f *workspaceFeed) persist(entry core.ActivityEntry) error {
	if f.file == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
			return err
		}
		file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		f.file = file
	}
	return appendLine(f.file, entry)
}

// fanOut delivers to every subscriber without blocking. A subscriber whose
// buffer is full gets dropped; the remaining subscribers see a marker entry.
// Caller holds f.mu.
func (b *Broadcaster) fanOut(workspaceID string, f *workspaceFeed, entry core.ActivityEntry) {
	var dropped []*Subscription
	for _, sub := range f.subscribers {
		select {
		case sub.C <- entry:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		delete(f.subscribers, sub.id)
		close(sub.C)
		b.logger.Warn("dropped slow activity subscriber",
			"workspace", workspaceID,
			"subscriber", sub.id)

		marker := core.NewSystemEvent("", core.EventDropped, "slow activity subscriber dropped")
		marker.ID = uuid.NewString()
		marker.Timestamp = time.Now()
		for _, rest := range f.subscribers {
			select {
			case rest.C <- marker:
			default:
			}
		}
	}
}

// Subscribe attaches a live feed for the workspace. Every entry appended
// after this call is delivered exactly once, in append order, until the
// subscription is cancelled or dropped.
func (b *Broadcaster) Subscribe(workspaceID string) (*Subscription, error) {
	f, err := b.feed(workspaceID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSubID
	f.nextSubID++

	sub := &Subscription{
		C:           make(chan core.ActivityEntry, b.bufferSize),
		workspaceID: workspaceID,
		id:          id,
	}
	sub.cancel = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(sub.C)
		}
	}
	f.subscribers[id] = sub
	return sub, nil
}

// Replay returns the most recent limit entries in append order. since, when
// non-zero, excludes entries at or before it.
func (b *Broadcaster) Replay(workspaceID string, limit int, since time.Time) ([]core.ActivityEntry, error) {
	f, err := b.feed(workspaceID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return readEntries(f.path, limit, since)
}

// Flush syncs the workspace's feed file to disk.
func (b *Broadcaster) Flush(workspaceID string) error {
	b.mu.Lock()
	f, ok := b.workspaces[workspaceID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// Close drops all subscribers and closes feed files.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, f := range b.workspaces {
		f.mu.Lock()
		for id, sub := range f.subscribers {
			delete(f.subscribers, id)
			close(sub.C)
		}
		if f.file != nil {
			if err := f.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			f.file = nil
		}
		f.mu.Unlock()
	}
	return firstErr
}
