package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/logging"
)

// RegistryFileName is the registry file under the Task Factory home dir.
const RegistryFileName = "workspaces.json"

// Registry manages the flat index of known workspaces.
type Registry interface {
	// List returns all registered workspaces.
	List(ctx context.Context) ([]*Workspace, error)

	// Get retrieves a workspace by ID.
	Get(ctx context.Context, id string) (*Workspace, error)

	// GetByPath retrieves a workspace by its filesystem path.
	GetByPath(ctx context.Context, path string) (*Workspace, error)

	// Create registers a new workspace rooted at the given path.
	Create(ctx context.Context, path, name string) (*Workspace, error)

	// Delete unregisters a workspace and removes its artifact root.
	// User project files are never touched.
	Delete(ctx context.Context, id string) error

	// Close releases the registry, flushing state.
	Close() error
}

// FileRegistry implements Registry backed by a single JSON array file.
type FileRegistry struct {
	filePath string
	mu       sync.RWMutex
	items    []*Workspace
	logger   *logging.Logger
	closed   bool
}

// RegistryOption configures a FileRegistry.
type RegistryOption func(*FileRegistry)

// WithLogger sets the registry logger.
func WithLogger(logger *logging.Logger) RegistryOption {
	return func(r *FileRegistry) {
		r.logger = logger
	}
}

// WithFilePath sets a custom registry file path.
func WithFilePath(path string) RegistryOption {
	return func(r *FileRegistry) {
		r.filePath = path
	}
}

// NewFileRegistry creates a file-backed workspace registry.
func NewFileRegistry(opts ...RegistryOption) (*FileRegistry, error) {
	r := &FileRegistry{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}

	if r.filePath == "" {
		home, err := config.HomeDir()
		if err != nil {
			return nil, NewRegistryError("init", err)
		}
		r.filePath = filepath.Join(home, RegistryFileName)
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	r.logger.Info("workspace registry loaded",
		"path", r.filePath,
		"workspaces", len(r.items))
	return r, nil
}

func (r *FileRegistry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			r.items = []*Workspace{}
			return nil
		}
		return NewRegistryError("load", err)
	}

	var items []*Workspace
	if err := json.Unmarshal(data, &items); err != nil {
		return NewRegistryError("load", fmt.Errorf("corrupt registry: %w", err))
	}
	r.items = items
	return nil
}

// save writes the registry durably. Caller must hold the write lock.
func (r *FileRegistry) save() error {
	data, err := json.MarshalIndent(r.items, "", "  ")
	if err != nil {
		return NewRegistryError("save", err)
	}
	if err := config.AtomicWrite(r.filePath, data); err != nil {
		return NewRegistryError("save", err)
	}
	return nil
}

// List returns all registered workspaces.
func (r *FileRegistry) List(_ context.Context) ([]*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	out := make([]*Workspace, len(r.items))
	for i, w := range r.items {
		out[i] = w.Clone()
	}
	return out, nil
}

// Get retrieves a workspace by ID.
func (r *FileRegistry) Get(_ context.Context, id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	for _, w := range r.items {
		if w.ID == id {
			return w.Clone(), nil
		}
	}
	return nil, ErrWorkspaceNotFound
}

// GetByPath retrieves a workspace by its filesystem path.
func (r *FileRegistry) GetByPath(_ context.Context, path string) (*Workspace, error) {
	clean := filepath.Clean(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	for _, w := range r.items {
		if filepath.Clean(w.Path) == clean {
			return w.Clone(), nil
		}
	}
	return nil, ErrWorkspaceNotFound
}

// Create registers a new workspace rooted at the given path. The artifact
// root defaults to <path>/.taskfactory and receives a default factory.json.
func (r *FileRegistry) Create(_ context.Context, path, name string) (*Workspace, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, NewRegistryError("create", fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}
	absPath = filepath.Clean(absPath)

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return nil, NewRegistryError("create", fmt.Errorf("%w: not a directory: %s", ErrInvalidPath, absPath))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	for _, w := range r.items {
		if filepath.Clean(w.Path) == absPath {
			return nil, ErrWorkspaceAlreadyExists
		}
	}

	if name == "" {
		name = defaultName(absPath)
	}

	ws := &Workspace{
		ID:           generateWorkspaceID(),
		Path:         absPath,
		Name:         name,
		ArtifactRoot: filepath.Join(absPath, ".taskfactory"),
		CreatedAt:    time.Now(),
	}

	if err := WriteConfig(ws.ArtifactRoot, DefaultConfig()); err != nil {
		return nil, NewRegistryError("create", err)
	}

	r.items = append(r.items, ws)
	if err := r.save(); err != nil {
		r.items = r.items[:len(r.items)-1]
		return nil, err
	}

	r.logger.Info("workspace registered", "id", ws.ID, "name", ws.Name, "path", absPath)
	return ws.Clone(), nil
}

// Delete unregisters a workspace and removes its artifact root only.
func (r *FileRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	index := -1
	for i, w := range r.items {
		if w.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return ErrWorkspaceNotFound
	}

	removed := r.items[index]
	r.items = append(r.items[:index], r.items[index+1:]...)
	if err := r.save(); err != nil {
		r.items = append(r.items[:index], append([]*Workspace{removed}, r.items[index:]...)...)
		return err
	}

	// Artifact root removal is best-effort; the registry entry is already gone.
	if removed.ArtifactRoot != "" && removed.ArtifactRoot != removed.Path {
		if err := os.RemoveAll(removed.ArtifactRoot); err != nil {
			r.logger.Warn("failed to remove artifact root", "path", removed.ArtifactRoot, "error", err)
		}
	}

	r.logger.Info("workspace removed", "id", id, "name", removed.Name)
	return nil
}

// Close releases the registry, flushing state.
func (r *FileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.save()
}

func generateWorkspaceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}
	return "ws-" + hex.EncodeToString(b)
}

func defaultName(path string) string {
	name := filepath.Base(path)
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name
}
