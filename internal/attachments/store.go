// Package attachments stores files uploaded alongside planning messages and
// tasks under the workspace artifact root. Each attachment lives in its own
// directory with a meta.json next to the payload.
package attachments

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Owner identifies the namespace for attachments. It doubles as a directory
// name under <artifactRoot>/attachments/.
type Owner string

const (
	OwnerPlanning Owner = "planning"
	OwnerTask     Owner = "tasks"
)

// MaxAttachmentSizeBytes limits each uploaded attachment.
const MaxAttachmentSizeBytes = 50 * 1024 * 1024 // 50MB

// Attachment describes one stored file.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"` // relative to the artifact root
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists attachments under one workspace's artifact root.
type Store struct {
	artifactRoot string
	baseDir      string
}

// NewStore creates a store rooted at a workspace artifact root.
func NewStore(artifactRoot string) *Store {
	return &Store{
		artifactRoot: artifactRoot,
		baseDir:      filepath.Join(artifactRoot, "attachments"),
	}
}

// BaseDir is the attachments directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Save stores the reader's content under owner/ownerID. The filename is
// sanitised to its base name; the content type is sniffed from the payload.
func (s *Store) Save(owner Owner, ownerID string, r io.Reader, filename string) (Attachment, error) {
	if err := validateOwner(owner, ownerID); err != nil {
		return Attachment{}, err
	}
	if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
		return Attachment{}, fmt.Errorf("ensuring attachments dir: %w", err)
	}

	attachmentID := uuid.NewString()
	safeName := sanitizeFilename(filename)

	root, err := os.OpenRoot(s.baseDir)
	if err != nil {
		return Attachment{}, fmt.Errorf("opening attachments root: %w", err)
	}
	defer func() { _ = root.Close() }()

	dirRel := filepath.Join(string(owner), ownerID, attachmentID)
	if err := root.MkdirAll(dirRel, 0o750); err != nil {
		return Attachment{}, fmt.Errorf("creating attachment dir: %w", err)
	}

	fileRel := filepath.Join(dirRel, safeName)
	f, err := root.OpenFile(fileRel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Attachment{}, fmt.Errorf("creating attachment file: %w", err)
	}
	defer f.Close()

	// Sniff content-type from the first 512 bytes.
	var sniff [512]byte
	n, _ := io.ReadFull(r, sniff[:])
	if n > 0 {
		if _, err := f.Write(sniff[:n]); err != nil {
			return Attachment{}, fmt.Errorf("writing attachment header: %w", err)
		}
	}
	contentType := http.DetectContentType(sniff[:n])

	remaining := int64(MaxAttachmentSizeBytes - n)
	written, err := io.Copy(f, io.LimitReader(r, remaining+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("writing attachment: %w", err)
	}
	if written > remaining {
		return Attachment{}, fmt.Errorf("attachment too large (max %d bytes)", MaxAttachmentSizeBytes)
	}

	meta := Attachment{
		ID:          attachmentID,
		Name:        safeName,
		Path:        filepath.ToSlash(filepath.Join("attachments", dirRel, safeName)),
		Size:        int64(n) + written,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeJSONFile(root, filepath.Join(dirRel, "meta.json"), meta); err != nil {
		return Attachment{}, fmt.Errorf("writing meta: %w", err)
	}
	return meta, nil
}

// List returns the owner's attachments. Unreadable entries are skipped.
func (s *Store) List(owner Owner, ownerID string) ([]Attachment, error) {
	if err := validateOwner(owner, ownerID); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.baseDir, string(owner), ownerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Attachment{}, nil
		}
		return nil, fmt.Errorf("reading owner dir: %w", err)
	}

	var out []Attachment
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta Attachment
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Resolve returns the attachment metadata and its absolute path.
func (s *Store) Resolve(owner Owner, ownerID, attachmentID string) (Attachment, string, error) {
	if err := validateOwner(owner, ownerID); err != nil {
		return Attachment{}, "", err
	}
	if strings.TrimSpace(attachmentID) == "" {
		return Attachment{}, "", fmt.Errorf("attachment id is required")
	}

	metaPath := filepath.Join(s.baseDir, string(owner), ownerID, attachmentID, "meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Attachment{}, "", os.ErrNotExist
		}
		return Attachment{}, "", fmt.Errorf("reading meta: %w", err)
	}
	var meta Attachment
	if err := json.Unmarshal(data, &meta); err != nil {
		return Attachment{}, "", fmt.Errorf("parsing meta: %w", err)
	}
	return meta, filepath.Join(s.artifactRoot, filepath.FromSlash(meta.Path)), nil
}

// Delete removes one attachment.
func (s *Store) Delete(owner Owner, ownerID, attachmentID string) error {
	if err := validateOwner(owner, ownerID); err != nil {
		return err
	}
	if strings.TrimSpace(attachmentID) == "" {
		return fmt.Errorf("attachment id is required")
	}
	dir := filepath.Join(s.baseDir, string(owner), ownerID, attachmentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing attachment: %w", err)
	}
	return nil
}

// DeleteAll removes every attachment of one owner.
func (s *Store) DeleteAll(owner Owner, ownerID string) error {
	if err := validateOwner(owner, ownerID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, string(owner), ownerID)); err != nil {
		return fmt.Errorf("removing owner attachments: %w", err)
	}
	return nil
}

func validateOwner(owner Owner, ownerID string) error {
	if owner != OwnerPlanning && owner != OwnerTask {
		return fmt.Errorf("invalid attachment owner: %q", owner)
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "_")
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, "\x00", "")
	base = strings.ReplaceAll(base, "/", "_")
	if base == "" || base == "." || base == ".." {
		base = "attachment"
	}
	const maxLen = 200
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	return base
}

func writeJSONFile(root *os.Root, path string, v any) error {
	tmp := path + ".tmp"
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := root.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return root.Rename(tmp, path)
}
