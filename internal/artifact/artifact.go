// Package artifact holds the generated software output being built and
// repaired. The artifact is the only resource mutated across components:
// producer task deltas and applied candidate changes both funnel through the
// versioned mutation API here, under the per-artifact lock.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// File is a single named piece of generated content.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// Delta is the output of one producer task: files to create or overwrite,
// and paths to remove.
type Delta struct {
	TaskID  string   `json:"task_id"`
	Files   []File   `json:"files,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
}

// Change is an all-or-nothing modification proposed by a candidate solution.
// BaseVersion pins the artifact version the change was computed against;
// applying on any other version is a structural failure.
type Change struct {
	ID          string   `json:"id"`
	BaseVersion int      `json:"base_version"`
	Files       []File   `json:"files,omitempty"`
	Deletes     []string `json:"deletes,omitempty"`
}

// ErrStaleChange is returned when a change's base version no longer matches
// the artifact. The caller rolls back and falls back to another candidate.
var ErrStaleChange = errors.New("change base version does not match artifact")

// snapshot captures the full file set at a version, for rollback.
type snapshot struct {
	version  int
	changeID string
	files    map[string]File
}

// Artifact is a named collection of generated content with a version counter.
// All mutation goes through ApplyDelta, ApplyChange, and Revert.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Revision  string    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Files map[string]File `json:"files"`

	// last applied change, for idempotent re-apply detection
	lastChangeID string
	snapshots    []snapshot

	mu sync.RWMutex
}

// New creates an empty artifact at version 0.
func New(id, name string) *Artifact {
	now := time.Now()
	a := &Artifact{
		ID:        id,
		Name:      name,
		Files:     make(map[string]File),
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.Revision = computeRevision(a.Files)
	return a
}

// SanitizePath normalizes an artifact-relative path. Empty return means the
// path is unusable and should be dropped.
func SanitizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")
	trimmed = strings.TrimPrefix(trimmed, "./")
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" || strings.Contains(trimmed, "..") {
		return ""
	}
	return trimmed
}

// NewFile builds a File with size and content hash filled in.
func NewFile(path, content, language string) File {
	sum := sha256.Sum256([]byte(content))
	return File{
		Path:     path,
		Content:  content,
		Language: language,
		Size:     int64(len(content)),
		SHA256:   hex.EncodeToString(sum[:]),
	}
}

// computeRevision derives a content-addressed revision over the sorted file
// set, so identical contents always produce identical revisions.
func computeRevision(files map[string]File) string {
	if len(files) == 0 {
		return "empty"
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		f := files[p]
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(f.SHA256))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentVersion returns the version counter.
func (a *Artifact) CurrentVersion() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Version
}

// CurrentRevision returns the content-addressed revision.
func (a *Artifact) CurrentRevision() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Revision
}

// FileNames returns the sorted set of file paths.
func (a *Artifact) FileNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.Files))
	for p := range a.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get returns a file by path.
func (a *Artifact) Get(path string) (File, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.Files[path]
	return f, ok
}

// ApplyDelta merges a producer task's output and bumps the version.
func (a *Artifact) ApplyDelta(d *Delta) error {
	if d == nil {
		return fmt.Errorf("nil delta")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.takeSnapshot("")
	for _, f := range d.Files {
		path := SanitizePath(f.Path)
		if path == "" {
			continue
		}
		if f.SHA256 == "" {
			f = NewFile(path, f.Content, f.Language)
		}
		f.Path = path
		a.Files[path] = f
	}
	for _, p := range d.Deletes {
		delete(a.Files, SanitizePath(p))
	}
	a.bump("")
	return nil
}

// ApplyChange applies an all-or-nothing candidate change. Returns applied =
// false without error when the same change is re-applied to the unchanged
// artifact (idempotent no-op). Returns ErrStaleChange when the base version
// no longer matches.
func (a *Artifact) ApplyChange(c *Change) (applied bool, err error) {
	if c == nil || c.ID == "" {
		return false, fmt.Errorf("invalid change")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastChangeID == c.ID {
		// already applied, version must not advance twice
		return false, nil
	}
	if c.BaseVersion != a.Version {
		return false, fmt.Errorf("%w: base=%d current=%d", ErrStaleChange, c.BaseVersion, a.Version)
	}

	a.takeSnapshot(a.lastChangeID)
	for _, f := range c.Files {
		path := SanitizePath(f.Path)
		if path == "" {
			a.restoreLast()
			return false, fmt.Errorf("change %s has invalid path %q", c.ID, f.Path)
		}
		if f.SHA256 == "" {
			f = NewFile(path, f.Content, f.Language)
		}
		f.Path = path
		a.Files[path] = f
	}
	for _, p := range c.Deletes {
		delete(a.Files, SanitizePath(p))
	}
	a.bump(c.ID)
	return true, nil
}

// Revert restores the artifact to its state before the most recent apply,
// including the version counter. It is the rollback half of ApplyChange.
func (a *Artifact) Revert() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restoreLast()
}

func (a *Artifact) takeSnapshot(changeID string) {
	files := make(map[string]File, len(a.Files))
	for p, f := range a.Files {
		files[p] = f
	}
	a.snapshots = append(a.snapshots, snapshot{version: a.Version, changeID: changeID, files: files})
	// bounded history
	const maxSnapshots = 16
	if len(a.snapshots) > maxSnapshots {
		a.snapshots = a.snapshots[len(a.snapshots)-maxSnapshots:]
	}
}

func (a *Artifact) restoreLast() error {
	if len(a.snapshots) == 0 {
		return fmt.Errorf("artifact %s has no snapshot to revert to", a.ID)
	}
	last := a.snapshots[len(a.snapshots)-1]
	a.snapshots = a.snapshots[:len(a.snapshots)-1]
	a.Files = last.files
	a.Version = last.version
	a.lastChangeID = last.changeID
	a.Revision = computeRevision(a.Files)
	a.UpdatedAt = time.Now()
	return nil
}

func (a *Artifact) bump(changeID string) {
	a.Version++
	a.lastChangeID = changeID
	a.Revision = computeRevision(a.Files)
	a.UpdatedAt = time.Now()
}
