// Package quarantine moves rejected IPC files aside with a manifest so
// they can be inspected or replayed later.
package quarantine

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const manifestDirName = "manifest"

// Entry describes one quarantined file.
type Entry struct {
	Token        string    `json:"token"`
	Namespace    string    `json:"namespace"`
	OriginalPath string    `json:"original_path"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Hash         string    `json:"hash,omitempty"`
	HashAlgo     string    `json:"hash_algo,omitempty"`
	Reason       string    `json:"reason"`
	Created      time.Time `json:"created"`
}

// Dir is a quarantine directory. Payloads are stored as <namespace>-<file>
// at the top level; manifests live under manifest/.
type Dir struct {
	root      string
	hashLimit int64
	now       func() time.Time
}

func New(root string) *Dir {
	return &Dir{root: root, hashLimit: 1 << 20, now: time.Now}
}

func (d *Dir) Root() string { return d.root }

// Divert moves path into quarantine and records why.
func (d *Dir) Divert(path, namespace, reason string) (*Entry, error) {
	if d.root == "" {
		return nil, errors.New("quarantine dir required")
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("quarantine %s: is a directory", path)
	}
	if err := os.MkdirAll(filepath.Join(d.root, manifestDirName), 0o755); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	dest := filepath.Join(d.root, namespace+"-"+filepath.Base(path))
	if _, err := os.Lstat(dest); err == nil {
		dest = filepath.Join(d.root, namespace+"-"+token[:8]+"-"+filepath.Base(path))
	}
	entry := &Entry{
		Token:        token,
		Namespace:    namespace,
		OriginalPath: path,
		Path:         dest,
		Size:         info.Size(),
		Reason:       reason,
		Created:      d.now().UTC(),
	}
	if info.Size() <= d.hashLimit {
		if h, err := hashFile(path); err == nil {
			entry.Hash, entry.HashAlgo = h, "sha256"
		}
	}

	if err := os.Rename(path, dest); err != nil {
		// Fallback to copy then remove.
		if err := copyFile(path, dest, info.Mode()); err != nil {
			return nil, fmt.Errorf("quarantine (copy fallback): %w", err)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("cleanup source: %w", err)
		}
	}
	if err := d.writeManifest(entry); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return entry, nil
}

// List returns entries oldest first.
func (d *Dir) List() ([]Entry, error) {
	manDir := filepath.Join(d.root, manifestDirName)
	files, err := os.ReadDir(manDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(manDir, f.Name()))
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", f.Name(), err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Created.Before(entries[j].Created)
	})
	return entries, nil
}

// Restore moves a quarantined file back to where it came from, verifying
// its hash when one was recorded.
func (d *Dir) Restore(token string) (string, error) {
	e, manPath, err := d.readManifest(token)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(e.OriginalPath); err == nil {
		return "", fmt.Errorf("destination exists: %s", e.OriginalPath)
	}
	if e.Hash != "" {
		actual, err := hashFile(e.Path)
		if err != nil {
			return "", fmt.Errorf("hash payload: %w", err)
		}
		if actual != e.Hash {
			return "", fmt.Errorf("hash mismatch on restore: expected %s got %s", e.Hash, actual)
		}
	}
	if err := os.MkdirAll(filepath.Dir(e.OriginalPath), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(e.Path, e.OriginalPath); err != nil {
		return "", fmt.Errorf("restore: %w", err)
	}
	_ = os.Remove(manPath)
	return e.OriginalPath, nil
}

// Purge removes entries older than ttl, then the oldest entries beyond
// keep. Zero disables either limit.
func (d *Dir) Purge(ttl time.Duration, keep int) (int, error) {
	entries, err := d.List()
	if err != nil {
		return 0, err
	}
	now := d.now()
	removed := 0
	var remaining []Entry
	for _, e := range entries {
		if ttl > 0 && e.Created.Add(ttl).Before(now) {
			if err := d.remove(&e); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		remaining = append(remaining, e)
	}
	for keep > 0 && len(remaining) > keep {
		e := remaining[0]
		if err := d.remove(&e); err != nil {
			return removed, err
		}
		remaining = remaining[1:]
		removed++
	}
	return removed, nil
}

func (d *Dir) writeManifest(e *Entry) error {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.root, manifestDirName, e.Token+".json"), b, 0o640)
}

func (d *Dir) readManifest(token string) (*Entry, string, error) {
	if token == "" || strings.ContainsAny(token, `/\`) {
		return nil, "", fmt.Errorf("invalid token %q", token)
	}
	manPath := filepath.Join(d.root, manifestDirName, token+".json")
	b, err := os.ReadFile(manPath)
	if err != nil {
		return nil, "", err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, "", err
	}
	return &e, manPath, nil
}

func (d *Dir) remove(e *Entry) error {
	_ = os.Remove(filepath.Join(d.root, manifestDirName, e.Token+".json"))
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
