// Package workspace implements the per-session filesystem sandbox: path
// resolution that never escapes a session's workspace root, plus byte and
// file-count quota tracking.
//
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"termgateway/internal/logger"
)

var log = logger.WithComponent("WORKSPACE")

// Limits bounds what a Sandbox will accept.
type Limits struct {
	QuotaBytes   int64
	MaxFileCount int64
}

// Sandbox resolves and mediates all filesystem access for one session. It is
// exclusively owned by that session and never shared across sessions.
type Sandbox struct {
	root   string
	limits Limits

	mu  sync.Mutex
	cwd string // absolute, always root or a descendant of root

	bytesUsed int64 // atomic
	fileCount int64 // atomic
}

// New creates a Sandbox rooted at root, which must already exist.
func New(root string, limits Limits) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &PathSecurityError{Op: "new_sandbox", Path: root, Wrapped: ErrInvalidPath}
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &PathSecurityError{Op: "new_sandbox", Path: root, Wrapped: ErrInvalidPath}
	}
	return &Sandbox{root: real, cwd: real, limits: limits}, nil
}

// Root returns the sandbox's canonical root path.
func (s *Sandbox) Root() string { return s.root }

// RemoveRoot deletes the sandbox's entire workspace tree, including the root
// directory itself. Called once, when the owning session is destroyed.
func (s *Sandbox) RemoveRoot() error {
	return os.RemoveAll(s.root)
}

// BytesUsed and FileCount report current quota consumption.
func (s *Sandbox) BytesUsed() int64 { return atomic.LoadInt64(&s.bytesUsed) }
func (s *Sandbox) FileCount() int64 { return atomic.LoadInt64(&s.fileCount) }

// Chdir updates the sandbox's cached working directory, used as the base for
// subsequent relative resolutions. The target must itself resolve inside the
// root.
func (s *Sandbox) Chdir(userPath string) error {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return &PathSecurityError{Op: "chdir", Path: userPath, Wrapped: ErrInvalidPath}
	}
	s.mu.Lock()
	s.cwd = resolved
	s.mu.Unlock()
	return nil
}

// Cwd returns the sandbox's current working directory, relative to root (""
// for the root itself).
func (s *Sandbox) Cwd() string {
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	rel, err := filepath.Rel(s.root, cwd)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

// Resolve rejects traversal segments and absolute paths, interprets userPath
// relative to the cached cwd, lexically normalizes it, canonicalizes it
// against the real filesystem, then rejects it unless the canonical path's
// component list has root as a prefix. Symlinks whose target escapes root
// are rejected even if the link itself lives inside root.
func (s *Sandbox) Resolve(userPath string) (string, error) {
	if containsTraversalSegment(userPath) {
		return "", &PathSecurityError{Op: "check_traversal", Path: userPath, Wrapped: ErrPathTraversal}
	}
	if filepath.IsAbs(userPath) {
		return "", &PathSecurityError{Op: "check_absolute", Path: userPath, Wrapped: ErrPathTraversal}
	}

	s.mu.Lock()
	base := s.cwd
	s.mu.Unlock()

	joined := filepath.Join(base, userPath)
	normalized := filepath.Clean(joined)

	if !isWithinRoot(normalized, s.root) {
		return "", &PathSecurityError{Op: "check_prefix", Path: userPath, Wrapped: ErrOutsideRoot}
	}

	// Canonicalize the deepest existing ancestor, so a path that does not
	// exist yet is still checked against where it would really land.
	existing, rest := normalized, ""
	for existing != s.root {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = filepath.Dir(existing)
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", &PathSecurityError{Op: "resolve_symlink", Path: normalized, Wrapped: ErrInvalidPath}
	}
	if !isWithinRoot(real, s.root) {
		log.Warn("symlink escape attempt: %s -> %s (root: %s)", normalized, real, s.root)
		return "", &PathSecurityError{Op: "check_symlink", Path: userPath, Wrapped: ErrSymlinkEscape}
	}
	return filepath.Join(real, rest), nil
}

// isWithinRoot compares canonical component lists rather than doing a bare
// string-prefix check, which would wrongly accept "/root/workspace2" as
// inside "/root/workspace".
func isWithinRoot(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func containsTraversalSegment(p string) bool {
	p = filepath.ToSlash(p)
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Stat resolves userPath and stats it.
func (s *Sandbox) Stat(userPath string) (fs.FileInfo, error) {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	return os.Stat(resolved)
}

// Entry is a directory listing entry.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime int64
}

// List resolves userPath and lists its immediate children, sorted by name.
func (s *Sandbox) List(userPath string) ([]Entry, error) {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			IsDir:   d.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadFile resolves userPath and reads its full contents.
func (s *Sandbox) ReadFile(userPath string) ([]byte, error) {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// WriteFile resolves userPath, checks quota, then writes data, creating
// parent directories as needed.
func (s *Sandbox) WriteFile(userPath string, data []byte, perm fs.FileMode) error {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return err
	}

	var existingSize int64
	isNewFile := true
	if info, statErr := os.Stat(resolved); statErr == nil {
		existingSize = info.Size()
		isNewFile = false
	}

	delta := int64(len(data)) - existingSize
	if err := s.reserveBytes(delta); err != nil {
		return err
	}
	if isNewFile {
		if err := s.reserveFile(); err != nil {
			s.reserveBytes(-delta)
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		s.rollbackWrite(delta, isNewFile)
		return err
	}
	if err := os.WriteFile(resolved, data, perm); err != nil {
		s.rollbackWrite(delta, isNewFile)
		return err
	}
	return nil
}

func (s *Sandbox) rollbackWrite(delta int64, wasNewFile bool) {
	atomic.AddInt64(&s.bytesUsed, -delta)
	if wasNewFile {
		atomic.AddInt64(&s.fileCount, -1)
	}
}

// Mkdir resolves userPath and creates it as a directory, subject to the file
// count cap.
func (s *Sandbox) Mkdir(userPath string) error {
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	if err := s.reserveFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		atomic.AddInt64(&s.fileCount, -1)
		return err
	}
	return nil
}

// Delete resolves userPath and removes it (recursively for directories),
// crediting its size back to the quota. The workspace root itself can never
// be deleted.
func (s *Sandbox) Delete(userPath string) error {
	if strings.TrimSpace(userPath) == "" || userPath == "." || userPath == "/" {
		return &PathSecurityError{Op: "delete", Path: userPath, Wrapped: ErrRootDeletion}
	}
	resolved, err := s.Resolve(userPath)
	if err != nil {
		return err
	}
	if resolved == s.root {
		return &PathSecurityError{Op: "delete", Path: userPath, Wrapped: ErrRootDeletion}
	}

	freed, count, err := treeSize(resolved)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(resolved); err != nil {
		return err
	}
	atomic.AddInt64(&s.bytesUsed, -freed)
	atomic.AddInt64(&s.fileCount, -count)
	if atomic.LoadInt64(&s.bytesUsed) < 0 {
		atomic.StoreInt64(&s.bytesUsed, 0)
	}
	if atomic.LoadInt64(&s.fileCount) < 0 {
		atomic.StoreInt64(&s.fileCount, 0)
	}
	return nil
}

func treeSize(root string) (bytes int64, count int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			info, infoErr := d.Info()
			if infoErr == nil {
				bytes += info.Size()
			}
			count++
		}
		return nil
	})
	return bytes, count, err
}

func (s *Sandbox) reserveBytes(delta int64) error {
	if delta <= 0 {
		atomic.AddInt64(&s.bytesUsed, delta)
		return nil
	}
	if s.limits.QuotaBytes > 0 {
		if atomic.LoadInt64(&s.bytesUsed)+delta > s.limits.QuotaBytes {
			return &PathSecurityError{Op: "reserve_bytes", Path: "", Wrapped: ErrQuotaExceeded}
		}
	}
	atomic.AddInt64(&s.bytesUsed, delta)
	return nil
}

func (s *Sandbox) reserveFile() error {
	if s.limits.MaxFileCount > 0 && atomic.LoadInt64(&s.fileCount)+1 > s.limits.MaxFileCount {
		return &PathSecurityError{Op: "reserve_file", Path: "", Wrapped: ErrFileCountCap}
	}
	atomic.AddInt64(&s.fileCount, 1)
	return nil
}
