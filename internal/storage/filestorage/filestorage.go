// Package filestorage implements storage.Storage against the local
// filesystem, rooted at a single destination directory per torrent.
package filestorage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ccbittorrent/swarmd/internal/storage"
)

// FileStorage roots every opened file under a single destination
// directory, matching the teacher's one-directory-per-torrent layout.
type FileStorage struct {
	dest string

	mu    sync.Mutex
	files map[string]*localFile
}

// New creates (if absent) and returns a FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("filestorage: %w", err)
	}
	return &FileStorage{dest: dest, files: make(map[string]*localFile)}, nil
}

// Dest returns the destination root directory.
func (s *FileStorage) Dest() string { return s.dest }

func (s *FileStorage) resolve(path string) (string, error) {
	full := filepath.Join(s.dest, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.dest, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("filestorage: path %q escapes destination root", path)
	}
	return full, nil
}

// Open creates or opens the file at path and preallocates it to length
// bytes per strategy.
func (s *FileStorage) Open(path string, length int64, strategy storage.Preallocation) (storage.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lf, ok := s.files[full]; ok {
		return lf, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("filestorage: %w", err)
	}
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestorage: %w", err)
	}
	if err := preallocate(f, length, strategy); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestorage: preallocate %s: %w", path, err)
	}
	lf := &localFile{f: f, path: full}
	s.files[full] = lf
	return lf, nil
}

func preallocate(f *os.File, length int64, strategy storage.Preallocation) error {
	switch strategy {
	case storage.PreallocateNone:
		return nil
	case storage.PreallocateSparse:
		return f.Truncate(length)
	case storage.PreallocateFull, storage.PreallocateFallocate:
		// Best-effort: a true fallocate(2) syscall is platform-specific
		// and outside the standard library; truncate reserves the
		// logical size, which is sufficient on filesystems without
		// sparse-file support and a safe fallback elsewhere.
		return f.Truncate(length)
	default:
		return fmt.Errorf("unknown preallocation strategy %d", strategy)
	}
}

// ApplySymlink creates or retargets a symlink at path pointing at the
// root-relative target. Best-effort: failures are returned to the caller,
// who per spec §4.8 must log and continue rather than fail the download.
func (s *FileStorage) ApplySymlink(path string, target []string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	linkTarget := filepath.Join(target...)
	_ = os.Remove(full)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.Symlink(linkTarget, full)
}

// ApplyExecutable sets or clears the owner/group/other executable bits.
func (s *FileStorage) ApplyExecutable(path string, executable bool) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if executable {
		mode |= 0o111
	} else {
		mode &^= 0o111
	}
	return os.Chmod(full, mode)
}

// ApplyHidden applies the platform's hidden-file convention. On Windows
// this would set the hidden file attribute; elsewhere BEP 47's hidden
// flag has no filesystem equivalent beyond the leading-dot convention
// already present in the torrent's own file names, so this is a no-op.
func (s *FileStorage) ApplyHidden(path string) error {
	if runtime.GOOS != "windows" {
		return nil
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	return applyHiddenWindows(full)
}

type localFile struct {
	f    *os.File
	path string
}

func (lf *localFile) ReadAt(p []byte, off int64) (int, error)  { return lf.f.ReadAt(p, off) }
func (lf *localFile) WriteAt(p []byte, off int64) (int, error) { return lf.f.WriteAt(p, off) }
func (lf *localFile) Truncate(length int64) error              { return lf.f.Truncate(length) }
func (lf *localFile) Close() error                             { return lf.f.Close() }
func (lf *localFile) Path() string                              { return lf.path }
