package vault

import (
	"archive/tar"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"yamanaka/syncd/internal/logging"
)

// Reserved top-level entries the store manages itself; they are never listed,
// never writable through mutations, and survive a full replace.
const (
	HistoryDirName  = ".history"
	SpoolDirName    = "missed_events"
	JournalDirName  = ".journal"
	ClientsFileName = "clients.json"
)

// ErrBadPath reports a path that escapes the vault root or names a reserved entry.
var ErrBadPath = errors.New("path escapes the vault or names a reserved entry")

// ErrArchive reports a malformed tar.gz stream handed to ExtractTarGz.
var ErrArchive = errors.New("invalid archive")

// File represents a single vault file for API transfer. Content is base64.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Store owns all reads and writes beneath the vault root. A single
// reader-writer lock serializes mutations against walks and history commits.
type Store struct {
	root string
	mu   sync.RWMutex
	log  *logging.Logger
}

// NewStore creates the vault root if needed and returns a store bound to it.
func NewStore(root string, logger *logging.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("vault root must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs, log: logger}, nil
}

// Root reports the absolute vault root directory.
func (s *Store) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// Exclusive runs fn while holding the vault write lock. History commits use
// this so snapshots observe a quiescent tree.
func (s *Store) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// resolve validates a client-supplied relative path and maps it onto the
// filesystem. Absolute paths, parent traversal and reserved entries all
// yield ErrBadPath.
func (s *Store) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadPath)
	}
	cleaned := path.Clean(rel)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, rel)
	}
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrBadPath, rel)
	}
	first := cleaned
	if idx := strings.IndexByte(cleaned, '/'); idx >= 0 {
		first = cleaned[:idx]
	}
	switch first {
	case HistoryDirName, SpoolDirName, JournalDirName, ClientsFileName:
		return "", fmt.Errorf("%w: %q is reserved", ErrBadPath, first)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func reservedTopLevel(name string) bool {
	switch name {
	case HistoryDirName, SpoolDirName, JournalDirName, ClientsFileName:
		return true
	}
	return false
}

// ListAll walks the vault and returns every user file with forward-slash
// paths and base64 content. Bookkeeping entries are hidden.
func (s *Store) ListAll() ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]File, 0)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		first := slashRel
		if idx := strings.IndexByte(slashRel, '/'); idx >= 0 {
			first = slashRel[:idx]
		}
		if reservedTopLevel(first) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		content, readErr := os.ReadFile(p)
		if readErr != nil {
			return readErr
		}
		files = append(files, File{
			Path:    slashRel,
			Content: base64.StdEncoding.EncodeToString(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Write stores content at the given relative path, creating parents as needed.
func (s *Store) Write(rel string, content []byte) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, content, 0o644)
}

// Delete removes a single file. A missing file surfaces as an error; callers
// decide whether that matters.
func (s *Store) Delete(rel string) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return os.Remove(target)
}

// CleanExceptHistory removes every top-level entry except the reserved
// bookkeeping entries. Used before a full replace.
func (s *Store) CleanExceptHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if reservedTopLevel(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ExtractTarGz decompresses a gzipped tar stream into the vault root.
// Only directories and regular files are supported; any other entry kind or
// an entry resolving outside the vault fails the whole operation.
func (s *Store) ExtractTarGz(stream io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uncompressed, err := gzip.NewReader(stream)
	if err != nil {
		return fmt.Errorf("%w: bad gzip stream: %v", ErrArchive, err)
	}
	defer uncompressed.Close()

	reader := tar.NewReader(uncompressed)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: bad tar stream: %v", ErrArchive, err)
		}
		name := path.Clean(filepath.ToSlash(header.Name))
		if name == "." {
			continue
		}
		target, err := s.resolve(name)
		if err != nil {
			return fmt.Errorf("%w: entry %q: %v", ErrArchive, header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type %c for %q", ErrArchive, header.Typeflag, header.Name)
		}
	}
}
