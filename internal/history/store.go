package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"yamanaka/syncd/internal/logging"
	"yamanaka/syncd/internal/vault"
)

// Store is a content-addressed snapshot store living inside the vault's
// history directory. File contents are deduplicated into zstd-compressed
// objects; a snapshot is a manifest of path→object pairs addressed by the
// digest of that manifest, so an unchanged tree commits to the same ref.
//
// Layout under <vault>/.history/:
//
//	objects/<sha256>        zstd-compressed file content
//	snapshots/<ref>.json    snapshot manifest
//	HEAD                    ref of the latest snapshot
type Store struct {
	vault *vault.Store
	dir   string
	log   *logging.Logger
	now   func() time.Time
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Meta describes a stored snapshot.
type Meta struct {
	Ref       string `json:"ref"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	Parent    string `json:"parent,omitempty"`
	Files     []Item `json:"files"`
}

// Item maps one vault path to its content object.
type Item struct {
	Path   string `json:"path"`
	Object string `json:"object"`
}

// NewStore binds a history store to the given vault.
func NewStore(v *vault.Store, logger *logging.Logger, clock func() time.Time) (*Store, error) {
	if v == nil {
		return nil, errors.New("vault store must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	if clock == nil {
		clock = time.Now
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		vault: v,
		dir:   filepath.Join(v.Root(), vault.HistoryDirName),
		log:   logger,
		now:   clock,
		enc:   enc,
		dec:   dec,
	}, nil
}

// EnsureInitialized creates the history directory skeleton.
func (s *Store) EnsureInitialized() error {
	if err := os.MkdirAll(filepath.Join(s.dir, "objects"), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.dir, "snapshots"), 0o755)
}

// Head returns the ref of the latest snapshot, or empty when none exists.
func (s *Store) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "HEAD"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Commit snapshots the current vault state under the exclusive vault lock.
// When the tree is unchanged since the last snapshot the existing ref is
// returned and created is false.
func (s *Store) Commit(message string) (ref string, created bool, err error) {
	err = s.vault.Exclusive(func() error {
		items, commitErr := s.storeObjectsLocked()
		if commitErr != nil {
			return commitErr
		}
		ref = treeRef(items)

		head, headErr := s.Head()
		if headErr != nil {
			return headErr
		}
		manifestPath := filepath.Join(s.dir, "snapshots", ref+".json")
		if head == ref {
			if _, statErr := os.Stat(manifestPath); statErr == nil {
				return nil
			}
		}

		meta := Meta{
			Ref:       ref,
			Message:   message,
			CreatedAt: s.now().UTC().Format(time.RFC3339Nano),
			Parent:    head,
			Files:     items,
		}
		data, marshalErr := json.MarshalIndent(meta, "", "  ")
		if marshalErr != nil {
			return marshalErr
		}
		if writeErr := os.WriteFile(manifestPath, data, 0o644); writeErr != nil {
			return writeErr
		}
		if writeErr := os.WriteFile(filepath.Join(s.dir, "HEAD"), []byte(ref+"\n"), 0o644); writeErr != nil {
			return writeErr
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return ref, created, nil
}

// storeObjectsLocked walks the user file tree, persists missing content
// objects and returns the sorted manifest items. Caller holds the vault lock.
func (s *Store) storeObjectsLocked() ([]Item, error) {
	root := s.vault.Root()
	items := make([]Item, 0)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
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
		switch first {
		case vault.HistoryDirName, vault.SpoolDirName, vault.JournalDirName, vault.ClientsFileName:
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
		object, storeErr := s.storeObject(content)
		if storeErr != nil {
			return storeErr
		}
		items = append(items, Item{Path: slashRel, Object: object})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (s *Store) storeObject(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	object := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, "objects", object)
	if _, err := os.Stat(path); err == nil {
		return object, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	compressed := s.enc.EncodeAll(content, nil)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", err
	}
	return object, nil
}

// treeRef derives the snapshot ref from the sorted manifest items.
func treeRef(items []Item) string {
	digest := sha256.New()
	for _, item := range items {
		digest.Write([]byte(item.Path))
		digest.Write([]byte{0})
		digest.Write([]byte(item.Object))
		digest.Write([]byte{'\n'})
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// Snapshot loads the manifest for the given ref.
func (s *Store) Snapshot(ref string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "snapshots", ref+".json"))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Snapshots lists every stored snapshot, newest first by creation time.
func (s *Store) Snapshots() ([]Meta, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "snapshots"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		meta, err := s.Snapshot(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable snapshot manifest",
				logging.String("file", entry.Name()), logging.Error(err))
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt > metas[j].CreatedAt })
	return metas, nil
}

// Checkout materializes the snapshot's file tree into dest. Used for
// operator-driven recovery; it never touches the live vault.
func (s *Store) Checkout(ref, dest string) error {
	meta, err := s.Snapshot(ref)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", ref, err)
	}
	for _, item := range meta.Files {
		compressed, err := os.ReadFile(filepath.Join(s.dir, "objects", item.Object))
		if err != nil {
			return fmt.Errorf("object %s for %s: %w", item.Object, item.Path, err)
		}
		content, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("decompress %s: %w", item.Object, err)
		}
		target := filepath.Join(dest, filepath.FromSlash(item.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
