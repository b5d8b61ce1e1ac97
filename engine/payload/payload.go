// Package payload is the content-addressed blob store for row data and
// call bodies. The landscape keeps hashes and refs only; the bytes live
// here, sharded by hash prefix.
package payload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/elspeth-io/elspeth/common/logger"
)

// ErrPayloadNotFound is returned when a ref has no stored bytes.
var ErrPayloadNotFound = errors.New("payload not found")

// Store writes blobs under root/<hash[:2]>/<hash>. Writes are
// idempotent: storing the same bytes twice is one file.
type Store struct {
	root string
	log  *logger.Logger
}

// NewStore creates a payload store rooted at dir
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("payload root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create payload root: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// Put stores data and returns its ref (the hex blake3 digest).
func (s *Store) Put(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create payload shard: %w", err)
	}

	// Write to a temp file, then rename. Readers never observe a
	// partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+ref+".*")
	if err != nil {
		return "", fmt.Errorf("create payload temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close payload temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		// A concurrent writer may have landed the same blob first
		if _, statErr := os.Stat(path); statErr == nil {
			return ref, nil
		}
		return "", fmt.Errorf("finalise payload: %w", err)
	}

	return ref, nil
}

// Get reads the bytes for a ref.
func (s *Store) Get(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty payload ref: %w", ErrPayloadNotFound)
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("payload %s: %w", ref, ErrPayloadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", ref, err)
	}
	return data, nil
}

// Has reports whether a ref is stored.
func (s *Store) Has(ref string) bool {
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Open returns a reader over a stored blob for large payloads.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("payload %s: %w", ref, ErrPayloadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", ref, err)
	}
	return f, nil
}

func (s *Store) path(ref string) string {
	shard := ref
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, ref)
}
