package landscape

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// NewTokenID returns a fresh token identifier. ULIDs sort by creation
// time, which the parentage back-edge check relies on: a parent must
// sort before (or equal to) its child.
func NewTokenID() string {
	return ulid.Make().String()
}

// NewID returns an identifier for states, outcomes, events, batches
func NewID() string {
	return uuid.NewString()
}

// HashBytes returns the hex blake3 digest of raw bytes
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalises a value through encoding/json (map keys are
// emitted sorted) and hashes the result. Used for row content hashes,
// config fingerprints, and error hashes.
func HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalise for hashing: %w", err)
	}
	return HashBytes(data), nil
}

// RowID derives the stable row identifier from source position and
// content hash. Deterministic so that resume runs address the same
// logical rows.
func RowID(position int, contentHash string) string {
	sum := blake3.Sum256(fmt.Appendf(nil, "%d:%s", position, contentHash))
	return hex.EncodeToString(sum[:])[:32]
}
