// Package hashindex maintains a content-hash deduplication index over the
// corpus: every queue entry's raw bytes are hashed once with xxhash and
// filed into a bucket so a later candidate with identical content can be
// rejected (or merged) in O(1) instead of walking the whole queue.
package hashindex

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrMissingInputHash is returned by Remove and Move (and, at call sites
// that cannot proceed without it, wrapped into a fatal condition) when they
// are asked about a hash the index never recorded; Lookup reports absence
// through its bool result instead. This should never happen
// in a correctly synchronized caller - it indicates the EdgeIndex and
// InputHashIndex have drifted out of sync.
var ErrMissingInputHash = errors.New("hashindex: input hash not present")

// Hash is the 64-bit content hash of one queue entry's raw bytes.
type Hash uint64

// Sum computes the content hash of data.
func Sum(data []byte) Hash {
	return Hash(xxhash.Sum64(data))
}

// EntryRef is an opaque handle to one queue entry, supplied by the caller
// (in practice the queue package's slot index) and never interpreted by
// this package.
type EntryRef int

// Bucket is the set of entries sharing one content hash. Collisions are
// rare at 64 bits of hash width but are handled explicitly rather than
// assumed away: two different inputs that happen to collide are kept as
// distinct entries in the same bucket.
type Bucket struct {
	Hash    Hash
	Entries []EntryRef
}

// Index maps content hashes to the queue entries holding that content.
type Index struct {
	buckets map[Hash]*Bucket
}

// New creates an empty Index.
func New() *Index {
	return &Index{buckets: make(map[Hash]*Bucket)}
}

// Lookup returns the bucket for hash, or (nil, false) if no entry has ever
// been recorded under it.
func (idx *Index) Lookup(hash Hash) (*Bucket, bool) {
	b, ok := idx.buckets[hash]

	return b, ok
}

// Insert records ref under hash, creating the bucket if necessary. Does
// not check for an existing identical ref; callers must not insert the
// same ref twice for the same hash.
func (idx *Index) Insert(hash Hash, ref EntryRef) {
	b, ok := idx.buckets[hash]
	if !ok {
		b = &Bucket{Hash: hash}
		idx.buckets[hash] = b
	}

	b.Entries = append(b.Entries, ref)
}

// Remove deletes ref from hash's bucket. Returns ErrMissingInputHash if
// hash has no bucket, or if ref is not present in it. The bucket itself is
// deleted once its last entry is removed.
func (idx *Index) Remove(hash Hash, ref EntryRef) error {
	b, ok := idx.buckets[hash]
	if !ok {
		return fmt.Errorf("%w: hash %x", ErrMissingInputHash, hash)
	}

	i := indexOf(b.Entries, ref)
	if i < 0 {
		return fmt.Errorf("%w: ref %d not in bucket for hash %x", ErrMissingInputHash, ref, hash)
	}

	b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)

	if len(b.Entries) == 0 {
		delete(idx.buckets, hash)
	}

	return nil
}

// Move relocates ref from oldHash's bucket to newHash's bucket, used when
// an entry's on-disk content changes identity (e.g. after a swap-in
// eviction picks up new bytes under the same queue slot). Returns
// ErrMissingInputHash if ref is not found under oldHash.
func (idx *Index) Move(oldHash, newHash Hash, ref EntryRef) error {
	if err := idx.Remove(oldHash, ref); err != nil {
		return err
	}

	idx.Insert(newHash, ref)

	return nil
}

// Count returns the number of distinct content hashes currently indexed.
func (idx *Index) Count() int {
	return len(idx.buckets)
}

func indexOf(refs []EntryRef, target EntryRef) int {
	for i, r := range refs {
		if r == target {
			return i
		}
	}

	return -1
}
