// Package hashcode computes the 64-bit hash code used to place a record: its
// low bits select the store shard, the next bits select the bucket within
// the shard. The algorithm is pluggable so a deployment can switch without
// touching the store or shard packages.
package hashcode

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names a hash-code implementation, set via configuration.
type Algorithm string

const (
	// XXHash is the default: fast, well-distributed, no known
	// pathological inputs for cache-key-sized data.
	XXHash Algorithm = "xxhash"
	// FNV1A is the stdlib-only fallback. No ecosystem murmur/farmhash/
	// spookyhash package appears anywhere in the retrieval pack, so this
	// one alternate algorithm is implemented on hash/fnv rather than a
	// third-party library (see DESIGN.md).
	FNV1A Algorithm = "fnv1a"
)

// Hasher computes a 64-bit hash code for a byte key.
type Hasher interface {
	Sum64(key []byte) uint64
	Algorithm() Algorithm
}

type xxhashHasher struct{}

func (xxhashHasher) Sum64(key []byte) uint64 { return xxhash.Sum64(key) }
func (xxhashHasher) Algorithm() Algorithm     { return XXHash }

type fnv1aHasher struct{}

func (fnv1aHasher) Sum64(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}
func (fnv1aHasher) Algorithm() Algorithm { return FNV1A }

// New returns the Hasher for a configured algorithm name, defaulting to
// XXHash for an unrecognized or empty name.
func New(alg Algorithm) Hasher {
	switch alg {
	case FNV1A:
		return fnv1aHasher{}
	default:
		return xxhashHasher{}
	}
}

// ShardIndex selects a shard from the hash's low bits; numShards must be a
// power of two.
func ShardIndex(hash uint64, numShards int) int {
	return int(hash & uint64(numShards-1))
}

// BucketIndex selects a bucket from the hash's next bits, above the shard
// selector bits.
func BucketIndex(hash uint64, numShards, numBuckets int) int {
	return int((hash / uint64(numShards)) & uint64(numBuckets-1))
}
