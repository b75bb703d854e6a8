// Copyright 2025 The Docwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package listen

import (
	"crypto/md5"
	"encoding/binary"
	"math"

	"docwire.dev/internal/dwerr"
)

// A HashFunc derives the two base hashes for double hashing a document
// name into a Bloom filter. The function must match the one the service
// used to build the filter bit-for-bit, or membership tests will produce
// false negatives; it is pluggable for that reason.
type HashFunc func(name string) (h1, h2 uint64)

// MD5DoubleHash is the service's documented hash family: the MD5 digest
// of the document name split into two little-endian 64-bit halves.
func MD5DoubleHash(name string) (uint64, uint64) {
	sum := md5.Sum([]byte(name))
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

// A BloomFilter is an approximate-membership bitmap over document names.
// It admits false positives but never false negatives: a name inserted
// during construction always tests positive.
type BloomFilter struct {
	// Bits is the bitmap, bit i at Bits[i/8]&(1<<(i%8)). The last
	// Padding bits of the final byte are not part of the filter.
	Bits    []byte
	Padding int32

	// HashCount is the number of independent probes per name.
	HashCount int32
}

// NewBloomFilter returns an empty filter sized for the expected number
// of entries and target false-positive rate, using the standard optimal
// sizing. It is used by tests and by servers building existence filters.
func NewBloomFilter(expectedEntries int, falsePositiveRate float64) *BloomFilter {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	// m = -n*ln(p)/ln(2)^2, k = m/n*ln(2)
	ln2 := math.Ln2
	m := int(math.Ceil(-float64(expectedEntries) * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if m < 1 {
		m = 1
	}
	k := int(math.Round(float64(m) / float64(expectedEntries) * ln2))
	if k < 1 {
		k = 1
	}
	nbytes := (m + 7) / 8
	return &BloomFilter{
		Bits:      make([]byte, nbytes),
		Padding:   int32(nbytes*8 - m),
		HashCount: int32(k),
	}
}

// bitCount returns the number of usable bits in the bitmap.
func (f *BloomFilter) bitCount() uint64 {
	return uint64(len(f.Bits))*8 - uint64(f.Padding)
}

// Validate reports an error for a filter whose shape cannot be probed.
func (f *BloomFilter) Validate() error {
	if f.HashCount <= 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "bloom filter hash count %d must be positive", f.HashCount)
	}
	if f.Padding < 0 || f.Padding > 7 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "bloom filter padding %d out of range", f.Padding)
	}
	if f.bitCount() == 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "bloom filter has no bits")
	}
	return nil
}

// Insert sets the probe bits for name. Insert is used when building a
// filter; membership checks on a built filter are pure and need no
// locking.
func (f *BloomFilter) Insert(name string, hash HashFunc) {
	h1, h2 := hash(name)
	n := f.bitCount()
	for i := uint64(0); i < uint64(f.HashCount); i++ {
		idx := (h1 + i*h2) % n
		f.Bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains reports whether name may be in the set. A false result is
// definitive: the name was not inserted.
func (f *BloomFilter) Contains(name string, hash HashFunc) bool {
	h1, h2 := hash(name)
	n := f.bitCount()
	for i := uint64(0); i < uint64(f.HashCount); i++ {
		idx := (h1 + i*h2) % n
		if f.Bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}
