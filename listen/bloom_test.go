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
	"fmt"
	"testing"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	const n = 500
	f := NewBloomFilter(n, 0.01)
	var names []string
	for i := 0; i < n; i++ {
		names = append(names, fmt.Sprintf("projects/P/databases/D/documents/C/doc%d", i))
	}
	for _, name := range names {
		f.Insert(name, MD5DoubleHash)
	}
	for _, name := range names {
		if !f.Contains(name, MD5DoubleHash) {
			t.Errorf("%s: inserted name tested negative", name)
		}
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	const n = 1000
	f := NewBloomFilter(n, 0.01)
	for i := 0; i < n; i++ {
		f.Insert(fmt.Sprintf("projects/P/databases/D/documents/C/in%d", i), MD5DoubleHash)
	}
	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Contains(fmt.Sprintf("projects/P/databases/D/documents/C/out%d", i), MD5DoubleHash) {
			falsePositives++
		}
	}
	// Target rate is 1%; allow generous slack to keep the test stable.
	if rate := float64(falsePositives) / probes; rate > 0.05 {
		t.Errorf("false positive rate %.4f, want under 0.05", rate)
	}
}

func TestBloomFilterPadding(t *testing.T) {
	f := NewBloomFilter(10, 0.5)
	if f.Padding < 0 || f.Padding > 7 {
		t.Errorf("padding %d out of range", f.Padding)
	}
	if got, want := f.bitCount(), uint64(len(f.Bits))*8-uint64(f.Padding); got != want {
		t.Errorf("bitCount %d, want %d", got, want)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("freshly sized filter invalid: %v", err)
	}
}

func TestBloomFilterValidate(t *testing.T) {
	for _, test := range []struct {
		desc string
		f    *BloomFilter
	}{
		{"zero hash count", &BloomFilter{Bits: []byte{0}, HashCount: 0}},
		{"negative padding", &BloomFilter{Bits: []byte{0}, Padding: -1, HashCount: 1}},
		{"padding too large", &BloomFilter{Bits: []byte{0}, Padding: 8, HashCount: 1}},
		{"no bits", &BloomFilter{HashCount: 1}},
	} {
		if err := test.f.Validate(); err == nil {
			t.Errorf("%s: got nil error", test.desc)
		}
	}
}

func TestMD5DoubleHashDeterministic(t *testing.T) {
	h1a, h2a := MD5DoubleHash("projects/P/databases/D/documents/C/d1")
	h1b, h2b := MD5DoubleHash("projects/P/databases/D/documents/C/d1")
	if h1a != h1b || h2a != h2b {
		t.Error("hash of identical input differs")
	}
	h1c, h2c := MD5DoubleHash("projects/P/databases/D/documents/C/d2")
	if h1a == h1c && h2a == h2c {
		t.Error("hash of distinct inputs collided on both halves")
	}
}
