package indexing

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"
)

const shingleSize = 3

// SimHash returns a 64-bit locality-sensitive signature of normalized text
// built from overlapping word shingles. Similar documents differ in few bits.
func SimHash(normalized string) uint64 {
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return 0
	}
	var weights [64]int
	add := func(shingle string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(shingle))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	if len(words) < shingleSize {
		add(strings.Join(words, " "))
	}
	for i := 0; i+shingleSize <= len(words); i++ {
		add(strings.Join(words[i:i+shingleSize], " "))
	}
	var sig uint64
	for i, w := range weights {
		if w > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// Distance is the Hamming distance between two signatures.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

type signature struct {
	sig  uint64
	hash string
}

// nearIndex remembers the most recent signatures in a fixed ring.
type nearIndex struct {
	mu    sync.Mutex
	ring  []signature
	next  int
	count int
}

func newNearIndex(capacity int) *nearIndex {
	if capacity <= 0 {
		capacity = 10000
	}
	return &nearIndex{ring: make([]signature, capacity)}
}

// claim returns the content hash of a remembered document within maxDistance
// bits. When there is none it remembers sig for hash in the same critical
// section, so of two concurrent near-duplicates only one is admitted.
func (n *nearIndex) claim(sig uint64, hash string, maxDistance int) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < n.count; i++ {
		if n.ring[i].hash != "" && Distance(n.ring[i].sig, sig) <= maxDistance {
			return n.ring[i].hash, true
		}
	}
	n.ring[n.next] = signature{sig: sig, hash: hash}
	n.next = (n.next + 1) % len(n.ring)
	if n.count < len(n.ring) {
		n.count++
	}
	return "", false
}

// forget drops the signature claimed for hash after its record was not stored.
func (n *nearIndex) forget(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < n.count; i++ {
		if n.ring[i].hash == hash {
			n.ring[i] = signature{}
		}
	}
}
