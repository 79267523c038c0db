package mapping

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"slices"
)

type cacheKey struct {
	nsrc, ntgt int
	op         Operator
	n          int
	sum        uint64
}

type cached struct {
	p    Pairs
	m    *Matrix
	mask Mask
}

// Cache hands out exactly one operator per (nsrc, ntgt, table, operator)
// combination. Returned matrices and masks are shared and read-only.
type Cache struct {
	m map[cacheKey][]cached
	n int
}

// NewCache returns an empty cache.
func NewCache() *Cache { return &Cache{m: make(map[cacheKey][]cached)} }

// Len is the number of distinct operators built so far.
func (c *Cache) Len() int { return c.n }

// Build returns the cached operator for these inputs, building it on first use.
// Tables sharing a fingerprint are told apart by comparing their rows.
func (c *Cache) Build(p Pairs, nsrc, ntgt int, op Operator) (*Matrix, Mask, error) {
	k := cacheKey{nsrc: nsrc, ntgt: ntgt, op: op, n: p.Len(), sum: fingerprint(p, op)}
	for _, e := range c.m[k] {
		if samePairs(e.p, p, op) {
			return e.m, e.mask, nil
		}
	}
	m, mask, err := Build(p, nsrc, ntgt, op)
	if err != nil {
		return nil, nil, err
	}
	q := Pairs{Source: slices.Clone(p.Source), Target: slices.Clone(p.Target), Weight: slices.Clone(p.Weight)}
	c.m[k] = append(c.m[k], cached{q, m, mask})
	c.n++
	return m, mask, nil
}

func samePairs(a, b Pairs, op Operator) bool {
	if !slices.Equal(a.Source, b.Source) || !slices.Equal(a.Target, b.Target) {
		return false
	}
	return op != Weight || slices.Equal(a.Weight, b.Weight)
}

func fingerprint(p Pairs, op Operator) uint64 {
	h := fnv.New64a()
	var b [8]byte
	put := func(u uint64) {
		binary.LittleEndian.PutUint64(b[:], u)
		h.Write(b[:])
	}
	for k := range p.Source {
		put(uint64(p.Source[k]))
		put(uint64(p.Target[k]))
	}
	if op == Weight {
		for _, w := range p.Weight {
			put(math.Float64bits(w))
		}
	}
	return h.Sum64()
}
