// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"slices"

	"github.com/samber/lo"

	"nereid/internal/bitkey"
)

// VictimSelector picks which id gets evicted from an over-full bucket.
// ids is never empty and is sorted in ascending key order.
type VictimSelector func(ids []bitkey.Key) bitkey.Key

// RandomVictim is the default selector. There is no liveness or rtt signal on a data
// channel, so every member of the bucket is equally likely to go.
func RandomVictim(ids []bitkey.Key) bitkey.Key {
	return lo.Sample(ids)
}

type Entry struct {
	Remote *RemoteNode
	ID     bitkey.Key
}

func (e *Entry) close() {
	if e.Remote != nil {
		_ = e.Remote.Close()
	}
}

type bucket map[bitkey.Key]*Entry

// BucketInfo is a read only snapshot of one non-empty bucket.
type BucketInfo struct {
	IDs   []bitkey.Key `json:"ids"`
	Index int          `json:"index"`
}

// RoutingTable holds known peers in buckets indexed by the highest set bit of
// `id xor self`, bucket 0 is the closest one.
//
// RoutingTable is not safe for concurrent use, Node guards it with its own mutex.
type RoutingTable struct {
	victim  VictimSelector
	self    bitkey.Key
	buckets []bucket
	k       int
	size    int
}

func NewRoutingTable(self bitkey.Key, k int, victim VictimSelector) *RoutingTable {
	if victim == nil {
		victim = RandomVictim
	}

	return &RoutingTable{
		self:    self,
		k:       k,
		victim:  victim,
		buckets: make([]bucket, self.Len()),
	}
}

func (t *RoutingTable) Self() bitkey.Key {
	return t.self
}

func (t *RoutingTable) Len() int {
	return t.size
}

// BucketIndex returns the bucket a key belongs to.
// The local id itself has no bucket and returns ErrSelfKey.
func (t *RoutingTable) BucketIndex(key bitkey.Key) (int, error) {
	distance, err := key.Xor(t.self)
	if err != nil {
		return 0, err
	}

	index, ok := distance.HighestSetBit()
	if !ok {
		return 0, ErrSelfKey
	}

	return index, nil
}

// Insert puts e into its bucket, replacing an entry with the same id.
// A replaced entry with a different remote handle is closed.
// If prune is set the bucket is cut back to k entries, evicted entries are returned.
func (t *RoutingTable) Insert(e *Entry, prune bool) ([]*Entry, error) {
	index, err := t.BucketIndex(e.ID)
	if err != nil {
		return nil, err
	}

	b := t.buckets[index]
	if b == nil {
		b = make(bucket)
		t.buckets[index] = b
	}

	if old, ok := b[e.ID]; ok {
		if old.Remote != e.Remote {
			old.close()
		}
	} else {
		t.size++
	}

	b[e.ID] = e

	if !prune {
		return nil, nil
	}

	return t.PruneBucket(index), nil
}

// PruneBucket removes and closes entries chosen by the victim selector until bucket
// index holds at most k entries. It's a no-op for a bucket within capacity.
func (t *RoutingTable) PruneBucket(index int) []*Entry {
	if index < 0 || index >= len(t.buckets) {
		return nil
	}

	b := t.buckets[index]

	var evicted []*Entry
	for len(b) > t.k {
		ids := sortedKeys(b)

		victim := t.victim(ids)
		e, ok := b[victim]
		if !ok {
			victim = ids[0]
			e = b[victim]
		}

		delete(b, victim)
		t.size--
		e.close()
		evicted = append(evicted, e)
	}

	return evicted
}

// Remove deletes and closes the entry for id.
func (t *RoutingTable) Remove(id bitkey.Key) bool {
	index, err := t.BucketIndex(id)
	if err != nil {
		return false
	}

	e, ok := t.buckets[index][id]
	if !ok {
		return false
	}

	delete(t.buckets[index], id)
	t.size--
	e.close()

	return true
}

func (t *RoutingTable) Get(id bitkey.Key) *Entry {
	index, err := t.BucketIndex(id)
	if err != nil {
		return nil
	}

	return t.buckets[index][id]
}

// Candidates returns up to count entries to contact for target, skipping exclude.
//
// The target's own bucket comes first, then every lower (more specific) bucket going
// down to 0, then the higher buckets going up. Entries inside one bucket are ordered by
// their distance to target. A target equal to the local id has no bucket, all buckets
// are scanned from 0 up.
func (t *RoutingTable) Candidates(target bitkey.Key, count int, exclude bitkey.Key) []*Entry {
	if count <= 0 || target.Len() != t.self.Len() {
		return nil
	}

	out := make([]*Entry, 0, min(count, t.size))

	for _, index := range t.searchOrder(target) {
		b := t.buckets[index]
		if len(b) == 0 {
			continue
		}

		for _, e := range sortedByDistance(b, target) {
			if e.ID == exclude {
				continue
			}

			out = append(out, e)
			if len(out) == count {
				return out
			}
		}
	}

	return out
}

func (t *RoutingTable) searchOrder(target bitkey.Key) []int {
	order := make([]int, 0, len(t.buckets))

	start, err := t.BucketIndex(target)
	if err != nil {
		for i := range t.buckets {
			order = append(order, i)
		}

		return order
	}

	order = append(order, start)
	for i := start - 1; i >= 0; i-- {
		order = append(order, i)
	}
	for i := start + 1; i < len(t.buckets); i++ {
		order = append(order, i)
	}

	return order
}

// All returns every entry, closest bucket first.
func (t *RoutingTable) All() []*Entry {
	out := make([]*Entry, 0, t.size)
	for _, b := range t.buckets {
		for _, id := range sortedKeys(b) {
			out = append(out, b[id])
		}
	}

	return out
}

func (t *RoutingTable) Buckets() []BucketInfo {
	var out []BucketInfo
	for i, b := range t.buckets {
		if len(b) == 0 {
			continue
		}

		out = append(out, BucketInfo{Index: i, IDs: sortedKeys(b)})
	}

	return out
}

// Reset drops every entry without closing them.
func (t *RoutingTable) Reset() {
	clear(t.buckets)
	t.size = 0
}

func sortedKeys(b bucket) []bitkey.Key {
	ids := lo.Keys(b)
	slices.SortFunc(ids, compareKey)
	return ids
}

func sortedByDistance(b bucket, target bitkey.Key) []*Entry {
	entries := lo.Values(b)
	slices.SortFunc(entries, func(x, y *Entry) int {
		dx, _ := x.ID.Xor(target)
		dy, _ := y.ID.Xor(target)
		return compareKey(dx, dy)
	})

	return entries
}

// keys in one table always share a width.
func compareKey(a, b bitkey.Key) int {
	c, _ := a.Compare(b)
	return c
}
