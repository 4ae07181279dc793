// Copyright 2025 The Uniffle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rangemap provides a map keyed by disjoint closed integer ranges.
// A lookup by any point inside [lo, hi] returns the entry stored for that
// range. Ranges never split or merge after insertion.
package rangemap

import (
	"github.com/google/btree"
	"github.com/pingcap/errors"
)

const btreeDegree = 8

// Entry is one stored range and its value.
type Entry[V any] struct {
	Lo    int
	Hi    int
	Value V
}

// RangeMap maps disjoint closed integer ranges to values. It is not safe
// for concurrent use; callers synchronize externally.
type RangeMap[V any] struct {
	tree *btree.BTreeG[*Entry[V]]
}

// New creates an empty RangeMap.
func New[V any]() *RangeMap[V] {
	return &RangeMap[V]{
		tree: btree.NewG(btreeDegree, func(a, b *Entry[V]) bool {
			return a.Lo < b.Lo
		}),
	}
}

// Put inserts [lo, hi] -> value. It fails when lo > hi or when the range
// overlaps an existing one; partition assignments come from the coordinator
// with disjoint ranges, so an overlap means a caller bug.
func (m *RangeMap[V]) Put(lo, hi int, value V) error {
	if lo > hi {
		return errors.Errorf("invalid range [%d, %d]", lo, hi)
	}
	var conflict *Entry[V]
	// The only candidate for overlap is the range with the greatest lower
	// endpoint not above hi.
	m.tree.DescendLessOrEqual(&Entry[V]{Lo: hi}, func(e *Entry[V]) bool {
		conflict = e
		return false
	})
	if conflict != nil && conflict.Hi >= lo {
		return errors.Errorf("range [%d, %d] overlaps existing [%d, %d]",
			lo, hi, conflict.Lo, conflict.Hi)
	}
	m.tree.ReplaceOrInsert(&Entry[V]{Lo: lo, Hi: hi, Value: value})
	return nil
}

// GetEntry returns the entry whose range contains point, or nil.
func (m *RangeMap[V]) GetEntry(point int) *Entry[V] {
	var found *Entry[V]
	m.tree.DescendLessOrEqual(&Entry[V]{Lo: point}, func(e *Entry[V]) bool {
		found = e
		return false
	})
	if found == nil || found.Hi < point {
		return nil
	}
	return found
}

// Ascend visits every entry in increasing range order until fn returns
// false.
func (m *RangeMap[V]) Ascend(fn func(e *Entry[V]) bool) {
	m.tree.Ascend(func(e *Entry[V]) bool {
		return fn(e)
	})
}

// Len returns the number of stored ranges.
func (m *RangeMap[V]) Len() int {
	return m.tree.Len()
}
