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

package rangemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndPointLookup(t *testing.T) {
	m := New[string]()
	require.NoError(t, m.Put(0, 3, "a"))
	require.NoError(t, m.Put(4, 4, "b"))
	require.NoError(t, m.Put(10, 19, "c"))
	require.Equal(t, 3, m.Len())

	for _, p := range []int{0, 1, 3} {
		e := m.GetEntry(p)
		require.NotNil(t, e)
		require.Equal(t, "a", e.Value)
		require.Equal(t, 0, e.Lo)
		require.Equal(t, 3, e.Hi)
	}
	require.Equal(t, "b", m.GetEntry(4).Value)
	require.Equal(t, "c", m.GetEntry(10).Value)
	require.Equal(t, "c", m.GetEntry(19).Value)

	require.Nil(t, m.GetEntry(5))
	require.Nil(t, m.GetEntry(9))
	require.Nil(t, m.GetEntry(20))
	require.Nil(t, m.GetEntry(-1))
}

func TestPutRejectsOverlap(t *testing.T) {
	m := New[int]()
	require.NoError(t, m.Put(10, 20, 1))

	require.Error(t, m.Put(20, 25, 2))
	require.Error(t, m.Put(5, 10, 2))
	require.Error(t, m.Put(12, 15, 2))
	require.Error(t, m.Put(0, 100, 2))
	require.Error(t, m.Put(15, 12, 2))

	require.NoError(t, m.Put(21, 30, 3))
	require.NoError(t, m.Put(0, 9, 4))
	require.Equal(t, 3, m.Len())
}

func TestAscendOrder(t *testing.T) {
	m := New[int]()
	require.NoError(t, m.Put(30, 39, 3))
	require.NoError(t, m.Put(0, 9, 1))
	require.NoError(t, m.Put(10, 19, 2))

	var los []int
	m.Ascend(func(e *Entry[int]) bool {
		los = append(los, e.Lo)
		return true
	})
	require.Equal(t, []int{0, 10, 30}, los)

	los = los[:0]
	m.Ascend(func(e *Entry[int]) bool {
		los = append(los, e.Lo)
		return len(los) < 2
	})
	require.Equal(t, []int{0, 10}, los)
}
