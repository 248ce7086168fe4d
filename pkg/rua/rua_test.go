// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rua

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type testSession struct {
	name  string
	owned bool
}

func (s *testSession) Busy() bool {
	return s.owned
}

func TestPool(t *testing.T) {
	t.Run("acquireRelease", func(t *testing.T) {
		p := NewPool[testSession](2)
		require.Equal(t, 2, p.Cap())

		h0, s0, _, err := p.Acquire()
		require.NoError(t, err)
		require.Equal(t, Handle(0), h0)
		s0.name = "a"

		h1, _, _, err := p.Acquire()
		require.NoError(t, err)
		require.Equal(t, Handle(1), h1)
		require.Equal(t, 2, p.Len())

		_, _, _, err = p.Acquire()
		require.True(t, errors.Is(err, ErrPoolExhausted))

		require.NoError(t, p.Release(h0))
		require.Equal(t, 1, p.Len())

		h, s, _, err := p.Acquire()
		require.NoError(t, err)
		require.Equal(t, h0, h)
		require.Equal(t, "", s.name, "slot must be zeroed")
	})
	t.Run("defaultCapacity", func(t *testing.T) {
		require.Equal(t, DefaultCapacity, NewPool[testSession](0).Cap())
	})
	t.Run("releaseErrors", func(t *testing.T) {
		p := NewPool[testSession](1)
		require.True(t, errors.Is(p.Release(5), ErrInvalidHandle))
		require.True(t, errors.Is(p.Release(-1), ErrInvalidHandle))
		require.True(t, errors.Is(p.Release(0), ErrNotAcquired))

		h, s, _, err := p.Acquire()
		require.NoError(t, err)
		s.owned = true
		require.True(t, errors.Is(p.Release(h), ErrSessionBusy))

		s.owned = false
		require.NoError(t, p.Release(h))
		require.True(t, errors.Is(p.Release(h), ErrNotAcquired))
	})
	t.Run("lookup", func(t *testing.T) {
		p := NewPool[testSession](1)
		_, ok := p.Lookup(0)
		require.False(t, ok)
		_, ok = p.Lookup(9)
		require.False(t, ok)

		h, s, gen, err := p.Acquire()
		require.NoError(t, err)
		s.name = "x"

		got, ok := p.Lookup(h)
		require.True(t, ok)
		require.Equal(t, "x", got.name)

		_, ok = p.LookupGen(h, gen)
		require.True(t, ok)

		// Recycled slot, stale generation.
		require.NoError(t, p.Release(h))
		_, _, gen2, err := p.Acquire()
		require.NoError(t, err)
		require.NotEqual(t, gen, gen2)
		_, ok = p.LookupGen(h, gen)
		require.False(t, ok)
		_, ok = p.LookupGen(h, gen2)
		require.True(t, ok)
	})
	t.Run("recycledValue", func(t *testing.T) {
		p := NewPool[testSession](1)
		h, old, _, err := p.Acquire()
		require.NoError(t, err)
		old.name = "old"

		require.NoError(t, p.Release(h))
		_, _, _, err = p.Acquire()
		require.NoError(t, err)

		// A holder of the previous value must not see it reset.
		require.Equal(t, "old", old.name)
		got, ok := p.Lookup(h)
		require.True(t, ok)
		require.Equal(t, "", got.name)
		require.NotSame(t, old, got)
	})
	t.Run("each", func(t *testing.T) {
		p := NewPool[testSession](3)
		for i := 0; i < 3; i++ {
			_, _, _, err := p.Acquire()
			require.NoError(t, err)
		}
		require.NoError(t, p.Release(1))

		var handles []Handle
		p.Each(func(h Handle, _ *testSession) {
			handles = append(handles, h)
		})
		require.Equal(t, []Handle{0, 2}, handles)
	})
	t.Run("concurrent", func(t *testing.T) {
		p := NewPool[testSession](10)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					h, _, _, err := p.Acquire()
					if err != nil {
						continue
					}
					p.Release(h) //nolint:errcheck
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 0, p.Len())
	})
}
