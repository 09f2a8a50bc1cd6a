package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegistry_InternRefUnref(t *testing.T) {
	r := NewMapRegistry(0)

	m1 := r.InternMap("/usr/bin/A", 0, 4096, 10)
	require.Equal(t, 0, m1.Refcount)
	require.Equal(t, uint64(1), m1.Seq)

	m2 := r.InternMap("/usr/bin/A", 0, 4096, 10)
	assert.Same(t, m1, m2, "identical triple must intern to the same Map")

	r.Ref(m1)
	r.Ref(m1)
	assert.Equal(t, 2, m1.Refcount)
	assert.Equal(t, 1, r.Len())

	r.Unref(m1)
	assert.Equal(t, 1, m1.Refcount)
	assert.Equal(t, 1, r.Len(), "still referenced, still interned")

	r.Unref(m1)
	assert.Equal(t, 0, m1.Refcount)
	assert.Equal(t, 0, r.Len(), "refcount hit zero, map destroyed")

	m3 := r.InternMap("/usr/bin/A", 0, 4096, 20)
	assert.NotSame(t, m1, m3, "destroyed map must not be resurrected by identity")
	assert.Equal(t, uint64(2), m3.Seq, "seq is strictly increasing within the registry lifetime")
}

func TestExeRegistry_DuplicatePathPanics(t *testing.T) {
	s := New(0, 0)
	s.Exes.RegisterExe(s, "/usr/bin/A", true, nil, false)
	assert.Panics(t, func() {
		s.Exes.RegisterExe(s, "/usr/bin/A", true, nil, false)
	})
}

func TestExeRegistry_SizeMatchesMapLengths(t *testing.T) {
	s := New(0, 0)
	e := s.Exes.RegisterExe(s, "/usr/bin/A", true, []ExeMapSpec{
		{Path: "/usr/bin/A", Offset: 0, Length: 4096, Prob: 1},
		{Path: "/lib/libc.so", Offset: 0, Length: 8192, Prob: 0.8},
	}, false)

	var sum int64
	for _, em := range e.Maps {
		sum += em.Map.Length
	}
	assert.Equal(t, sum, e.Size)
	assert.Equal(t, int64(4096+8192), e.Size)
}

func TestExeRegistry_RegisterCreatesMarkovsAgainstExisting(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", true, nil, true)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", true, nil, true)

	require.Len(t, a.Markovs, 1)
	require.Len(t, b.Markovs, 1)
	assert.Same(t, a.Markovs[0], b.Markovs[0])
	assert.Equal(t, 1, s.Markovs.Len())
}

func TestExeRegistry_UnregisterTearsDownMarkovsAndMapRefs(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", true, []ExeMapSpec{
		{Path: "/lib/libc.so", Offset: 0, Length: 4096, Prob: 1},
	}, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", true, []ExeMapSpec{
		{Path: "/lib/libc.so", Offset: 0, Length: 4096, Prob: 1},
	}, true)

	libc, ok := s.Maps.Lookup("/lib/libc.so", 0, 4096)
	require.True(t, ok)
	assert.Equal(t, 2, libc.Refcount)

	s.Exes.UnregisterExe(a)
	_, stillThere := s.Exes.Lookup("/usr/bin/A")
	assert.False(t, stillThere)
	assert.Equal(t, 1, libc.Refcount)
	assert.Empty(t, b.Markovs, "markov must be dropped from the surviving exe's back-list too")
	assert.Equal(t, 0, s.Markovs.Len())
}

// S3 — Markov state computation.
func TestMarkov_StateComputation(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", false, nil, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", false, nil, false)
	s.Time = 100
	s.LastRunningTimestamp = 90

	a.RunningTimestamp = -1
	b.RunningTimestamp = -1
	m := s.Markovs.New(s, a, b, false)
	assert.False(t, a.Running(s))
	assert.False(t, b.Running(s))

	a.RunningTimestamp = -1
	b.RunningTimestamp = -1
	recompute := func() int {
		st := 0
		if a.Running(s) {
			st |= 1
		}
		if b.Running(s) {
			st |= 2
		}
		return st
	}
	assert.Equal(t, 0, recompute())

	a.RunningTimestamp = 95
	assert.Equal(t, 1, recompute())

	a.RunningTimestamp = -1
	b.RunningTimestamp = 95
	assert.Equal(t, 2, recompute())

	a.RunningTimestamp = 90
	b.RunningTimestamp = 90
	assert.Equal(t, 3, recompute())
	_ = m
}

// S2 — Correlation boundary.
func TestMarkov_CorrelationBoundary(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", false, nil, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", false, nil, false)
	s.Time = 100
	a.Time = 0
	b.Time = 100
	m := s.Markovs.New(s, a, b, false)
	m.Time = 0

	rho := s.Markovs.Correlation(s, m)
	assert.Equal(t, 0.0, rho)
}

func TestMarkov_StateChangedUpdatesDwellAndWeights(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", false, nil, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", false, nil, false)
	m := s.Markovs.New(s, a, b, false)
	require.Equal(t, 0, m.State)

	s.Time = 5
	a.RunningTimestamp = 5
	s.LastRunningTimestamp = 5
	s.Markovs.StateChanged(s, m)
	assert.Equal(t, 1, m.State)
	assert.Equal(t, uint64(1), m.Weight[0][0])
	assert.Equal(t, uint64(1), m.Weight[0][1])
	assert.InDelta(t, 5.0, m.TimeToLeave[0], 1e-9)
	assert.Equal(t, 5.0, m.ChangeTimestamp)

	// Same tick: no-op.
	s.Markovs.StateChanged(s, m)
	assert.Equal(t, uint64(1), m.Weight[0][1])
}

func TestMarkov_WeightSymmetryInvariant(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", false, nil, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", false, nil, false)
	m := s.Markovs.New(s, a, b, false)

	ticks := []struct {
		t          float64
		aRun, bRun bool
	}{
		{1, true, false},
		{2, true, true},
		{3, false, true},
		{4, false, false},
		{5, true, false},
	}
	for _, tk := range ticks {
		s.Time = tk.t
		s.LastRunningTimestamp = tk.t
		if tk.aRun {
			a.RunningTimestamp = tk.t
		}
		if tk.bRun {
			b.RunningTimestamp = tk.t
		}
		s.Markovs.StateChanged(s, m)
	}

	for i := 0; i < 4; i++ {
		var sum uint64
		for j := 0; j < 4; j++ {
			if j == i {
				continue
			}
			sum += m.Weight[i][j]
		}
		assert.Equal(t, m.Weight[i][i], sum, "state %d", i)
	}
}

func TestMarkov_ForeachVisitsOnce(t *testing.T) {
	s := New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", true, nil, true)
	_ = s.Exes.RegisterExe(s, "/usr/bin/B", true, nil, true)
	_ = s.Exes.RegisterExe(s, "/usr/bin/C", true, nil, true)

	seen := 0
	s.Markovs.Foreach(func(*Markov) { seen++ })
	assert.Equal(t, 3, seen, "three pairs among A,B,C")
	assert.Len(t, a.Markovs, 2)
}
