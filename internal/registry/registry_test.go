package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/IITvamp/cmux/internal/controlplane"
)

func TestPutGetRemove(t *testing.T) {
	r := New()

	r.Put(Mapping{
		ContainerName: "cmux-abc123def456",
		TaskRunID:     "abc123def456-7890",
		Status:        SessionRunning,
		Ports:         controlplane.PortMap{IDE: 40001},
	})

	m, ok := r.Get("cmux-abc123def456")
	assert.True(t, ok)
	assert.Equal(t, 40001, m.Ports.IDE)
	assert.Equal(t, 1, r.Len())

	// Get returns a copy: mutating it does not touch the registry.
	m.Ports.IDE = 9
	again, _ := r.Get("cmux-abc123def456")
	assert.Equal(t, 40001, again.Ports.IDE)

	r.Remove("cmux-abc123def456")
	_, ok = r.Get("cmux-abc123def456")
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	r := New()
	r.Put(Mapping{ContainerName: "cmux-x", Status: SessionRunning})

	ok := r.Update("cmux-x", func(m *Mapping) {
		m.Status = SessionWarm
		m.StoppedAt = time.Now()
	})
	assert.True(t, ok)

	m, _ := r.Get("cmux-x")
	assert.Equal(t, SessionWarm, m.Status)
	assert.False(t, m.StoppedAt.IsZero())

	assert.False(t, r.Update("missing", func(m *Mapping) {}))
}

func TestClaimRelease(t *testing.T) {
	r := New()
	r.Put(Mapping{ContainerName: "cmux-y"})

	assert.True(t, r.Claim("cmux-y"))
	// Second claim fails while held.
	assert.False(t, r.Claim("cmux-y"))

	r.Release("cmux-y")
	assert.True(t, r.Claim("cmux-y"))

	assert.False(t, r.Claim("missing"))
}

func TestClaim_OnlyOneWinnerUnderContention(t *testing.T) {
	r := New()
	r.Put(Mapping{ContainerName: "cmux-z"})

	var wg sync.WaitGroup
	wins := make([]bool, 16)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = r.Claim("cmux-z")
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCountRunning(t *testing.T) {
	r := New()
	r.Put(Mapping{ContainerName: "a", Status: SessionRunning})
	r.Put(Mapping{ContainerName: "b", Status: SessionRunning})
	r.Put(Mapping{ContainerName: "c", Status: SessionWarm})
	r.Put(Mapping{ContainerName: "d", Status: SessionStopped})

	assert.Equal(t, 2, r.CountRunning())
	assert.Len(t, r.List(), 4)
}
