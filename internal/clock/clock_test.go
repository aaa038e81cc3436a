package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMock_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(start)

	var fired []string
	m.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "c") })
	m.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	m.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })

	m.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(150*time.Millisecond), m.Now())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestMock_CallbackSeesFireTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(start)

	var at time.Time
	m.AfterFunc(3*time.Second, func() { at = m.Now() })
	m.Advance(10 * time.Second)

	assert.Equal(t, start.Add(3*time.Second), at)
}

func TestMock_Stop(t *testing.T) {
	m := NewMock(time.Now())

	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestMock_NestedTimer(t *testing.T) {
	m := NewMock(time.Now())

	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			m.AfterFunc(time.Second, schedule)
		}
	}
	m.AfterFunc(time.Second, schedule)

	m.Advance(5 * time.Second)
	assert.Equal(t, 3, count)
}

func TestReal_AfterFunc(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("定时器未触发")
	}
}
