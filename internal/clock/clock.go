package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 时间源接口，会话与节流器的所有定时器都通过它创建
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的定时器
type Timer interface {
	// Stop 取消定时器，若回调尚未执行返回true
	Stop() bool
}

// Real 基于标准库time的时间源
type Real struct{}

// New 创建真实时间源
func New() Clock {
	return Real{}
}

// Now 当前时间
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc 在d之后于独立goroutine中执行f
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock 手动推进的时间源（用于测试）
//
// 定时器回调在Advance的调用goroutine中按到期顺序同步执行，
// 执行回调时不持有Mock的锁，回调内可以再次创建定时器。
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*mockTimer
}

type mockTimer struct {
	clock *Mock
	id    int
	when  time.Time
	fn    func()
}

// NewMock 创建模拟时间源
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now 当前模拟时间
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc 注册一个模拟定时器
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.seq++
	t := &mockTimer{clock: m, id: m.seq, when: m.now.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance 推进模拟时间并触发所有到期的定时器
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.popDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.when
		m.mu.Unlock()

		next.fn()
	}
}

// Set 直接设置模拟时间，不触发定时器
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Pending 尚未触发的定时器数量
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// popDueLocked 取出最早到期的定时器（同一时刻按注册顺序）
func (m *Mock) popDueLocked(target time.Time) *mockTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].id < m.timers[j].id
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	first := m.timers[0]
	if first.when.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}

// Stop 取消模拟定时器
func (t *mockTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}
