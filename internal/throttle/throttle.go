// Package throttle 合并高频写入，限制持久化频率，同时保证最新值最终写出。
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/room-sync/internal/clock"
	"go.uber.org/zap"
)

// WriteFunc 实际的持久化写入
type WriteFunc[T any] func(ctx context.Context, v T) error

// Throttler 单一写入路径的节流器
//
// 距上次写入超过interval时立即写；否则记录为待写值（后写覆盖先写），
// 并在 lastWrite+interval 时刻由唯一的定时器写出。
type Throttler[T any] struct {
	name         string
	interval     time.Duration
	writeTimeout time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	write        WriteFunc[T]

	mu         sync.Mutex
	lastWrite  time.Time
	pending    T
	hasPending bool
	timer      clock.Timer
	gen        uint64
	stopped    bool
	writes     int
}

// Options 节流器参数
type Options struct {
	Name         string
	Interval     time.Duration
	WriteTimeout time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// New 创建节流器
func New[T any](opts Options, write WriteFunc[T]) *Throttler[T] {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Throttler[T]{
		name:         opts.Name,
		interval:     opts.Interval,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger.With(zap.String("path", opts.Name)),
		write:        write,
	}
}

// Request 提交一次写入请求
func (t *Throttler[T]) Request(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	if t.lastWrite.IsZero() || now.Sub(t.lastWrite) >= t.interval {
		t.lastWrite = now
		t.hasPending = false
		t.cancelTimerLocked()
		t.writes++
		t.mu.Unlock()

		go t.persist(v)
		return
	}

	t.pending = v
	t.hasPending = true
	if t.timer == nil {
		delay := t.lastWrite.Add(t.interval).Sub(now)
		gen := t.gen
		t.timer = t.clock.AfterFunc(delay, func() { t.fire(gen) })
	}
	t.mu.Unlock()
}

// MarkWritten 记录一次外部完成的写入（如房间创建时的初始快照），开启新的节流窗口
func (t *Throttler[T]) MarkWritten() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastWrite = t.clock.Now()
}

// cancelTimerLocked 取消当前定时器。Stop 返回false时回调可能已在排队等锁，
// 递增代数让它失效。
func (t *Throttler[T]) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// fire 定时器到期，写出待写值；已被取消的旧定时器直接返回
func (t *Throttler[T]) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.gen++
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return
	}
	v := t.pending
	var zero T
	t.pending = zero
	t.hasPending = false
	t.lastWrite = t.clock.Now()
	t.writes++
	t.mu.Unlock()

	t.persist(v)
}

// Flush 立即写出待写值（不等待写入完成），返回是否有值被写出
func (t *Throttler[T]) Flush() bool {
	t.mu.Lock()
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return false
	}
	v := t.pending
	var zero T
	t.pending = zero
	t.hasPending = false
	t.lastWrite = t.clock.Now()
	t.writes++
	t.cancelTimerLocked()
	t.mu.Unlock()

	go t.persist(v)
	return true
}

// Stop 停止节流器，取消定时器，之后的请求全部忽略
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.cancelTimerLocked()
	var zero T
	t.pending = zero
	t.hasPending = false
}

// Pending 当前待写值
func (t *Throttler[T]) Pending() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.hasPending
}

// Scheduled 是否有定时器在等待
func (t *Throttler[T]) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// LastWrite 最近一次发起写入的时间
func (t *Throttler[T]) LastWrite() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastWrite
}

// Writes 已发起的写入次数
func (t *Throttler[T]) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// persist 执行写入，失败只记录日志，不重试
func (t *Throttler[T]) persist(v T) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	if err := t.write(ctx, v); err != nil {
		t.logger.Warn("持久化写入失败", zap.Error(err))
		return
	}
	t.logger.Debug("持久化写入完成")
}
