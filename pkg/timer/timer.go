// Package timer однократные таймеры поверх time.AfterFunc для машин
// состояний вызовов.
//
// Manager ведет учет всех запущенных таймеров, умеет остановить их разом
// при завершении работы и ограничивает число одновременно взведенных
// таймеров. Каждый Timer реализует callctl.Timer.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/callctl/pkg/callctl"
)

// Config конфигурация менеджера таймеров.
type Config struct {
	// MaxConcurrent максимальное количество одновременно взведенных таймеров,
	// 0 - без ограничения.
	MaxConcurrent int
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10000}
}

// Manager фабрика и реестр таймеров.
type Manager struct {
	mu     sync.Mutex
	active map[*Timer]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	config Config

	// Метрики
	totalStarted   int64
	totalFired     int64
	totalCancelled int64
}

// NewManager создает менеджер. Отмена ctx эквивалентна Shutdown.
func NewManager(ctx context.Context, cfg Config) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		active: make(map[*Timer]struct{}),
		ctx:    mctx,
		cancel: cancel,
		config: cfg,
	}
	go func() {
		<-mctx.Done()
		m.stopAll()
	}()
	return m
}

// NewTimer создает остановленный таймер. expired вызывается из горутины
// time.AfterFunc, поэтому вызывающий сам переносит работу в нужный поток.
func (m *Manager) NewTimer(expired func()) callctl.Timer {
	return &Timer{manager: m, expired: expired}
}

// Active количество взведенных таймеров.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Metrics возвращает счетчики таймеров.
func (m *Manager) Metrics() (started, fired, cancelled int64, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalStarted, m.totalFired, m.totalCancelled, len(m.active)
}

// Shutdown останавливает все таймеры. Новые таймеры после этого не стартуют.
func (m *Manager) Shutdown() {
	m.cancel()
	m.stopAll()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	timers := make([]*Timer, 0, len(m.active))
	for t := range m.active {
		timers = append(timers, t)
	}
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

func (m *Manager) register(t *Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	if _, ok := m.active[t]; !ok {
		if m.config.MaxConcurrent > 0 && len(m.active) >= m.config.MaxConcurrent {
			return false
		}
		m.active[t] = struct{}{}
	}
	m.totalStarted++
	return true
}

func (m *Manager) release(t *Timer, fired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[t]; !ok {
		return
	}
	delete(m.active, t)
	if fired {
		m.totalFired++
	} else {
		m.totalCancelled++
	}
}

// Timer однократный перезапускаемый таймер.
//
// Каждый Start увеличивает поколение, поэтому срабатывание, которое успело
// сработать в AfterFunc до Stop или повторного Start, отбрасывается.
type Timer struct {
	manager *Manager
	expired func()

	mu         sync.Mutex
	interval   time.Duration
	timer      *time.Timer
	generation uint64
	running    bool
}

// Start взводит таймер на текущий интервал, перезапуская уже взведенный.
// Возвращает false при нулевом интервале, после Shutdown менеджера или при
// исчерпании лимита таймеров.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interval <= 0 {
		return false
	}
	if !t.manager.register(t) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}

	t.generation++
	gen := t.generation
	t.running = true
	t.timer = time.AfterFunc(t.interval, func() { t.fire(gen) })
	return true
}

// Stop останавливает таймер. true, если таймер был взведен.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.running = false
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.manager.release(t, false)
	return true
}

func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval меняет интервал для следующего Start.
func (t *Timer) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
}

// Running взведен ли таймер.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.manager.release(t, true)
	if t.expired != nil {
		t.expired()
	}
}
