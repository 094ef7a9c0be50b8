package callctl

import (
	"context"
	"sync"
)

// Dispatcher очередь исполнения с одной горутиной-обработчиком.
//
// Колбэки стека, срабатывания таймеров и команды пользователя ставятся в
// очередь через Post и выполняются строго по одной в порядке постановки,
// поэтому ядру не нужны блокировки.
type Dispatcher struct {
	queue chan func()

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	overflow []func() // то, что не поместилось в queue, по порядку
}

// NewDispatcher создает очередь емкости size (минимум 1).
func NewDispatcher(size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post ставит функцию в очередь и никогда не блокируется: при заполненной
// очереди функция уходит в overflow, который Run переносит в очередь по
// мере освобождения места. Поэтому Post можно вызывать из самой очереди.
// После Close вызовы игнорируются.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(d.overflow) == 0 {
		select {
		case d.queue <- fn:
			return
		default:
		}
	}
	d.overflow = append(d.overflow, fn)
}

// Do выполняет функцию в очереди и ждет ее завершения.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}

	finished := make(chan struct{})
	d.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run обрабатывает очередь до отмены контекста или Close.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-d.queue:
			fn()
			d.refill()
		case <-d.done:
			return nil
		case <-ctx.Done():
			d.Close()
			return ctx.Err()
		}
	}
}

// refill переносит overflow в освободившееся место очереди.
func (d *Dispatcher) refill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.overflow) > 0 {
		select {
		case d.queue <- d.overflow[0]:
			d.overflow[0] = nil
			d.overflow = d.overflow[1:]
		default:
			return
		}
	}
	d.overflow = nil
}

// Close останавливает обработку. Необработанные функции отбрасываются.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.overflow = nil
	close(d.done)
}
