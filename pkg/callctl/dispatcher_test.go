package callctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PreservesOrder(t *testing.T) {
	d := NewDispatcher(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		d.Post(func() { got = append(got, i) })
	}
	require.NoError(t, d.Do(ctx, func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	d.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestDispatcher_PostFromLoopDoesNotBlock(t *testing.T) {
	d := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Функция в очереди ставит больше функций, чем вмещает очередь.
	var got []int
	require.NoError(t, d.Do(ctx, func() {
		for i := 0; i < 10; i++ {
			i := i
			d.Post(func() { got = append(got, i) })
		}
	}))

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(t, d.Do(waitCtx, func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestDispatcher_PostWithoutRunDoesNotBlock(t *testing.T) {
	d := NewDispatcher(2)
	posted := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Post(func() {})
		}
		close(posted)
	}()

	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("Post blocked on a full queue")
	}
	d.Close()
}

func TestDispatcher_DoAfterClose(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()
	d.Close()

	err := d.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	// Post после Close не блокируется.
	d.Post(func() { t.Error("must not run") })
}

func TestDispatcher_RunStopsOnContext(t *testing.T) {
	d := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.ErrorIs(t, d.Do(context.Background(), func() {}), ErrDispatcherClosed)
}

func TestDispatcher_DoRespectsContext(t *testing.T) {
	d := NewDispatcher(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Run не запущен, функция остается в очереди.
	err := d.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_SerializesConcurrentPosts(t *testing.T) {
	d := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Do(ctx, func() {}))
	assert.Equal(t, 800, counter)
}

func TestDispatcher_DrivesManager(t *testing.T) {
	d := NewDispatcher(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	f := newFixture(WithExecutor(d))
	f.config.cfnr = true
	f.config.cfnrNumber = "300"

	var sm *StateMachine
	require.NoError(t, d.Do(ctx, func() { sm = f.incoming(1, "1234") }))
	noReply, _ := timersOf(sm)

	// Срабатывание таймера приходит из чужой горутины и ставится в очередь.
	done := make(chan struct{})
	go func() {
		noReply.fire()
		close(done)
	}()
	<-done
	require.NoError(t, d.Do(ctx, func() {}))

	assert.True(t, f.stack.has("service:CFNR:300"))
}
