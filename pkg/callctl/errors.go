package callctl

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession сессия с таким идентификатором не найдена.
	ErrNoSession = errors.New("callctl: no such session")
	// ErrCallInProgress уже есть вызов в CONNECTING или ALERTING.
	ErrCallInProgress = errors.New("callctl: call setup in progress")
	// ErrSignaling стек отказался выполнить команду.
	ErrSignaling = errors.New("callctl: signaling failure")
	// ErrNotInitialized менеджер не инициализирован.
	ErrNotInitialized = errors.New("callctl: manager not initialized")
	// ErrCallTableFull достигнут предел одновременных вызовов.
	ErrCallTableFull = errors.New("callctl: call table is full")
	// ErrDispatcherClosed очередь исполнения закрыта.
	ErrDispatcherClosed = errors.New("callctl: dispatcher closed")
)

// CallError ошибка операции над конкретным вызовом.
type CallError struct {
	Op      string
	Session int
	State   StateID
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("callctl: %s session=%d state=%s: %v", e.Op, e.Session, e.State, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// wrapCallError оборачивает отказ стека контекстом вызова, nil остается nil.
// Результат сопоставляется и с ErrSignaling, и с исходной ошибкой.
func wrapCallError(op string, sm *StateMachine, err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Op: op, Session: sm.Session(), State: sm.State(), Err: fmt.Errorf("%w: %w", ErrSignaling, err)}
}
