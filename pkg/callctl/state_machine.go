package callctl

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// StateMachine один вызов: текущее состояние, данные вызывающей стороны,
// учет длительности и два таймера (неответ и очистка после разрыва).
//
// Переходы выполняет looplab/fsm: на каждое целевое состояние заведено
// событие "to_<STATE>", допустимое из любого состояния. Колбэк leave_state
// вызывает onExit старого обработчика, enter_state - onEntry нового, поэтому
// выход всегда полностью завершается до входа. Уведомление менеджера (UI
// refresh) отправляется после завершения события.
//
// Машина не потокобезопасна: все вызовы должны идти через Executor менеджера.
type StateMachine struct {
	manager *Manager
	proxy   CallProxy
	fsm     *fsm.FSM
	log     *logrus.Entry

	session       int
	callingNumber string
	callingName   string
	callType      CallType
	startTime     time.Time
	duration      time.Duration

	counting          bool
	incoming          bool
	held              bool
	conference        bool
	holdRequested     bool
	retrieveRequested bool

	noReplyTimer  Timer
	releasedTimer Timer
}

// CallInfo снимок данных вызова для внешних слоев.
type CallInfo struct {
	Session         int
	State           StateID
	CallingNumber   string
	CallingName     string
	Type            CallType
	Incoming        bool
	Held            bool
	Conference      bool
	StartTime       time.Time
	Duration        time.Duration
	RuntimeDuration time.Duration
}

func eventName(s StateID) string {
	return "to_" + s.String()
}

// NewStateMachine создает машину в состоянии IDLE с сессией -1.
// Дескриптор вызова и таймеры берутся из фабрик менеджера.
func NewStateMachine(m *Manager) *StateMachine {
	if m == nil {
		m = NewManager()
	}

	sm := &StateMachine{
		manager:   m,
		proxy:     m.stack.CreateCallProxy(),
		session:   -1,
		callType:  CallTypeUndefined,
		startTime: time.Now(),
	}
	sm.log = m.log.WithField("session", -1)

	names := make([]string, 0, len(AllStates))
	for _, s := range AllStates {
		names = append(names, s.String())
	}
	events := make(fsm.Events, 0, len(AllStates))
	for _, s := range AllStates {
		events = append(events, fsm.EventDesc{Name: eventName(s), Src: names, Dst: s.String()})
	}

	sm.fsm = fsm.NewFSM(
		StateIdle.String(),
		events,
		fsm.Callbacks{
			"leave_state": func(_ context.Context, e *fsm.Event) {
				handlerFor(e.Src).onExit(sm)
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				handlerFor(e.Dst).onEntry(sm)
			},
		},
	)

	sm.noReplyTimer = m.timers.NewTimer(func() {
		m.exec.Post(func() { sm.handler().noReplyExpired(sm) })
	})
	sm.noReplyTimer.SetInterval(NoReplyTimeout)

	sm.releasedTimer = m.timers.NewTimer(func() {
		m.exec.Post(func() { sm.handler().releasedExpired(sm) })
	})
	sm.releasedTimer.SetInterval(ReleasedTimeout)

	return sm
}

func handlerFor(name string) stateHandler {
	if s, ok := ParseStateID(name); ok {
		return handlers[s]
	}
	return handlers[StateIdle]
}

func (sm *StateMachine) handler() stateHandler {
	return handlerFor(sm.fsm.Current())
}

// State текущее состояние.
func (sm *StateMachine) State() StateID {
	return sm.handler().id()
}

// StateName имя текущего состояния ("ACTIVE" и т.д.).
func (sm *StateMachine) StateName() string {
	return sm.State().String()
}

// ChangeState переводит машину в состояние target.
// Переход в текущее состояние хуков не вызывает, но UI уведомляется.
func (sm *StateMachine) ChangeState(target StateID) {
	from := sm.State()
	if from != target {
		if err := sm.fsm.Event(context.Background(), eventName(target)); err != nil {
			sm.log.WithError(err).WithField("to", target.String()).Warn("state transition rejected")
		}
		sm.manager.metrics.transition(from, target)
		sm.log.WithFields(logrus.Fields{"from": from.String(), "to": target.String()}).Debug("state changed")
	}
	sm.manager.updateGui(sm.session)
}

// Destroy завершает вызов: останавливает тон, фиксирует длительность, пишет
// журнал, переводит машину в IDLE и удаляет ее из таблицы менеджера.
//
// Повторный вход предотвращает именно удаление из таблицы: менеджер больше
// не маршрутизирует события на эту машину.
func (sm *StateMachine) Destroy() {
	sm.stopTone()
	if sm.counting {
		sm.duration = time.Since(sm.startTime)
	}

	if (sm.callType != CallTypeDialed || sm.callingNumber != "") && sm.callType != CallTypeUndefined {
		sm.manager.callLog.AddCall(sm.callType, sm.callingNumber, sm.callingName, sm.startTime, sm.duration)
		if err := sm.manager.callLog.Save(); err != nil {
			sm.log.WithError(err).Warn("call log save failed")
		}
	}

	sm.manager.metrics.callDestroyed(sm)

	sm.callingNumber = ""
	sm.incoming = false
	sm.counting = false
	sm.ChangeState(StateIdle)
	sm.stopAllTimers()
	sm.manager.destroySession(sm)
}

// Команды пользователя и стека делегируются обработчику текущего состояния.

func (sm *StateMachine) MakeCall(number string, account int) (int, error) {
	return sm.handler().makeCall(sm, number, account)
}

func (sm *StateMachine) EndCall() error      { return sm.handler().endCall(sm) }
func (sm *StateMachine) AcceptCall() error   { return sm.handler().acceptCall(sm) }
func (sm *StateMachine) Alerted() error      { return sm.handler().alerted(sm) }
func (sm *StateMachine) HoldCall() error     { return sm.handler().holdCall(sm) }
func (sm *StateMachine) RetrieveCall() error { return sm.handler().retrieveCall(sm) }

func (sm *StateMachine) XferCall(number string) error {
	return sm.handler().xferCall(sm, number)
}

func (sm *StateMachine) XferCallSession(session int) error {
	return sm.handler().xferCallSession(sm, session)
}

func (sm *StateMachine) ThreePtyCall(session int) error {
	return sm.handler().threePtyCall(sm, session)
}

func (sm *StateMachine) ServiceRequest(code ServiceCode, dest string) error {
	return sm.handler().serviceRequest(sm, code, dest)
}

func (sm *StateMachine) DialDtmf(digits string, mode DtmfMode) error {
	return sm.handler().dialDtmf(sm, digits, mode)
}

func (sm *StateMachine) IncomingCall(number, display string) {
	sm.handler().incomingCall(sm, number, display)
}

func (sm *StateMachine) OnAlerting()    { sm.handler().onAlerting(sm) }
func (sm *StateMachine) OnConnect()     { sm.handler().onConnect(sm) }
func (sm *StateMachine) OnReleased()    { sm.handler().onReleased(sm) }
func (sm *StateMachine) OnHoldConfirm() { sm.handler().onHoldConfirm(sm) }

// Доступ к данным вызова.

func (sm *StateMachine) Session() int { return sm.session }

// SetSession назначает идентификатор сессии, в том числе дескриптору стека.
func (sm *StateMachine) SetSession(id int) {
	sm.session = id
	sm.proxy.SetSessionID(id)
	sm.log = sm.manager.log.WithField("session", id)
}

func (sm *StateMachine) CallingNumber() string   { return sm.callingNumber }
func (sm *StateMachine) CallingName() string     { return sm.callingName }
func (sm *StateMachine) Type() CallType          { return sm.callType }
func (sm *StateMachine) StartTime() time.Time    { return sm.startTime }
func (sm *StateMachine) Duration() time.Duration { return sm.duration }
func (sm *StateMachine) Counting() bool          { return sm.counting }
func (sm *StateMachine) Incoming() bool          { return sm.incoming }
func (sm *StateMachine) IsHeld() bool            { return sm.held }
func (sm *StateMachine) IsConference() bool      { return sm.conference }
func (sm *StateMachine) HoldRequested() bool     { return sm.holdRequested }
func (sm *StateMachine) RetrieveRequested() bool { return sm.retrieveRequested }
func (sm *StateMachine) Proxy() CallProxy        { return sm.proxy }

// RuntimeDuration текущая длительность разговора, ноль до входа в ACTIVE.
func (sm *StateMachine) RuntimeDuration() time.Duration {
	if !sm.counting {
		return 0
	}
	return time.Since(sm.startTime)
}

// Snapshot копия данных вызова.
func (sm *StateMachine) Snapshot() CallInfo {
	return CallInfo{
		Session:         sm.session,
		State:           sm.State(),
		CallingNumber:   sm.callingNumber,
		CallingName:     sm.callingName,
		Type:            sm.callType,
		Incoming:        sm.incoming,
		Held:            sm.held,
		Conference:      sm.conference,
		StartTime:       sm.startTime,
		Duration:        sm.duration,
		RuntimeDuration: sm.RuntimeDuration(),
	}
}

func (sm *StateMachine) timer(kind TimerKind) Timer {
	if kind == TimerNoReply {
		return sm.noReplyTimer
	}
	return sm.releasedTimer
}

func (sm *StateMachine) startTimer(kind TimerKind) bool {
	ok := sm.timer(kind).Start()
	if !ok {
		sm.log.WithField("timer", kind.String()).Debug("timer not started")
	}
	return ok
}

func (sm *StateMachine) stopTimer(kind TimerKind) {
	sm.timer(kind).Stop()
}

func (sm *StateMachine) stopAllTimers() {
	sm.noReplyTimer.Stop()
	sm.releasedTimer.Stop()
}

func (sm *StateMachine) playTone(t Tone) {
	if err := sm.manager.media.PlayTone(t); err != nil {
		sm.log.WithError(err).WithField("tone", t.String()).Warn("play tone failed")
	}
}

func (sm *StateMachine) stopTone() {
	if err := sm.manager.media.StopTone(); err != nil {
		sm.log.WithError(err).Warn("stop tone failed")
	}
}

// signal логирует отказ стека и возвращает его в обертке CallError.
func (sm *StateMachine) signal(op string, err error) error {
	if err == nil {
		return nil
	}
	sm.manager.metrics.signalingError(op)
	sm.log.WithError(err).WithField("op", op).Warn("signaling command failed")
	return wrapCallError(op, sm, err)
}
