package callctl

import "time"

// stateHandler поведение машины в конкретном состоянии.
//
// Обработчики не хранят данных: все данные вызова лежат в StateMachine,
// которая передается аргументом. Неподдерживаемые в состоянии команды
// являются no-op и возвращают nil.
type stateHandler interface {
	id() StateID

	onEntry(sm *StateMachine)
	onExit(sm *StateMachine)

	makeCall(sm *StateMachine, number string, account int) (int, error)
	endCall(sm *StateMachine) error
	acceptCall(sm *StateMachine) error
	alerted(sm *StateMachine) error
	holdCall(sm *StateMachine) error
	retrieveCall(sm *StateMachine) error
	xferCall(sm *StateMachine, number string) error
	xferCallSession(sm *StateMachine, session int) error
	threePtyCall(sm *StateMachine, session int) error
	serviceRequest(sm *StateMachine, code ServiceCode, dest string) error
	dialDtmf(sm *StateMachine, digits string, mode DtmfMode) error

	incomingCall(sm *StateMachine, number, display string)
	onAlerting(sm *StateMachine)
	onConnect(sm *StateMachine)
	onReleased(sm *StateMachine)
	onHoldConfirm(sm *StateMachine)

	noReplyExpired(sm *StateMachine)
	releasedExpired(sm *StateMachine)
}

var handlers = map[StateID]stateHandler{
	StateIdle:       idleState{},
	StateConnecting: connectingState{},
	StateAlerting:   alertingState{},
	StateActive:     activeState{},
	StateReleased:   releasedState{},
	StateIncoming:   incomingState{},
	StateHolding:    holdingState{},
}

// baseState поведение по умолчанию.
type baseState struct{}

func (baseState) onEntry(*StateMachine) {}
func (baseState) onExit(*StateMachine)  {}

func (baseState) makeCall(*StateMachine, string, int) (int, error) { return -1, nil }
func (baseState) endCall(*StateMachine) error                      { return nil }
func (baseState) acceptCall(*StateMachine) error                   { return nil }
func (baseState) alerted(*StateMachine) error                      { return nil }
func (baseState) holdCall(*StateMachine) error                     { return nil }
func (baseState) retrieveCall(*StateMachine) error                 { return nil }
func (baseState) xferCall(*StateMachine, string) error             { return nil }
func (baseState) xferCallSession(*StateMachine, int) error         { return nil }
func (baseState) threePtyCall(*StateMachine, int) error            { return nil }

// Сервисные запросы и DTMF стек принимает в любом состоянии.
func (baseState) serviceRequest(sm *StateMachine, code ServiceCode, dest string) error {
	return sm.signal("service_request", sm.proxy.ServiceRequest(code, dest))
}

func (baseState) dialDtmf(sm *StateMachine, digits string, mode DtmfMode) error {
	return sm.signal("dial_dtmf", sm.proxy.DialDtmf(digits, mode))
}

func (baseState) incomingCall(*StateMachine, string, string) {}
func (baseState) onAlerting(*StateMachine)                   {}
func (baseState) onConnect(*StateMachine)                    {}
func (baseState) onReleased(*StateMachine)                   {}
func (baseState) onHoldConfirm(*StateMachine)                {}
func (baseState) noReplyExpired(*StateMachine)               {}
func (baseState) releasedExpired(*StateMachine)              {}

// hangup общий путь отбоя пользователем: сигнал на сторону сети и очистка.
// Отказ стека не мешает локальной очистке вызова.
func hangup(sm *StateMachine) error {
	_ = sm.signal("end_call", sm.proxy.EndCall())
	sm.Destroy()
	return nil
}

type idleState struct{ baseState }

func (idleState) id() StateID { return StateIdle }

func (idleState) makeCall(sm *StateMachine, number string, account int) (int, error) {
	sm.callingNumber = number
	sm.ChangeState(StateConnecting)
	session, err := sm.proxy.MakeCall(number, account)
	if err != nil {
		return -1, sm.signal("make_call", err)
	}
	return session, nil
}

func (idleState) incomingCall(sm *StateMachine, number, display string) {
	sm.callingNumber = number
	sm.callingName = display
	sm.ChangeState(StateIncoming)
}

type connectingState struct{ baseState }

func (connectingState) id() StateID { return StateConnecting }

func (connectingState) onEntry(sm *StateMachine) {
	sm.callType = CallTypeDialed
}

func (connectingState) onAlerting(sm *StateMachine) {
	sm.ChangeState(StateAlerting)
}

func (connectingState) onConnect(sm *StateMachine) {
	sm.startTime = time.Now()
	sm.ChangeState(StateActive)
}

func (connectingState) onReleased(sm *StateMachine) {
	sm.ChangeState(StateReleased)
}

func (connectingState) endCall(sm *StateMachine) error { return hangup(sm) }

type alertingState struct{ baseState }

func (alertingState) id() StateID { return StateAlerting }

func (alertingState) onEntry(sm *StateMachine) {
	sm.playTone(ToneRingback)
}

func (alertingState) onExit(sm *StateMachine) {
	sm.stopTone()
}

func (alertingState) onConnect(sm *StateMachine) {
	sm.startTime = time.Now()
	sm.ChangeState(StateActive)
}

func (alertingState) onReleased(sm *StateMachine) {
	sm.ChangeState(StateReleased)
}

func (alertingState) endCall(sm *StateMachine) error { return hangup(sm) }

type activeState struct{ baseState }

func (activeState) id() StateID { return StateActive }

func (activeState) onEntry(sm *StateMachine) {
	sm.counting = true
}

func (activeState) endCall(sm *StateMachine) error { return hangup(sm) }

// Удержание двухфазное: здесь только запрос, в HOLDING переходим по
// подтверждению от стека.
func (activeState) holdCall(sm *StateMachine) error {
	sm.holdRequested = true
	if err := sm.signal("hold_call", sm.proxy.HoldCall()); err != nil {
		sm.holdRequested = false
		return err
	}
	return nil
}

func (activeState) onHoldConfirm(sm *StateMachine) {
	if !sm.holdRequested {
		return
	}
	sm.holdRequested = false
	sm.ChangeState(StateHolding)
	sm.manager.ActivatePendingAction()
}

func (activeState) xferCall(sm *StateMachine, number string) error {
	return sm.signal("xfer_call", sm.proxy.XferCall(number))
}

func (activeState) xferCallSession(sm *StateMachine, session int) error {
	return sm.signal("xfer_call_session", sm.proxy.XferCallSession(session))
}

func (activeState) threePtyCall(sm *StateMachine, session int) error {
	if err := sm.signal("three_pty_call", sm.proxy.ThreePtyCall(session)); err != nil {
		return err
	}
	sm.conference = true
	return nil
}

func (activeState) onReleased(sm *StateMachine) {
	sm.ChangeState(StateReleased)
}

type releasedState struct{ baseState }

func (releasedState) id() StateID { return StateReleased }

// Если таймер очистки не запустился, ждать нечего - уничтожаем сразу.
func (releasedState) onEntry(sm *StateMachine) {
	sm.playTone(ToneCongestion)
	if !sm.startTimer(TimerReleased) {
		sm.Destroy()
	}
}

func (releasedState) onExit(sm *StateMachine) {
	sm.stopTone()
	sm.stopAllTimers()
}

func (releasedState) endCall(sm *StateMachine) error {
	sm.Destroy()
	return nil
}

func (releasedState) releasedExpired(sm *StateMachine) {
	sm.Destroy()
}

type incomingState struct{ baseState }

func (incomingState) id() StateID { return StateIncoming }

// onEntry применяет политику переадресации, первое совпадение выигрывает.
func (incomingState) onEntry(sm *StateMachine) {
	sm.incoming = true
	cfg := sm.manager.config

	switch {
	case cfg.CFUFlag() && cfg.CFUNumber() != "":
		_ = sm.signal("service_request", sm.proxy.ServiceRequest(ServiceCFU, cfg.CFUNumber()))
	case cfg.DNDFlag():
		_ = sm.signal("service_request", sm.proxy.ServiceRequest(ServiceDND, ""))
	case cfg.AAFlag():
		sm.manager.answer(sm)
		return
	default:
		_ = sm.signal("alerted", sm.proxy.Alerted())
		sm.callType = CallTypeMissed
		sm.playTone(ToneRing)
	}

	if cfg.CFNRFlag() {
		sm.startTimer(TimerNoReply)
	}
}

func (incomingState) onExit(sm *StateMachine) {
	sm.stopTone()
	sm.stopTimer(TimerNoReply)
}

func (incomingState) acceptCall(sm *StateMachine) error {
	if err := sm.signal("accept_call", sm.proxy.AcceptCall()); err != nil {
		return err
	}
	sm.callType = CallTypeReceived
	sm.startTime = time.Now()
	sm.ChangeState(StateActive)
	return nil
}

func (incomingState) onReleased(sm *StateMachine) {
	sm.ChangeState(StateReleased)
}

// Перевод еще не отвеченного вызова - это отклонение (deflection).
func (incomingState) xferCall(sm *StateMachine, number string) error {
	return sm.signal("service_request", sm.proxy.ServiceRequest(ServiceCD, number))
}

func (incomingState) endCall(sm *StateMachine) error { return hangup(sm) }

func (incomingState) noReplyExpired(sm *StateMachine) {
	_ = sm.signal("service_request", sm.proxy.ServiceRequest(ServiceCFNR, sm.manager.config.CFNRNumber()))
}

type holdingState struct{ baseState }

func (holdingState) id() StateID { return StateHolding }

func (holdingState) onEntry(sm *StateMachine) {
	sm.held = true
	sm.retrieveRequested = false
}

func (holdingState) onExit(sm *StateMachine) {
	sm.held = false
}

func (holdingState) retrieveCall(sm *StateMachine) error {
	sm.retrieveRequested = true
	if err := sm.signal("retrieve_call", sm.proxy.RetrieveCall()); err != nil {
		sm.retrieveRequested = false
		return err
	}
	sm.ChangeState(StateActive)
	return nil
}

func (holdingState) onReleased(sm *StateMachine) {
	sm.ChangeState(StateReleased)
}

func (holdingState) endCall(sm *StateMachine) error { return hangup(sm) }
