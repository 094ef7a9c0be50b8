package callctl

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// Manager координатор вызовов.
//
// Владеет таблицей живых машин состояний (ключ - идентификатор сессии стека)
// и единственным слотом отложенного действия. Следит за тем, чтобы в ACTIVE
// был не более чем один вызов: любое действие, которое привело бы ко второму
// активному вызову, сначала ставит текущий на удержание и откладывается до
// подтверждения удержания.
//
// Manager не синхронизирован. Все методы, включая колбэки стека, должны
// вызываться из одного Executor (см. Dispatcher).
type Manager struct {
	calls   map[int]*StateMachine
	pending *pendingAction

	stack   VoipProxy
	media   MediaProxy
	callLog CallLogger
	config  Configurator
	timers  TimerFactory
	exec    Executor
	log     *logrus.Entry
	metrics *Metrics

	maxCalls    int
	initialized bool

	refreshSubs  []func(session int)
	incomingSubs []func(session int, number, info string)
}

// Option настройка менеджера.
type Option func(*Manager)

func WithVoipProxy(p VoipProxy) Option       { return func(m *Manager) { m.stack = p } }
func WithMediaProxy(p MediaProxy) Option     { return func(m *Manager) { m.media = p } }
func WithCallLogger(l CallLogger) Option     { return func(m *Manager) { m.callLog = l } }
func WithConfigurator(c Configurator) Option { return func(m *Manager) { m.config = c } }
func WithTimerFactory(f TimerFactory) Option { return func(m *Manager) { m.timers = f } }
func WithExecutor(e Executor) Option         { return func(m *Manager) { m.exec = e } }
func WithLogger(l *logrus.Entry) Option      { return func(m *Manager) { m.log = l } }
func WithMetrics(mt *Metrics) Option         { return func(m *Manager) { m.metrics = mt } }

// WithMaxCalls ограничивает число одновременно отслеживаемых вызовов.
// 0 - без ограничения.
func WithMaxCalls(n int) Option { return func(m *Manager) { m.maxCalls = n } }

// NewManager создает менеджер. Не переданные зависимости заменяются
// Null реализациями.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		calls:   make(map[int]*StateMachine),
		stack:   NullVoipProxy{},
		media:   NullMediaProxy{},
		callLog: NullCallLogger{},
		config:  NullConfigurator{},
		timers:  NullTimerFactory{},
		exec:    InlineExecutor{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		m.log = logrus.NewEntry(l)
	}
	m.log = m.log.WithField("component", "callmanager")
	return m
}

// Initialize подписывает менеджер на события стека, инициализирует стек
// (один раз) и регистрирует аккаунты (при каждом вызове).
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initialized {
		m.stack.SetEventHandler(m)
		if err := m.stack.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize signaling stack: %w", err)
		}
	}
	if err := m.stack.RegisterAccounts(); err != nil {
		return fmt.Errorf("register accounts: %w", err)
	}
	m.initialized = true
	m.log.WithField("accounts", m.config.NumOfAccounts()).Info("call manager initialized")
	return nil
}

// Shutdown очищает таблицу вызовов и останавливает стек.
func (m *Manager) Shutdown() error {
	for _, sm := range m.calls {
		sm.stopAllTimers()
	}
	m.calls = make(map[int]*StateMachine)
	m.pending = nil
	m.metrics.setCalls(0)
	m.refreshSubs = nil
	m.incomingSubs = nil

	wasInitialized := m.initialized
	m.initialized = false
	if !wasInitialized {
		return nil
	}
	if err := m.stack.Shutdown(); err != nil {
		return fmt.Errorf("shutdown signaling stack: %w", err)
	}
	m.log.Info("call manager shut down")
	return nil
}

// IsInitialized сообщает, выполнен ли Initialize.
func (m *Manager) IsInitialized() bool { return m.initialized }

// Config текущий конфигуратор.
func (m *Manager) Config() Configurator { return m.config }

// Post ставит функцию в очередь исполнителя менеджера.
func (m *Manager) Post(fn func()) { m.exec.Post(fn) }

// OnCallStateRefresh подписка на обновление состояния вызова (UI refresh).
func (m *Manager) OnCallStateRefresh(fn func(session int)) {
	m.refreshSubs = append(m.refreshSubs, fn)
}

// OnIncomingCallNotification подписка на появление входящего вызова.
func (m *Manager) OnIncomingCallNotification(fn func(session int, number, info string)) {
	m.incomingSubs = append(m.incomingSubs, fn)
}

func (m *Manager) updateGui(session int) {
	for _, fn := range m.refreshSubs {
		fn(session)
	}
}

// CreateOutboundCall исходящий вызов с аккаунта по умолчанию.
func (m *Manager) CreateOutboundCall(number string) *StateMachine {
	return m.CreateOutboundCallAccount(number, m.config.DefaultAccountIndex())
}

// CreateOutboundCallAccount создает исходящий вызов.
//
// Возвращает nil, если уже идет установление вызова, если стек отказал, или
// если есть активный вызов: тогда он ставится на удержание, а создание
// откладывается до подтверждения удержания.
func (m *Manager) CreateOutboundCallAccount(number string, account int) *StateMachine {
	log := m.log.WithFields(logrus.Fields{"number": number, "account": account})

	if m.NumCallsInStates(StateConnecting|StateAlerting) > 0 {
		log.Info("outbound call rejected: another call is being set up")
		return nil
	}

	// Проверка до удержания: иначе активный вызов встал бы на удержание
	// ради вызова, который все равно будет отклонен.
	if m.atCapacity() {
		log.Warn("outbound call rejected: call table is full")
		return nil
	}

	if active := m.CallInState(StateActive); active != nil {
		m.stash(newPendingCreate(number, account))
		_ = active.HoldCall()
		return nil
	}

	call := NewStateMachine(m)
	session, err := call.MakeCall(number, account)
	if err != nil || session == -1 {
		log.WithError(err).Warn("outbound call failed")
		call.Destroy()
		return nil
	}
	call.SetSession(session)
	m.insert(call)
	m.metrics.callCreated("outbound")
	return call
}

// Dial обертка над CreateOutboundCallAccount с явной ошибкой для внешних
// слоев. Отложенный вызов (активный поставлен на удержание) возвращает nil, nil.
func (m *Manager) Dial(number string, account int) (*StateMachine, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if m.NumCallsInStates(StateConnecting|StateAlerting) > 0 {
		return nil, ErrCallInProgress
	}
	if m.atCapacity() {
		return nil, fmt.Errorf("dial %s: %w", number, ErrCallTableFull)
	}
	deferred := m.NumCallsInState(StateActive) > 0
	call := m.CreateOutboundCallAccount(number, account)
	if call == nil && !deferred {
		return nil, fmt.Errorf("dial %s: %w", number, ErrSignaling)
	}
	return call, nil
}

func (m *Manager) insert(call *StateMachine) {
	if stale, ok := m.calls[call.session]; ok && stale != call {
		m.log.WithField("session", call.session).Warn("session id reused, destroying stale call")
		stale.Destroy()
	}
	m.calls[call.session] = call
	m.metrics.setCalls(len(m.calls))
}

func (m *Manager) atCapacity() bool {
	return m.maxCalls > 0 && len(m.calls) >= m.maxCalls
}

// destroySession удаляет машину из таблицы. Машина с тем же идентификатором,
// но другой идентичностью (после коллизии) не трогается.
func (m *Manager) destroySession(sm *StateMachine) {
	if cur, ok := m.calls[sm.session]; ok && cur == sm {
		delete(m.calls, sm.session)
		m.metrics.setCalls(len(m.calls))
	}
	m.updateGui(sm.session)
}

// Call возвращает машину по идентификатору сессии или nil.
func (m *Manager) Call(session int) *StateMachine {
	return m.calls[session]
}

// Lookup как Call, но с ошибкой ErrNoSession.
func (m *Manager) Lookup(session int) (*StateMachine, error) {
	sm := m.calls[session]
	if sm == nil {
		return nil, fmt.Errorf("session %d: %w", session, ErrNoSession)
	}
	return sm, nil
}

// CallInState первая найденная машина в состоянии state, с наименьшим
// идентификатором сессии.
func (m *Manager) CallInState(state StateID) *StateMachine {
	calls := m.CallsInState(state)
	if len(calls) == 0 {
		return nil
	}
	return calls[0]
}

// CallsInState все машины в состоянии state, упорядоченные по сессии.
func (m *Manager) CallsInState(state StateID) []*StateMachine {
	var list []*StateMachine
	for _, id := range m.Sessions() {
		if sm := m.calls[id]; sm.State() == state {
			list = append(list, sm)
		}
	}
	return list
}

// NumCallsInState число машин в состоянии state.
func (m *Manager) NumCallsInState(state StateID) int {
	n := 0
	for _, sm := range m.calls {
		if sm.State() == state {
			n++
		}
	}
	return n
}

// NumCallsInStates число машин, состояние которых входит в маску states.
func (m *Manager) NumCallsInStates(states StateID) int {
	n := 0
	for _, sm := range m.calls {
		if sm.State().In(states) {
			n++
		}
	}
	return n
}

// Count число вызовов в таблице.
func (m *Manager) Count() int { return len(m.calls) }

// Is3Pty true, когда активны ровно два вызова.
func (m *Manager) Is3Pty() bool { return m.NumCallsInState(StateActive) == 2 }

// Sessions идентификаторы всех сессий по возрастанию.
func (m *Manager) Sessions() []int {
	ids := make([]int, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshots снимки всех вызовов по возрастанию сессии.
func (m *Manager) Snapshots() []CallInfo {
	out := make([]CallInfo, 0, len(m.calls))
	for _, id := range m.Sessions() {
		out = append(out, m.calls[id].Snapshot())
	}
	return out
}

// OnUserRelease отбой вызова пользователем.
func (m *Manager) OnUserRelease(session int) {
	if sm := m.Call(session); sm != nil {
		_ = sm.EndCall()
	}
}

// OnUserAnswer ответ на вызов. Если есть активный вызов, он ставится на
// удержание, а ответ откладывается.
func (m *Manager) OnUserAnswer(session int) {
	if sm := m.Call(session); sm != nil {
		m.answer(sm)
	}
}

// answer общий путь ответа, им же пользуется автоответ.
// Отвечать можно только на вызов в INCOMING.
func (m *Manager) answer(sm *StateMachine) {
	if sm.State() != StateIncoming {
		return
	}
	for _, active := range m.CallsInState(StateActive) {
		if active == sm {
			continue
		}
		_ = active.HoldCall()
		m.stash(newPendingSession(pendingUserAnswer, sm.session))
		return
	}
	_ = sm.AcceptCall()
}

// OnUserHoldRetrieve переключение удержания.
func (m *Manager) OnUserHoldRetrieve(session int) {
	sm := m.Call(session)
	if sm == nil {
		return
	}
	switch sm.State() {
	case StateActive:
		_ = sm.HoldCall()
	case StateHolding:
		for _, other := range m.CallsInState(StateActive) {
			if other == sm {
				continue
			}
			_ = other.HoldCall()
			m.stash(newPendingSession(pendingUserHoldRetrieve, session))
			return
		}
		_ = sm.RetrieveCall()
	}
}

// OnUserTransfer перевод вызова на номер.
func (m *Manager) OnUserTransfer(session int, number string) {
	if sm := m.Call(session); sm != nil {
		_ = sm.XferCall(number)
	}
}

// OnUserDialDigit отправка DTMF.
func (m *Manager) OnUserDialDigit(session int, digits string, mode DtmfMode) {
	if sm := m.Call(session); sm != nil {
		_ = sm.DialDtmf(digits, mode)
	}
}

// OnUserConference при одном активном и хотя бы одном удерживаемом вызове
// снимает удерживаемый с удержания и объединяет оба в конференцию.
// Это единственный путь, при котором активны два вызова (Is3Pty).
// Аргумент session не используется: участников определяют состояния.
func (m *Manager) OnUserConference(session int) {
	if m.NumCallsInState(StateActive) != 1 || m.NumCallsInState(StateHolding) == 0 {
		return
	}
	active := m.CallInState(StateActive)
	held := m.CallInState(StateHolding)
	if err := held.RetrieveCall(); err != nil {
		return
	}
	_ = active.ThreePtyCall(held.session)
}

// stash кладет действие в слот. Невыполненное предыдущее действие теряется.
func (m *Manager) stash(p *pendingAction) {
	if m.pending != nil {
		m.log.WithField("kind", m.pending.kind.String()).Info("pending action replaced")
		m.metrics.pending(m.pending.kind, "replaced")
	}
	m.pending = p
	m.metrics.pending(p.kind, "stashed")
	m.log.WithFields(logrus.Fields{"kind": p.kind.String(), "session": p.session}).Info("pending action stashed")
}

// HasPendingAction есть ли отложенное действие.
func (m *Manager) HasPendingAction() bool { return m.pending != nil }

// ActivatePendingAction выполняет отложенное действие, если оно есть.
// Слот очищается до выполнения.
func (m *Manager) ActivatePendingAction() {
	p := m.pending
	if p == nil {
		return
	}
	m.pending = nil
	m.metrics.pending(p.kind, "fired")
	m.log.WithFields(logrus.Fields{"kind": p.kind.String(), "session": p.session}).Info("pending action fired")
	p.activate(m)
}

// OnCallStateChanged событие стека об изменении состояния сессии.
func (m *Manager) OnCallStateChanged(session int, state SignalingState, info string) {
	m.log.WithFields(logrus.Fields{"session": session, "state": state.String(), "info": info}).Debug("call state changed")

	if state == SignalingIncoming {
		m.ensureIncoming(session, false)
		return
	}

	sm := m.Call(session)
	if sm == nil {
		return
	}
	switch state {
	case SignalingEarly:
		sm.OnAlerting()
	case SignalingConnecting:
		sm.OnConnect()
	case SignalingDisconnected:
		sm.OnReleased()
	}
}

// OnIncomingCall событие стека о входящем вызове с данными вызывающего.
func (m *Manager) OnIncomingCall(session int, number, info string) {
	sm := m.ensureIncoming(session, true)
	if sm == nil {
		return
	}
	if sm.State() != StateIdle {
		return
	}
	sm.IncomingCall(number, info)
	for _, fn := range m.incomingSubs {
		fn(session, number, info)
	}
}

// ensureIncoming находит или создает машину для входящей сессии. Если места
// в таблице нет, возвращается nil, а при reject вызов еще и переадресуется по
// занятости (если настроено) или отклоняется через отдельный дескриптор стека.
// Стек сообщает о входящем вызове дважды, отказ отправляется только по
// событию с данными вызывающего.
func (m *Manager) ensureIncoming(session int, reject bool) *StateMachine {
	if sm := m.Call(session); sm != nil {
		return sm
	}

	if m.atCapacity() {
		if !reject {
			return nil
		}
		proxy := m.stack.CreateCallProxy()
		proxy.SetSessionID(session)
		log := m.log.WithField("session", session)
		if m.config.CFBFlag() && m.config.CFBNumber() != "" {
			log.WithField("target", m.config.CFBNumber()).Info("call table full, forwarding on busy")
			if err := proxy.ServiceRequest(ServiceCFB, m.config.CFBNumber()); err != nil {
				log.WithError(err).Warn("CFB request failed")
			}
		} else {
			log.Info("call table full, rejecting incoming call")
			if err := proxy.EndCall(); err != nil {
				log.WithError(err).Warn("reject failed")
			}
		}
		return nil
	}

	sm := NewStateMachine(m)
	sm.SetSession(session)
	m.insert(sm)
	m.metrics.callCreated("inbound")
	return sm
}

// OnCallNotification уведомления стека, сейчас только подтверждение удержания.
func (m *Manager) OnCallNotification(session int, n Notification, text string) {
	if n != NotificationHoldConfirm {
		return
	}
	if sm := m.Call(session); sm != nil {
		sm.OnHoldConfirm()
	}
}
