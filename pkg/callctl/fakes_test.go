package callctl

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errFake = errors.New("fake failure")

// fakeStack стек, выдающий сессии по порядку и записывающий команды
// всех созданных дескрипторов.
type fakeStack struct {
	handler     EventHandler
	nextSession int
	commands    []string
	proxies     []*fakeCallProxy

	initCalls     int
	registerCalls int
	shutdownCalls int
	initErr       error

	// failNext задает команду, на которой следующий дескриптор вернет ошибку.
	failNext string
}

func newFakeStack() *fakeStack { return &fakeStack{nextSession: 1} }

func (s *fakeStack) Initialize(context.Context) error {
	s.initCalls++
	return s.initErr
}

func (s *fakeStack) Shutdown() error {
	s.shutdownCalls++
	return nil
}

func (s *fakeStack) RegisterAccounts() error {
	s.registerCalls++
	return nil
}

func (s *fakeStack) CreateCallProxy() CallProxy {
	p := &fakeCallProxy{stack: s, session: -1, fail: s.failNext}
	s.failNext = ""
	s.proxies = append(s.proxies, p)
	return p
}

func (s *fakeStack) SetEventHandler(h EventHandler) { s.handler = h }

func (s *fakeStack) has(cmd string) bool {
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

type fakeCallProxy struct {
	stack   *fakeStack
	session int
	fail    string
}

func (p *fakeCallProxy) record(cmd string) error {
	p.stack.commands = append(p.stack.commands, cmd)
	if p.fail == cmd {
		return errFake
	}
	return nil
}

func (p *fakeCallProxy) MakeCall(number string, account int) (int, error) {
	if err := p.record("make:" + number); err != nil {
		return -1, err
	}
	id := p.stack.nextSession
	p.stack.nextSession++
	return id, nil
}

func (p *fakeCallProxy) EndCall() error      { return p.record("end") }
func (p *fakeCallProxy) Alerted() error      { return p.record("alerted") }
func (p *fakeCallProxy) AcceptCall() error   { return p.record("accept") }
func (p *fakeCallProxy) HoldCall() error     { return p.record("hold") }
func (p *fakeCallProxy) RetrieveCall() error { return p.record("retrieve") }
func (p *fakeCallProxy) XferCall(n string) error {
	return p.record("xfer:" + n)
}
func (p *fakeCallProxy) XferCallSession(s int) error {
	return p.record(fmt.Sprintf("xfer_session:%d", s))
}
func (p *fakeCallProxy) ThreePtyCall(s int) error {
	return p.record(fmt.Sprintf("3pty:%d", s))
}
func (p *fakeCallProxy) ServiceRequest(code ServiceCode, dest string) error {
	return p.record(fmt.Sprintf("service:%s:%s", code, dest))
}
func (p *fakeCallProxy) DialDtmf(digits string, mode DtmfMode) error {
	return p.record(fmt.Sprintf("dtmf:%s:%s", digits, mode))
}
func (p *fakeCallProxy) SessionID() int      { return p.session }
func (p *fakeCallProxy) SetSessionID(id int) { p.session = id }

// fakeMedia записывает последовательность команд тонов.
type fakeMedia struct {
	events []string
}

func (m *fakeMedia) PlayTone(t Tone) error {
	m.events = append(m.events, "play:"+t.String())
	return nil
}

func (m *fakeMedia) StopTone() error {
	m.events = append(m.events, "stop")
	return nil
}

type logEntry struct {
	callType CallType
	number   string
	name     string
	duration time.Duration
}

type fakeCallLog struct {
	entries []logEntry
	saves   int
}

func (l *fakeCallLog) AddCall(t CallType, number, name string, _ time.Time, d time.Duration) {
	l.entries = append(l.entries, logEntry{callType: t, number: number, name: name, duration: d})
}

func (l *fakeCallLog) Save() error {
	l.saves++
	return nil
}

type fakeConfig struct {
	NullConfigurator

	dnd, aa, cfu, cfnr, cfb bool
	cfuNumber               string
	cfnrNumber              string
	cfbNumber               string
	defaultAccount          int
}

func (c *fakeConfig) DNDFlag() bool            { return c.dnd }
func (c *fakeConfig) AAFlag() bool             { return c.aa }
func (c *fakeConfig) CFUFlag() bool            { return c.cfu }
func (c *fakeConfig) CFUNumber() string        { return c.cfuNumber }
func (c *fakeConfig) CFNRFlag() bool           { return c.cfnr }
func (c *fakeConfig) CFNRNumber() string       { return c.cfnrNumber }
func (c *fakeConfig) CFBFlag() bool            { return c.cfb }
func (c *fakeConfig) CFBNumber() string        { return c.cfbNumber }
func (c *fakeConfig) DefaultAccountIndex() int { return c.defaultAccount }

// manualTimer срабатывает только по fire.
type manualTimer struct {
	interval time.Duration
	running  bool
	starts   int
	expired  func()
}

func (t *manualTimer) Start() bool {
	t.running = true
	t.starts++
	return true
}

func (t *manualTimer) Stop() bool {
	was := t.running
	t.running = false
	return was
}

func (t *manualTimer) Interval() time.Duration     { return t.interval }
func (t *manualTimer) SetInterval(d time.Duration) { t.interval = d }

func (t *manualTimer) fire() {
	if !t.running {
		return
	}
	t.running = false
	t.expired()
}

type manualTimerFactory struct {
	timers []*manualTimer
}

func (f *manualTimerFactory) NewTimer(expired func()) Timer {
	t := &manualTimer{expired: expired}
	f.timers = append(f.timers, t)
	return t
}

// timersOf возвращает таймеры машины: первым создается таймер неответа.
func timersOf(sm *StateMachine) (noReply, released *manualTimer) {
	return sm.noReplyTimer.(*manualTimer), sm.releasedTimer.(*manualTimer)
}

type fixture struct {
	stack  *fakeStack
	media  *fakeMedia
	log    *fakeCallLog
	config *fakeConfig
	timers *manualTimerFactory
	m      *Manager
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		stack:  newFakeStack(),
		media:  &fakeMedia{},
		log:    &fakeCallLog{},
		config: &fakeConfig{},
		timers: &manualTimerFactory{},
	}
	all := []Option{
		WithVoipProxy(f.stack),
		WithMediaProxy(f.media),
		WithCallLogger(f.log),
		WithConfigurator(f.config),
		WithTimerFactory(f.timers),
	}
	f.m = NewManager(append(all, opts...)...)
	if err := f.m.Initialize(context.Background()); err != nil {
		panic(err)
	}
	return f
}

// outgoing проводит исходящий вызов до ACTIVE.
func (f *fixture) outgoing(number string) *StateMachine {
	sm := f.m.CreateOutboundCall(number)
	if sm == nil {
		return nil
	}
	f.stack.handler.OnCallStateChanged(sm.Session(), SignalingEarly, "")
	f.stack.handler.OnCallStateChanged(sm.Session(), SignalingConnecting, "")
	return sm
}

// incoming доставляет входящий вызов так, как это делает стек.
func (f *fixture) incoming(session int, number string) *StateMachine {
	f.stack.handler.OnCallStateChanged(session, SignalingIncoming, "")
	f.stack.handler.OnIncomingCall(session, number, "")
	return f.m.Call(session)
}
