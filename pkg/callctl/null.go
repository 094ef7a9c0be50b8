package callctl

import (
	"context"
	"time"
)

// Реализации "по умолчанию" для всех внешних зависимостей.
// Менеджер подставляет их сам, если зависимость не передана через опции.

// NullCallProxy принимает любые команды и ничего не делает.
// MakeCall всегда выдает сессию 1.
type NullCallProxy struct {
	session int
}

func NewNullCallProxy() *NullCallProxy { return &NullCallProxy{session: -1} }

func (p *NullCallProxy) MakeCall(string, int) (int, error)        { return 1, nil }
func (p *NullCallProxy) EndCall() error                           { return nil }
func (p *NullCallProxy) Alerted() error                           { return nil }
func (p *NullCallProxy) AcceptCall() error                        { return nil }
func (p *NullCallProxy) HoldCall() error                          { return nil }
func (p *NullCallProxy) RetrieveCall() error                      { return nil }
func (p *NullCallProxy) XferCall(string) error                    { return nil }
func (p *NullCallProxy) XferCallSession(int) error                { return nil }
func (p *NullCallProxy) ThreePtyCall(int) error                   { return nil }
func (p *NullCallProxy) ServiceRequest(ServiceCode, string) error { return nil }
func (p *NullCallProxy) DialDtmf(string, DtmfMode) error          { return nil }
func (p *NullCallProxy) SessionID() int                           { return p.session }
func (p *NullCallProxy) SetSessionID(id int)                      { p.session = id }

// NullVoipProxy стек без сети.
type NullVoipProxy struct{}

func (NullVoipProxy) Initialize(context.Context) error { return nil }
func (NullVoipProxy) Shutdown() error                  { return nil }
func (NullVoipProxy) RegisterAccounts() error          { return nil }
func (NullVoipProxy) CreateCallProxy() CallProxy       { return NewNullCallProxy() }
func (NullVoipProxy) SetEventHandler(EventHandler)     {}

type NullMediaProxy struct{}

func (NullMediaProxy) PlayTone(Tone) error { return nil }
func (NullMediaProxy) StopTone() error     { return nil }

type NullCallLogger struct{}

func (NullCallLogger) AddCall(CallType, string, string, time.Time, time.Duration) {}
func (NullCallLogger) Save() error                                                { return nil }

type NullAccount struct{}

func (NullAccount) AccountName() string { return "" }
func (NullAccount) HostName() string    { return "" }
func (NullAccount) ID() string          { return "" }
func (NullAccount) UserName() string    { return "" }
func (NullAccount) Password() string    { return "" }
func (NullAccount) DisplayName() string { return "" }
func (NullAccount) DomainName() string  { return "" }
func (NullAccount) Port() int           { return 0 }
func (NullAccount) RegState() int       { return 0 }

// NullConfigurator все услуги выключены, аккаунтов нет.
type NullConfigurator struct{}

func (NullConfigurator) DNDFlag() bool            { return false }
func (NullConfigurator) AAFlag() bool             { return false }
func (NullConfigurator) CFUFlag() bool            { return false }
func (NullConfigurator) CFUNumber() string        { return "" }
func (NullConfigurator) CFNRFlag() bool           { return false }
func (NullConfigurator) CFNRNumber() string       { return "" }
func (NullConfigurator) CFBFlag() bool            { return false }
func (NullConfigurator) CFBNumber() string        { return "" }
func (NullConfigurator) SIPPort() int             { return 5060 }
func (NullConfigurator) DefaultAccountIndex() int { return 0 }
func (NullConfigurator) NumOfAccounts() int       { return 0 }
func (NullConfigurator) Account(int) Account      { return NullAccount{} }
func (NullConfigurator) CodecList() []string      { return nil }

// NullTimer не умеет срабатывать, Start возвращает false.
type NullTimer struct{}

func (NullTimer) Start() bool               { return false }
func (NullTimer) Stop() bool                { return false }
func (NullTimer) Interval() time.Duration   { return 0 }
func (NullTimer) SetInterval(time.Duration) {}

type NullTimerFactory struct{}

func (NullTimerFactory) NewTimer(func()) Timer { return NullTimer{} }

// InlineExecutor выполняет функцию сразу в вызывающей горутине.
// Подходит, когда весь код ядра и так вызывается из одного потока.
type InlineExecutor struct{}

func (InlineExecutor) Post(fn func()) { fn() }
