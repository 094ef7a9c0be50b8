package callctl

import (
	"context"
	"time"
)

// CallProxy дескриптор одного вызова в сигнальном стеке.
//
// Ошибка означает, что команда не выполнена и побочного эффекта не было.
// Ядро такую ошибку только логирует: сбой сигнализации не является
// фатальным для машины состояний.
type CallProxy interface {
	// MakeCall инициирует исходящий вызов и возвращает идентификатор сессии.
	MakeCall(number string, account int) (int, error)
	EndCall() error
	Alerted() error
	AcceptCall() error
	HoldCall() error
	RetrieveCall() error
	XferCall(number string) error
	XferCallSession(session int) error
	ThreePtyCall(session int) error
	ServiceRequest(code ServiceCode, dest string) error
	DialDtmf(digits string, mode DtmfMode) error

	SessionID() int
	SetSessionID(id int)
}

// EventHandler поток событий от сигнального стека к ядру.
type EventHandler interface {
	OnCallStateChanged(session int, state SignalingState, info string)
	OnIncomingCall(session int, number, info string)
	OnCallNotification(session int, n Notification, text string)
}

// VoipProxy сигнальный стек целиком: инициализация, регистрация аккаунтов
// и фабрика дескрипторов вызовов.
type VoipProxy interface {
	Initialize(ctx context.Context) error
	Shutdown() error
	RegisterAccounts() error
	CreateCallProxy() CallProxy
	SetEventHandler(h EventHandler)
}

// MediaProxy проигрывание тональных сигналов.
type MediaProxy interface {
	PlayTone(t Tone) error
	StopTone() error
}

// CallLogger журнал вызовов.
type CallLogger interface {
	AddCall(t CallType, number, name string, at time.Time, d time.Duration)
	Save() error
}

// Account учетная запись SIP.
type Account interface {
	AccountName() string
	HostName() string
	ID() string
	UserName() string
	Password() string
	DisplayName() string
	DomainName() string
	Port() int
	RegState() int
}

// Configurator флаги услуг и список аккаунтов.
type Configurator interface {
	DNDFlag() bool
	AAFlag() bool
	CFUFlag() bool
	CFUNumber() string
	CFNRFlag() bool
	CFNRNumber() string
	CFBFlag() bool
	CFBNumber() string

	SIPPort() int
	DefaultAccountIndex() int
	NumOfAccounts() int
	Account(index int) Account
	CodecList() []string
}

// Timer перезапускаемый однократный таймер.
// Start возвращает false, если таймеры не поддерживаются.
type Timer interface {
	Start() bool
	Stop() bool
	Interval() time.Duration
	SetInterval(d time.Duration)
}

// TimerFactory создает таймеры, expired вызывается при срабатывании.
type TimerFactory interface {
	NewTimer(expired func()) Timer
}

// Executor единая точка исполнения. Все изменения состояния ядра, включая
// срабатывания таймеров, должны проходить через нее.
type Executor interface {
	Post(fn func())
}
