package callctl

import (
	"strings"
	"time"
)

// CallType классификация вызова для журнала.
type CallType int

const (
	CallTypeDialed CallType = iota
	CallTypeReceived
	CallTypeMissed
	// CallTypeAll используется только как фильтр при выборке журнала.
	CallTypeAll
	CallTypeUndefined
)

func (t CallType) String() string {
	switch t {
	case CallTypeDialed:
		return "dialed"
	case CallTypeReceived:
		return "received"
	case CallTypeMissed:
		return "missed"
	case CallTypeAll:
		return "all"
	default:
		return "undefined"
	}
}

// ParseCallType разбирает текстовое представление типа вызова.
func ParseCallType(s string) (CallType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dialed":
		return CallTypeDialed, true
	case "received":
		return CallTypeReceived, true
	case "missed":
		return CallTypeMissed, true
	case "all", "":
		return CallTypeAll, true
	case "undefined":
		return CallTypeUndefined, true
	}
	return CallTypeUndefined, false
}

// Tone тональные сигналы, которые ядро просит проиграть медиа подсистему.
type Tone int

const (
	ToneDial Tone = iota
	ToneCongestion
	ToneRingback
	ToneRing
)

func (t Tone) String() string {
	switch t {
	case ToneDial:
		return "dial"
	case ToneCongestion:
		return "congestion"
	case ToneRingback:
		return "ringback"
	case ToneRing:
		return "ring"
	default:
		return "unknown"
	}
}

// ServiceCode код сервисного запроса к сигнальному стеку.
type ServiceCode int

const (
	ServiceCD ServiceCode = iota // call deflection
	ServiceCFU
	ServiceCFNR
	ServiceDND
	Service3PTY
	ServiceCFB
)

func (c ServiceCode) String() string {
	switch c {
	case ServiceCD:
		return "CD"
	case ServiceCFU:
		return "CFU"
	case ServiceCFNR:
		return "CFNR"
	case ServiceDND:
		return "DND"
	case Service3PTY:
		return "3PTY"
	case ServiceCFB:
		return "CFB"
	default:
		return "UNKNOWN"
	}
}

// SignalingState подсостояние вызова, которое сообщает сигнальный стек.
// Числовые значения совпадают с кодами стека, пропуск 5 ожидаем.
type SignalingState int

const (
	SignalingCalling      SignalingState = 1
	SignalingIncoming     SignalingState = 2
	SignalingEarly        SignalingState = 3
	SignalingConnecting   SignalingState = 4
	SignalingDisconnected SignalingState = 6
)

func (s SignalingState) String() string {
	switch s {
	case SignalingCalling:
		return "calling"
	case SignalingIncoming:
		return "incoming"
	case SignalingEarly:
		return "early"
	case SignalingConnecting:
		return "connecting"
	case SignalingDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Notification асинхронные уведомления стека по вызову.
type Notification int

const (
	NotificationHoldConfirm Notification = iota
)

// DtmfMode способ передачи DTMF.
type DtmfMode int

const (
	DtmfInband DtmfMode = iota
	DtmfRFC2833
	DtmfInfo
)

func (m DtmfMode) String() string {
	switch m {
	case DtmfInband:
		return "inband"
	case DtmfRFC2833:
		return "rfc2833"
	case DtmfInfo:
		return "info"
	default:
		return "unknown"
	}
}

// TimerKind таймеры, которыми владеет машина состояний.
type TimerKind int

const (
	TimerNoReply TimerKind = iota
	TimerReleased
)

func (k TimerKind) String() string {
	if k == TimerNoReply {
		return "noreply"
	}
	return "released"
}

const (
	// NoReplyTimeout время ожидания ответа до переадресации по неответу.
	NoReplyTimeout = 15 * time.Second
	// ReleasedTimeout время жизни машины после разрыва со стороны сети.
	ReleasedTimeout = 5 * time.Second
)
