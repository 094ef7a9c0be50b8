package callctl

import "strings"

// StateID идентификатор состояния вызова.
//
// Значения являются битовыми флагами: это позволяет проверять принадлежность
// состояния множеству (например "вызов в CONNECTING или ALERTING") одной
// операцией над маской, собранной через побитовое ИЛИ.
type StateID int

const (
	// StateIdle - вызова нет, машина свободна.
	StateIdle StateID = 0x1

	// StateConnecting - исходящий вызов отправлен, ответа от сети пока нет.
	StateConnecting StateID = 0x2

	// StateAlerting - удаленная сторона звонит (ранний ответ), играет ringback.
	StateAlerting StateID = 0x4

	// StateActive - разговор. Единственное состояние, в котором идет счет длительности.
	StateActive StateID = 0x8

	// StateReleased - сеть разорвала вызов, ждем таймера очистки.
	StateReleased StateID = 0x10

	// StateIncoming - входящий вызов ожидает ответа пользователя.
	StateIncoming StateID = 0x20

	// StateHolding - вызов на удержании.
	StateHolding StateID = 0x40
)

// AllStates все состояния в порядке объявления.
var AllStates = []StateID{
	StateIdle,
	StateConnecting,
	StateAlerting,
	StateActive,
	StateReleased,
	StateIncoming,
	StateHolding,
}

func (s StateID) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAlerting:
		return "ALERTING"
	case StateActive:
		return "ACTIVE"
	case StateReleased:
		return "RELEASED"
	case StateIncoming:
		return "INCOMING"
	case StateHolding:
		return "HOLDING"
	default:
		return "UNKNOWN"
	}
}

// In проверяет, входит ли состояние в маску состояний.
func (s StateID) In(set StateID) bool {
	return set&s == s
}

// ParseStateID возвращает состояние по его имени (регистр не важен).
func ParseStateID(name string) (StateID, bool) {
	for _, s := range AllStates {
		if strings.EqualFold(s.String(), name) {
			return s, true
		}
	}
	return 0, false
}
