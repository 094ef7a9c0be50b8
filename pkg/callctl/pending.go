package callctl

type pendingKind int

const (
	pendingUserAnswer pendingKind = iota
	pendingCreateSession
	pendingUserHoldRetrieve
)

func (k pendingKind) String() string {
	switch k {
	case pendingUserAnswer:
		return "user_answer"
	case pendingCreateSession:
		return "create_session"
	case pendingUserHoldRetrieve:
		return "user_hold_retrieve"
	default:
		return "unknown"
	}
}

// pendingAction отложенная команда пользователя. Выполняется один раз,
// когда конкурирующий вызов подтвердит удержание.
type pendingAction struct {
	kind    pendingKind
	session int
	number  string
	account int
}

func newPendingSession(kind pendingKind, session int) *pendingAction {
	return &pendingAction{kind: kind, session: session, account: -1}
}

func newPendingCreate(number string, account int) *pendingAction {
	return &pendingAction{kind: pendingCreateSession, session: -1, number: number, account: account}
}

// activate повторно вызывает исходный метод менеджера. К этому моменту
// конкурент уже на удержании, поэтому повторная проверка пройдет напрямую.
func (p *pendingAction) activate(m *Manager) {
	switch p.kind {
	case pendingUserAnswer:
		m.OnUserAnswer(p.session)
	case pendingCreateSession:
		m.CreateOutboundCallAccount(p.number, p.account)
	case pendingUserHoldRetrieve:
		m.OnUserHoldRetrieve(p.session)
	}
}
