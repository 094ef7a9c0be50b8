package sipua

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callctl/pkg/callctl"
)

type legDirection int

const (
	legOutgoing legDirection = iota
	legIncoming
)

// legPhase фаза SIP диалога одного вызова.
type legPhase int

const (
	phaseEarly legPhase = iota
	phaseConfirmed
	phaseTerminated
)

func (p legPhase) String() string {
	switch p {
	case phaseEarly:
		return "early"
	case phaseConfirmed:
		return "confirmed"
	default:
		return "terminated"
	}
}

// leg состояние SIP диалога сессии.
type leg struct {
	id      int
	dir     legDirection
	account callctl.Account

	mu       sync.Mutex
	phase    legPhase
	invite   *sip.Request
	inviteTx sip.ServerTransaction // входящий INVITE до финального ответа
	clientTx sip.ClientTransaction // исходящий INVITE до финального ответа
	response *sip.Response         // 2xx на исходящий INVITE или наш 2xx на входящий

	localTag  string
	remoteTag string

	// final закрывается финальным ответом на входящий INVITE или
	// разрывом, до этого обработчик INVITE держит серверную транзакцию.
	final     chan struct{}
	finalOnce sync.Once

	// silenced после EndCall события по сессии ядру не отправляются.
	silenced bool
	// localHold мы удерживаем вызов, remoteHold удерживает удаленная сторона.
	localHold  bool
	remoteHold bool
	// pendingDir направление нашего re-INVITE, который ждет финального
	// ответа, пусто если такого нет.
	pendingDir Direction
	remote     MediaInfo

	localCSeq  atomic.Uint32
	sdpVersion atomic.Uint64
}

func newOutgoingLeg(id int, acc callctl.Account, invite *sip.Request) *leg {
	l := &leg{id: id, dir: legOutgoing, account: acc, invite: invite}
	if from := invite.From(); from != nil {
		l.localTag, _ = from.Params.Get("tag")
	}
	if cseq := invite.CSeq(); cseq != nil {
		l.localCSeq.Store(cseq.SeqNo)
	}
	return l
}

func newIncomingLeg(id int, acc callctl.Account, invite *sip.Request, tx sip.ServerTransaction, localTag string) *leg {
	l := &leg{
		id:       id,
		dir:      legIncoming,
		account:  acc,
		invite:   invite,
		inviteTx: tx,
		localTag: localTag,
		final:    make(chan struct{}),
	}
	if from := invite.From(); from != nil {
		l.remoteTag, _ = from.Params.Get("tag")
	}
	return l
}

func (l *leg) callID() string {
	if h := l.invite.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

// finalize отпускает обработчик входящего INVITE.
func (l *leg) finalize() {
	if l.final == nil {
		return
	}
	l.finalOnce.Do(func() { close(l.final) })
}

func (l *leg) silence() {
	l.mu.Lock()
	l.silenced = true
	l.mu.Unlock()
}

func (l *leg) isSilenced() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.silenced
}

func (l *leg) getPhase() legPhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// newRequest запрос внутри диалога: Request-URI по Contact удаленной
// стороны, From и To в направлении диалога, Call-ID исходного INVITE и
// следующий локальный CSeq.
func (l *leg) newRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.invite == nil {
		return nil, fmt.Errorf("нет исходного INVITE")
	}

	var recipient sip.Uri
	if l.dir == legOutgoing {
		switch {
		case l.response != nil && l.response.Contact() != nil:
			recipient = l.response.Contact().Address
		case l.invite.To() != nil:
			recipient = l.invite.To().Address
		default:
			recipient = l.invite.Recipient
		}
	} else {
		if contact := l.invite.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else {
			recipient = l.invite.From().Address
		}
	}

	req := sip.NewRequest(method, recipient)
	for _, r := range l.routeSet() {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}

	if l.dir == legOutgoing {
		if from := l.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := l.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if l.remoteTag != "" {
				toHdr.Params = toHdr.Params.Add("tag", l.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		if to := l.invite.To(); to != nil {
			fromHdr := &sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			fromHdr.Params = fromHdr.Params.Add("tag", l.localTag)
			req.AppendHeader(fromHdr)
		}
		if from := l.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if h := l.invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      l.localCSeq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	return req, nil
}

// routeSet маршрут диалога из Record-Route: для исходящего вызова из 2xx
// в обратном порядке, для входящего из INVITE как есть. Вызывается под l.mu.
func (l *leg) routeSet() []sip.Uri {
	var src []sip.Header
	if l.dir == legOutgoing {
		if l.response != nil {
			src = l.response.GetHeaders("Record-Route")
		}
	} else {
		src = l.invite.GetHeaders("Record-Route")
	}

	routes := make([]sip.Uri, 0, len(src))
	for _, h := range src {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	if l.dir == legOutgoing {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// newAck ACK на 2xx ответ res для INVITE или re-INVITE invite. Request-URI
// берется из Contact ответа, CSeq как у INVITE.
func newAck(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion
	sip.CopyHeaders("Route", invite, ack)
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.SetBody(nil)
	ack.SetTransport(invite.Transport())
	return ack
}

// newCancel CANCEL для исходящего INVITE: те же Via, From, To, Call-ID
// и номер CSeq.
func (l *leg) newCancel() (*sip.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv := l.invite
	if inv == nil || l.dir != legOutgoing {
		return nil, fmt.Errorf("CANCEL возможен только для исходящего INVITE")
	}
	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	req.SipVersion = inv.SipVersion
	if via := inv.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inv, req)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if h := inv.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		req.AppendHeader(cseq)
	}
	req.SetTransport(inv.Transport())
	req.SetDestination(inv.Destination())
	return req, nil
}

// remoteURI адрес удаленной стороны диалога.
func (l *leg) remoteURI() sip.Uri {
	if l.dir == legOutgoing {
		if to := l.invite.To(); to != nil {
			return to.Address
		}
		return l.invite.Recipient
	}
	if from := l.invite.From(); from != nil {
		return from.Address
	}
	return sip.Uri{}
}

// nextSDPVersion номер версии o= для очередного предложения.
func (l *leg) nextSDPVersion() uint64 {
	return l.sdpVersion.Add(1)
}
