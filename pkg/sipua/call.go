package sipua

import (
	"context"
	"fmt"
	"net/url"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/tone"
)

var _ callctl.CallProxy = (*Call)(nil)

// Call дескриптор сессии стека. Состояние диалога хранится в Stack,
// дескриптор знает только номер сессии.
type Call struct {
	stack   *Stack
	session int
}

func (c *Call) SessionID() int      { return c.session }
func (c *Call) SetSessionID(id int) { c.session = id }

func (c *Call) leg() (*leg, error) {
	l := c.stack.leg(c.session)
	if l == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoDialog, c.session)
	}
	return l, nil
}

// MakeCall отправляет INVITE. Ответы приходят ядру событиями: 180/183 как
// Early, 2xx как Connecting, остальные финальные как Disconnected.
func (c *Call) MakeCall(number string, account int) (int, error) {
	id, err := c.stack.dial(number, account)
	if err != nil {
		return -1, err
	}
	c.session = id
	return id, nil
}

// EndCall завершает сессию в любой фазе: CANCEL для исходящего вызова без
// ответа, 603 для входящего, BYE для установленного. После EndCall событий
// по сессии нет.
func (c *Call) EndCall() error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	l.silence()
	return c.stack.terminate(l)
}

// Alerted 180 Ringing на входящий INVITE.
func (c *Call) Alerted() error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	return c.stack.respondInvite(l, 180, "Ringing", nil, nil)
}

// AcceptCall 200 OK с ответом SDP на входящий INVITE.
func (c *Call) AcceptCall() error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	l.mu.Lock()
	dir := l.remote.Direction.Answer()
	l.mu.Unlock()

	body, err := c.stack.localSDP(l, dir)
	if err != nil {
		return err
	}
	contact := &sip.ContactHeader{Address: c.stack.contact(l.account.UserName())}
	return c.stack.respondInvite(l, sip.StatusOK, "OK", body, contact)
}

// HoldCall re-INVITE с sendonly. Подтверждение приходит уведомлением
// NotificationHoldConfirm.
func (c *Call) HoldCall() error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	return c.stack.reinvite(l, DirectionSendOnly, func() {
		c.stack.emitNotification(l, callctl.NotificationHoldConfirm, "")
	})
}

// RetrieveCall re-INVITE с sendrecv.
func (c *Call) RetrieveCall() error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	return c.stack.reinvite(l, DirectionSendRecv, nil)
}

// XferCall слепой перевод: REFER на номер.
func (c *Call) XferCall(number string) error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	target, err := TargetURI(number, l.account)
	if err != nil {
		return err
	}
	return c.stack.refer(l, "<"+target.String()+">")
}

// XferCallSession перевод с консультацией: REFER на удаленную сторону
// другой сессии с Replaces ее диалога.
func (c *Call) XferCallSession(session int) error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	other := c.stack.leg(session)
	if other == nil {
		return fmt.Errorf("%w: %d", ErrNoDialog, session)
	}
	if other.getPhase() != phaseConfirmed {
		return fmt.Errorf("%w: session %d %s", ErrBadPhase, session, other.getPhase())
	}
	return c.stack.refer(l, replacesTarget(other))
}

// ThreePtyCall конференция на стороне телефона: другая сессия снимается с
// удержания, обе остаются установленными.
func (c *Call) ThreePtyCall(session int) error {
	if _, err := c.leg(); err != nil {
		return err
	}
	other := c.stack.leg(session)
	if other == nil {
		return fmt.Errorf("%w: %d", ErrNoDialog, session)
	}
	other.mu.Lock()
	held, pending := other.localHold, other.pendingDir
	other.mu.Unlock()
	// Снятие с удержания уже отправлено, второй re-INVITE получил бы 491.
	if !held || pending == DirectionSendRecv {
		return nil
	}
	return c.stack.reinvite(other, DirectionSendRecv, nil)
}

// ServiceRequest переадресации и DND выполняются финальным ответом на
// входящий INVITE, после ответа ядру приходит Disconnected.
func (c *Call) ServiceRequest(code callctl.ServiceCode, dest string) error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	if code == callctl.Service3PTY {
		return fmt.Errorf("%w: 3PTY требует вторую сессию", ErrBadPhase)
	}
	reply, err := replyForService(code, dest)
	if err != nil {
		return err
	}

	var contact *sip.ContactHeader
	if reply.contact != "" {
		target, err := TargetURI(reply.contact, l.account)
		if err != nil {
			return err
		}
		contact = &sip.ContactHeader{Address: target}
	}
	if err := c.stack.respondInvite(l, reply.code, reply.reason, nil, contact); err != nil {
		return err
	}
	c.stack.log.WithFields(logrus.Fields{"session": l.id, "service": code.String(), "code": reply.code}).Info("service request")
	c.stack.release(l, code.String())
	return nil
}

// DialDtmf набор цифр: INFO в сигнализации или RTP через DTMFSender.
func (c *Call) DialDtmf(digits string, mode callctl.DtmfMode) error {
	l, err := c.leg()
	if err != nil {
		return err
	}
	ds, err := tone.ParseDigits(digits)
	if err != nil {
		return err
	}

	switch mode {
	case callctl.DtmfInfo:
		return c.stack.sendInfo(l, ds)
	case callctl.DtmfRFC2833, callctl.DtmfInband:
		if c.stack.dtmf == nil {
			return fmt.Errorf("dtmf %s: нет медиа потока", mode)
		}
		if mode == callctl.DtmfRFC2833 {
			return c.stack.dtmf.SendEvents(digits)
		}
		return c.stack.dtmf.PlayDigits(digits)
	}
	return fmt.Errorf("неизвестный режим dtmf %d", mode)
}

// Операции стека над диалогом.

// dial отправляет исходящий INVITE и запускает ожидание ответов.
func (s *Stack) dial(number string, account int) (int, error) {
	if !s.isStarted() {
		return -1, ErrNotStarted
	}
	acc := s.cfg.Account(account)
	target, err := TargetURI(number, acc)
	if err != nil {
		return -1, err
	}
	aor, err := AccountURI(acc)
	if err != nil {
		aor = s.contact(acc.UserName())
	}

	req := sip.NewRequest(sip.INVITE, target)
	from := &sip.FromHeader{DisplayName: acc.DisplayName(), Address: aor, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(newCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: s.contact(acc.UserName())})

	id := s.newSession()
	l := newOutgoingLeg(id, acc, req)
	body, err := s.localSDP(l, DirectionSendRecv)
	if err != nil {
		return -1, err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	ctx, cancel := context.WithCancel(s.ctx)
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		cancel()
		return -1, fmt.Errorf("%w: INVITE: %v", callctl.ErrSignaling, err)
	}
	s.dump("send", req)
	l.clientTx = tx
	s.addLeg(l)

	s.log.WithFields(logrus.Fields{"session": id, "target": target.String(), "call_id": string(callID)}).Info("outgoing call")
	s.emitState(l, callctl.SignalingCalling, target.String())
	go s.watchInvite(ctx, cancel, l, req, tx)
	return id, nil
}

// watchInvite ответы на исходящий INVITE. На 401/407 запрос один раз
// повторяется с авторизацией.
func (s *Stack) watchInvite(ctx context.Context, cancel context.CancelFunc, l *leg, req *sip.Request, tx sip.ClientTransaction) {
	defer cancel()
	log := s.log.WithField("session", l.id)
	authorized := false
	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			s.release(l, "shutdown")
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				log.WithError(err).Warn("INVITE transaction failed")
			}
			if l.getPhase() == phaseEarly {
				s.release(l, "no response")
			}
			return
		case res := <-tx.Responses():
			s.dump("recv", res)
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 180 || res.StatusCode == 183 {
					s.emitState(l, callctl.SignalingEarly, res.Reason)
				}
			case res.StatusCode < 300:
				s.confirm(l, res)
				tx.Terminate()
				return
			case (res.StatusCode == 401 || res.StatusCode == 407) && !authorized && !l.isSilenced():
				authorized = true
				authReq, err := authorize(req, res, l.account)
				if err != nil {
					log.WithError(err).Warn("INVITE authorization")
					s.release(l, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
					return
				}
				next, err := s.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
				if err != nil {
					log.WithError(err).Warn("INVITE with credentials")
					s.release(l, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
					return
				}
				s.dump("send", authReq)
				tx.Terminate()
				req, tx = authReq, next
				l.mu.Lock()
				l.invite, l.clientTx = authReq, next
				if cseq := authReq.CSeq(); cseq != nil {
					l.localCSeq.Store(cseq.SeqNo)
				}
				l.mu.Unlock()
			default:
				tx.Terminate()
				s.release(l, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
				return
			}
		}
	}
}

// confirm 2xx на исходящий INVITE: ACK и Connecting. Если вызов уже
// завершен пользователем, диалог сразу закрывается BYE.
func (s *Stack) confirm(l *leg, res *sip.Response) {
	tag, _ := res.To().Params.Get("tag")
	l.mu.Lock()
	l.response = res
	l.remoteTag = tag
	l.clientTx = nil
	if l.phase == phaseEarly {
		l.phase = phaseConfirmed
	}
	if media, err := ParseMedia(res.Body()); err == nil {
		l.remote = media
	}
	invite, silenced := l.invite, l.silenced
	l.mu.Unlock()

	ack := newAck(invite, res)
	s.dump("send", ack)
	if err := s.client.WriteRequest(ack); err != nil {
		s.log.WithError(err).WithField("session", l.id).Warn("send ACK")
	}

	if silenced {
		if err := s.hangup(l); err != nil {
			s.log.WithError(err).WithField("session", l.id).Warn("BYE after late answer")
		}
		s.release(l, "local hangup")
		return
	}
	s.emitState(l, callctl.SignalingConnecting, res.Reason)
}

// terminate завершает диалог по его фазе.
func (s *Stack) terminate(l *leg) error {
	l.mu.Lock()
	phase, dir := l.phase, l.dir
	pending := l.inviteTx != nil
	l.mu.Unlock()

	switch {
	case phase == phaseTerminated:
		return nil
	case phase == phaseEarly && dir == legOutgoing:
		cancelReq, err := l.newCancel()
		if err != nil {
			return err
		}
		// Финальный ответ на INVITE закроет сессию в watchInvite.
		return s.send(l, cancelReq, nil)
	case phase == phaseEarly && dir == legIncoming && pending:
		err := s.respondInvite(l, declineReply.code, declineReply.reason, nil, nil)
		s.release(l, "declined")
		return err
	default:
		err := s.hangup(l)
		s.release(l, "local hangup")
		return err
	}
}

// hangup отправляет BYE.
func (s *Stack) hangup(l *leg) error {
	bye, err := l.newRequest(sip.BYE, s.contact(l.account.UserName()))
	if err != nil {
		return err
	}
	return s.send(l, bye, nil)
}

// respondInvite ответ на входящий INVITE от имени нашей стороны диалога.
// Финальный ответ закрывает серверную транзакцию.
func (s *Stack) respondInvite(l *leg, code int, reason string, body []byte, contact *sip.ContactHeader) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dir != legIncoming || l.inviteTx == nil {
		return fmt.Errorf("%w: ответ %d без входящего INVITE", ErrBadPhase, code)
	}
	res := sip.NewResponseFromRequest(l.invite, code, reason, body)
	// sipgo ставит в To случайный tag, для всех ответов диалога нужен наш.
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", l.localTag)
	}
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if contact != nil {
		res.AppendHeader(contact)
	}

	s.dump("send", res)
	if err := l.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("%w: %d: %v", callctl.ErrSignaling, code, err)
	}
	if code >= 200 {
		l.inviteTx = nil
		l.finalize()
		if code < 300 {
			l.response = res
			l.phase = phaseConfirmed
		}
	}
	return nil
}

// reinvite re-INVITE с заданным направлением. onOK вызывается после 2xx.
// Одновременно в диалоге ждет ответа не больше одного нашего re-INVITE.
func (s *Stack) reinvite(l *leg, dir Direction, onOK func()) error {
	l.mu.Lock()
	phase, pending := l.phase, l.pendingDir
	if phase == phaseConfirmed && pending == "" {
		l.pendingDir = dir
	}
	l.mu.Unlock()
	if phase != phaseConfirmed {
		return fmt.Errorf("%w: re-INVITE в фазе %s", ErrBadPhase, phase)
	}
	if pending != "" {
		return fmt.Errorf("%w: re-INVITE %s еще без ответа", ErrReinvitePending, pending)
	}
	clearPending := func() {
		l.mu.Lock()
		l.pendingDir = ""
		l.mu.Unlock()
	}

	body, err := s.localSDP(l, dir)
	if err != nil {
		clearPending()
		return err
	}
	req, err := l.newRequest(sip.INVITE, s.contact(l.account.UserName()))
	if err != nil {
		clearPending()
		return err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	err = s.send(l, req, func(res *sip.Response) {
		if res == nil {
			clearPending()
			return
		}
		log := s.log.WithFields(logrus.Fields{"session": l.id, "direction": string(dir), "code": res.StatusCode})
		if res.StatusCode >= 300 {
			clearPending()
			log.Warn("re-INVITE rejected")
			return
		}
		ack := newAck(req, res)
		s.dump("send", ack)
		if err := s.client.WriteRequest(ack); err != nil {
			log.WithError(err).Warn("send ACK")
		}
		l.mu.Lock()
		l.localHold = dir != DirectionSendRecv
		l.pendingDir = ""
		l.mu.Unlock()
		log.Info("re-INVITE accepted")
		if onOK != nil {
			onOK()
		}
	})
	if err != nil {
		clearPending()
	}
	return err
}

// refer REFER с заданным Refer-To.
func (s *Stack) refer(l *leg, referTo string) error {
	if phase := l.getPhase(); phase != phaseConfirmed {
		return fmt.Errorf("%w: REFER в фазе %s", ErrBadPhase, phase)
	}
	req, err := l.newRequest(sip.REFER, s.contact(l.account.UserName()))
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	if from := req.From(); from != nil {
		req.AppendHeader(sip.NewHeader("Referred-By", "<"+from.Address.String()+">"))
	}
	return s.send(l, req, func(res *sip.Response) {
		if res == nil {
			return
		}
		log := s.log.WithFields(logrus.Fields{"session": l.id, "code": res.StatusCode})
		if res.StatusCode >= 300 {
			log.Warn("REFER rejected")
			return
		}
		log.Info("REFER accepted")
	})
}

// sendInfo цифры по одной в SIP INFO application/dtmf-relay.
func (s *Stack) sendInfo(l *leg, digits []tone.Digit) error {
	if phase := l.getPhase(); phase != phaseConfirmed {
		return fmt.Errorf("%w: INFO в фазе %s", ErrBadPhase, phase)
	}
	if len(digits) == 0 {
		return nil
	}
	var next func(i int)
	next = func(i int) {
		if i >= len(digits) {
			return
		}
		req, err := l.newRequest(sip.INFO, s.contact(l.account.UserName()))
		if err != nil {
			s.log.WithError(err).Warn("build INFO")
			return
		}
		req.SetBody(dtmfRelayBody(digits[i], tone.DigitDuration))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		err = s.send(l, req, func(res *sip.Response) {
			if res != nil && res.StatusCode < 300 {
				next(i + 1)
			}
		})
		if err != nil {
			s.log.WithError(err).WithField("session", l.id).Warn("send INFO")
		}
	}
	next(0)
	return nil
}

// authorize повторяет запрос с заголовком Authorization по вызову 401/407.
func authorize(req *sip.Request, res *sip.Response, acc callctl.Account) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if acc.UserName() == "" {
		return nil, fmt.Errorf("%d: нет учетных данных", res.StatusCode)
	}
	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("%d без заголовка %s", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор %s: %w", authHeader, err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: acc.UserName(),
		Password: acc.Password(),
	})
	if err != nil {
		return nil, fmt.Errorf("расчет digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// replacesTarget Refer-To с Replaces для диалога l.
func replacesTarget(l *leg) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", l.callID(), l.remoteTag, l.localTag)
	target := l.remoteURI()
	return fmt.Sprintf("<%s?Replaces=%s>", target.String(), url.QueryEscape(replaces))
}

func newCallID() string {
	return newTag() + newTag()
}
