// Package sipua сигнальный стек на sipgo для ядра управления вызовами.
//
// Stack реализует callctl.VoipProxy, Call реализует callctl.CallProxy.
// Каждой сессии ядра соответствует один SIP диалог. Обработчики sipgo
// работают в своих горутинах, поэтому события ядру передаются только
// через callctl.Executor.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/config"
	"github.com/arzzra/callctl/pkg/logging"
)

var _ callctl.VoipProxy = (*Stack)(nil)

var (
	ErrNotStarted = errors.New("sipua: stack not initialized")
	ErrNoDialog   = errors.New("sipua: no dialog for session")
	ErrBadPhase   = errors.New("sipua: operation not allowed in dialog phase")

	ErrReinvitePending = errors.New("sipua: re-INVITE already in progress")
)

// Таймауты клиентских транзакций.
const (
	registerTimeout = 10 * time.Second
	requestTimeout  = 32 * time.Second
	registerExpires = 3600
)

// DTMFSender передача DTMF в медиа потоке.
type DTMFSender interface {
	PlayDigits(digits string) error
	SendEvents(digits string) error
}

// Stack сигнальный стек.
type Stack struct {
	cfg  *config.Config
	log  *logrus.Entry
	exec callctl.Executor
	dtmf DTMFSender

	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	listener  io.Closer
	host      string
	port      int
	ctx       context.Context
	cancel    context.CancelFunc
	sdpOrigin uint64

	mu      sync.Mutex
	started bool
	handler callctl.EventHandler
	legs    map[int]*leg
	byCall  map[string]*leg

	nextID atomic.Int64
}

// Option настройка Stack.
type Option func(*Stack)

// WithExecutor точка исполнения событий ядра, по умолчанию InlineExecutor.
func WithExecutor(e callctl.Executor) Option { return func(s *Stack) { s.exec = e } }

func WithLogger(e *logrus.Entry) Option { return func(s *Stack) { s.log = e } }

// WithDTMF источник DTMF в RTP для режимов inband и rfc2833.
func WithDTMF(d DTMFSender) Option { return func(s *Stack) { s.dtmf = d } }

// NewStack создает стек по конфигурации. Сеть поднимается в Initialize.
func NewStack(cfg *config.Config, opts ...Option) *Stack {
	s := &Stack{
		cfg:       cfg,
		legs:      make(map[int]*leg),
		byCall:    make(map[string]*leg),
		sdpOrigin: uint64(time.Now().Unix()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.exec == nil {
		s.exec = callctl.InlineExecutor{}
	}
	return s
}

// SetEventHandler подписка ядра на события стека.
func (s *Stack) SetEventHandler(h callctl.EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// CreateCallProxy новый дескриптор без сессии.
func (s *Stack) CreateCallProxy() callctl.CallProxy {
	return &Call{stack: s, session: -1}
}

// Addr адрес, на котором стек принимает запросы.
func (s *Stack) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Initialize создает UA, клиент и сервер sipgo и начинает слушать порт.
// Повторный вызов ничего не делает.
func (s *Stack) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	host := contactHost(s.cfg.PublicAddress(), s.cfg.SIPHost())
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(s.cfg.UserAgent()),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}
	s.onRequests(srv)

	// Контекст стека нужен обработчикам с первого запроса.
	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.SIPHost(), strconv.Itoa(s.cfg.SIPPort()))
	log := s.log.WithFields(logrus.Fields{"addr": addr, "transport": s.cfg.SIPTransport()})
	var port int
	switch s.cfg.SIPTransport() {
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.cancel()
			_ = ua.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		port = ln.Addr().(*net.TCPAddr).Port
		s.listener = ln
		go func() {
			if err := srv.ServeTCP(ln); err != nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("sip server stopped")
			}
		}()
	default:
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			s.cancel()
			_ = ua.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		port = conn.LocalAddr().(*net.UDPAddr).Port
		s.listener = conn
		go func() {
			if err := srv.ServeUDP(conn); err != nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("sip server stopped")
			}
		}()
	}

	s.ua, s.srv, s.client = ua, srv, client
	s.host, s.port = host, port
	s.started = true
	log.WithField("contact", host).Info("sip stack started")
	return nil
}

// Shutdown завершает все диалоги и закрывает стек.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	legs := make([]*leg, 0, len(s.legs))
	for _, l := range s.legs {
		legs = append(legs, l)
	}
	s.mu.Unlock()

	for _, l := range legs {
		if err := s.terminate(l); err != nil {
			s.log.WithError(err).WithField("session", l.id).Debug("terminate on shutdown")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.cancel()

	var errs []error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ошибка закрытия клиента: %w", err))
	}
	if err := s.srv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ошибка закрытия сервера: %w", err))
	}
	if err := s.ua.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ошибка закрытия User Agent: %w", err))
	}
	s.log.Info("sip stack stopped")
	return errors.Join(errs...)
}

// RegisterAccounts регистрирует все аккаунты с хостом регистратора.
// Код последнего ответа сохраняется в RegState аккаунта.
func (s *Stack) RegisterAccounts() error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	var errs []error
	for i := 0; i < s.cfg.NumOfAccounts(); i++ {
		acc := s.cfg.SIPAccount(i)
		if acc == nil || acc.HostName() == "" {
			continue
		}
		log := s.log.WithFields(logrus.Fields{"account": acc.AccountName(), "registrar": acc.HostName()})
		if err := s.register(acc); err != nil {
			log.WithError(err).Warn("registration failed")
			errs = append(errs, fmt.Errorf("account %s: %w", acc.AccountName(), err))
			continue
		}
		log.WithField("code", acc.RegState()).Info("registered")
	}
	return errors.Join(errs...)
}

func (s *Stack) register(acc *config.Account) error {
	registrar, err := RegistrarURI(acc)
	if err != nil {
		return err
	}
	aor, err := AccountURI(acc)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.REGISTER, registrar)
	from := &sip.FromHeader{DisplayName: acc.DisplayName(), Address: aor, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: s.contact(acc.UserName())})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(registerExpires)))

	ctx, cancel := context.WithTimeout(s.ctx, registerTimeout)
	defer cancel()

	res, err := s.request(ctx, req)
	if err != nil {
		acc.SetRegState(0)
		return err
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := authorize(req, res, acc)
		if err != nil {
			acc.SetRegState(res.StatusCode)
			return err
		}
		res, err = s.request(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			acc.SetRegState(0)
			return err
		}
	}
	acc.SetRegState(res.StatusCode)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: REGISTER %d %s", callctl.ErrSignaling, res.StatusCode, res.Reason)
	}
	return nil
}

// request отправляет запрос вне диалога и ждет финальный ответ.
func (s *Stack) request(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := s.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("отправка %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	s.dump("send", req)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s: транзакция завершилась без финального ответа", req.Method)
		case res := <-tx.Responses():
			s.dump("recv", res)
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// send отправляет запрос внутри диалога в фоне, done получает финальный
// ответ или nil при ошибке.
func (s *Stack) send(l *leg, req *sip.Request, done func(*sip.Response)) error {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %s: %v", callctl.ErrSignaling, req.Method, err)
	}
	s.dump("send", req)

	go func() {
		defer cancel()
		defer tx.Terminate()
		log := s.log.WithFields(logrus.Fields{"session": l.id, "method": req.Method.String()})
		for {
			select {
			case <-ctx.Done():
				log.Warn("request timed out")
				if done != nil {
					done(nil)
				}
				return
			case <-tx.Done():
				if err := tx.Err(); err != nil {
					log.WithError(err).Warn("request failed")
				}
				if done != nil {
					done(nil)
				}
				return
			case res := <-tx.Responses():
				s.dump("recv", res)
				if res.StatusCode < 200 {
					continue
				}
				if done != nil {
					done(res)
				}
				return
			}
		}
	}()
	return nil
}

// onRequests обработчики входящих запросов.
func (s *Stack) onRequests(srv *sipgo.Server) {
	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnCancel(s.handleCancel)
	srv.OnBye(s.handleBye)
	srv.OnRefer(s.handleRefer)
	srv.OnNotify(s.handleNotify)
	srv.OnInfo(s.handleInfo)
	srv.OnOptions(s.handleOptions)
}

func (s *Stack) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	if tag, ok := req.To().Params.Get("tag"); ok && tag != "" {
		l := s.legByCallID(callIDOf(req))
		if l == nil {
			s.reply(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
			return
		}
		s.handleReinvite(l, req, tx)
		return
	}

	if s.eventHandler() == nil {
		s.reply(tx, req, 480, "Temporarily Unavailable")
		return
	}

	id := s.newSession()
	l := newIncomingLeg(id, s.accountFor(req.Recipient), req, tx, newTag())
	if body := req.Body(); len(body) > 0 {
		media, err := ParseMedia(body)
		if err != nil {
			s.log.WithError(err).WithField("call_id", l.callID()).Warn("bad offer in INVITE")
			s.reply(tx, req, 488, "Not Acceptable Here")
			return
		}
		l.remote = media
	}
	s.addLeg(l)
	// CANCEL на эту транзакцию sipgo обрабатывает сам: 200 на CANCEL и 487
	// на INVITE. Хук вызывается внутри транзакции, поэтому в горутине.
	tx.OnCancel(func(*sip.Request) {
		go func() {
			l.mu.Lock()
			l.inviteTx = nil
			l.mu.Unlock()
			s.release(l, "cancelled")
		}()
	})
	s.reply(tx, req, sip.StatusTrying, "Trying")

	number, name := CallerID(req.From())
	s.log.WithFields(logrus.Fields{"session": id, "number": number, "call_id": l.callID()}).Info("incoming call")
	s.emitState(l, callctl.SignalingIncoming, name)
	s.emitIncoming(l, number, name)

	// После возврата sipgo завершает транзакцию, поэтому ждем финального
	// ответа ядра, CANCEL или остановки стека.
	select {
	case <-l.final:
	case <-tx.Done():
		s.release(l, "transaction terminated")
	case <-s.ctx.Done():
		s.release(l, "shutdown")
	}
}

// handleReinvite отвечает на re-INVITE, удержание удаленной стороной
// только запоминается.
func (s *Stack) handleReinvite(l *leg, req *sip.Request, tx sip.ServerTransaction) {
	dir := DirectionSendRecv
	if body := req.Body(); len(body) > 0 {
		media, err := ParseMedia(body)
		if err != nil {
			s.reply(tx, req, 488, "Not Acceptable Here")
			return
		}
		dir = media.Direction.Answer()
		l.mu.Lock()
		l.remote = media
		l.remoteHold = media.Held()
		l.mu.Unlock()
		s.log.WithFields(logrus.Fields{"session": l.id, "held": media.Held()}).Info("remote re-INVITE")
	}

	body, err := s.localSDP(l, dir)
	if err != nil {
		s.reply(tx, req, 500, "Server Internal Error")
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: s.contact(l.account.UserName())})
	s.respond(tx, res)
}

func (s *Stack) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	if l := s.legByCallID(callIDOf(req)); l != nil {
		s.log.WithField("session", l.id).Debug("ACK received")
	}
}

func (s *Stack) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	l := s.legByCallID(callIDOf(req))
	if l == nil {
		s.reply(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	s.reply(tx, req, sip.StatusOK, "OK")

	l.mu.Lock()
	inviteTx, invite := l.inviteTx, l.invite
	pending := l.dir == legIncoming && l.inviteTx != nil
	l.inviteTx = nil
	l.mu.Unlock()

	if pending {
		s.respond(inviteTx, sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil))
	}
	l.finalize()
	s.release(l, "cancelled")
}

func (s *Stack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	l := s.legByCallID(callIDOf(req))
	if l == nil {
		s.reply(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	s.reply(tx, req, sip.StatusOK, "OK")
	s.release(l, "remote hangup")
}

// handleRefer перевод по запросу удаленной стороны не поддерживается.
func (s *Stack) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	s.reply(tx, req, 603, "Decline")
}

// handleNotify ход перевода по нашему REFER. Успешный перевод завершает
// исходный вызов.
func (s *Stack) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	l := s.legByCallID(callIDOf(req))
	if l == nil {
		s.reply(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	s.reply(tx, req, sip.StatusOK, "OK")

	if ev := req.GetHeader("Event"); ev == nil || !strings.HasPrefix(strings.ToLower(ev.Value()), "refer") {
		return
	}
	code := parseSipfragStatusCode(req.Body())
	log := s.log.WithFields(logrus.Fields{"session": l.id, "code": code})
	switch {
	case code == 0 || code < 200:
		log.Debug("transfer progress")
	case code < 300:
		log.Info("transfer completed")
		if err := s.hangup(l); err != nil {
			log.WithError(err).Warn("BYE after transfer")
		}
		s.release(l, "transferred")
	default:
		log.Warn("transfer failed")
	}
}

func (s *Stack) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	if l := s.legByCallID(callIDOf(req)); l != nil {
		if digit, ok := parseDtmfRelay(req.Body()); ok {
			s.log.WithFields(logrus.Fields{"session": l.id, "digit": digit}).Info("dtmf received")
		}
	}
	s.reply(tx, req, sip.StatusOK, "OK")
}

func (s *Stack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.dump("recv", req)
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REFER, NOTIFY, INFO, OPTIONS"))
	s.respond(tx, res)
}

func (s *Stack) reply(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	s.respond(tx, sip.NewResponseFromRequest(req, code, reason, nil))
}

func (s *Stack) respond(tx sip.ServerTransaction, res *sip.Response) {
	s.dump("send", res)
	if err := tx.Respond(res); err != nil {
		s.log.WithError(err).WithField("code", res.StatusCode).Warn("respond failed")
	}
}

// dump полный текст сообщения в лог, фильтруется по SIPMessagePrefix.
func (s *Stack) dump(dir string, msg sip.Message) {
	if !s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	s.log.WithField("dir", dir).Debugf("%s\n%s", logging.SIPMessagePrefix, msg.String())
}

// События ядру.

func (s *Stack) eventHandler() callctl.EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Stack) emitState(l *leg, state callctl.SignalingState, info string) {
	h := s.eventHandler()
	if h == nil || l.isSilenced() {
		return
	}
	id := l.id
	s.exec.Post(func() { h.OnCallStateChanged(id, state, info) })
}

func (s *Stack) emitIncoming(l *leg, number, info string) {
	h := s.eventHandler()
	if h == nil || l.isSilenced() {
		return
	}
	id := l.id
	s.exec.Post(func() { h.OnIncomingCall(id, number, info) })
}

func (s *Stack) emitNotification(l *leg, n callctl.Notification, text string) {
	h := s.eventHandler()
	if h == nil || l.isSilenced() {
		return
	}
	id := l.id
	s.exec.Post(func() { h.OnCallNotification(id, n, text) })
}

// release закрывает диалог и сообщает ядру о разрыве.
func (s *Stack) release(l *leg, reason string) {
	l.mu.Lock()
	already := l.phase == phaseTerminated
	l.phase = phaseTerminated
	l.mu.Unlock()
	l.finalize()
	if already {
		return
	}
	s.removeLeg(l)
	s.log.WithFields(logrus.Fields{"session": l.id, "reason": reason}).Info("call released")
	s.emitState(l, callctl.SignalingDisconnected, reason)
}

// Таблица диалогов.

func (s *Stack) newSession() int {
	return int(s.nextID.Add(1))
}

func (s *Stack) addLeg(l *leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs[l.id] = l
	s.byCall[l.callID()] = l
}

func (s *Stack) removeLeg(l *leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.legs[l.id]; ok && cur == l {
		delete(s.legs, l.id)
	}
	if cur, ok := s.byCall[l.callID()]; ok && cur == l {
		delete(s.byCall, l.callID())
	}
}

func (s *Stack) leg(session int) *leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legs[session]
}

func (s *Stack) legByCallID(callID string) *leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byCall[callID]
}

func (s *Stack) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// accountFor аккаунт по user части Request-URI, иначе аккаунт по умолчанию.
func (s *Stack) accountFor(uri sip.Uri) callctl.Account {
	for i := 0; i < s.cfg.NumOfAccounts(); i++ {
		if acc := s.cfg.SIPAccount(i); acc != nil && acc.UserName() != "" && acc.UserName() == uri.User {
			return acc
		}
	}
	return s.cfg.Account(s.cfg.DefaultAccountIndex())
}

// contact адрес для заголовка Contact.
func (s *Stack) contact(user string) sip.Uri {
	s.mu.Lock()
	defer s.mu.Unlock()
	uri := sip.Uri{Scheme: "sip", User: user, Host: s.host, Port: s.port}
	if s.cfg.SIPTransport() == "tcp" {
		uri.UriParams = sip.NewParams()
		uri.UriParams = uri.UriParams.Add("transport", "tcp")
	}
	return uri
}

// localSDP локальное описание медиа для сессии l.
func (s *Stack) localSDP(l *leg, dir Direction) ([]byte, error) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	return Offer{
		SessionID: s.sdpOrigin + uint64(l.id),
		Version:   l.nextSDPVersion(),
		Host:      host,
		Port:      s.cfg.RTPPort() + 2*(l.id%1000),
		Codecs:    s.cfg.CodecList(),
		Direction: dir,
	}.Build()
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// contactHost адрес для Contact и SDP: публичный, затем адрес слушателя,
// для 0.0.0.0 адрес исходящего интерфейса.
func contactHost(public, listen string) string {
	if public != "" {
		return public
	}
	if listen != "" && listen != "0.0.0.0" && listen != "::" {
		return listen
	}
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
