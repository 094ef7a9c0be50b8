// Package tone проигрывание тональных сигналов в RTP поток.
//
// Player реализует callctl.MediaProxy: сигнал синтезируется по ритму,
// кодируется в G.711 и отправляется кадрами по 20 мс на UDP адрес пира.
// Без адреса пира Player работает молча и только запоминает текущий тон.
package tone

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/logging"
)

var _ callctl.MediaProxy = (*Player)(nil)

// Player источник тональных сигналов.
type Player struct {
	mu      sync.Mutex
	conn    net.PacketConn
	peer    net.Addr
	codec   Codec
	log     *logrus.Entry
	local   string
	current callctl.Tone
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Состояние RTP потока, общее для всех тонов.
	sendMu sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32

	frames uint64
}

// Option настройка Player.
type Option func(*Player)

func WithCodec(c Codec) Option          { return func(p *Player) { p.codec = c } }
func WithLogger(e *logrus.Entry) Option { return func(p *Player) { p.log = e } }

// WithLocalAddr локальный адрес сокета, по умолчанию случайный порт.
func WithLocalAddr(addr string) Option { return func(p *Player) { p.local = addr } }

// NewPlayer создает Player. Пустой peer - без сети.
func NewPlayer(peer string, opts ...Option) (*Player, error) {
	p := &Player{
		codec: CodecPCMU,
		local: ":0",
		ssrc:  randUint32(),
		seq:   uint16(randUint32()),
		ts:    randUint32(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.Discard()
	}
	if peer == "" {
		return p, nil
	}

	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve tone peer %s: %w", peer, err)
	}
	conn, err := net.ListenPacket("udp", p.local)
	if err != nil {
		return nil, fmt.Errorf("listen tone socket %s: %w", p.local, err)
	}
	p.conn = conn
	p.peer = addr
	p.log.WithFields(logrus.Fields{
		"peer":  addr.String(),
		"local": conn.LocalAddr().String(),
		"codec": p.codec.Name,
	}).Info("tone player ready")
	return p, nil
}

// LocalAddr адрес сокета или nil без сети.
func (p *Player) LocalAddr() net.Addr {
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// PlayTone заменяет текущий сигнал на t.
func (p *Player) PlayTone(t callctl.Tone) error {
	c, ok := CadenceFor(t)
	if !ok {
		return fmt.Errorf("unknown tone %d", t)
	}
	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current, p.playing = t, true
	p.log.WithField("tone", t.String()).Debug("play tone")
	if p.conn != nil {
		p.start(NewGenerator(c), 0)
	}
	return nil
}

// StopTone останавливает сигнал. Повторный вызов ничего не делает.
func (p *Player) StopTone() error {
	p.stop()
	p.mu.Lock()
	if p.playing {
		p.log.WithField("tone", p.current.String()).Debug("stop tone")
	}
	p.playing = false
	p.mu.Unlock()
	return nil
}

// Playing текущий тон.
func (p *Player) Playing() (callctl.Tone, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.playing
}

// Frames число отправленных кадров.
func (p *Player) Frames() uint64 {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.frames
}

// PlayDigits тональный набор: цифры звучат поверх текущего сигнала,
// который прерывается. Без сети только проверяет строку.
func (p *Player) PlayDigits(digits string) error {
	ds, err := ParseDigits(digits)
	if err != nil {
		return err
	}
	if p.conn == nil || len(ds) == 0 {
		return nil
	}
	_ = p.StopTone()

	p.mu.Lock()
	defer p.mu.Unlock()
	gens := make([]*Generator, len(ds))
	for i, d := range ds {
		gens[i] = NewGenerator(InbandCadence(d))
	}
	per := int((DigitDuration + DigitPause) / FrameDuration)
	p.start(&sequence{gens: gens, per: per}, len(ds)*per)
	return nil
}

// SendEvents отправляет цифры событиями RFC 4733 в фоне.
func (p *Player) SendEvents(digits string) error {
	ds, err := ParseDigits(digits)
	if err != nil {
		return err
	}
	if p.conn == nil {
		return nil
	}
	go p.sendEvents(ds)
	return nil
}

func (p *Player) sendEvents(ds []Digit) {
	for _, d := range ds {
		p.sendMu.Lock()
		ts := p.ts
		p.ts += uint32(DigitDuration * SampleRate / time.Second)
		p.sendMu.Unlock()

		for _, pkt := range eventPackets(d, PayloadTypeTelephoneEvent, ts, 10) {
			if err := p.write(pkt); err != nil {
				p.log.WithError(err).Warn("send dtmf event")
				return
			}
			time.Sleep(FrameDuration)
		}
		time.Sleep(DigitPause)
	}
}

// Close останавливает сигнал и закрывает сокет.
func (p *Player) Close() error {
	_ = p.StopTone()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// frameSource источник кадров PCM.
type frameSource interface {
	NextFrame() []byte
}

// sequence проигрывает генераторы по очереди, per кадров каждый.
type sequence struct {
	gens []*Generator
	per  int
	n    int
}

func (s *sequence) NextFrame() []byte {
	i := s.n / s.per
	if i >= len(s.gens) {
		i = len(s.gens) - 1
	}
	s.n++
	return s.gens[i].NextFrame()
}

// start запускает поток кадров. limit > 0 ограничивает число кадров.
// Вызывается под p.mu.
func (p *Player) start(src frameSource, limit int) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, src, limit, done)
}

func (p *Player) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Player) loop(ctx context.Context, src frameSource, limit int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	marker := true
	for n := 0; limit <= 0 || n < limit; n++ {
		if err := p.writeFrame(p.codec.Encode(src.NextFrame()), marker); err != nil {
			p.log.WithError(err).Warn("send tone frame")
			return
		}
		marker = false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Player) writeFrame(payload []byte, marker bool) error {
	p.sendMu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      marker,
			PayloadType: p.codec.PayloadType,
			Timestamp:   p.ts,
		},
		Payload: payload,
	}
	p.ts += uint32(FrameSamples)
	p.frames++
	p.sendMu.Unlock()
	return p.write(pkt)
}

// write проставляет SSRC и номер пакета и отправляет его.
func (p *Player) write(pkt *rtp.Packet) error {
	p.sendMu.Lock()
	pkt.SSRC = p.ssrc
	pkt.SequenceNumber = p.seq
	p.seq++
	p.sendMu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = p.conn.WriteTo(data, p.peer)
	return err
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed
	}
	return binary.BigEndian.Uint32(b[:])
}
