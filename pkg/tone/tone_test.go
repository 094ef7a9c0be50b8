package tone

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"

	"github.com/arzzra/callctl/pkg/callctl"
)

func TestCadence_IsOn(t *testing.T) {
	ringback, ok := CadenceFor(callctl.ToneRingback)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, ringback.Period())

	tests := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{999 * time.Millisecond, true},
		{time.Second, false},
		{4999 * time.Millisecond, false},
		{5 * time.Second, true},
		{11 * time.Second, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ringback.IsOn(tt.at), "at %v", tt.at)
	}

	dial, ok := CadenceFor(callctl.ToneDial)
	require.True(t, ok)
	assert.Zero(t, dial.Period())
	assert.True(t, dial.IsOn(time.Hour))
}

func TestCadence_AllTonesDefined(t *testing.T) {
	for _, tn := range []callctl.Tone{callctl.ToneDial, callctl.ToneCongestion, callctl.ToneRingback, callctl.ToneRing} {
		t.Run(tn.String(), func(t *testing.T) {
			c, ok := CadenceFor(tn)
			require.True(t, ok)
			assert.NotEmpty(t, c.Freqs)
			assert.Zero(t, len(c.Pattern)%2)
		})
	}
	_, ok := CadenceFor(callctl.Tone(99))
	assert.False(t, ok)
}

func TestGenerator_Frames(t *testing.T) {
	c, _ := CadenceFor(callctl.ToneCongestion)
	g := NewGenerator(c)

	first := g.NextFrame()
	require.Len(t, first, FrameSamples*2)
	assert.NotEqual(t, make([]byte, FrameSamples*2), first)
	assert.Equal(t, FrameDuration, g.Elapsed())

	// 250 мс звука, затем пауза: кадр 13 (260..280 мс) тихий.
	for i := 0; i < 12; i++ {
		g.NextFrame()
	}
	assert.Equal(t, make([]byte, FrameSamples*2), g.NextFrame())
}

func TestCodec(t *testing.T) {
	c, ok := CodecByName("pcma")
	require.True(t, ok)
	assert.Equal(t, uint8(8), c.PayloadType)

	_, ok = CodecByName("opus")
	assert.False(t, ok)

	assert.Equal(t, CodecPCMA.Name, SelectCodec([]string{"G722", "PCMA", "PCMU"}).Name)
	assert.Equal(t, CodecPCMU.Name, SelectCodec(nil).Name)

	silence := make([]byte, FrameSamples*2)
	encoded := CodecPCMU.Encode(silence)
	require.Len(t, encoded, FrameSamples)
	assert.Equal(t, bytes.Repeat([]byte{g711.EncodeUlawFrame(0)}, FrameSamples), encoded)
}

func TestParseDigits(t *testing.T) {
	ds, err := ParseDigits("19*#ad")
	require.NoError(t, err)
	require.Len(t, ds, 6)
	assert.Equal(t, Digit(1), ds[0])
	assert.Equal(t, Digit(10), ds[2])
	assert.Equal(t, Digit(11), ds[3])
	assert.Equal(t, "A", ds[4].String())
	assert.Equal(t, "D", ds[5].String())

	_, err = ParseDigits("12x")
	assert.Error(t, err)
}

func TestInbandCadence(t *testing.T) {
	tests := []struct {
		digit    string
		row, col float64
	}{
		{"1", 697, 1209},
		{"5", 770, 1336},
		{"9", 852, 1477},
		{"0", 941, 1336},
		{"*", 941, 1209},
		{"#", 941, 1477},
		{"C", 852, 1633},
	}
	for _, tt := range tests {
		t.Run(tt.digit, func(t *testing.T) {
			ds, err := ParseDigits(tt.digit)
			require.NoError(t, err)
			assert.Equal(t, []float64{tt.row, tt.col}, InbandCadence(ds[0]).Freqs)
		})
	}
}

func TestEventPackets(t *testing.T) {
	packets := eventPackets(Digit(5), PayloadTypeTelephoneEvent, 1000, 10)
	require.Len(t, packets, 7)

	assert.True(t, packets[0].Marker)
	for i, pkt := range packets {
		assert.Equal(t, uint32(1000), pkt.Timestamp)
		assert.Equal(t, uint8(PayloadTypeTelephoneEvent), pkt.PayloadType)
		if i > 0 {
			assert.False(t, pkt.Marker)
		}

		ev, err := parseEventPayload(pkt.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint8(5), ev.Event)
		assert.Equal(t, uint8(10), ev.Volume)
		assert.Equal(t, i >= 4, ev.End)
	}
	last, _ := parseEventPayload(packets[6].Payload)
	assert.Equal(t, uint16(800), last.Duration)

	_, err := parseEventPayload([]byte{1, 2})
	assert.Error(t, err)
}

func TestPlayer_Silent(t *testing.T) {
	p, err := NewPlayer("")
	require.NoError(t, err)
	assert.Nil(t, p.LocalAddr())

	require.NoError(t, p.PlayTone(callctl.ToneRing))
	tn, playing := p.Playing()
	assert.True(t, playing)
	assert.Equal(t, callctl.ToneRing, tn)

	require.NoError(t, p.StopTone())
	_, playing = p.Playing()
	assert.False(t, playing)
	require.NoError(t, p.StopTone())

	assert.Error(t, p.PlayTone(callctl.Tone(42)))
	assert.Error(t, p.PlayDigits("12z"))
	assert.NoError(t, p.SendEvents("123"))
	assert.Zero(t, p.Frames())
	assert.NoError(t, p.Close())
}

func TestPlayer_StreamsRTP(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	p, err := NewPlayer(peer.LocalAddr().String(), WithLocalAddr("127.0.0.1:0"), WithCodec(CodecPCMA))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.PlayTone(callctl.ToneDial))

	var got []*rtp.Packet
	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 3 {
		n, _, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		got = append(got, pkt)
	}
	require.NoError(t, p.StopTone())

	assert.True(t, got[0].Marker)
	for i, pkt := range got {
		assert.Equal(t, uint8(8), pkt.PayloadType)
		assert.Len(t, pkt.Payload, FrameSamples)
		assert.Equal(t, got[0].SSRC, pkt.SSRC)
		if i > 0 {
			assert.Equal(t, got[i-1].SequenceNumber+1, pkt.SequenceNumber)
			assert.Equal(t, got[i-1].Timestamp+uint32(FrameSamples), pkt.Timestamp)
		}
	}
	assert.GreaterOrEqual(t, p.Frames(), uint64(3))
}
