package tone

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Digit событие DTMF по RFC 4733: 0-9, 10 это *, 11 это #, 12-15 это A-D.
type Digit uint8

const digitChars = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(digitChars) {
		return digitChars[d : d+1]
	}
	return "?"
}

// ParseDigits разбирает строку набора. Буквы A-D допустимы в любом регистре.
func ParseDigits(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range s {
		if r >= 'a' && r <= 'd' {
			r -= 'a' - 'A'
		}
		idx := -1
		for i := 0; i < len(digitChars); i++ {
			if rune(digitChars[i]) == r {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("invalid dtmf digit %q", r)
		}
		digits = append(digits, Digit(idx))
	}
	return digits, nil
}

// Частоты DTMF: строка и столбец клавиатуры.
var (
	dtmfRows = [4]float64{697, 770, 852, 941}
	dtmfCols = [4]float64{1209, 1336, 1477, 1633}
)

// Длительности цифры и паузы при наборе.
const (
	DigitDuration = 100 * time.Millisecond
	DigitPause    = 60 * time.Millisecond
)

// InbandCadence звуковой сигнал одной цифры для тонального набора.
func InbandCadence(d Digit) Cadence {
	var row, col int
	switch {
	case d <= 9 && d >= 1:
		row, col = int(d-1)/3, int(d-1)%3
	case d == 0:
		row, col = 3, 1
	case d == 10: // *
		row, col = 3, 0
	case d == 11: // #
		row, col = 3, 2
	default: // A-D
		row, col = int(d-12), 3
	}
	return Cadence{
		Freqs:   []float64{dtmfRows[row], dtmfCols[col]},
		Pattern: []time.Duration{DigitDuration, DigitPause},
		Level:   0.5,
	}
}

// eventPayload полезная нагрузка telephone-event.
type eventPayload struct {
	Event    uint8
	End      bool
	Volume   uint8  // 0-63, -dBm0
	Duration uint16 // в отсчетах
}

func (p eventPayload) marshal() []byte {
	data := make([]byte, 4)
	data[0] = p.Event
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

func parseEventPayload(data []byte) (eventPayload, error) {
	if len(data) < 4 {
		return eventPayload{}, fmt.Errorf("short telephone-event payload: %d bytes", len(data))
	}
	return eventPayload{
		Event:    data[0],
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// eventPackets пакеты одного события: промежуточные каждые 20 мс и три
// конечных с флагом E. Все пакеты события несут одну метку времени,
// marker ставится на первом.
func eventPackets(d Digit, pt uint8, ts uint32, volume uint8) []*rtp.Packet {
	total := uint16(DigitDuration * SampleRate / time.Second)
	step := uint16(FrameSamples)

	var packets []*rtp.Packet
	add := func(p eventPayload, marker bool) {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				Marker:      marker,
				PayloadType: pt,
				Timestamp:   ts,
			},
			Payload: p.marshal(),
		})
	}

	for dur := step; dur < total; dur += step {
		add(eventPayload{Event: uint8(d), Volume: volume, Duration: dur}, dur == step)
	}
	for i := 0; i < 3; i++ {
		add(eventPayload{Event: uint8(d), End: true, Volume: volume, Duration: total}, false)
	}
	return packets
}
