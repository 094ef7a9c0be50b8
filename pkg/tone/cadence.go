package tone

import (
	"math"
	"time"

	"github.com/arzzra/callctl/pkg/callctl"
)

// Параметры потока: 8 кГц, кадр 20 мс.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate * int(FrameDuration) / int(time.Second)
)

// Cadence описание тонального сигнала: набор частот и ритм.
// Pattern чередует длительности звука и паузы, начиная со звука.
// Пустой Pattern - непрерывный сигнал.
type Cadence struct {
	Freqs   []float64
	Pattern []time.Duration
	Level   float64 // амплитуда 0..1
}

// Сигналы по рекомендации ITU-T E.180, частота 425 Гц.
var cadences = map[callctl.Tone]Cadence{
	callctl.ToneDial: {
		Freqs: []float64{425},
		Level: 0.3,
	},
	callctl.ToneRingback: {
		Freqs:   []float64{425},
		Pattern: []time.Duration{time.Second, 4 * time.Second},
		Level:   0.3,
	},
	callctl.ToneCongestion: {
		Freqs:   []float64{425},
		Pattern: []time.Duration{250 * time.Millisecond, 250 * time.Millisecond},
		Level:   0.3,
	},
	// Локальный звонок: двойной сигнал 400+450 Гц.
	callctl.ToneRing: {
		Freqs: []float64{400, 450},
		Pattern: []time.Duration{
			400 * time.Millisecond, 200 * time.Millisecond,
			400 * time.Millisecond, 2 * time.Second,
		},
		Level: 0.25,
	},
}

// CadenceFor ритм для тона.
func CadenceFor(t callctl.Tone) (Cadence, bool) {
	c, ok := cadences[t]
	return c, ok
}

// Period длительность одного цикла, 0 для непрерывного сигнала.
func (c Cadence) Period() time.Duration {
	var p time.Duration
	for _, d := range c.Pattern {
		p += d
	}
	return p
}

// IsOn звучит ли сигнал в момент at от начала.
func (c Cadence) IsOn(at time.Duration) bool {
	period := c.Period()
	if period == 0 {
		return true
	}
	at %= period
	for i, d := range c.Pattern {
		if at < d {
			return i%2 == 0
		}
		at -= d
	}
	return false
}

// Generator выдает кадры линейного PCM (16 бит, little-endian) по ритму.
type Generator struct {
	c      Cadence
	sample int
}

func NewGenerator(c Cadence) *Generator {
	return &Generator{c: c}
}

// Elapsed сколько сигнала уже сгенерировано.
func (g *Generator) Elapsed() time.Duration {
	return time.Duration(g.sample) * time.Second / SampleRate
}

// NextFrame следующий кадр из FrameSamples отсчетов.
func (g *Generator) NextFrame() []byte {
	pcm := make([]byte, FrameSamples*2)
	amp := g.c.Level * math.MaxInt16
	if len(g.c.Freqs) > 0 {
		amp /= float64(len(g.c.Freqs))
	}
	for i := 0; i < FrameSamples; i++ {
		n := g.sample + i
		var v float64
		if g.c.IsOn(time.Duration(n) * time.Second / SampleRate) {
			t := float64(n) / SampleRate
			for _, f := range g.c.Freqs {
				v += amp * math.Sin(2*math.Pi*f*t)
			}
		}
		s := int16(v)
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	g.sample += FrameSamples
	return pcm
}
