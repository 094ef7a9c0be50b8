package tone

import (
	"strings"

	"github.com/zaf/g711"
)

// Codec кодек G.711 для тонального потока.
type Codec struct {
	Name        string
	PayloadType uint8
	encode      func(lpcm []byte) []byte
}

var (
	CodecPCMU = Codec{Name: "PCMU", PayloadType: 0, encode: g711.EncodeUlaw}
	CodecPCMA = Codec{Name: "PCMA", PayloadType: 8, encode: g711.EncodeAlaw}
)

// PayloadTypeTelephoneEvent динамический тип RTP для событий RFC 4733.
const PayloadTypeTelephoneEvent = 101

// Encode кодирует линейный PCM.
func (c Codec) Encode(lpcm []byte) []byte {
	return c.encode(lpcm)
}

// CodecByName кодек по имени из SDP, регистр не важен.
func CodecByName(name string) (Codec, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PCMU", "G711U":
		return CodecPCMU, true
	case "PCMA", "G711A":
		return CodecPCMA, true
	}
	return Codec{}, false
}

// SelectCodec первый поддерживаемый кодек из списка, по умолчанию PCMU.
func SelectCodec(names []string) Codec {
	for _, n := range names {
		if c, ok := CodecByName(n); ok {
			return c
		}
	}
	return CodecPCMU
}
