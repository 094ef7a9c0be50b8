package sipua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Direction направление медиа потока в SDP.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Answer направление, которым нужно ответить на предложение с d.
func (d Direction) Answer() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// codecInfo статические типы RTP.
type codecInfo struct {
	pt    int
	name  string
	clock int
}

var knownCodecs = map[string]codecInfo{
	"PCMU": {0, "PCMU", 8000},
	"PCMA": {8, "PCMA", 8000},
	"G722": {9, "G722", 8000},
	"GSM":  {3, "GSM", 8000},
}

const telephoneEventPT = 101

// Offer параметры локального SDP.
type Offer struct {
	SessionID uint64
	Version   uint64
	Host      string
	Port      int
	Codecs    []string
	Direction Direction
}

// Build собирает тело SDP. Неизвестные кодеки пропускаются,
// telephone-event добавляется всегда.
func (o Offer) Build() ([]byte, error) {
	if o.Host == "" {
		return nil, fmt.Errorf("sdp: empty host")
	}
	dir := o.Direction
	if dir == "" {
		dir = DirectionSendRecv
	}

	var formats []string
	var attrs []sdp.Attribute
	for _, name := range o.Codecs {
		c, ok := knownCodecs[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		formats = append(formats, strconv.Itoa(c.pt))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.pt, c.name, c.clock)))
	}
	if len(formats) == 0 {
		c := knownCodecs["PCMU"]
		formats = append(formats, strconv.Itoa(c.pt))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.pt, c.name, c.clock)))
	}
	formats = append(formats, strconv.Itoa(telephoneEventPT))
	attrs = append(attrs,
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", telephoneEventPT)),
		sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", telephoneEventPT)),
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute(string(dir)),
	)

	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: o.Host},
	}
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      o.SessionID,
			SessionVersion: o.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.Host,
		},
		SessionName:           sdp.SessionName("callctl"),
		ConnectionInformation: conn,
		TimeDescriptions:      []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: o.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return desc.Marshal()
}

// MediaInfo то, что удаленная сторона сообщила в SDP.
type MediaInfo struct {
	Host      string
	Port      int
	Codecs    []string
	Direction Direction
}

// Held удаленная сторона перестала принимать звук: sendonly, inactive
// или старый вариант с адресом 0.0.0.0.
func (m MediaInfo) Held() bool {
	return m.Direction == DirectionSendOnly || m.Direction == DirectionInactive || m.Host == "0.0.0.0"
}

// ParseMedia разбирает SDP и берет первое аудио описание.
func ParseMedia(body []byte) (MediaInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return MediaInfo{}, fmt.Errorf("sdp: %w", err)
	}

	info := MediaInfo{Direction: DirectionSendRecv}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.Host = desc.ConnectionInformation.Address.Address
	}
	for _, a := range desc.Attributes {
		if d, ok := directionAttr(a.Key); ok {
			info.Direction = d
		}
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		info.Port = md.MediaName.Port.Value
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			info.Host = md.ConnectionInformation.Address.Address
		}
		names := map[string]string{}
		for _, a := range md.Attributes {
			if d, ok := directionAttr(a.Key); ok {
				info.Direction = d
				continue
			}
			if a.Key == "rtpmap" {
				pt, rest, _ := strings.Cut(a.Value, " ")
				name, _, _ := strings.Cut(rest, "/")
				names[pt] = name
			}
		}
		for _, f := range md.MediaName.Formats {
			if name, ok := names[f]; ok {
				info.Codecs = append(info.Codecs, name)
				continue
			}
			for n, c := range knownCodecs {
				if strconv.Itoa(c.pt) == f {
					info.Codecs = append(info.Codecs, n)
				}
			}
		}
		return info, nil
	}
	return info, fmt.Errorf("sdp: no audio media")
}

func directionAttr(key string) (Direction, bool) {
	switch d := Direction(key); d {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return d, true
	}
	return "", false
}
