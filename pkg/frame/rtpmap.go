package frame

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Преобразование кадров моста в RTP пакеты и обратно. Голосовой тракт
// использует статические payload types RFC 3551, DTMF - telephone-event
// согласно RFC 4733.

// DTMFDigit представляет DTMF цифру согласно RFC 4733.
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

func (d DTMFDigit) String() string {
	switch {
	case d <= DTMF9:
		return string(rune('0' + d))
	case d == DTMFStar:
		return "*"
	case d == DTMFPound:
		return "#"
	case d >= DTMFA && d <= DTMFD:
		return string(rune('A' + d - DTMFA))
	default:
		return "?"
	}
}

// ParseDTMFDigit разбирает символ DTMF цифры.
func ParseDTMFDigit(r rune) (DTMFDigit, bool) {
	switch {
	case r >= '0' && r <= '9':
		return DTMFDigit(r - '0'), true
	case r == '*':
		return DTMFStar, true
	case r == '#':
		return DTMFPound, true
	case r >= 'A' && r <= 'D':
		return DTMFA + DTMFDigit(r-'A'), true
	case r >= 'a' && r <= 'd':
		return DTMFA + DTMFDigit(r-'a'), true
	default:
		return 0, false
	}
}

// DTMFPayloadTypeRFC - стандартный динамический payload type для
// telephone-event.
const DTMFPayloadTypeRFC = 101

// ToRTP упаковывает голосовой кадр в RTP пакет. Кадр должен нести
// закодированный payload (Codec != CodecSlinear).
func (f *Frame) ToRTP(ssrc uint32, seq uint16, ts uint32, marker bool) (*rtp.Packet, error) {
	if f.Kind != TypeVoice {
		return nil, fmt.Errorf("rtpmap: кадр %s не упаковывается в голосовой RTP", f.Kind)
	}
	pt := f.Codec.RTPPayloadType()
	if pt < 0 {
		return nil, fmt.Errorf("rtpmap: кодек %s без статического payload type", f.Codec)
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    uint8(pt),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: f.Payload,
	}, nil
}

// FromRTP распаковывает RTP пакет в кадр. Пакеты payload type
// DTMFPayloadTypeRFC разбираются как telephone-event, остальные - по
// таблице статических кодеков.
func FromRTP(p *rtp.Packet) (*Frame, error) {
	if p.PayloadType == DTMFPayloadTypeRFC {
		return parseDTMFPayload(p.Payload)
	}
	codec, ok := CodecByRTPPayloadType(p.PayloadType)
	if !ok {
		return nil, fmt.Errorf("rtpmap: неизвестный payload type %d", p.PayloadType)
	}
	return &Frame{Kind: TypeVoice, Payload: p.Payload, Codec: codec}, nil
}

// DTMFToRTPPayload сериализует DTMF кадр в payload RFC 4733.
// Volume кодируется как -dBm (0..63).
func DTMFToRTPPayload(f *Frame, volume uint8) []byte {
	if volume > 63 {
		volume = 63
	}
	data := make([]byte, 4)
	data[0] = byte(f.Digit) & 0x0F
	if f.End {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	dur := uint16(f.DTMFDuration.Seconds() * SampleRate)
	binary.BigEndian.PutUint16(data[2:], dur)
	return data
}

func parseDTMFPayload(b []byte) (*Frame, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("rtpmap: DTMF payload короче 4 байт: %d", len(b))
	}
	durSamples := binary.BigEndian.Uint16(b[2:])
	return &Frame{
		Kind:         TypeDTMF,
		Digit:        DTMFDigit(b[0] & 0x0F),
		End:          b[1]&0x80 != 0,
		DTMFDuration: time.Duration(durSamples) * time.Second / SampleRate,
	}, nil
}
