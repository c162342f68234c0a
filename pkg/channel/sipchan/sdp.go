package sipchan

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Построение и разбор SDP: один аудио поток sendrecv, кодек со
// статическим payload type плюс telephone-event для DTMF.

func codecName(c frame.Codec) string {
	switch c {
	case frame.CodecUlaw:
		return "PCMU"
	case frame.CodecAlaw:
		return "PCMA"
	case frame.CodecG722:
		return "G722"
	case frame.CodecGSM:
		return "GSM"
	case frame.CodecG729:
		return "G729"
	default:
		return "X-UNKNOWN"
	}
}

// buildOffer создает SDP offer для исходящего INVITE.
func buildOffer(host string, port int, codec frame.Codec, ptime time.Duration, dtmfPT uint8) *sdp.SessionDescription {
	pt := codec.RTPPayloadType()
	now := uint64(time.Now().Unix())

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "confbridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(pt), strconv.Itoa(int(dtmfPT))},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
	}

	attrs := []sdp.Attribute{
		sdp.NewPropertyAttribute("sendrecv"),
		sdp.NewAttribute("rtpmap",
			fmt.Sprintf("%d %s/%d", pt, codecName(codec), frame.SampleRate)),
		sdp.NewAttribute("rtpmap",
			fmt.Sprintf("%d telephone-event/%d", dtmfPT, frame.SampleRate)),
		sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmfPT)),
	}
	if ptime > 0 {
		attrs = append(attrs,
			sdp.NewAttribute("ptime", strconv.Itoa(int(ptime.Milliseconds()))))
	}
	mediaDesc.Attributes = attrs

	offer.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}
	return offer
}

// answerMedia - результат разбора SDP answer.
type answerMedia struct {
	Host  string
	Port  int
	Codec frame.Codec
}

// parseAnswer извлекает адрес и кодек первого аудио потока answer.
// Из перечисленных форматов берется первый со статическим payload type
// из таблицы кодеков.
func parseAnswer(body []byte) (answerMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return answerMedia{}, wrapError(ErrorCodeSDP, "", "answer не разобрался", err)
	}

	host := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		mediaHost := host
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			mediaHost = m.ConnectionInformation.Address.Address
		}
		if mediaHost == "" {
			return answerMedia{}, newError(ErrorCodeSDP, "", "answer без c= строки")
		}
		port := m.MediaName.Port.Value
		if port == 0 {
			return answerMedia{}, newError(ErrorCodeSDP, "", "аудио поток отклонен (порт 0)")
		}
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			if codec, ok := frame.CodecByRTPPayloadType(uint8(pt)); ok {
				return answerMedia{Host: mediaHost, Port: port, Codec: codec}, nil
			}
		}
		return answerMedia{}, newError(ErrorCodeSDP, "",
			"ни один формат answer не поддерживается")
	}
	return answerMedia{}, newError(ErrorCodeSDP, "", "answer без аудио потока")
}
