package frame

import "time"

// Codec представляет индекс аудио/видео кодека.
//
// Индексы фиксированы: кэш путей трансляции конференции - массив
// размера MaxCodecs, индексируемый этим значением (см. PathCache).
type Codec int

const (
	CodecSlinear Codec = iota // линейный PCM 16 бит 8 кГц
	CodecUlaw                 // G.711 μ-law
	CodecAlaw                 // G.711 A-law
	CodecG722
	CodecGSM
	CodecG729
	CodecOpus
	CodecH261
	CodecH263
	CodecH264

	// MaxCodecs ограничивает размер кэша путей трансляции.
	MaxCodecs = 16
)

func (c Codec) String() string {
	switch c {
	case CodecSlinear:
		return "slin"
	case CodecUlaw:
		return "ulaw"
	case CodecAlaw:
		return "alaw"
	case CodecG722:
		return "g722"
	case CodecGSM:
		return "gsm"
	case CodecG729:
		return "g729"
	case CodecOpus:
		return "opus"
	case CodecH261:
		return "h261"
	case CodecH263:
		return "h263"
	case CodecH264:
		return "h264"
	default:
		return "unknown"
	}
}

// IsAudio сообщает, аудио ли это кодек.
func (c Codec) IsAudio() bool {
	return c >= CodecSlinear && c <= CodecOpus
}

// Константы медиа часов. Микшер работает с шагом 20 мс при 8 кГц.
const (
	// TickInterval - номинальный интервал кадра.
	TickInterval = 20 * time.Millisecond

	// SampleRate - частота дискретизации линейного звука.
	SampleRate = 8000

	// SamplesPerTick - сэмплов в одном кадре (160 для 20 мс при 8 кГц).
	SamplesPerTick = SampleRate / int(time.Second/TickInterval)
)

// RTPPayloadType возвращает payload type RFC 3551 для кодека.
// Для кодеков с динамическим payload type возвращает -1.
func (c Codec) RTPPayloadType() int {
	switch c {
	case CodecUlaw:
		return 0
	case CodecGSM:
		return 3
	case CodecAlaw:
		return 8
	case CodecG722:
		return 9
	case CodecG729:
		return 18
	default:
		return -1
	}
}

// CodecByRTPPayloadType возвращает кодек по статическому payload type.
func CodecByRTPPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case 0:
		return CodecUlaw, true
	case 3:
		return CodecGSM, true
	case 8:
		return CodecAlaw, true
	case 9:
		return CodecG722, true
	case 18:
		return CodecG729, true
	default:
		return CodecSlinear, false
	}
}
