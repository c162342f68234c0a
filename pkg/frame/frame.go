// Package frame определяет модель медиа кадров конференц-моста.
//
// Кадр (Frame) - единица обмена между каналом, очередями участника и
// микширующим движком. Пакет предоставляет:
//   - Типизированные кадры: Voice, Video, DTMF, Text, Control
//   - Таблицу аудио кодеков с фиксированными индексами
//   - Интерфейс транслятора и кэш путей трансляции на тик
//   - G.711 companding (ulaw/alaw) для встроенной трансляции
//   - Операции над линейным звуком: микширование, усиление, детектор речи
//   - Медиа часы с фиксированным интервалом кадра (20 мс)
//
// Все операции над кадрами не блокируют и не захватывают внешние блокировки;
// синхронизация - ответственность владельца кадра.
package frame

import (
	"time"
)

// Type определяет тип медиа кадра.
type Type int

const (
	TypeVoice Type = iota
	TypeVideo
	TypeDTMF
	TypeText
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeVoice:
		return "voice"
	case TypeVideo:
		return "video"
	case TypeDTMF:
		return "dtmf"
	case TypeText:
		return "text"
	case TypeControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlKind определяет вид управляющего кадра.
type ControlKind int

const (
	ControlHangup ControlKind = iota
	ControlAnswer
	ControlRinging
	ControlHold
	ControlUnhold
	// ControlVideoUpdate - запрос fast intra refresh к текущему
	// источнику видео.
	ControlVideoUpdate
	// ControlSrcUpdate - смена источника видео по умолчанию.
	ControlSrcUpdate
)

func (k ControlKind) String() string {
	switch k {
	case ControlHangup:
		return "hangup"
	case ControlAnswer:
		return "answer"
	case ControlRinging:
		return "ringing"
	case ControlHold:
		return "hold"
	case ControlUnhold:
		return "unhold"
	case ControlVideoUpdate:
		return "video-update"
	case ControlSrcUpdate:
		return "src-update"
	default:
		return "unknown"
	}
}

// Frame представляет один медиа кадр.
//
// Поля заполняются в зависимости от Kind:
//   - Voice: Samples (линейный PCM) либо Payload (закодированные данные),
//     Codec, Delivery
//   - Video: Payload, Codec, PTS, Keyframe
//   - DTMF: Digit, End, DTMFDuration
//   - Text: Payload
//   - Control: Control
//
// Voice кадр с пустыми Samples и Payload трактуется как тишина.
type Frame struct {
	Kind Type

	// Voice
	Samples  []int16   // линейный PCM 8 кГц моно
	Payload  []byte    // закодированное представление, если есть
	Codec    Codec     // кодек Payload
	Delivery time.Time // метка доставки, проставляется часами конференции

	// Video
	PTS      uint32
	Keyframe bool

	// DTMF
	Digit        DTMFDigit
	End          bool // false = begin, true = end
	DTMFDuration time.Duration

	// Control
	Control ControlKind
}

// Voice создает голосовой кадр из линейных сэмплов.
func Voice(samples []int16, delivery time.Time) *Frame {
	return &Frame{Kind: TypeVoice, Samples: samples, Codec: CodecSlinear, Delivery: delivery}
}

// VoiceEncoded создает голосовой кадр с закодированным payload.
func VoiceEncoded(payload []byte, codec Codec, delivery time.Time) *Frame {
	return &Frame{Kind: TypeVoice, Payload: payload, Codec: codec, Delivery: delivery}
}

// Silence создает кадр тишины стандартной длины.
func Silence(delivery time.Time) *Frame {
	return &Frame{Kind: TypeVoice, Samples: make([]int16, SamplesPerTick), Codec: CodecSlinear, Delivery: delivery}
}

// DTMF создает DTMF кадр.
func DTMF(d DTMFDigit, end bool, dur time.Duration) *Frame {
	return &Frame{Kind: TypeDTMF, Digit: d, End: end, DTMFDuration: dur}
}

// Video создает видео кадр.
func Video(payload []byte, codec Codec, pts uint32, keyframe bool) *Frame {
	return &Frame{Kind: TypeVideo, Payload: payload, Codec: codec, PTS: pts, Keyframe: keyframe}
}

// Text создает текстовый кадр.
func Text(b []byte) *Frame {
	return &Frame{Kind: TypeText, Payload: b}
}

// NewControl создает управляющий кадр.
func NewControl(kind ControlKind) *Frame {
	return &Frame{Kind: TypeControl, Control: kind}
}

// IsSilence сообщает, является ли голосовой кадр тишиной
// (нет данных либо все сэмплы нулевые здесь не проверяются -
// детектор речи работает по энергии, см. SpeechEnergy).
func (f *Frame) IsSilence() bool {
	return f.Kind == TypeVoice && len(f.Samples) == 0 && len(f.Payload) == 0
}

// Clone возвращает копию кадра с независимыми буферами.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Samples != nil {
		c.Samples = append([]int16(nil), f.Samples...)
	}
	if f.Payload != nil {
		c.Payload = append([]byte(nil), f.Payload...)
	}
	return &c
}
