// Package channel определяет абстракцию телефонного канала хоста.
//
// Ядро конференц-моста не владеет сигнализацией и кодеками: канал приходит
// снаружи уже аутентифицированным и с согласованными кодеками. Пакет
// описывает типизированные интерфейсы, которые ядро потребляет:
//   - Channel - чтение/запись кадров, переменные, опции, prompt'ы
//   - Dialer/DialSession - исходящие вызовы с конечным автоматом состояний
//   - DeviceStateNotifier - шина состояний устройств
//
// In-process реализация Local служит каналом прослушивания для потока
// записи и синтетическими участниками в тестах.
package channel

import (
	"context"
	"time"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Option - опция канала, применяемая хостом на уровне тракта.
type Option int

const (
	// OptionTalkVolume - усиление передаваемого звука, в шагах.
	OptionTalkVolume Option = iota
	// OptionListenVolume - усиление принимаемого звука, в шагах.
	OptionListenVolume
)

// Channel представляет телефонный канал хоста, заимствованный ядром на
// время участия в конференции. Владелец канала - вызывающая сторона.
type Channel interface {
	// UniqueID возвращает уникальный идентификатор канала.
	UniqueID() string
	// Name возвращает имя канала в нотации хоста (например SIP/1001-00000001).
	Name() string
	// CallerID возвращает номер и имя звонящего.
	CallerID() (number, name string)

	// ReadFrame блокирует до появления кадра, истечения ctx или hangup.
	// Возвращает context.Canceled/DeadlineExceeded по ctx и ErrHungUp после
	// разрыва.
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	// WriteFrame отправляет кадр в канал. Не блокирует.
	WriteFrame(f *frame.Frame) error

	// Answer отвечает на канал.
	Answer() error
	// Hangup разрывает канал.
	Hangup() error
	// Hungup сообщает, разорван ли канал.
	Hungup() bool

	// ReadCodec и WriteCodec возвращают согласованные кодеки направления.
	ReadCodec() frame.Codec
	WriteCodec() frame.Codec

	// Variable и SetVariable работают с переменными канала
	// (RECORDINGFILE, ADMIN_STATUS, EXIT_KEY и т.п.).
	Variable(name string) string
	SetVariable(name, value string)

	// SetOption применяет опцию тракта. Возвращает ErrOptionUnsupported,
	// если хост не умеет опцию: вызывающий переходит на программное
	// усиление.
	SetOption(opt Option, value int) error

	// Play проигрывает именованный prompt (enter/leave chime, locked,
	// full, pin и т.д.). Реализация хоста; Local только регистрирует имя.
	Play(name string) error

	// StartMOH включает music-on-hold указанного класса, StopMOH выключает.
	StartMOH(class string) error
	StopMOH() error
}

// DialState - состояние исходящей попытки вызова.
type DialState int

const (
	DialStateDialing DialState = iota
	DialStateRinging
	DialStateAnswered
	DialStateBusy
	DialStateCongestion
	DialStateForbidden
	DialStateOffhook
	DialStateTakeOffhook
	DialStateTimeout
	DialStateHangup
	DialStateInvalid
	DialStateFailed
	DialStateUnanswered
)

func (s DialState) String() string {
	switch s {
	case DialStateDialing:
		return "dialing"
	case DialStateRinging:
		return "ringing"
	case DialStateAnswered:
		return "answered"
	case DialStateBusy:
		return "busy"
	case DialStateCongestion:
		return "congestion"
	case DialStateForbidden:
		return "forbidden"
	case DialStateOffhook:
		return "offhook"
	case DialStateTakeOffhook:
		return "takeoffhook"
	case DialStateTimeout:
		return "timeout"
	case DialStateHangup:
		return "hangup"
	case DialStateInvalid:
		return "invalid"
	case DialStateFailed:
		return "failed"
	case DialStateUnanswered:
		return "unanswered"
	default:
		return "unknown"
	}
}

// Terminal сообщает, финально ли состояние попытки.
func (s DialState) Terminal() bool {
	switch s {
	case DialStateDialing, DialStateRinging:
		return false
	default:
		return true
	}
}

// DialSession - одна исходящая попытка. События состояния публикуются в
// Events в порядке переходов; после терминального состояния канал событий
// закрывается.
type DialSession interface {
	// Events возвращает канал переходов состояния.
	Events() <-chan DialState
	// State возвращает последнее наблюденное состояние.
	State() DialState
	// Channel возвращает отвеченный канал; не nil только после
	// DialStateAnswered.
	Channel() Channel
	// Cancel прерывает попытку. Идемпотентен.
	Cancel()
}

// Dialer запускает исходящие вызовы к устройствам хоста.
type Dialer interface {
	Dial(ctx context.Context, device string, timeout time.Duration) (DialSession, error)
}
