package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

var (
	// ErrHungUp возвращается операциями над разорванным каналом.
	ErrHungUp = errors.New("channel: канал разорван")
	// ErrOptionUnsupported сигнализирует, что хост не умеет опцию тракта;
	// вызывающий переходит на программное усиление.
	ErrOptionUnsupported = errors.New("channel: опция не поддерживается")
	// ErrWriteOverflow возвращается при переполнении исходящего буфера.
	ErrWriteOverflow = errors.New("channel: исходящий буфер переполнен")
)

const localBufferDepth = 64

// Local - in-process канал. Служит каналом прослушивания для потока записи
// (микшер доставляет кадры через Deliver, поток записи читает ReadFrame) и
// синтетическим участником в тестах.
type Local struct {
	id         string
	name       string
	callerNum  string
	callerName string

	in  chan *frame.Frame // кадры к читателю моста
	out chan *frame.Frame // кадры, записанные мостом

	mu         sync.Mutex
	vars       map[string]string
	played     []string
	mohClass   string
	mohActive  bool
	answered   bool
	readCodec  frame.Codec
	writeCodec frame.Codec
	talkVol    int
	listenVol  int
	// noOptions имитирует канал без поддержки опций тракта.
	noOptions bool

	hungup   chan struct{}
	hangOnce sync.Once
}

// NewLocal создает in-process канал с кодеком slin в обе стороны.
func NewLocal(name string) *Local {
	return &Local{
		id:         uuid.NewString(),
		name:       name,
		in:         make(chan *frame.Frame, localBufferDepth),
		out:        make(chan *frame.Frame, localBufferDepth),
		vars:       make(map[string]string),
		readCodec:  frame.CodecSlinear,
		writeCodec: frame.CodecSlinear,
		hungup:     make(chan struct{}),
	}
}

// SetCallerID задает номер и имя звонящего.
func (l *Local) SetCallerID(num, name string) {
	l.mu.Lock()
	l.callerNum, l.callerName = num, name
	l.mu.Unlock()
}

// SetCodecs задает кодеки чтения и записи.
func (l *Local) SetCodecs(read, write frame.Codec) {
	l.mu.Lock()
	l.readCodec, l.writeCodec = read, write
	l.mu.Unlock()
}

// DisableOptions заставляет SetOption возвращать ErrOptionUnsupported.
func (l *Local) DisableOptions() {
	l.mu.Lock()
	l.noOptions = true
	l.mu.Unlock()
}

func (l *Local) UniqueID() string { return l.id }
func (l *Local) Name() string     { return l.name }

func (l *Local) CallerID() (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callerNum, l.callerName
}

// Deliver кладет кадр на сторону чтения моста. Возвращает false при
// переполнении буфера.
func (l *Local) Deliver(f *frame.Frame) bool {
	select {
	case <-l.hungup:
		return false
	default:
	}
	select {
	case l.in <- f:
		return true
	default:
		return false
	}
}

func (l *Local) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	// Накопленные кадры отдаются и после hangup: потребитель дочитывает
	// хвост перед ErrHungUp.
	select {
	case f := <-l.in:
		return f, nil
	default:
	}
	select {
	case f := <-l.in:
		return f, nil
	case <-l.hungup:
		return nil, ErrHungUp
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) WriteFrame(f *frame.Frame) error {
	select {
	case <-l.hungup:
		return ErrHungUp
	default:
	}
	select {
	case l.out <- f:
		return nil
	default:
		return ErrWriteOverflow
	}
}

// Written возвращает канал кадров, записанных мостом.
func (l *Local) Written() <-chan *frame.Frame { return l.out }

func (l *Local) Answer() error {
	l.mu.Lock()
	l.answered = true
	l.mu.Unlock()
	return nil
}

// Answered сообщает, отвечен ли канал.
func (l *Local) Answered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answered
}

func (l *Local) Hangup() error {
	l.hangOnce.Do(func() { close(l.hungup) })
	return nil
}

func (l *Local) Hungup() bool {
	select {
	case <-l.hungup:
		return true
	default:
		return false
	}
}

// Done возвращает канал, закрываемый при hangup.
func (l *Local) Done() <-chan struct{} { return l.hungup }

func (l *Local) ReadCodec() frame.Codec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readCodec
}

func (l *Local) WriteCodec() frame.Codec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeCodec
}

func (l *Local) Variable(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vars[name]
}

func (l *Local) SetVariable(name, value string) {
	l.mu.Lock()
	l.vars[name] = value
	l.mu.Unlock()
}

func (l *Local) SetOption(opt Option, value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noOptions {
		return ErrOptionUnsupported
	}
	switch opt {
	case OptionTalkVolume:
		l.talkVol = value
	case OptionListenVolume:
		l.listenVol = value
	default:
		return ErrOptionUnsupported
	}
	return nil
}

// Volumes возвращает усиления, примененные через SetOption.
func (l *Local) Volumes() (talk, listen int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.talkVol, l.listenVol
}

func (l *Local) Play(name string) error {
	if l.Hungup() {
		return ErrHungUp
	}
	l.mu.Lock()
	l.played = append(l.played, name)
	l.mu.Unlock()
	return nil
}

// Played возвращает имена проигранных prompt'ов в порядке вызовов.
func (l *Local) Played() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.played...)
}

func (l *Local) StartMOH(class string) error {
	l.mu.Lock()
	l.mohActive, l.mohClass = true, class
	l.mu.Unlock()
	return nil
}

func (l *Local) StopMOH() error {
	l.mu.Lock()
	l.mohActive = false
	l.mu.Unlock()
	return nil
}

// MOH возвращает состояние music-on-hold.
func (l *Local) MOH() (active bool, class string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mohActive, l.mohClass
}

// Проверка соответствия интерфейсу во время компиляции.
var _ Channel = (*Local)(nil)
