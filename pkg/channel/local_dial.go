package channel

import (
	"context"
	"sync"
	"time"
)

// LocalDialSession - управляемая исходящая попытка для in-process дайлера.
// Тест или скрипт дайлера продвигает состояния через Transition.
type LocalDialSession struct {
	device string

	mu     sync.Mutex
	state  DialState
	ch     Channel
	closed bool

	events chan DialState
}

func newLocalDialSession(device string) *LocalDialSession {
	return &LocalDialSession{
		device: device,
		state:  DialStateDialing,
		events: make(chan DialState, 16),
	}
}

// Device возвращает набранное устройство.
func (s *LocalDialSession) Device() string { return s.device }

func (s *LocalDialSession) Events() <-chan DialState { return s.events }

func (s *LocalDialSession) State() DialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *LocalDialSession) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Attach привязывает отвеченный канал. Вызывается до Transition(Answered).
func (s *LocalDialSession) Attach(ch Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
}

// Transition публикует переход состояния. Терминальное состояние закрывает
// канал событий; дальнейшие переходы игнорируются. Публикация целиком под
// блокировкой, чтобы конкурентный Cancel не отправил в закрываемый канал;
// при заполненном буфере событие отбрасывается, State остается источником
// истины.
func (s *LocalDialSession) Transition(st DialState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = st
	select {
	case s.events <- st:
	default:
	}
	if st.Terminal() {
		s.closed = true
		close(s.events)
	}
}

func (s *LocalDialSession) Cancel() {
	s.Transition(DialStateHangup)
}

// DialScript вызывается на каждую попытку и может асинхронно продвигать ее
// состояния.
type DialScript func(device string, s *LocalDialSession)

// LocalDialer - in-process дайлер со скриптуемым исходом попыток.
type LocalDialer struct {
	mu       sync.Mutex
	script   DialScript
	sessions []*LocalDialSession
}

// NewLocalDialer создает дайлер. script может быть nil: тогда попытками
// управляет тест через Sessions().
func NewLocalDialer(script DialScript) *LocalDialer {
	return &LocalDialer{script: script}
}

func (d *LocalDialer) Dial(_ context.Context, device string, _ time.Duration) (DialSession, error) {
	s := newLocalDialSession(device)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	script := d.script
	d.mu.Unlock()

	if script != nil {
		go script(device, s)
	}
	return s, nil
}

// Sessions возвращает все созданные попытки в порядке набора.
func (d *LocalDialer) Sessions() []*LocalDialSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*LocalDialSession(nil), d.sessions...)
}

var (
	_ Dialer      = (*LocalDialer)(nil)
	_ DialSession = (*LocalDialSession)(nil)
)
