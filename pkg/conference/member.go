package conference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
	"github.com/arzzra/conf_bridge/pkg/queue"
)

// AdminFlag - биты административного состояния участника. Выставляются
// админ поверхностью и меню, наблюдаются микшером на следующем тике.
type AdminFlag uint32

const (
	FlagMuted AdminFlag = 1 << iota
	FlagSelfMuted
	FlagKickMe
	FlagTalkRequest
	FlagEndConf
	FlagRecordConf
	// FlagMuteVideo запрещает трансляцию видео участника, даже если он
	// источник по умолчанию.
	FlagMuteVideo
)

// TalkingState - три-значное состояние talker-детектора участника.
type TalkingState int32

const (
	// TalkingUnmonitored - детектор не включен для участника.
	TalkingUnmonitored TalkingState = iota
	TalkingSilent
	TalkingActive
)

// Member - участник конференции. Владеет очередями кадров и двумя
// горутинами: насосом входа (канал → очереди) и писателем выхода
// (исходящая очередь → канал). Канал принадлежит вызывающей стороне и
// только заимствуется.
type Member struct {
	// userNo - плотный монотонный номер внутри конференции.
	userNo int

	ch   channel.Channel
	opts Options

	// conf - слабая ссылка на конференцию; обнуляется при удалении,
	// разрывая цикл участник↔конференция.
	conf atomic.Pointer[Conference]

	adminFlags atomic.Uint32
	removeFlag atomic.Bool

	// waitingMarked - участник ждет появления marked; до снятия не
	// получает микс. waitDeadline - конец ожидания (PolicyReject).
	waitingMarked atomic.Bool
	waitDeadline  time.Time

	incoming *queue.Queue // входящий голос
	outgoing *queue.Queue // исходящий голос
	videoIn  *queue.Queue
	dtmfIn   *queue.Queue

	joinedAt time.Time
	// kickAt - дедлайн принудительного удаления (S:n), нулевое время -
	// не задан.
	kickAt time.Time
	// limitAt/warnFrom/nextWarn - расписание лимита времени (L:x:y:z).
	limitAt  time.Time
	warnFrom time.Time
	nextWarn time.Time

	mu sync.Mutex
	// Громкости: желаемая выставляется командами, фактическая - что
	// удалось применить опцией канала; расхождение добирается
	// программным усилением.
	talkVolDesired   int
	talkVolActual    int
	listenVolDesired int
	listenVolActual  int

	talking atomic.Int32 // TalkingState

	menu menuState

	// Скретч микшера, живет один тик. Доступ только из тика.
	tickSamples []int16
	tickSpeech  bool

	refs atomic.Int32

	pumpCancel context.CancelFunc
	outNotify  chan struct{}
	done       chan struct{}
	writerDone chan struct{}
}

func newMember(userNo int, ch channel.Channel, opts Options, now time.Time) *Member {
	m := &Member{
		userNo:     userNo,
		ch:         ch,
		opts:       opts,
		incoming:   queue.New(queue.DefaultConfig()),
		outgoing:   queue.New(queue.Config{MinBacklog: 1, MaxDepth: queue.DefaultMaxDepth, DropThresholdDepth: queue.DefaultDropThresholdDepth}),
		videoIn:    queue.New(queue.DefaultConfig()),
		dtmfIn:     queue.New(queue.Config{MinBacklog: 1, MaxDepth: 32, DropThresholdDepth: 32}),
		joinedAt:   now,
		outNotify:  make(chan struct{}, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	m.refs.Store(1)
	if opts.StartMuted {
		m.setFlag(FlagSelfMuted)
	}
	if opts.TalkerDetect || opts.OptimizeTalker {
		m.talking.Store(int32(TalkingSilent))
	}
	if opts.KickAfter > 0 {
		m.kickAt = now.Add(opts.KickAfter)
	}
	if opts.TimeLimit > 0 {
		m.limitAt = now.Add(opts.TimeLimit)
		if opts.WarnRemaining > 0 {
			m.warnFrom = m.limitAt.Add(-opts.WarnRemaining)
			m.nextWarn = m.warnFrom
		}
	}
	return m
}

// UserNo возвращает номер участника внутри конференции.
func (m *Member) UserNo() int { return m.userNo }

// Channel возвращает заимствованный канал участника.
func (m *Member) Channel() channel.Channel { return m.ch }

// Options возвращает опции входа.
func (m *Member) Options() Options { return m.opts }

// JoinedAt возвращает время входа.
func (m *Member) JoinedAt() time.Time { return m.joinedAt }

func (m *Member) setFlag(f AdminFlag) {
	for {
		old := m.adminFlags.Load()
		if m.adminFlags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (m *Member) clearFlag(f AdminFlag) {
	for {
		old := m.adminFlags.Load()
		if m.adminFlags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// HasFlag сообщает, выставлен ли бит f.
func (m *Member) HasFlag(f AdminFlag) bool {
	return m.adminFlags.Load()&uint32(f) != 0
}

// Muted сообщает, исключен ли вклад участника из миксов.
func (m *Member) Muted() bool {
	return m.adminFlags.Load()&uint32(FlagMuted|FlagSelfMuted) != 0
}

// Talking возвращает состояние talker-детектора.
func (m *Member) Talking() TalkingState {
	return TalkingState(m.talking.Load())
}

// QueueStats возвращает статистику входящей голосовой очереди.
func (m *Member) QueueStats() queue.Stats {
	return m.incoming.Stats()
}

// Gone закрывается после остановки насоса участника: канал разорван либо
// участник удален из конференции. Внешние мосты ждут на нем конца участия.
func (m *Member) Gone() <-chan struct{} { return m.done }

// start запускает насос входа и писатель выхода.
func (m *Member) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.pumpCancel = cancel
	go m.pumpLoop(ctx)
	go m.writerLoop(ctx)
}

// stop останавливает горутины участника и дожидается их выхода.
func (m *Member) stop() {
	if m.pumpCancel != nil {
		m.pumpCancel()
	}
	<-m.done
	<-m.writerDone
}

// pumpLoop читает кадры канала и раскладывает их по очередям. Выход - по
// отмене контекста, разрыву канала или remove-флагу.
func (m *Member) pumpLoop(ctx context.Context) {
	defer close(m.done)
	for {
		if m.removeFlag.Load() {
			return
		}
		f, err := m.ch.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrHungUp) {
				m.removeFlag.Store(true)
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, channel.ErrHungUp) {
				return
			}
			continue
		}
		now := time.Now()
		switch f.Kind {
		case frame.TypeVoice:
			m.incoming.Enqueue(f, now)
		case frame.TypeDTMF:
			m.dtmfIn.Enqueue(f, now)
		case frame.TypeVideo:
			m.videoIn.Enqueue(f, now)
		case frame.TypeControl:
			switch f.Control {
			case frame.ControlHangup:
				m.removeFlag.Store(true)
				return
			case frame.ControlVideoUpdate:
				if c := m.conf.Load(); c != nil {
					c.requestVideoUpdate(m)
				}
			}
		}
	}
}

// writerLoop сливает исходящую очередь в канал по сигналу микшера.
func (m *Member) writerLoop(ctx context.Context) {
	defer close(m.writerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.outNotify:
			// Drain, не Dequeue: переизлучение кэша уместно только на
			// входящем голосе.
			for _, f := range m.outgoing.Drain() {
				if err := m.ch.WriteFrame(f); err != nil {
					if errors.Is(err, channel.ErrHungUp) {
						m.removeFlag.Store(true)
						return
					}
				}
			}
		}
	}
}

// notifyWriter будит писателя выхода. Неблокирующий.
func (m *Member) notifyWriter() {
	select {
	case m.outNotify <- struct{}{}:
	default:
	}
}

// applyTalkVolume применяет желаемое усиление передачи: сперва опцией
// канала, при отказе - программным усилением в тике микшера.
func (m *Member) applyTalkVolume(steps int) {
	m.mu.Lock()
	m.talkVolDesired = steps
	m.mu.Unlock()
	if err := m.ch.SetOption(channel.OptionTalkVolume, steps); err == nil {
		m.mu.Lock()
		m.talkVolActual = steps
		m.mu.Unlock()
	}
}

func (m *Member) applyListenVolume(steps int) {
	m.mu.Lock()
	m.listenVolDesired = steps
	m.mu.Unlock()
	if err := m.ch.SetOption(channel.OptionListenVolume, steps); err == nil {
		m.mu.Lock()
		m.listenVolActual = steps
		m.mu.Unlock()
	}
}

// softGains возвращает остаточные программные усиления (желаемое минус
// примененное каналом).
func (m *Member) softGains() (talk, listen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.talkVolDesired - m.talkVolActual, m.listenVolDesired - m.listenVolActual
}

// Volumes возвращает желаемые усиления.
func (m *Member) Volumes() (talk, listen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.talkVolDesired, m.listenVolDesired
}

// ref/unref - учет ссылок административной поверхности.
func (m *Member) ref() { m.refs.Add(1) }

func (m *Member) unref() {
	m.refs.Add(-1)
}
