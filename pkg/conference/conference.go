package conference

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Имена prompt'ов, проигрываемых ядром. Сами звуки - ресурс хоста.
const (
	PromptEnter       = "conf-enter"
	PromptLeave       = "conf-leave"
	PromptLocked      = "conf-locked"
	PromptFull        = "conf-full"
	PromptGetPin      = "conf-getpin"
	PromptInvalidPin  = "conf-invalidpin"
	PromptOnlyPerson  = "conf-onlyperson"
	PromptWaitLeader  = "conf-waitforleader"
	PromptNoLeader    = "conf-leaderhasleft"
	PromptEndWarning  = "conf-will-end"
	PromptTimeWarning = "conf-time-warning"
	PromptKicked      = "conf-kicked"
)

// pinTries - число попыток ввода PIN.
const pinTries = 3

// pinReadTimeout ограничивает набор одной попытки PIN.
const pinReadTimeout = 10 * time.Second

// endAlertWindow - за сколько до запланированного конца впрыскивается
// предупреждение.
const endAlertWindow = time.Minute

// Состояния конечного автомата записи.
const (
	recStateOff         = "off"
	recStateStarting    = "starting"
	recStateActive      = "active"
	recStateTerminating = "terminating"
)

// Conference - одна микшируемая сессия: ростер участников, часы доставки,
// потоки записи и объявлений, кэш путей трансляции.
type Conference struct {
	name string
	log  *slog.Logger
	sink EventSink

	registry    *Registry
	translators *frame.Registry
	clock       frame.Clock

	// mu защищает ростер и управляющее состояние конференции. Итерация
	// копирует ростер; I/O под mu не выполняется.
	mu          sync.Mutex
	members     []*Member
	memberSeq   int
	markedCount int
	locked      bool
	pin         string
	adminPin    string
	maxUsers    int
	createdAt   time.Time
	endTime     time.Time
	endWarned   bool
	// defaultVideoSrc - userNo источника видео по умолчанию, −1 - нет.
	defaultVideoSrc int
	// adminChannel - слабая обратная ссылка на канал первого админа.
	adminChannel channel.Channel

	// listenerMu защищает кэш путей трансляции отдельно от ростера:
	// трансляция одного кодека не блокирует enqueue других.
	listenerMu sync.Mutex
	pathCache  frame.PathCache

	// Счетчик говорящих. Владеет тик микшера.
	speakerCount int

	recFSM     *fsm.FSM
	recordChan *channel.Local
	recordDone chan struct{}
	recordPath string

	announcer *announcer

	dialOuts dialOutTable

	refs atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   chan struct{}

	lastTick      time.Time
	translateFail int
	tickSeq       uint64
}

func newConference(reg *Registry, name, pin, adminPin string, ch channel.Channel) *Conference {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conference{
		name:            name,
		log:             reg.log.With("component", "conference", "conf", name),
		sink:            reg.sink,
		registry:        reg,
		translators:     reg.translators,
		clock:           reg.newClock(),
		pin:             pin,
		adminPin:        adminPin,
		maxUsers:        reg.cfg.DefaultMaxUsers,
		createdAt:       reg.now(),
		defaultVideoSrc: -1,
		adminChannel:    ch,
		recordDone:      make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		loopDone:        make(chan struct{}),
		closed:          make(chan struct{}),
	}
	c.recFSM = fsm.NewFSM(
		recStateOff,
		fsm.Events{
			{Name: "start", Src: []string{recStateOff}, Dst: recStateStarting},
			{Name: "started", Src: []string{recStateStarting}, Dst: recStateActive},
			{Name: "terminate", Src: []string{recStateActive, recStateStarting}, Dst: recStateTerminating},
			{Name: "terminated", Src: []string{recStateTerminating}, Dst: recStateOff},
		}, nil,
	)
	c.announcer = newAnnouncer(c)
	c.refs.Store(1)
	go c.runLoop()
	go c.announcer.run()
	return c
}

// Name возвращает имя конференции.
func (c *Conference) Name() string { return c.name }

// Clock возвращает медиа часы конференции.
func (c *Conference) Clock() frame.Clock { return c.clock }

// MemberCount возвращает число участников.
func (c *Conference) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Locked сообщает, заперта ли конференция.
func (c *Conference) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// SpeakerCount возвращает счетчик говорящих на границе тика.
func (c *Conference) SpeakerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerCount
}

// SetEndTime задает запланированное время окончания.
func (c *Conference) SetEndTime(t time.Time) {
	c.mu.Lock()
	c.endTime = t
	c.endWarned = false
	c.mu.Unlock()
}

// EndTime возвращает запланированное время окончания.
func (c *Conference) EndTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

// RecordingState возвращает текущее состояние записи.
func (c *Conference) RecordingState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recFSM.Current()
}

// Join проводит канал через протокол входа: проверка запертости, лимита
// участников и PIN, назначение userNo, событие ConferenceJoin, сигнал входа.
// Возвращает участника либо типизированную ошибку отказа.
func (c *Conference) Join(ctx context.Context, ch channel.Channel, opts Options, providedPin string) (*Member, error) {
	c.mu.Lock()
	locked := c.locked
	full := c.maxUsers > 0 && len(c.members) >= c.maxUsers
	pin, adminPin := c.pin, c.adminPin
	c.mu.Unlock()

	if locked && !opts.Admin {
		ch.Play(PromptLocked)
		c.emitJoinDenied(ch, "locked")
		return nil, newError(ErrorCodeAccessDenied, c.name, "конференция заперта")
	}
	if full {
		ch.Play(PromptFull)
		c.emitJoinDenied(ch, "full")
		return nil, newError(ErrorCodeResourceExhausted, c.name, "достигнут максимум участников")
	}

	if pin != "" || adminPin != "" {
		isAdmin, err := c.gatePin(ctx, ch, opts, providedPin, pin, adminPin)
		if err != nil {
			c.emitJoinDenied(ch, "pin")
			return nil, err
		}
		// Роль определяет подошедший PIN: админский дает админ-биты.
		opts.Admin = opts.Admin || isAdmin
		if !isAdmin && adminPin != "" {
			opts.Admin = false
		}
	}

	now := c.now()
	m := newMember(0, ch, opts, now)

	c.mu.Lock()
	c.memberSeq++
	m.userNo = c.memberSeq
	m.conf.Store(c)
	c.members = append(c.members, m)
	count := len(c.members)
	if opts.Marked {
		c.markedCount++
	}
	if opts.Admin && c.adminChannel == nil {
		c.adminChannel = ch
	}
	markedPresent := c.markedCount > 0
	c.mu.Unlock()

	if count == 1 {
		c.registry.deviceState(c.name, channel.DeviceStateInUse)
	}

	num, cname := ch.CallerID()
	c.sink.Emit(NewEvent(EventConferenceJoin,
		"Conference", c.name,
		"Member", strconv.Itoa(m.userNo),
		"Channel", ch.Name(),
		"CallerIDnum", num,
		"CallerIDname", cname,
		"Count", strconv.Itoa(count),
	))

	if !opts.Quiet {
		if count == 1 && !opts.SuppressFirstPerson {
			ch.Play(PromptOnlyPerson)
		}
		c.announcer.enqueue(announcement{sound: PromptEnter, except: m})
		if opts.AnnounceJoinLeave {
			c.announcer.enqueue(announcement{sound: "announce-join", member: m, review: opts.AnnounceReview})
		}
	}

	// Ожидание marked участника: до его появления участник слышит MOH
	// либо тишину и не получает микс.
	if opts.WaitMarked > 0 && !opts.Marked && !markedPresent {
		m.waitingMarked.Store(true)
		m.waitDeadline = now.Add(opts.WaitMarked)
		ch.Play(PromptWaitLeader)
		if opts.MOHWhenAlone {
			ch.StartMOH(opts.MOHClass)
		}
	}
	if opts.Marked {
		c.releaseWaiting()
	}

	if opts.Record {
		c.RequestRecording()
	}
	if opts.MOHWhenAlone && count == 1 && opts.WaitMarked == 0 {
		ch.StartMOH(opts.MOHClass)
	}
	if count == 2 {
		// Второй вход снимает MOH «когда один» у первого.
		c.mu.Lock()
		first := append([]*Member(nil), c.members...)
		c.mu.Unlock()
		for _, om := range first {
			if om != m && om.opts.MOHWhenAlone {
				om.ch.StopMOH()
			}
		}
	}

	m.start(c.ctx)
	c.registry.metrics.memberJoined()
	c.log.Info("участник вошел", "member", m.userNo, "channel", ch.Name(), "count", count)
	return m, nil
}

// gatePin проверяет PIN с тремя попытками. Возвращает признак админского
// PIN. Если providedPin совпал сразу и не включен AlwaysPromptPin -
// запроса не будет.
func (c *Conference) gatePin(ctx context.Context, ch channel.Channel, opts Options, provided, pin, adminPin string) (bool, error) {
	match := func(entered string) (ok, admin bool) {
		if adminPin != "" && entered == adminPin {
			return true, true
		}
		if pin != "" && entered == pin {
			return true, false
		}
		return false, false
	}

	if provided != "" && !opts.AlwaysPromptPin {
		if ok, admin := match(provided); ok {
			return admin, nil
		}
	}

	for try := 0; try < pinTries; try++ {
		ch.Play(PromptGetPin)
		entered, err := c.readPin(ctx, ch)
		if err != nil {
			return false, wrapError(ErrorCodeAccessDenied, c.name, "ввод PIN прерван", err)
		}
		if ok, admin := match(entered); ok {
			return admin, nil
		}
		ch.Play(PromptInvalidPin)
	}
	return false, newError(ErrorCodeAccessDenied, c.name, "PIN не подошел после трех попыток")
}

// readPin собирает DTMF цифры до `#` либо таймаута попытки.
func (c *Conference) readPin(ctx context.Context, ch channel.Channel) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pinReadTimeout)
	defer cancel()

	var digits []rune
	for {
		f, err := ch.ReadFrame(ctx)
		if err != nil {
			return "", err
		}
		if f.Kind != frame.TypeDTMF || f.End {
			continue
		}
		if f.Digit == frame.DTMFPound {
			return string(digits), nil
		}
		digits = append(digits, []rune(f.Digit.String())[0])
		if len(digits) >= 32 {
			return string(digits), nil
		}
	}
}

func (c *Conference) emitJoinDenied(ch channel.Channel, reason string) {
	c.registry.metrics.joinDenied(reason)
	c.sink.Emit(NewEvent(EventConferenceJoinDenied,
		"Conference", c.name,
		"Channel", ch.Name(),
		"Reason", reason,
	))
}

// releaseWaiting снимает ожидание marked участника со всех ждущих.
func (c *Conference) releaseWaiting() {
	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()
	for _, m := range members {
		if m.waitingMarked.CompareAndSwap(true, false) {
			m.ch.StopMOH()
		}
	}
}

// Leave выводит участника из конференции: останавливает его горутины,
// испускает ConferenceLeave и закрывает конференцию на последнем выходе.
func (c *Conference) Leave(m *Member) {
	c.removeMember(m, "leave")
}

func (c *Conference) removeMember(m *Member, reason string) {
	c.mu.Lock()
	idx := -1
	for i, om := range c.members {
		if om == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.members = append(c.members[:idx], c.members[idx+1:]...)
	if m.opts.Marked {
		c.markedCount--
	}
	markedGone := m.opts.Marked && c.markedCount == 0
	remaining := len(c.members)
	if c.adminChannel == m.ch {
		c.adminChannel = nil
	}
	if c.defaultVideoSrc == m.userNo {
		c.defaultVideoSrc = -1
	}
	c.mu.Unlock()

	m.removeFlag.Store(true)
	m.stop()
	m.conf.Store(nil)
	c.registry.metrics.framesLost(m.incoming.Stats().Dropped + m.outgoing.Stats().Dropped)

	duration := c.now().Sub(m.joinedAt)
	c.sink.Emit(NewEvent(EventConferenceLeave,
		"Conference", c.name,
		"Member", strconv.Itoa(m.userNo),
		"Channel", m.ch.Name(),
		"Duration", strconv.Itoa(int(duration/time.Second)),
	))

	if !m.opts.Quiet {
		c.announcer.enqueue(announcement{sound: PromptLeave})
		if m.opts.AnnounceJoinLeave {
			c.announcer.enqueue(announcement{sound: "announce-leave", member: m})
		}
	}

	// Выход последнего marked при x закрывает конференцию.
	if markedGone && m.opts.CloseOnLastMarked {
		c.markEndConf()
	}

	c.log.Info("участник вышел", "member", m.userNo, "reason", reason, "duration", duration)

	if remaining == 0 {
		c.registry.deviceState(c.name, channel.DeviceStateNotInUse)
		c.registry.dispose(c)
	}
}

// markEndConf выставляет remove-флаг всем не-админам.
func (c *Conference) markEndConf() {
	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()
	for _, m := range members {
		if !m.opts.Admin {
			m.removeFlag.Store(true)
		}
	}
}

// RequestRecording переводит автомат записи Off → Starting. Поток записи
// поднимется лениво на ближайшем тике.
func (c *Conference) RequestRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.recFSM.Event(context.Background(), "start"); err != nil {
		return newError(ErrorCodeNotFound, c.name, fmt.Sprintf("запись уже в состоянии %s", c.recFSM.Current()))
	}
	c.recordPath = c.resolveRecordingPath(c.adminChannel)
	return nil
}

// now возвращает время часов конференции.
func (c *Conference) now() time.Time {
	return c.clock.Now()
}

// runLoop - цикл микшера: один тик на каждый импульс медиа часов.
func (c *Conference) runLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-c.clock.C():
			c.tick(now)
		}
	}
}

// Done закрывается после полной остановки конференции.
func (c *Conference) Done() <-chan struct{} { return c.closed }

// shutdown останавливает циклы конференции. Вызывается реестром при
// обнулении счетчика ссылок; выполняется вне горутины микшера, потому что
// ждет выхода его цикла.
func (c *Conference) shutdown() {
	defer close(c.closed)
	c.stopRecording()
	c.announcer.stop()
	c.cancel()
	<-c.loopDone
	c.clock.Stop()

	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.members = nil
	c.mu.Unlock()
	for _, m := range members {
		m.removeFlag.Store(true)
		m.stop()
		m.ch.Hangup()
	}

	c.listenerMu.Lock()
	c.pathCache.Reset()
	c.listenerMu.Unlock()

	c.sink.Emit(NewEvent(EventConferenceEnd, "Conference", c.name))
}
