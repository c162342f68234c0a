package sla

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/conference"
)

// TrunkStatus - итог транкового приложения, публикуемый в переменной
// канала SLA_TRUNK_STATUS.
type TrunkStatus string

const (
	TrunkStatusFailure     TrunkStatus = "FAILURE"
	TrunkStatusSuccess     TrunkStatus = "SUCCESS"
	TrunkStatusUnanswered  TrunkStatus = "UNANSWERED"
	TrunkStatusRingTimeout TrunkStatus = "RINGTIMEOUT"
)

// VarTrunkStatus - имя переменной канала с итогом транкового приложения.
const VarTrunkStatus = "SLA_TRUNK_STATUS"

// Trunk - транковая линия, разделяемая станциями. Счетчики станций
// атомарны: их читают мостовые горутины без транковой блокировки.
// Инвариант: activeStations > 0 влечет непустой канал.
type Trunk struct {
	name          string
	device        string
	autoContext   string
	ringTimeout   time.Duration
	bargeDisabled bool
	holdAccess    HoldAccess

	// numStations - число станций, ссылающихся на транк по конфигурации.
	numStations int

	activeStations atomic.Int32
	holdStations   atomic.Int32

	mu     sync.Mutex
	ch     channel.Channel
	onHold bool
	// holder - станция, поставившая вызов на hold; пусто вне удержания.
	holder string
	status TrunkStatus
	done   chan struct{}
	// member - участие транкового канала в конференции пути вызова.
	conf   *conference.Conference
	member *conference.Member
}

func newTrunk(cfg TrunkConfig) *Trunk {
	return &Trunk{
		name:          cfg.Name,
		device:        cfg.Device,
		autoContext:   cfg.AutoContext,
		ringTimeout:   cfg.RingTimeout,
		bargeDisabled: cfg.BargeDisabled,
		holdAccess:    cfg.HoldAccess,
	}
}

// Name возвращает имя транка.
func (t *Trunk) Name() string { return t.name }

// Device возвращает device-строку транка.
func (t *Trunk) Device() string { return t.device }

// ActiveStations возвращает число станций в разговоре по транку.
func (t *Trunk) ActiveStations() int { return int(t.activeStations.Load()) }

// HoldStations возвращает число станций, держащих транк на hold.
func (t *Trunk) HoldStations() int { return int(t.holdStations.Load()) }

// Channel возвращает текущий канал транка; nil - транк свободен.
func (t *Trunk) Channel() channel.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

// OnHold сообщает, стоит ли вызов транка на удержании, и кем поставлен.
func (t *Trunk) OnHold() (held bool, holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onHold, t.holder
}

// seize занимает транк каналом входящего вызова. Возвращает ошибку Busy,
// если транк уже несет вызов.
func (t *Trunk) seize(ch channel.Channel) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return nil, newError(ErrorCodeBusy, t.name, "транк уже несет вызов")
	}
	t.ch = ch
	t.status = ""
	t.onHold = false
	t.holder = ""
	t.done = make(chan struct{})
	return t.done, nil
}

// finish завершает вызов транка со статусом st. Идемпотентен: повторное
// завершение возвращает false.
func (t *Trunk) finish(st TrunkStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return false
	}
	t.ch = nil
	t.status = st
	t.onHold = false
	t.holder = ""
	t.conf = nil
	t.member = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return true
}

// finalStatus возвращает статус последнего завершенного вызова.
func (t *Trunk) finalStatus() TrunkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setHold помечает вызов транка удержанным станцией holder.
func (t *Trunk) setHold(holder string) {
	t.mu.Lock()
	t.onHold = true
	t.holder = holder
	t.mu.Unlock()
}

// clearHold снимает пометку удержания.
func (t *Trunk) clearHold() {
	t.mu.Lock()
	t.onHold = false
	t.holder = ""
	t.mu.Unlock()
}

// setMember привязывает участие транкового канала в конференции пути.
func (t *Trunk) setMember(c *conference.Conference, m *conference.Member) {
	t.mu.Lock()
	t.conf, t.member = c, m
	t.mu.Unlock()
}

// takeMember отвязывает и возвращает участие транкового канала.
func (t *Trunk) takeMember() (*conference.Conference, *conference.Member) {
	t.mu.Lock()
	c, m := t.conf, t.member
	t.conf, t.member = nil, nil
	t.mu.Unlock()
	return c, m
}
