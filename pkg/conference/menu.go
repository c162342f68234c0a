package conference

import (
	"strings"
	"time"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// menuState - явное состояние DTMF меню участника.
type menuState struct {
	active bool
	admin  bool
}

// menuAction - действие пункта меню. Команды табулированы, чтобы не
// разращивать вложенный switch.
type menuAction int

const (
	menuToggleMute menuAction = iota
	menuRaiseHand
	menuExtendTime
	menuListenVolDown
	menuListenVolUp
	menuTalkVolDown
	menuTalkVolUp
	menuExit
	menuLockToggle
	menuEjectLast
	menuExtendEnd
)

// userMenuTable - пункты пользовательского меню.
var userMenuTable = map[frame.DTMFDigit]menuAction{
	frame.DTMF1: menuToggleMute,
	frame.DTMF2: menuRaiseHand,
	frame.DTMF3: menuExtendTime,
	frame.DTMF4: menuListenVolDown,
	frame.DTMF6: menuListenVolUp,
	frame.DTMF7: menuTalkVolDown,
	frame.DTMF9: menuTalkVolUp,
	frame.DTMF8: menuExit,
}

// adminMenuTable - админское меню: пользовательские пункты плюс
// запереть/отпереть, изгнание последнего вошедшего и продление планового
// окончания (вместо продления собственного лимита).
var adminMenuTable = map[frame.DTMFDigit]menuAction{
	frame.DTMF1: menuToggleMute,
	frame.DTMF2: menuRaiseHand,
	frame.DTMF3: menuExtendEnd,
	frame.DTMF4: menuListenVolDown,
	frame.DTMF6: menuListenVolUp,
	frame.DTMF7: menuTalkVolDown,
	frame.DTMF9: menuTalkVolUp,
	frame.DTMF8: menuExit,
	frame.DTMF5: menuLockToggle,
	frame.DTMF0: menuEjectLast,
}

// processDTMF дренирует DTMF очереди участников: меню по *, exit-клавиши,
// выход в dialplan по X и транзит цифр остальным под флагом F.
func (c *Conference) processDTMF(members []*Member, now time.Time) {
	for _, m := range members {
		for _, f := range m.dtmfIn.Drain() {
			if f.Kind != frame.TypeDTMF || f.End {
				continue
			}
			c.handleDigit(m, members, f, now)
		}
	}
}

func (c *Conference) handleDigit(m *Member, members []*Member, f *frame.Frame, now time.Time) {
	digit := f.Digit

	// Цифра отмены активной исходящей попытки поглощается.
	if c.cancelByDigit(m, digit) {
		return
	}

	if m.menu.active {
		c.menuDigit(m, digit)
		return
	}

	if digit == frame.DTMFStar && m.opts.Menu {
		m.menu = menuState{active: true, admin: m.opts.Admin}
		return
	}

	ds := digit.String()
	if m.opts.ExitKeys != "" && strings.Contains(m.opts.ExitKeys, ds) {
		// EXIT_KEY сохраняется для совместимости, хотя ядро его не
		// читает.
		m.ch.SetVariable("EXIT_KEY", ds)
		m.removeFlag.Store(true)
		return
	}
	if m.opts.ExitToDialplan && digit >= frame.DTMF0 && digit <= frame.DTMF9 {
		m.ch.SetVariable("MEETME_EXIT_DIGIT", ds)
		m.removeFlag.Store(true)
		return
	}

	if m.opts.PassDTMF {
		for _, om := range members {
			if om == m {
				continue
			}
			om.outgoing.Enqueue(f, now)
			om.notifyWriter()
		}
	}
}

// menuDigit - один помеченный переход автомата меню. Меню одноразовое:
// после исполненного пункта (и после незнакомой цифры или повторной *)
// оно закрывается, следующая * открывает его заново.
func (c *Conference) menuDigit(m *Member, digit frame.DTMFDigit) {
	table := userMenuTable
	if m.menu.admin {
		table = adminMenuTable
	}
	m.menu.active = false
	action, ok := table[digit]
	if !ok {
		return
	}

	switch action {
	case menuToggleMute:
		if m.HasFlag(FlagSelfMuted) {
			m.clearFlag(FlagSelfMuted)
			m.clearFlag(FlagTalkRequest)
		} else {
			m.setFlag(FlagSelfMuted)
		}
	case menuRaiseHand:
		if m.HasFlag(FlagTalkRequest) {
			m.clearFlag(FlagTalkRequest)
		} else {
			m.setFlag(FlagTalkRequest)
		}
	case menuExtendTime:
		if !m.limitAt.IsZero() {
			m.limitAt = m.limitAt.Add(c.registry.cfg.ExtendIncrement)
			if !m.nextWarn.IsZero() {
				m.nextWarn = m.nextWarn.Add(c.registry.cfg.ExtendIncrement)
			}
		}
	case menuListenVolDown:
		_, lv := m.Volumes()
		m.applyListenVolume(lv - 1)
	case menuListenVolUp:
		_, lv := m.Volumes()
		m.applyListenVolume(lv + 1)
	case menuTalkVolDown:
		tv, _ := m.Volumes()
		m.applyTalkVolume(tv - 1)
	case menuTalkVolUp:
		tv, _ := m.Volumes()
		m.applyTalkVolume(tv + 1)
	case menuExit:
		// Уже закрыто выше.
	case menuLockToggle:
		c.mu.Lock()
		c.locked = !c.locked
		locked := c.locked
		c.mu.Unlock()
		status := "off"
		if locked {
			status = "on"
		}
		c.sink.Emit(NewEvent(EventConferenceLock, "Conference", c.name, "Status", status))
	case menuEjectLast:
		c.ejectLast()
	case menuExtendEnd:
		c.extendScheduledEnd()
	}
}

// ejectLast помечает KickMe последнего вошедшего не-админа.
func (c *Conference) ejectLast() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.members) - 1; i >= 0; i-- {
		if !c.members[i].opts.Admin {
			c.members[i].setFlag(FlagKickMe)
			return true
		}
	}
	return false
}

// extendScheduledEnd продлевает плановое окончание через планировщик,
// если тот подтверждает отсутствие конфликтующей брони.
func (c *Conference) extendScheduledEnd() bool {
	sched := c.registry.scheduler
	if sched == nil {
		return false
	}
	c.mu.Lock()
	end := c.endTime
	c.mu.Unlock()
	if end.IsZero() {
		return false
	}
	next := end.Add(c.registry.cfg.ExtendIncrement)
	if err := sched.Extend(c.name, next); err != nil {
		c.log.Warn("продление планового окончания отклонено", "error", err)
		return false
	}
	c.SetEndTime(next)
	return true
}
