package conference

import (
	"strconv"
	"strings"
)

// AdminStatus - результат админской команды. Значение кладется в
// переменную ADMIN_STATUS канала, подавшего команду.
type AdminStatus string

const (
	AdminStatusOK       AdminStatus = "OK"
	AdminStatusNoParse  AdminStatus = "NOPARSE"
	AdminStatusNotFound AdminStatus = "NOTFOUND"
	AdminStatusFailed   AdminStatus = "FAILED"
)

// VarAdminStatus - имя переменной канала с результатом команды.
const VarAdminStatus = "ADMIN_STATUS"

// Буквы админских команд. Регистры различаются: заглавная обычно действует
// на всех, строчная на одного участника.
const (
	adminCmdKickAll       = 'K'
	adminCmdKickOne       = 'k'
	adminCmdLock          = 'L'
	adminCmdUnlock        = 'l'
	adminCmdMuteOne       = 'M'
	adminCmdUnmuteOne     = 'm'
	adminCmdMuteAll       = 'N'
	adminCmdUnmuteAll     = 'n'
	adminCmdEjectLast     = 'e'
	adminCmdExtendEnd     = 'E'
	adminCmdRecord        = 'R'
	adminCmdResetVolumes  = 'r'
	adminCmdTalkVolUp     = 'V'
	adminCmdTalkVolDown   = 'v'
	adminCmdListenVolUp   = 'S'
	adminCmdListenVolDown = 's'
)

// AdminCommand разбирает и выполняет команду формата `CONF,CMD[,USER]`.
// CMD - одна буква из таблицы выше, USER - номер участника для команд на
// одного. Возвращаемый статус однозначен: NOPARSE - синтаксис, NOTFOUND -
// нет конференции или участника, FAILED - команда не применилась,
// OK - применилась.
func (r *Registry) AdminCommand(spec string) AdminStatus {
	parts := strings.SplitN(spec, ",", 3)
	if len(parts) < 2 {
		return AdminStatusNoParse
	}
	name := strings.TrimSpace(parts[0])
	cmdField := strings.TrimSpace(parts[1])
	if name == "" || len(cmdField) != 1 {
		return AdminStatusNoParse
	}
	cmd := rune(cmdField[0])

	userNo := 0
	if len(parts) == 3 {
		n, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || n <= 0 {
			return AdminStatusNoParse
		}
		userNo = n
	}
	if !adminCmdKnown(cmd) {
		return AdminStatusNoParse
	}
	if adminCmdNeedsUser(cmd) && userNo == 0 {
		return AdminStatusNoParse
	}

	c, ok := r.Find(name)
	if !ok {
		return AdminStatusNotFound
	}
	// Конференция держится на время команды, чтобы выход последнего
	// участника не снес ее под ногами.
	c.refs.Add(1)
	defer r.dispose(c)

	return c.adminApply(cmd, userNo)
}

func adminCmdKnown(cmd rune) bool {
	switch cmd {
	case adminCmdKickAll, adminCmdKickOne, adminCmdLock, adminCmdUnlock,
		adminCmdMuteOne, adminCmdUnmuteOne, adminCmdMuteAll, adminCmdUnmuteAll,
		adminCmdEjectLast, adminCmdExtendEnd, adminCmdRecord, adminCmdResetVolumes,
		adminCmdTalkVolUp, adminCmdTalkVolDown,
		adminCmdListenVolUp, adminCmdListenVolDown:
		return true
	}
	return false
}

func adminCmdNeedsUser(cmd rune) bool {
	switch cmd {
	case adminCmdKickOne, adminCmdMuteOne, adminCmdUnmuteOne,
		adminCmdTalkVolUp, adminCmdTalkVolDown,
		adminCmdListenVolUp, adminCmdListenVolDown:
		return true
	}
	return false
}

// adminApply выполняет одну команду. Команды на участника работают через
// ref/unref: участник не освобождается, пока команда его трогает.
func (c *Conference) adminApply(cmd rune, userNo int) AdminStatus {
	switch cmd {
	case adminCmdLock:
		c.Lock()
		return AdminStatusOK
	case adminCmdUnlock:
		c.Unlock()
		return AdminStatusOK
	case adminCmdKickAll:
		c.KickAll()
		return AdminStatusOK
	case adminCmdMuteAll:
		c.MuteAllNonAdmin()
		return AdminStatusOK
	case adminCmdUnmuteAll:
		c.UnmuteAll()
		return AdminStatusOK
	case adminCmdEjectLast:
		if !c.ejectLast() {
			return AdminStatusFailed
		}
		return AdminStatusOK
	case adminCmdExtendEnd:
		if !c.extendScheduledEnd() {
			return AdminStatusFailed
		}
		return AdminStatusOK
	case adminCmdRecord:
		if err := c.RequestRecording(); err != nil {
			return AdminStatusFailed
		}
		return AdminStatusOK
	case adminCmdResetVolumes:
		c.ResetVolumes()
		return AdminStatusOK
	}

	m, ok := c.findMember(userNo)
	if !ok {
		return AdminStatusNotFound
	}
	defer m.unref()

	switch cmd {
	case adminCmdKickOne:
		c.kickMember(m)
	case adminCmdMuteOne:
		c.muteMember(m, true)
	case adminCmdUnmuteOne:
		c.muteMember(m, false)
	case adminCmdTalkVolUp:
		tv, _ := m.Volumes()
		m.applyTalkVolume(tv + 1)
	case adminCmdTalkVolDown:
		tv, _ := m.Volumes()
		m.applyTalkVolume(tv - 1)
	case adminCmdListenVolUp:
		_, lv := m.Volumes()
		m.applyListenVolume(lv + 1)
	case adminCmdListenVolDown:
		_, lv := m.Volumes()
		m.applyListenVolume(lv - 1)
	default:
		return AdminStatusNoParse
	}
	return AdminStatusOK
}

// findMember возвращает участника по userNo с инкрементом счетчика ссылок.
func (c *Conference) findMember(userNo int) (*Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.members {
		if m.userNo == userNo {
			m.ref()
			return m, true
		}
	}
	return nil, false
}

// Lock запирает конференцию для не-админов и испускает ConferenceLock.
func (c *Conference) Lock() {
	c.setLocked(true)
}

// Unlock отпирает конференцию.
func (c *Conference) Unlock() {
	c.setLocked(false)
}

func (c *Conference) setLocked(locked bool) {
	c.mu.Lock()
	changed := c.locked != locked
	c.locked = locked
	c.mu.Unlock()
	if !changed {
		return
	}
	status := "off"
	if locked {
		status = "on"
	}
	c.sink.Emit(NewEvent(EventConferenceLock, "Conference", c.name, "Status", status))
}

// muteMember выставляет или снимает админский mute. Снятие чистит также
// self-mute и поднятую руку: участник слышим сразу после unmute.
func (c *Conference) muteMember(m *Member, mute bool) {
	status := "off"
	if mute {
		m.setFlag(FlagMuted)
		status = "on"
	} else {
		m.clearFlag(FlagMuted)
		m.clearFlag(FlagSelfMuted)
		m.clearFlag(FlagTalkRequest)
	}
	c.sink.Emit(NewEvent(EventConferenceMute,
		"Conference", c.name,
		"Member", strconv.Itoa(m.userNo),
		"Channel", m.ch.Name(),
		"Status", status,
	))
}

// MuteAllNonAdmin глушит всех не-админов.
func (c *Conference) MuteAllNonAdmin() {
	for _, m := range c.snapshot() {
		if !m.opts.Admin {
			c.muteMember(m, true)
		}
	}
}

// UnmuteAll снимает mute со всех участников.
func (c *Conference) UnmuteAll() {
	for _, m := range c.snapshot() {
		if m.Muted() {
			c.muteMember(m, false)
		}
	}
}

// kickMember помечает участника на удаление микшером и испускает
// ConferenceKick. Сам hangup делает тик, уважая флаг c.
func (c *Conference) kickMember(m *Member) {
	m.setFlag(FlagKickMe)
	c.sink.Emit(NewEvent(EventConferenceKick,
		"Conference", c.name,
		"Member", strconv.Itoa(m.userNo),
		"Channel", m.ch.Name(),
	))
}

// KickAll помечает EndConf: микшер удалит всех не-админов на ближайшем
// тике.
func (c *Conference) KickAll() {
	c.markEndConf()
	for _, m := range c.snapshot() {
		if m.opts.Admin {
			continue
		}
		c.sink.Emit(NewEvent(EventConferenceKick,
			"Conference", c.name,
			"Member", strconv.Itoa(m.userNo),
			"Channel", m.ch.Name(),
		))
	}
}

// EjectLast удаляет последнего вошедшего не-админа.
func (c *Conference) EjectLast() bool {
	return c.ejectLast()
}

// ExtendScheduled продлевает плановое окончание на шаг конфигурации.
func (c *Conference) ExtendScheduled() bool {
	return c.extendScheduledEnd()
}

// ResetVolumes сбрасывает усиления всех участников в ноль.
func (c *Conference) ResetVolumes() {
	for _, m := range c.snapshot() {
		m.applyTalkVolume(0)
		m.applyListenVolume(0)
	}
}

// snapshot возвращает копию ростера.
func (c *Conference) snapshot() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Member(nil), c.members...)
}
