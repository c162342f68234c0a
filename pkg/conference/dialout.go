package conference

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// maxDialOuts ограничивает число одновременных исходящих попыток на
// конференцию. Слоты перерабатываются по завершении попытки.
const maxDialOuts = 256

// Prompt звонящему во время и после исходящей попытки.
const (
	PromptRinging = "conf-ringing"
	PromptInvalid = "conf-invalid"
)

// Состояния автомата исходящей попытки.
const (
	dialStateDialing  = "dialing"
	dialStateJoined   = "joined"
	dialStateFailed   = "failed"
	dialStateCanceled = "canceled"
)

// dialOut - одна исходящая попытка: сессия набора, звонящий участник,
// строка отменяющих DTMF.
type dialOut struct {
	referID     int
	device      string
	session     channel.DialSession
	caller      *Member
	cancelDtmfs string
	machine     *fsm.FSM
}

// dialOutTable - ограниченная таблица попыток конференции с монотонным
// referId. Позволяет поздним refer/cancel операциям адресовать конкретную
// попытку после того, как звонящий ушел дальше.
type dialOutTable struct {
	mu    sync.Mutex
	next  int
	slots map[int]*dialOut
}

func (t *dialOutTable) insert(d *dialOut) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.slots) >= maxDialOuts {
		return 0, false
	}
	if t.slots == nil {
		t.slots = make(map[int]*dialOut)
	}
	t.next++
	d.referID = t.next
	t.slots[d.referID] = d
	return d.referID, true
}

func (t *dialOutTable) lookup(referID int) (*dialOut, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.slots[referID]
	return d, ok
}

func (t *dialOutTable) remove(referID int) {
	t.mu.Lock()
	delete(t.slots, referID)
	t.mu.Unlock()
}

// byCaller возвращает попытки, запущенные участником m.
func (t *dialOutTable) byCaller(m *Member) []*dialOut {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*dialOut
	for _, d := range t.slots {
		if d.caller == m {
			out = append(out, d)
		}
	}
	return out
}

// DialOut запускает асинхронный исходящий вызов, который по ответу входит
// в конференцию с опциями joinOpts. Звонящий на время набора глушится и
// слышит ring-stream; его прежнее mute-состояние восстанавливается по
// завершении. Цифра из cancelDtmfs от звонящего отменяет попытку.
// Возвращает referId попытки.
func (c *Conference) DialOut(ctx context.Context, dialer channel.Dialer, from *Member, device string, joinOpts Options, cancelDtmfs string, timeout time.Duration) (int, error) {
	if dialer == nil {
		return 0, newError(ErrorCodePolicyReject, c.name, "исходящие вызовы не сконфигурированы")
	}

	session, err := dialer.Dial(ctx, device, timeout)
	if err != nil {
		c.sink.Emit(NewEvent(EventDialFailed,
			"Conference", c.name,
			"Device", device,
			"Reason", "dial",
		))
		return 0, wrapError(ErrorCodeRemotePeerFailure, c.name, "набор не запустился", err)
	}

	d := &dialOut{
		device:      device,
		session:     session,
		caller:      from,
		cancelDtmfs: cancelDtmfs,
	}
	d.machine = fsm.NewFSM(
		dialStateDialing,
		fsm.Events{
			{Name: "answered", Src: []string{dialStateDialing}, Dst: dialStateJoined},
			{Name: "failed", Src: []string{dialStateDialing}, Dst: dialStateFailed},
			{Name: "canceled", Src: []string{dialStateDialing}, Dst: dialStateCanceled},
		}, nil,
	)

	referID, ok := c.dialOuts.insert(d)
	if !ok {
		session.Cancel()
		return 0, newError(ErrorCodeResourceExhausted, c.name, "таблица исходящих попыток заполнена")
	}

	// Резервная копия mute-состояния: вклад звонящего глушится на время
	// набора.
	callerWasMuted := from != nil && from.HasFlag(FlagSelfMuted)
	if from != nil {
		from.setFlag(FlagSelfMuted)
		from.ch.Play(PromptRinging)
	}

	go c.monitorDialOut(ctx, d, joinOpts, callerWasMuted)
	c.log.Info("исходящий вызов запущен", "device", device, "refer", referID)
	return referID, nil
}

// monitorDialOut сопровождает попытку до терминального состояния сессии.
func (c *Conference) monitorDialOut(ctx context.Context, d *dialOut, joinOpts Options, callerWasMuted bool) {
	defer c.dialOuts.remove(d.referID)

	var final channel.DialState
	for {
		select {
		case <-ctx.Done():
			d.session.Cancel()
			final = channel.DialStateHangup
		case st, ok := <-d.session.Events():
			if !ok {
				final = d.session.State()
				break
			}
			if !st.Terminal() {
				continue
			}
			final = st
		}
		break
	}

	c.registry.metrics.dialTerminal(final.String())
	c.restoreCaller(d.caller, callerWasMuted)

	if d.machine.Current() == dialStateCanceled {
		return
	}

	if final == channel.DialStateAnswered {
		ch := d.session.Channel()
		if ch == nil {
			c.emitDialFailed(d, "no-channel")
			return
		}
		if _, err := c.Join(ctx, ch, joinOpts, ""); err != nil {
			ch.Hangup()
			c.emitDialFailed(d, "join")
			return
		}
		d.machine.Event(context.Background(), "answered")
		return
	}

	if d.machine.Current() == dialStateDialing {
		d.machine.Event(context.Background(), "failed")
	}
	if d.caller != nil {
		d.caller.ch.Play(dialStatusPrompt(final))
	}
	c.emitDialFailed(d, final.String())
}

// restoreCaller возвращает звонящему прежнее mute-состояние.
func (c *Conference) restoreCaller(m *Member, wasMuted bool) {
	if m == nil {
		return
	}
	m.ch.StopMOH()
	if !wasMuted {
		m.clearFlag(FlagSelfMuted)
	}
}

func (c *Conference) emitDialFailed(d *dialOut, reason string) {
	c.sink.Emit(NewEvent(EventDialFailed,
		"Conference", c.name,
		"Device", d.device,
		"Refer", strconv.Itoa(d.referID),
		"Reason", reason,
	))
}

// dialStatusPrompt подбирает prompt статуса по терминальному состоянию.
func dialStatusPrompt(st channel.DialState) string {
	switch st {
	case channel.DialStateBusy:
		return "conf-busy"
	case channel.DialStateCongestion:
		return "conf-congestion"
	case channel.DialStateInvalid:
		return PromptInvalid
	default:
		return "conf-unavailable"
	}
}

// CancelDialOut отменяет попытку по referId. Идемпотентен: повторная
// отмена завершенной попытки возвращает false.
func (c *Conference) CancelDialOut(referID int) bool {
	d, ok := c.dialOuts.lookup(referID)
	if !ok {
		return false
	}
	if err := d.machine.Event(context.Background(), "canceled"); err != nil {
		return false
	}
	d.session.Cancel()
	c.log.Info("исходящий вызов отменен", "refer", referID)
	return true
}

// DialOutState возвращает состояние попытки по referId.
func (c *Conference) DialOutState(referID int) (string, bool) {
	d, ok := c.dialOuts.lookup(referID)
	if !ok {
		return "", false
	}
	return d.machine.Current(), true
}

// cancelByDigit отменяет попытки звонящего, если digit входит в его строку
// отмены. Возвращает true, если цифра поглощена.
func (c *Conference) cancelByDigit(m *Member, digit frame.DTMFDigit) bool {
	consumed := false
	for _, d := range c.dialOuts.byCaller(m) {
		if d.cancelDtmfs == "" || !strings.Contains(d.cancelDtmfs, digit.String()) {
			continue
		}
		if c.CancelDialOut(d.referID) {
			consumed = true
		}
	}
	return consumed
}
