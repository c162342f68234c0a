package conference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

func TestDialOutAnsweredJoinsConference(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	caller, _ := env.join(t, c, "SIP/caller-1", Options{})

	dialer := channel.NewLocalDialer(func(device string, s *channel.LocalDialSession) {
		s.Transition(channel.DialStateRinging)
		s.Attach(channel.NewLocal("SIP/callee-1"))
		s.Transition(channel.DialStateAnswered)
	})

	referID, err := c.DialOut(context.Background(), dialer, caller, "SIP/2001", Options{}, "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, referID)

	require.Eventually(t, func() bool {
		return c.MemberCount() == 2
	}, time.Second, 2*time.Millisecond)

	// Mute на время набора снят после ответа.
	require.Eventually(t, func() bool {
		return !caller.HasFlag(FlagSelfMuted)
	}, time.Second, 2*time.Millisecond)

	joins := env.sink.ByName(EventConferenceJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, "SIP/callee-1", joins[1].Fields["Channel"])
}

func TestDialOutBusyPlaysPromptAndRestores(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	caller, callerCh := env.join(t, c, "SIP/caller-1", Options{})

	dialer := channel.NewLocalDialer(func(device string, s *channel.LocalDialSession) {
		s.Transition(channel.DialStateRinging)
		s.Transition(channel.DialStateBusy)
	})

	_, err := c.DialOut(context.Background(), dialer, caller, "SIP/2001", Options{}, "", 30*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.sink.ByName(EventDialFailed)) == 1
	}, time.Second, 2*time.Millisecond)
	failed := env.sink.ByName(EventDialFailed)[0]
	assert.Equal(t, "busy", failed.Fields["Reason"])
	assert.Equal(t, "SIP/2001", failed.Fields["Device"])

	require.Eventually(t, func() bool {
		return countOf(callerCh.Played(), "conf-busy") == 1
	}, time.Second, 2*time.Millisecond)
	assert.False(t, caller.HasFlag(FlagSelfMuted))
	assert.Equal(t, 1, c.MemberCount())
}

func TestDialOutPreservesPriorMute(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	caller, _ := env.join(t, c, "SIP/caller-1", Options{StartMuted: true})
	require.True(t, caller.HasFlag(FlagSelfMuted))

	dialer := channel.NewLocalDialer(func(device string, s *channel.LocalDialSession) {
		s.Transition(channel.DialStateBusy)
	})
	_, err := c.DialOut(context.Background(), dialer, caller, "SIP/2001", Options{}, "", time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.sink.ByName(EventDialFailed)) == 1
	}, time.Second, 2*time.Millisecond)
	// Звонящий был заглушен до набора: так и остается.
	assert.True(t, caller.HasFlag(FlagSelfMuted))
}

func TestDialOutCancelByReferID(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	caller, _ := env.join(t, c, "SIP/caller-1", Options{})

	// Скрипт не завершает попытку: отменяет тест.
	dialer := channel.NewLocalDialer(func(device string, s *channel.LocalDialSession) {
		s.Transition(channel.DialStateRinging)
	})
	referID, err := c.DialOut(context.Background(), dialer, caller, "SIP/2001", Options{}, "", 30*time.Second)
	require.NoError(t, err)

	st, ok := c.DialOutState(referID)
	require.True(t, ok)
	assert.Equal(t, dialStateDialing, st)

	require.True(t, c.CancelDialOut(referID))
	require.Eventually(t, func() bool {
		_, ok := c.DialOutState(referID)
		return !ok
	}, time.Second, 2*time.Millisecond, "слот попытки должен переработаться")

	// Повторная отмена завершенной попытки не проходит.
	assert.False(t, c.CancelDialOut(referID))
}

func TestDialOutCancelByDigit(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	caller, callerCh := env.join(t, c, "SIP/caller-1", Options{})

	dialer := channel.NewLocalDialer(func(device string, s *channel.LocalDialSession) {
		s.Transition(channel.DialStateRinging)
	})
	referID, err := c.DialOut(context.Background(), dialer, caller, "SIP/2001", Options{}, "5", 30*time.Second)
	require.NoError(t, err)

	callerCh.Deliver(frame.DTMF(frame.DTMF5, false, 100*time.Millisecond))
	require.Eventually(t, func() bool {
		return caller.dtmfIn.Depth() > 0
	}, time.Second, 2*time.Millisecond)
	env.clock.Tick()

	require.Eventually(t, func() bool {
		_, ok := c.DialOutState(referID)
		return !ok
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, c.MemberCount())
}

func TestDialOutTableBounded(t *testing.T) {
	var table dialOutTable
	for i := 0; i < maxDialOuts; i++ {
		_, ok := table.insert(&dialOut{})
		require.True(t, ok)
	}
	_, ok := table.insert(&dialOut{})
	assert.False(t, ok)

	// Переработка слота освобождает место; referId остается монотонным.
	table.remove(1)
	id, ok := table.insert(&dialOut{})
	require.True(t, ok)
	assert.Equal(t, maxDialOuts+1, id)
}
