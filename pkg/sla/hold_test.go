package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/channel"
)

// answeredLine поднимает вызов на транке и отвечает первой станцией.
// Возвращает канал транка, канал станции и результат транкового приложения.
func answeredLine(t *testing.T, env *slaEnv) (*channel.Local, *channel.Local, <-chan trunkResult) {
	t.Helper()
	trunkCh := channel.NewLocal("Zap/line1-1")
	result := env.startTrunk("line1", trunkCh)
	s1ch := env.answer("SIP/station1", "SIP/station1-1")
	env.waitState("station1", "line1", refStateUp)
	env.waitMembers("sla-line1", 2)
	return trunkCh, s1ch, result
}

func TestHoldMarksStatesAndStartsMOH(t *testing.T) {
	env := newSlaEnv(t, sharedLineConfig(HoldAccessOpen, false), nil)
	trunkCh, _, _ := answeredLine(t, env)

	require.NoError(t, env.ctl.Hold("station1"))
	env.waitState("station1", "line1", refStateOnHoldByMe)
	env.waitState("station2", "line1", refStateOnHold)

	require.Eventually(t, func() bool {
		active, _ := trunkCh.MOH()
		return active
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, channel.DeviceStateOnHold, env.reg.Notifier().Get("sla:trunk:line1"))

	tr, _ := env.ctl.Trunk("line1")
	held, holder := tr.OnHold()
	assert.True(t, held)
	assert.Equal(t, "station1", holder)
	require.Eventually(t, func() bool { return tr.ActiveStations() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.HoldStations())
}

func TestHoldPrivateOnlyHolderRetrieves(t *testing.T) {
	env := newSlaEnv(t, sharedLineConfig(HoldAccessPrivate, false), nil)
	trunkCh, _, result := answeredLine(t, env)

	require.NoError(t, env.ctl.Hold("station1"))
	env.waitState("station1", "line1", refStateOnHoldByMe)

	// Чужая станция получает отказ.
	s2ch := channel.NewLocal("SIP/station2-1")
	st, err := env.ctl.StationExec(t.Context(), "station2", "", s2ch)
	assert.Equal(t, StationStatusCongestion, st)
	require.ErrorIs(t, err, &Error{Code: ErrorCodeAccessDenied})
	assert.Equal(t, string(StationStatusCongestion), s2ch.Variable(VarStationStatus))

	// Держатель возвращается к разговору.
	s1again := channel.NewLocal("SIP/station1-2")
	stRes := env.startStation("station1", "", s1again)
	env.waitState("station1", "line1", refStateUp)
	env.waitMembers("sla-line1", 2)
	require.Eventually(t, func() bool {
		active, _ := trunkCh.MOH()
		return !active
	}, time.Second, 5*time.Millisecond)

	s1again.Hangup()
	r := env.waitStation(stRes)
	require.NoError(t, r.err)
	assert.Equal(t, StationStatusSuccess, r.st)
	tr := env.waitResult(result)
	assert.Equal(t, TrunkStatusSuccess, tr.st)
}

func TestHoldOpenRetrievedByAnyStation(t *testing.T) {
	env := newSlaEnv(t, sharedLineConfig(HoldAccessOpen, false), nil)
	trunkCh, _, result := answeredLine(t, env)

	require.NoError(t, env.ctl.Hold("station1"))
	env.waitState("station2", "line1", refStateOnHold)

	s2ch := channel.NewLocal("SIP/station2-1")
	stRes := env.startStation("station2", "", s2ch)
	env.waitState("station2", "line1", refStateUp)
	env.waitMembers("sla-line1", 2)
	// Удержание снято целиком: лампа держателя гаснет, MOH выключен.
	env.waitState("station1", "line1", refStateIdle)
	require.Eventually(t, func() bool {
		active, _ := trunkCh.MOH()
		return !active
	}, time.Second, 5*time.Millisecond)

	s2ch.Hangup()
	r := env.waitStation(stRes)
	assert.Equal(t, StationStatusSuccess, r.st)
	tr := env.waitResult(result)
	assert.Equal(t, TrunkStatusSuccess, tr.st)
}

func TestBargeDisabledRefused(t *testing.T) {
	env := newSlaEnv(t, sharedLineConfig(HoldAccessOpen, true), nil)
	answeredLine(t, env)

	s2ch := channel.NewLocal("SIP/station2-1")
	st, err := env.ctl.StationExec(t.Context(), "station2", "line1", s2ch)
	assert.Equal(t, StationStatusCongestion, st)
	require.ErrorIs(t, err, &Error{Code: ErrorCodeAccessDenied})
}

func TestBargeJoinsSharedPath(t *testing.T) {
	env := newSlaEnv(t, sharedLineConfig(HoldAccessOpen, false), nil)
	_, s1ch, result := answeredLine(t, env)

	s2ch := channel.NewLocal("SIP/station2-1")
	stRes := env.startStation("station2", "line1", s2ch)
	env.waitState("station2", "line1", refStateUp)
	env.waitMembers("sla-line1", 3)

	s2ch.Hangup()
	r := env.waitStation(stRes)
	assert.Equal(t, StationStatusSuccess, r.st)
	env.waitMembers("sla-line1", 2)
	env.waitState("station2", "line1", refStateIdle)

	// Первая станция завершает вызов целиком.
	s1ch.Hangup()
	tr := env.waitResult(result)
	assert.Equal(t, TrunkStatusSuccess, tr.st)
}
