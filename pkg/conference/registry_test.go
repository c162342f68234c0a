package conference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/channel"
)

func TestFindOrCreateDuplicateReturnsExisting(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1, isNew, err := env.reg.FindOrCreate("100", "", "", true, false, nil)
	require.NoError(t, err)
	require.True(t, isNew)

	c2, isNew, err := env.reg.FindOrCreate("100", "", "", true, false, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, c1, c2)

	// Два владельца: первая отдача не сносит конференцию.
	env.reg.Release(c2)
	_, ok := env.reg.Find("100")
	assert.True(t, ok)
	env.reg.Release(c1)
	_, ok = env.reg.Find("100")
	assert.False(t, ok)
}

func TestFindOrCreateRequiresMakeIfAbsent(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, _, err := env.reg.FindOrCreate("100", "", "", false, false, nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeNotFound))

	// Динамический вход создает даже без makeIfAbsent.
	_, isNew, err := env.reg.FindOrCreate("100", "", "", false, true, nil)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestFindOrCreateLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConferences: 1})
	env.create(t, "100")

	_, _, err := env.reg.FindOrCreate("200", "", "", true, false, nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeResourceExhausted))
}

func TestNumericBitmapReuse(t *testing.T) {
	env := newTestEnv(t, Config{})

	n, ok := env.reg.LowestFreeNumeric()
	require.True(t, ok)
	assert.Equal(t, 0, n)

	c0 := env.create(t, "0")
	env.create(t, "1")
	n, ok = env.reg.LowestFreeNumeric()
	require.True(t, ok)
	assert.Equal(t, 2, n)

	// Снос освобождает бит.
	env.reg.Release(c0)
	require.Eventually(t, func() bool {
		n, ok := env.reg.LowestFreeNumeric()
		return ok && n == 0
	}, time.Second, 2*time.Millisecond)
}

func TestNumericSlotParsing(t *testing.T) {
	tests := []struct {
		name string
		slot int
		ok   bool
	}{
		{"0", 0, true},
		{"1023", 1023, true},
		{"1024", 0, false},
		{"12345", 0, false}, // длиннее четырех цифр
		{"12a4", 0, false},
		{"boardroom", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		slot, ok := numericSlot(tt.name)
		assert.Equal(t, tt.ok, ok, "имя %q", tt.name)
		if ok {
			assert.Equal(t, tt.slot, slot, "имя %q", tt.name)
		}
	}
}

func TestDeviceStateFollowsOccupancy(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")

	states := make(chan channel.DeviceState, 8)
	env.reg.Notifier().Subscribe(func(device string, st channel.DeviceState) {
		if device == "conference:100" {
			states <- st
		}
	})

	m, _ := env.join(t, c, "SIP/1001-1", Options{})
	select {
	case st := <-states:
		assert.Equal(t, channel.DeviceStateInUse, st)
	case <-time.After(time.Second):
		t.Fatal("нет уведомления InUse")
	}

	c.Leave(m)
	select {
	case st := <-states:
		assert.Equal(t, channel.DeviceStateNotInUse, st)
	case <-time.After(time.Second):
		t.Fatal("нет уведомления NotInUse")
	}
}

func TestScheduledRoomOverridesPin(t *testing.T) {
	sched := &StaticScheduler{Rooms: map[string]*ScheduledRoom{
		"300": {Pin: "1111", AdminPin: "2222", MaxUsers: 2},
	}}
	env := newTestEnv(t, Config{Scheduler: sched})

	c, _, err := env.reg.FindOrCreate("300", "", "", true, false, nil)
	require.NoError(t, err)

	// PIN из строки входа не играет роли: действует PIN брони.
	ch := channel.NewLocal("SIP/1001-1")
	m, err := c.Join(context.Background(), ch, Options{}, "1111")
	require.NoError(t, err)
	assert.False(t, m.Options().Admin)

	adm := channel.NewLocal("SIP/1002-1")
	ma, err := c.Join(context.Background(), adm, Options{}, "2222")
	require.NoError(t, err)
	assert.True(t, ma.Options().Admin)

	// MaxUsers брони соблюдается.
	third := channel.NewLocal("SIP/1003-1")
	_, err = c.Join(context.Background(), third, Options{}, "1111")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeResourceExhausted))
}

func TestEmitList(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	env.join(t, c, "SIP/1001-1", Options{})
	c.Lock()

	env.reg.EmitList()

	list := env.sink.ByName(EventConferenceList)
	require.Len(t, list, 1)
	assert.Equal(t, "100", list[0].Fields["Conference"])
	assert.Equal(t, "1", list[0].Fields["Members"])
	assert.Equal(t, "true", list[0].Fields["Locked"])

	complete := env.sink.ByName(EventConferenceListComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "1", complete[0].Fields["Items"])
}
