package conference

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// testEnv - реестр с управляемыми часами и накопителем событий.
type testEnv struct {
	reg   *Registry
	sink  *CaptureSink
	clock *frame.ManualClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clock := frame.NewManualClock(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC))
	cfg.NewClock = func() frame.Clock { return clock }
	cfg.Now = clock.Now
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = t.TempDir()
	}
	sink := NewCaptureSink()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		reg:   NewRegistry(cfg, log, sink, nil),
		sink:  sink,
		clock: clock,
	}
}

func (e *testEnv) create(t *testing.T, name string) *Conference {
	t.Helper()
	c, isNew, err := e.reg.FindOrCreate(name, "", "", true, false, nil)
	require.NoError(t, err)
	require.True(t, isNew)
	return c
}

func (e *testEnv) join(t *testing.T, c *Conference, chName string, opts Options) (*Member, *channel.Local) {
	t.Helper()
	ch := channel.NewLocal(chName)
	m, err := c.Join(context.Background(), ch, opts, "")
	require.NoError(t, err)
	return m, ch
}

// advanceTicks продвигает часы шагами короче предела простоя часов
// микшера.
func (e *testEnv) advanceTicks(d time.Duration) {
	const step = 500 * time.Millisecond
	for d > 0 {
		s := step
		if d < step {
			s = d
		}
		e.clock.Advance(s)
		d -= s
	}
}

// speechFrame - кадр с постоянной амплитудой выше порога речи.
func speechFrame(val int16, at time.Time) *frame.Frame {
	samples := make([]int16, frame.SamplesPerTick)
	for i := range samples {
		samples[i] = val
	}
	return frame.Voice(samples, at)
}

// newUlawLocal - канал с G.711u в обе стороны.
func newUlawLocal(name string) *channel.Local {
	ch := channel.NewLocal(name)
	ch.SetCodecs(frame.CodecUlaw, frame.CodecUlaw)
	return ch
}

// newNoOptionLocal - канал без поддержки опций громкости.
func newNoOptionLocal(name string) *channel.Local {
	ch := channel.NewLocal(name)
	ch.DisableOptions()
	return ch
}

// waitEnqueued ждет, пока насос участника переложит n кадров во входящую
// очередь.
func waitEnqueued(t *testing.T, m *Member, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.QueueStats().Enqueued >= n
	}, time.Second, 2*time.Millisecond, "насос не переложил кадры")
}

// readWritten забирает очередной кадр, записанный микшером в канал.
func readWritten(t *testing.T, ch *channel.Local) *frame.Frame {
	t.Helper()
	select {
	case f := <-ch.Written():
		return f
	case <-time.After(time.Second):
		t.Fatal("кадр от микшера не пришел")
		return nil
	}
}

func TestJoinAssignsMonotonicUserNo(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")

	m1, _ := env.join(t, c, "SIP/1001-1", Options{})
	m2, _ := env.join(t, c, "SIP/1002-1", Options{})

	assert.Equal(t, 1, m1.UserNo())
	assert.Equal(t, 2, m2.UserNo())
	assert.Equal(t, 2, c.MemberCount())

	joins := env.sink.ByName(EventConferenceJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, "100", joins[0].Fields["Conference"])
	assert.Equal(t, "1", joins[0].Fields["Member"])
	assert.Equal(t, "2", joins[1].Fields["Count"])
}

func TestJoinRefusedWhenLocked(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	env.join(t, c, "SIP/admin-1", Options{Admin: true})

	c.Lock()

	ch := channel.NewLocal("SIP/1002-1")
	_, err := c.Join(context.Background(), ch, Options{}, "")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeAccessDenied))
	assert.Contains(t, ch.Played(), PromptLocked)

	denied := env.sink.ByName(EventConferenceJoinDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "locked", denied[0].Fields["Reason"])

	// Админ проходит сквозь замок.
	adm := channel.NewLocal("SIP/admin-2")
	_, err = c.Join(context.Background(), adm, Options{Admin: true}, "")
	require.NoError(t, err)
}

func TestJoinRefusedWhenFull(t *testing.T) {
	env := newTestEnv(t, Config{DefaultMaxUsers: 1})
	c := env.create(t, "100")
	env.join(t, c, "SIP/1001-1", Options{})

	ch := channel.NewLocal("SIP/1002-1")
	_, err := c.Join(context.Background(), ch, Options{}, "")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeResourceExhausted))
	assert.Contains(t, ch.Played(), PromptFull)
}

func TestJoinPinDeterminesRole(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, _, err := env.reg.FindOrCreate("200", "1234", "9999", true, false, nil)
	require.NoError(t, err)

	// Пользовательский PIN, переданный заранее: запроса нет.
	user := channel.NewLocal("SIP/1001-1")
	m1, err := c.Join(context.Background(), user, Options{}, "1234")
	require.NoError(t, err)
	assert.False(t, m1.Options().Admin)
	assert.NotContains(t, user.Played(), PromptGetPin)

	// Админский PIN дает роль админа.
	adm := channel.NewLocal("SIP/1002-1")
	m2, err := c.Join(context.Background(), adm, Options{}, "9999")
	require.NoError(t, err)
	assert.True(t, m2.Options().Admin)
}

func TestJoinPinPromptedAndRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, _, err := env.reg.FindOrCreate("200", "1234", "", true, false, nil)
	require.NoError(t, err)

	ch := channel.NewLocal("SIP/1001-1")
	// Три неверных набора: 0#, 0#, 0#.
	for i := 0; i < pinTries; i++ {
		ch.Deliver(frame.DTMF(frame.DTMF0, false, 100*time.Millisecond))
		ch.Deliver(frame.DTMF(frame.DTMFPound, false, 100*time.Millisecond))
	}
	_, err = c.Join(context.Background(), ch, Options{}, "")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorCodeAccessDenied))
	played := ch.Played()
	assert.Equal(t, pinTries, countOf(played, PromptGetPin))
	assert.Equal(t, pinTries, countOf(played, PromptInvalidPin))
}

func TestJoinPinPromptedAccepted(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, _, err := env.reg.FindOrCreate("200", "12", "", true, false, nil)
	require.NoError(t, err)

	ch := channel.NewLocal("SIP/1001-1")
	ch.Deliver(frame.DTMF(frame.DTMF1, false, 100*time.Millisecond))
	ch.Deliver(frame.DTMF(frame.DTMF2, false, 100*time.Millisecond))
	ch.Deliver(frame.DTMF(frame.DTMFPound, false, 100*time.Millisecond))

	m, err := c.Join(context.Background(), ch, Options{}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.UserNo())
}

func countOf(ss []string, want string) int {
	n := 0
	for _, s := range ss {
		if s == want {
			n++
		}
	}
	return n
}

func TestLeaveEmitsEventAndDisposesOnLast(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	m, _ := env.join(t, c, "SIP/1001-1", Options{})

	c.Leave(m)

	leaves := env.sink.ByName(EventConferenceLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "1", leaves[0].Fields["Member"])

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("конференция не остановилась после последнего выхода")
	}
	_, ok := env.reg.Find("100")
	assert.False(t, ok)
	require.Len(t, env.sink.ByName(EventConferenceEnd), 1)
}

func TestCloseOnLastMarked(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	marked, _ := env.join(t, c, "SIP/lead-1", Options{Marked: true, CloseOnLastMarked: true})
	env.join(t, c, "SIP/1002-1", Options{})

	c.Leave(marked)

	// Обычный участник помечен на удаление; тик его выводит.
	env.clock.Tick()
	require.Eventually(t, func() bool {
		return c.MemberCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestWaitMarkedTimesOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	m, ch := env.join(t, c, "SIP/1001-1", Options{WaitMarked: 2 * time.Second, MOHWhenAlone: true})

	assert.Contains(t, ch.Played(), PromptWaitLeader)
	mohActive, _ := ch.MOH()
	assert.True(t, mohActive)
	assert.True(t, m.waitingMarked.Load())

	// Дедлайн ожидания истекает; участник удаляется с prompt'ом.
	env.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		return c.MemberCount() == 0
	}, time.Second, 2*time.Millisecond)
	assert.Contains(t, ch.Played(), PromptNoLeader)
}

func TestWaitMarkedReleasedByMarkedJoin(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	m, _ := env.join(t, c, "SIP/1001-1", Options{WaitMarked: time.Minute})
	require.True(t, m.waitingMarked.Load())

	env.join(t, c, "SIP/lead-1", Options{Marked: true})
	assert.False(t, m.waitingMarked.Load())
}

func TestScheduledEndMarksEveryone(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	_, ch1 := env.join(t, c, "SIP/1001-1", Options{})
	env.join(t, c, "SIP/1002-1", Options{})

	c.SetEndTime(env.clock.Now().Add(30 * time.Second))

	// Первый тик внутри минутного окна: предупреждение проиграно,
	// никто не удален.
	env.clock.Tick()
	require.Eventually(t, func() bool {
		return countOf(ch1.Played(), PromptEndWarning) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, c.MemberCount())

	// Время вышло: EndConf на всех, не-админы удаляются.
	env.advanceTicks(31 * time.Second)
	require.Eventually(t, func() bool {
		return c.MemberCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestMemberTimeLimitKicks(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	_, ch := env.join(t, c, "SIP/1001-1", Options{
		TimeLimit:     10 * time.Second,
		WarnRemaining: 5 * time.Second,
	})
	env.join(t, c, "SIP/1002-1", Options{})

	// Внутри окна предупреждения.
	env.clock.Advance(6 * time.Second)
	require.Eventually(t, func() bool {
		return countOf(ch.Played(), PromptTimeWarning) == 1
	}, time.Second, 2*time.Millisecond)

	// Лимит вышел.
	env.advanceTicks(5 * time.Second)
	require.Eventually(t, func() bool {
		return c.MemberCount() == 1
	}, time.Second, 2*time.Millisecond)
}
