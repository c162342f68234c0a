package conference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

func TestMixSelfExclusion(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})
	_, chb := env.join(t, c, "SIP/b-1", Options{})

	cha.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	// B слышит вклад A.
	fb := readWritten(t, chb)
	require.Equal(t, frame.TypeVoice, fb.Kind)
	assert.Equal(t, int16(1000), fb.Samples[0])
	assert.Equal(t, int16(1000), fb.Samples[frame.SamplesPerTick-1])

	// A слышит микс минус собственный вклад: тишину.
	fa := readWritten(t, cha)
	assert.Equal(t, int16(0), fa.Samples[0])
}

func TestMixSumsTwoSpeakers(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})
	mb, chb := env.join(t, c, "SIP/b-1", Options{})
	_, chc := env.join(t, c, "SIP/c-1", Options{})

	cha.Deliver(speechFrame(1000, env.clock.Now()))
	chb.Deliver(speechFrame(500, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	waitEnqueued(t, mb, 1)
	env.clock.Tick()

	// Слушатель без вклада получает полную сумму.
	fc := readWritten(t, chc)
	assert.Equal(t, int16(1500), fc.Samples[0])

	// Каждый говорящий слышит только другого.
	fa := readWritten(t, cha)
	assert.Equal(t, int16(500), fa.Samples[0])
	fb := readWritten(t, chb)
	assert.Equal(t, int16(1000), fb.Samples[0])
}

func TestMutedMemberContributesNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})
	_, chb := env.join(t, c, "SIP/b-1", Options{})

	ma.setFlag(FlagMuted)
	cha.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	// Вклад muted участника не попадает в микс, но микс он получает.
	fb := readWritten(t, chb)
	assert.Equal(t, int16(0), fb.Samples[0])
	fa := readWritten(t, cha)
	assert.Equal(t, int16(0), fa.Samples[0])
}

func TestListenOnlyAndTalkOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ml, chl := env.join(t, c, "SIP/listen-1", Options{ListenOnly: true})
	mt0, cht := env.join(t, c, "SIP/talk-1", Options{TalkOnly: true})
	_, chn := env.join(t, c, "SIP/norm-1", Options{})

	chl.Deliver(speechFrame(700, env.clock.Now()))
	cht.Deliver(speechFrame(300, env.clock.Now()))
	waitEnqueued(t, ml, 1)
	waitEnqueued(t, mt0, 1)
	env.clock.Tick()

	// Говорит только talk-only: listen-only вклада не дает.
	fn := readWritten(t, chn)
	assert.Equal(t, int16(300), fn.Samples[0])
	fl := readWritten(t, chl)
	assert.Equal(t, int16(300), fl.Samples[0])

	// Talk-only ничего не получает.
	select {
	case f := <-cht.Written():
		t.Fatalf("talk-only участник получил кадр: %v", f.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitingMarkedContributesNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	_, cha := env.join(t, c, "SIP/a-1", Options{})
	mw, chw := env.join(t, c, "SIP/wait-1", Options{WaitMarked: 30 * time.Second})
	require.True(t, mw.waitingMarked.Load())

	chw.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, mw, 1)
	env.clock.Tick()

	// Ожидающий marked еще не в комнате: его звук не слышен.
	fa := readWritten(t, cha)
	assert.Equal(t, int16(0), fa.Samples[0])
}

func TestTalkerOptimizeSkipsQuietSpeaker(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{OptimizeTalker: true})
	_, chb := env.join(t, c, "SIP/b-1", Options{})

	// Амплитуда ниже порога речи: при оптимизации вклад отбрасывается.
	cha.Deliver(speechFrame(5, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	fb := readWritten(t, chb)
	assert.Equal(t, int16(0), fb.Samples[0])
}

func TestQuietNoiseMixedWithoutOptimize(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})
	_, chb := env.join(t, c, "SIP/b-1", Options{})

	cha.Deliver(speechFrame(5, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	fb := readWritten(t, chb)
	assert.Equal(t, int16(5), fb.Samples[0])
}

func TestSpeakerCountTransitions(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{TalkerDetect: true})
	env.join(t, c, "SIP/b-1", Options{})

	cha.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()
	require.Eventually(t, func() bool {
		return c.SpeakerCount() == 1
	}, time.Second, 2*time.Millisecond)

	talking := env.sink.ByName(EventConferenceTalking)
	require.Len(t, talking, 1)
	assert.Equal(t, "on", talking[0].Fields["Status"])

	// Кадр из кэша переизлучается до трех тиков; затем тишина и переход
	// обратно.
	for i := 0; i < 5; i++ {
		env.clock.Tick()
	}
	require.Eventually(t, func() bool {
		return c.SpeakerCount() == 0
	}, time.Second, 2*time.Millisecond)
	talking = env.sink.ByName(EventConferenceTalking)
	require.Len(t, talking, 2)
	assert.Equal(t, "off", talking[1].Fields["Status"])
}

func TestEncodedListenerUsesTranslationCache(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})

	// Два слушателя G.711u без вклада: кэш на кодек делит один payload.
	ch1 := newUlawLocal("SIP/u1-1")
	_, err := c.Join(t.Context(), ch1, Options{}, "")
	require.NoError(t, err)
	ch2 := newUlawLocal("SIP/u2-1")
	_, err = c.Join(t.Context(), ch2, Options{}, "")
	require.NoError(t, err)

	cha.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	f1 := readWritten(t, ch1)
	f2 := readWritten(t, ch2)
	require.Equal(t, frame.CodecUlaw, f1.Codec)
	require.Equal(t, frame.CodecUlaw, f2.Codec)
	assert.Equal(t, f1.Payload, f2.Payload)
	require.Len(t, f1.Payload, frame.SamplesPerTick)

	// Декодированный payload близок к исходной амплитуде.
	decoded := frame.UlawDecode(f1.Payload[0])
	assert.InDelta(t, 1000, float64(decoded), 64)
}

func TestSoftListenGainApplied(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})

	chb := newNoOptionLocal("SIP/b-1")
	mb, err := c.Join(t.Context(), chb, Options{}, "")
	require.NoError(t, err)

	// Канал не умеет опцию громкости: остаток добирается программно.
	mb.applyListenVolume(1)
	cha.Deliver(speechFrame(1000, env.clock.Now()))
	waitEnqueued(t, ma, 1)
	env.clock.Tick()

	fb := readWritten(t, chb)
	assert.Equal(t, int16(2000), fb.Samples[0])
}

func TestVideoBroadcastFromDefaultSource(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	ma, cha := env.join(t, c, "SIP/a-1", Options{})
	_, chb := env.join(t, c, "SIP/b-1", Options{})

	c.SetDefaultVideoSource(ma.UserNo())
	cha.Deliver(frame.Video([]byte{0x01, 0x02}, frame.CodecH264, 90000, true))
	require.Eventually(t, func() bool {
		return ma.videoIn.Depth() > 0
	}, time.Second, 2*time.Millisecond)
	env.clock.Tick()

	var got *frame.Frame
	require.Eventually(t, func() bool {
		select {
		case f := <-chb.Written():
			if f.Kind == frame.TypeVideo {
				got = f
				return true
			}
			return false
		default:
			return false
		}
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []byte{0x01, 0x02}, got.Payload)
	assert.True(t, got.Keyframe)
}
