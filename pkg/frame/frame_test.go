package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestG711UlawRoundTrip(t *testing.T) {
	t.Parallel()

	// μ-law с погрешностью квантования: после кодирования-декодирования
	// сэмпл должен остаться в пределах своего сегмента.
	for _, v := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		decoded := UlawDecode(UlawEncode(v))
		diff := int32(decoded) - int32(v)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, int32(1024), "ulaw: сэмпл %d декодирован как %d", v, decoded)
	}
}

func TestG711AlawRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []int16{0, 8, -8, 500, -500, 4000, -4000, 20000, -20000} {
		decoded := AlawDecode(AlawEncode(v))
		diff := int32(decoded) - int32(v)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, int32(1024), "alaw: сэмпл %d декодирован как %d", v, decoded)
	}
}

func TestG711TranslatorMatchesCompanding(t *testing.T) {
	t.Parallel()

	tr := NewG711Translator(CodecUlaw)
	samples := []int16{0, 100, -100, 5000, -5000}
	payload, err := tr.FromLinear(samples)
	require.NoError(t, err)
	require.Len(t, payload, len(samples))

	back, err := tr.ToLinear(payload)
	require.NoError(t, err)
	for i := range samples {
		assert.Equal(t, UlawDecode(UlawEncode(samples[i])), back[i])
	}
}

func TestMixIntoSaturates(t *testing.T) {
	t.Parallel()

	dst := []int16{30000, -30000, 100}
	src := []int16{10000, -10000, 23}
	MixInto(dst, src)
	assert.Equal(t, int16(32767), dst[0], "переполнение вверх должно насыщаться")
	assert.Equal(t, int16(-32768), dst[1], "переполнение вниз должно насыщаться")
	assert.Equal(t, int16(123), dst[2])
}

func TestSubtractIntoRemovesOwnContribution(t *testing.T) {
	t.Parallel()

	// Микс = A + B; после вычитания A остается ровно B.
	a := []int16{100, -200, 300}
	b := []int16{7, 8, 9}
	mix := make([]int16, 3)
	copy(mix, a)
	MixInto(mix, b)
	SubtractInto(mix, a)
	assert.Equal(t, b, mix)
}

func TestSpeechDetection(t *testing.T) {
	t.Parallel()

	silence := make([]int16, SamplesPerTick)
	assert.False(t, IsSpeech(silence, 0))

	speech := make([]int16, SamplesPerTick)
	for i := range speech {
		speech[i] = 4000
	}
	assert.True(t, IsSpeech(speech, 0))
}

func TestPathCachePerTick(t *testing.T) {
	t.Parallel()

	var cache PathCache
	_, ok := cache.Get(CodecUlaw)
	require.False(t, ok, "пустой кэш не должен отдавать payload")

	cache.Put(CodecUlaw, []byte{1, 2, 3})
	got, ok := cache.Get(CodecUlaw)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, ok = cache.Get(CodecAlaw)
	assert.False(t, ok, "кэш другого кодека должен быть пуст")

	cache.Reset()
	_, ok = cache.Get(CodecUlaw)
	assert.False(t, ok, "Reset должен инвалидировать все слоты")
}

func TestDTMFPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	f := DTMF(DTMFPound, true, 100*time.Millisecond)
	payload := DTMFToRTPPayload(f, 10)
	require.Len(t, payload, 4)

	parsed, err := parseDTMFPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, DTMFPound, parsed.Digit)
	assert.True(t, parsed.End)
	assert.Equal(t, 100*time.Millisecond, parsed.DTMFDuration)
}

func TestParseDTMFDigit(t *testing.T) {
	t.Parallel()

	cases := map[rune]DTMFDigit{'0': DTMF0, '9': DTMF9, '*': DTMFStar, '#': DTMFPound, 'a': DTMFA, 'D': DTMFD}
	for r, want := range cases {
		got, ok := ParseDTMFDigit(r)
		require.True(t, ok, "символ %q", r)
		assert.Equal(t, want, got)
	}
	_, ok := ParseDTMFDigit('x')
	assert.False(t, ok)
}

func TestVoiceRTPRoundTrip(t *testing.T) {
	t.Parallel()

	f := VoiceEncoded([]byte{0x7F, 0x7F}, CodecUlaw, time.Time{})
	pkt, err := f.ToRTP(0x1234, 7, 160, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), pkt.PayloadType)

	back, err := FromRTP(pkt)
	require.NoError(t, err)
	assert.Equal(t, CodecUlaw, back.Codec)
	assert.Equal(t, f.Payload, back.Payload)
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManualClock(start)
	clk.Tick()
	now := <-clk.C()
	assert.Equal(t, start.Add(TickInterval), now)
	assert.Equal(t, now, clk.Now())
}

func TestManualClockConcurrentNowAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManualClock(start)

	// Читатель в роли микшера: Now конкурентно с Advance теста.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range clk.C() {
			_ = clk.Now()
		}
	}()
	for i := 0; i < 50; i++ {
		clk.Advance(TickInterval)
	}
	close(clk.ch)
	<-done

	assert.Equal(t, start.Add(50*TickInterval), clk.Now())
}
