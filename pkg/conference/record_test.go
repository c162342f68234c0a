package conference

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/channel"
)

func TestRecordingWritesWav(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, Config{RecordingDir: dir})

	ch := channel.NewLocal("SIP/1001-1")
	ch.SetVariable(VarRecordingFile, "session")
	c, _, err := env.reg.FindOrCreate("100", "", "", true, false, ch)
	require.NoError(t, err)

	m, err := c.Join(context.Background(), ch, Options{Admin: true, Record: true}, "")
	require.NoError(t, err)
	assert.Equal(t, recStateStarting, c.RecordingState())

	// Несколько тиков с речью: поток записи поднимается лениво и пишет
	// линейную сумму.
	for i := 0; i < 4; i++ {
		ch.Deliver(speechFrame(1000, env.clock.Now()))
		waitEnqueued(t, m, uint64(i+1))
		env.clock.Tick()
		// Забираем кадр, который микшер шлет участнику.
		readWritten(t, ch)
	}
	require.Eventually(t, func() bool {
		return c.RecordingState() == recStateActive
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		on := env.sink.ByName(EventConferenceRecord)
		return len(on) == 1 && on[0].Fields["Status"] == "on"
	}, time.Second, 2*time.Millisecond)

	// Выход последнего участника завершает запись и закрывает файл.
	c.Leave(m)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("конференция не остановилась")
	}

	path := filepath.Join(dir, "session.wav")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 44, "файл должен содержать данные за заголовком")

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	assert.Equal(t, int(dataSize), len(data)-44)
	assert.Zero(t, dataSize%320, "данные кратны кадру 160 сэмплов по 2 байта")

	// Записана полная сумма, без самоисключения.
	first := int16(binary.LittleEndian.Uint16(data[44:46]))
	assert.Equal(t, int16(1000), first)

	events := env.sink.ByName(EventConferenceRecord)
	require.Len(t, events, 2)
	assert.Equal(t, "off", events[1].Fields["Status"])
}

func TestRecordingPathFromVariables(t *testing.T) {
	env := newTestEnv(t, Config{RecordingDir: "/var/rec"})
	ch := channel.NewLocal("SIP/1001-1")
	c, _, err := env.reg.FindOrCreate("100", "", "", true, false, ch)
	require.NoError(t, err)

	// Без переменных: шаблон с именем конференции и датой.
	p := c.resolveRecordingPath(ch)
	assert.Equal(t, "/var/rec", filepath.Dir(p))
	assert.Contains(t, filepath.Base(p), "conf-rec-100-")
	assert.Equal(t, ".wav", filepath.Ext(p))

	// Относительное имя кладется в каталог записи, формат добавляется.
	ch.SetVariable(VarRecordingFile, "board-meeting")
	ch.SetVariable(VarRecordingFormat, "wav")
	assert.Equal(t, "/var/rec/board-meeting.wav", c.resolveRecordingPath(ch))

	// Абсолютный путь уважается как есть.
	ch.SetVariable(VarRecordingFile, "/tmp/exact.wav")
	assert.Equal(t, "/tmp/exact.wav", c.resolveRecordingPath(ch))
}

func TestRecordingStoppedWhenNeverStarted(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.create(t, "100")
	// Запись в Off: stopRecording не должен ничего ломать.
	c.stopRecording()
	assert.Equal(t, recStateOff, c.RecordingState())
}
