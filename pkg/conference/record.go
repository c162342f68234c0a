package conference

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Поток записи. Пока состояние Active, существует ровно один поток записи:
// он блокируется на чтении канала прослушивания, в который тик микшера
// доставляет ту же линейную сумму, что слышат участники. Запись может
// отставать от микширования не больше чем на тик.

// Переменные канала, переопределяющие имя и формат файла записи.
const (
	VarRecordingFile   = "RECORDINGFILE"
	VarRecordingFormat = "RECORDINGFORMAT"

	defaultRecordFormat = "wav"
)

// recordTap доставляет линейную сумму тика потоку записи и лениво
// поднимает сам поток на переходе Starting → Active.
func (c *Conference) recordTap(mix []int16, now time.Time) {
	c.mu.Lock()
	state := c.recFSM.Current()
	if state == recStateStarting {
		c.recordChan = channel.NewLocal("ConfRecord/" + c.name)
		c.recordDone = make(chan struct{})
		c.recFSM.Event(context.Background(), "started")
		state = c.recFSM.Current()
		listen := c.recordChan
		path := c.recordPath
		done := c.recordDone
		c.mu.Unlock()

		go c.recordLoop(listen, path, done)
		c.sink.Emit(NewEvent(EventConferenceRecord, "Conference", c.name, "Status", "on"))

		c.mu.Lock()
	}
	listen := c.recordChan
	c.mu.Unlock()

	if state != recStateActive || listen == nil {
		return
	}
	tap := append([]int16(nil), mix...)
	listen.Deliver(frame.Voice(tap, now))
}

// resolveRecordingPath строит путь файла записи: переменные канала имеют
// приоритет, иначе шаблон conf-rec-<conf>-<callerId>-YYYYMMDD-HHMMSS.
func (c *Conference) resolveRecordingPath(ch channel.Channel) string {
	dir := c.registry.cfg.RecordingDir
	format := defaultRecordFormat
	if ch != nil {
		if f := ch.Variable(VarRecordingFormat); f != "" {
			format = f
		}
		if p := ch.Variable(VarRecordingFile); p != "" {
			if filepath.Ext(p) == "" {
				p = p + "." + format
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			return p
		}
	}
	callerID := ""
	if ch != nil {
		callerID, _ = ch.CallerID()
	}
	name := fmt.Sprintf("conf-rec-%s-%s-%s.%s", c.name, callerID, c.now().Format("20060102-150405"), format)
	return filepath.Join(dir, name)
}

// recordLoop - тело потока записи: блокирующее чтение канала прослушивания,
// запись линейных кадров в wav. Завершается по Terminating (hangup канала
// прослушивания).
func (c *Conference) recordLoop(listen *channel.Local, path string, done chan struct{}) {
	defer close(done)

	w, err := newWavWriter(path)
	if err != nil {
		c.log.Error("не удалось открыть файл записи", "path", path, "error", err)
		c.mu.Lock()
		c.recFSM.Event(context.Background(), "terminate")
		c.recFSM.Event(context.Background(), "terminated")
		c.mu.Unlock()
		return
	}
	defer func() {
		if err := w.Close(); err != nil {
			c.log.Error("ошибка закрытия файла записи", "path", path, "error", err)
		}
	}()

	c.log.Info("запись началась", "path", path)
	for {
		f, err := listen.ReadFrame(context.Background())
		if err != nil {
			if errors.Is(err, channel.ErrHungUp) {
				// Terminating наблюден: чистый выход.
				c.mu.Lock()
				c.recFSM.Event(context.Background(), "terminated")
				c.mu.Unlock()
				c.sink.Emit(NewEvent(EventConferenceRecord, "Conference", c.name, "Status", "off"))
				return
			}
			continue
		}
		if f.Kind != frame.TypeVoice || len(f.Samples) == 0 {
			continue
		}
		if err := w.WriteSamples(f.Samples); err != nil {
			c.log.Error("ошибка записи кадра", "path", path, "error", err)
		}
	}
}

// stopRecording переводит автомат Active → Terminating; поток записи
// наблюдает переход и выходит сам.
func (c *Conference) stopRecording() {
	c.mu.Lock()
	state := c.recFSM.Current()
	if state != recStateActive && state != recStateStarting {
		c.mu.Unlock()
		return
	}
	c.recFSM.Event(context.Background(), "terminate")
	listen := c.recordChan
	done := c.recordDone
	c.mu.Unlock()

	if listen != nil {
		listen.Hangup()
		<-done
	} else {
		// Поток так и не поднялся.
		c.mu.Lock()
		c.recFSM.Event(context.Background(), "terminated")
		c.mu.Unlock()
	}
}

// wavWriter пишет PCM 16 бит 8 кГц моно с корректировкой размеров в
// заголовке при закрытии.
type wavWriter struct {
	f        *os.File
	dataSize uint32
}

func newWavWriter(path string) (*wavWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &wavWriter{f: f}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	var h [44]byte
	copy(h[0:4], "RIFF")
	// размер RIFF заполняется при закрытии
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], 1) // моно
	binary.LittleEndian.PutUint32(h[24:28], frame.SampleRate)
	binary.LittleEndian.PutUint32(h[28:32], frame.SampleRate*2)
	binary.LittleEndian.PutUint16(h[32:34], 2)
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	_, err := w.f.Write(h[:])
	return err
}

func (w *wavWriter) WriteSamples(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	n, err := w.f.Write(buf)
	w.dataSize += uint32(n)
	return err
}

func (w *wavWriter) Close() error {
	if _, err := w.f.Seek(4, io.SeekStart); err == nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], 36+w.dataSize)
		w.f.Write(b[:])
	}
	if _, err := w.f.Seek(40, io.SeekStart); err == nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w.dataSize)
		w.f.Write(b[:])
	}
	return w.f.Close()
}
