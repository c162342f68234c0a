package sipchan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Проверяем, что sipChannel реализует интерфейс канала ядра.
var _ channel.Channel = (*sipChannel)(nil)

// dialogLeg хранит состояние установленного UAC диалога, достаточное
// для построения in-dialog запросов (BYE).
type dialogLeg struct {
	callID       sip.CallIDHeader
	from         *sip.FromHeader
	to           *sip.ToHeader
	remoteTarget sip.Uri
	cseq         atomic.Uint32
}

// sipChannel - отвеченный исходящий SIP канал. Создается драйвером после
// 200 OK и подключенной медиа сессии; владение передается вызывающей
// стороне через DialSession.Channel().
type sipChannel struct {
	id   string
	name string

	callerNum  string
	callerName string

	drv   *Driver
	leg   *dialogLeg
	media *mediaSession
	log   *slog.Logger

	varsMu sync.Mutex
	vars   map[string]string

	hungup   chan struct{}
	hangOnce sync.Once
}

func newSIPChannel(drv *Driver, device string, leg *dialogLeg, media *mediaSession) *sipChannel {
	id := uuid.NewString()
	return &sipChannel{
		id:         id,
		name:       device + "-" + id[:8],
		callerNum:  drv.cfg.Contact,
		callerName: drv.cfg.DisplayName,
		drv:        drv,
		leg:        leg,
		media:      media,
		log:        drv.log,
		vars:       make(map[string]string),
		hungup:     make(chan struct{}),
	}
}

func (c *sipChannel) UniqueID() string { return c.id }
func (c *sipChannel) Name() string     { return c.name }

func (c *sipChannel) CallerID() (string, string) {
	return c.callerNum, c.callerName
}

// ReadFrame отдает очередной кадр медиа тракта. Буферизованный хвост
// дочитывается и после разрыва.
func (c *sipChannel) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-c.media.frames():
		return f, nil
	default:
	}
	select {
	case f := <-c.media.frames():
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hungup:
		return nil, channel.ErrHungUp
	}
}

func (c *sipChannel) WriteFrame(f *frame.Frame) error {
	if c.Hungup() {
		return channel.ErrHungUp
	}
	switch f.Kind {
	case frame.TypeVoice:
		return c.media.writeVoice(f)
	case frame.TypeDTMF:
		return c.media.writeDTMF(f)
	default:
		// Видео и управляющие кадры SIP тракт не переносит.
		return nil
	}
}

// Answer - канал создается уже отвеченным (после 200 OK).
func (c *sipChannel) Answer() error { return nil }

// Hangup завершает диалог BYE запросом и разбирает медиа тракт.
// Идемпотентен.
func (c *sipChannel) Hangup() error {
	c.hangOnce.Do(func() {
		close(c.hungup)
		c.drv.sendBye(c.leg)
		c.media.close()
		c.drv.forget(string(c.leg.callID))
		c.log.Debug("sipchan: канал завершен", slog.String("name", c.name))
	})
	return nil
}

// remoteHangup разбирает канал по входящему BYE, без ответного BYE.
func (c *sipChannel) remoteHangup() {
	c.hangOnce.Do(func() {
		close(c.hungup)
		c.media.close()
		c.drv.forget(string(c.leg.callID))
		c.log.Debug("sipchan: канал завершен удаленной стороной",
			slog.String("name", c.name))
	})
}

func (c *sipChannel) Hungup() bool {
	select {
	case <-c.hungup:
		return true
	default:
		return false
	}
}

func (c *sipChannel) ReadCodec() frame.Codec {
	c.media.mu.Lock()
	defer c.media.mu.Unlock()
	return c.media.codec
}

func (c *sipChannel) WriteCodec() frame.Codec {
	return c.ReadCodec()
}

func (c *sipChannel) Variable(name string) string {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	return c.vars[name]
}

func (c *sipChannel) SetVariable(name, value string) {
	c.varsMu.Lock()
	c.vars[name] = value
	c.varsMu.Unlock()
}

// SetOption - SIP тракт не управляет усилением на уровне канала,
// вызывающий переходит на программное усиление.
func (c *sipChannel) SetOption(opt channel.Option, value int) error {
	return channel.ErrOptionUnsupported
}

// Play у SIP канала сводится к записи в журнал: prompt файлы
// проигрывает хост, драйвер их не хранит.
func (c *sipChannel) Play(name string) error {
	if c.Hungup() {
		return channel.ErrHungUp
	}
	c.log.Debug("sipchan: prompt", slog.String("name", c.name),
		slog.String("prompt", name))
	return nil
}

func (c *sipChannel) StartMOH(class string) error {
	if c.Hungup() {
		return channel.ErrHungUp
	}
	c.log.Debug("sipchan: moh start", slog.String("name", c.name),
		slog.String("class", class))
	return nil
}

func (c *sipChannel) StopMOH() error {
	if c.Hungup() {
		return channel.ErrHungUp
	}
	c.log.Debug("sipchan: moh stop", slog.String("name", c.name))
	return nil
}
