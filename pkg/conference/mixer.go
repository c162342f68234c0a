package conference

import (
	"strconv"
	"time"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Пороговые значения микширующего движка.
const (
	// clockStallLimit - предел простоя часов, после которого конференция
	// считается неспособной продвигаться и сносится.
	clockStallLimit = time.Second

	// translateFailLimit - подряд неудачных трансляций до фатального
	// завершения.
	translateFailLimit = 50
)

// tick - один проход микшера. Контракт из девяти шагов: снимок ростера,
// сбор кадров и детекция речи, выбор говорящих с самоисключением,
// мемоизация трансляций, рассылка слушателям, отвод записи, реакции на
// админ-флаги, видео политика и политика планового окончания.
func (c *Conference) tick(now time.Time) {
	// Контроль простоя часов.
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) > clockStallLimit {
		c.log.Error("часы микшера простояли дольше предела", "gap", now.Sub(c.lastTick))
		c.fatalTeardown()
		return
	}
	c.lastTick = now
	c.tickSeq++

	// Шаг 1: снимок ростера под короткой блокировкой, без I/O.
	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()
	if len(members) == 0 {
		return
	}

	// DTMF до микширования: меню, exit-клавиши, транзит.
	c.processDTMF(members, now)

	// Шаг 2: по кадру с хвоста каждой входящей очереди, трансляция в
	// линейный вид, детекция речи, переходы talker-состояния.
	speakers := 0
	for _, m := range members {
		m.tickSamples = nil
		m.tickSpeech = false

		f, ok := m.incoming.Dequeue()
		if ok && f != nil && !f.IsSilence() {
			samples := c.toLinear(f)
			if samples != nil {
				if gain, _ := m.softGains(); gain != 0 {
					samples = append([]int16(nil), samples...)
					frame.ApplyGain(samples, gain)
				}
				m.tickSamples = samples
			}
		}
		if !m.Muted() && m.tickSamples != nil {
			m.tickSpeech = frame.IsSpeech(m.tickSamples, 0)
		}
		c.updateTalking(m, now)
		if m.Talking() == TalkingActive && !m.Muted() {
			speakers++
		}
	}
	c.mu.Lock()
	c.speakerCount = speakers
	c.mu.Unlock()

	// Шаг 3: сумма вкладов. Вклад дают не-muted, не listen-only
	// участники; ожидающие marked еще не в комнате и вклада не дают;
	// при оптимизации говорящих молчащий вклада не дает и не кодируется.
	mix := make([]int16, frame.SamplesPerTick)
	contributed := make(map[*Member][]int16, len(members))
	for _, m := range members {
		if m.tickSamples == nil || m.Muted() || m.opts.ListenOnly || m.waitingMarked.Load() {
			continue
		}
		if (m.opts.OptimizeTalker || m.opts.TalkerDetect) && !m.tickSpeech {
			continue
		}
		frame.MixInto(mix, m.tickSamples)
		contributed[m] = m.tickSamples
	}

	c.registry.metrics.frameMixed()

	// Шаг 6: отвод записи - та же линейная сумма уходит потоку записи
	// через его канал прослушивания.
	c.recordTap(mix, now)

	// Шаги 4–5: рассылка слушателям с мемоизацией трансляции на кодек.
	c.listenerMu.Lock()
	c.pathCache.Reset()
	for _, m := range members {
		if m.opts.TalkOnly || m.waitingMarked.Load() {
			continue
		}
		c.dispatchTo(m, mix, contributed[m], now)
	}
	c.listenerMu.Unlock()

	// Шаг 8: видео от источника по умолчанию.
	c.dispatchVideo(members)

	// Таймеры участников: S:n и расписание L:x:y:z, ожидание marked.
	c.memberTimers(members, now)

	// Шаг 7: реакции на админ-флаги в конце тика.
	c.adminReactions(members)

	// Шаг 9: политика планового окончания.
	c.endTimePolicy(now)

	// Удаление помеченных участников.
	for _, m := range members {
		if m.removeFlag.Load() {
			c.removeMember(m, "flag")
		}
	}
}

// toLinear приводит кадр к линейному PCM через реестр трансляторов.
// Устойчивый отказ транслятора фатален для конференции.
func (c *Conference) toLinear(f *frame.Frame) []int16 {
	if len(f.Samples) > 0 {
		c.translateFail = 0
		return f.Samples
	}
	tr := c.translators.Lookup(f.Codec)
	if tr == nil {
		c.noteTranslateFailure()
		return nil
	}
	samples, err := tr.ToLinear(f.Payload)
	if err != nil || samples == nil {
		c.noteTranslateFailure()
		return nil
	}
	c.translateFail = 0
	return samples
}

func (c *Conference) noteTranslateFailure() {
	c.translateFail++
	if c.translateFail > translateFailLimit {
		c.log.Error("транслятор устойчиво возвращает пустой результат")
		c.fatalTeardown()
	}
}

// updateTalking продвигает talker-состояние участника. Счетчик говорящих
// меняется на переходе состояния, не на каждом кадре; события
// ConferenceTalking испускаются только для участников с talker-детектором.
func (c *Conference) updateTalking(m *Member, now time.Time) {
	if !m.opts.TalkerDetect && !m.opts.OptimizeTalker {
		return
	}
	prev := m.Talking()
	next := TalkingSilent
	if m.tickSpeech {
		next = TalkingActive
	}
	if prev == next {
		return
	}
	m.talking.Store(int32(next))
	if m.opts.TalkerDetect {
		status := "off"
		if next == TalkingActive {
			status = "on"
		}
		c.sink.Emit(NewEvent(EventConferenceTalking,
			"Channel", m.ch.Name(),
			"Conference", c.name,
			"Member", strconv.Itoa(m.userNo),
			"Status", status,
		))
	}
}

// dispatchTo формирует кадр для слушателя: общий микс минус собственный
// вклад, остаточное программное усиление и ленивое кодирование в кодек
// слушателя. Кэш на кодек переиспользуется только для слушателей без
// собственного вклада и без усиления - их микс идентичен.
func (c *Conference) dispatchTo(m *Member, mix []int16, own []int16, now time.Time) {
	_, listenGain := m.softGains()
	codec := m.ch.WriteCodec()

	var out *frame.Frame
	if codec == frame.CodecSlinear {
		samples := append([]int16(nil), mix...)
		if own != nil {
			frame.SubtractInto(samples, own)
		}
		if listenGain != 0 {
			frame.ApplyGain(samples, listenGain)
		}
		out = frame.Voice(samples, now)
	} else {
		cacheable := own == nil && listenGain == 0
		if cacheable {
			if payload, ok := c.pathCache.Get(codec); ok {
				out = frame.VoiceEncoded(payload, codec, now)
			}
		}
		if out == nil {
			samples := append([]int16(nil), mix...)
			if own != nil {
				frame.SubtractInto(samples, own)
			}
			if listenGain != 0 {
				frame.ApplyGain(samples, listenGain)
			}
			tr := c.translators.Lookup(codec)
			if tr == nil {
				c.noteTranslateFailure()
				return
			}
			payload, err := tr.FromLinear(samples)
			if err != nil {
				c.noteTranslateFailure()
				return
			}
			c.translateFail = 0
			if cacheable {
				c.pathCache.Put(codec, payload)
			}
			out = frame.VoiceEncoded(payload, codec, now)
		}
	}

	m.outgoing.Enqueue(out, now)
	m.notifyWriter()
}

// dispatchVideo транслирует видео кадры источника по умолчанию всем
// остальным. Источник с FlagMuteVideo не транслируется.
func (c *Conference) dispatchVideo(members []*Member) {
	c.mu.Lock()
	srcNo := c.defaultVideoSrc
	c.mu.Unlock()
	if srcNo < 0 {
		return
	}
	var src *Member
	for _, m := range members {
		if m.userNo == srcNo {
			src = m
			break
		}
	}
	if src == nil {
		return
	}
	for _, f := range src.videoIn.Drain() {
		if src.HasFlag(FlagMuteVideo) {
			continue
		}
		for _, m := range members {
			if m == src || m.waitingMarked.Load() {
				continue
			}
			m.outgoing.Enqueue(f, c.now())
			m.notifyWriter()
		}
	}
	// Видео остальных участников не транслируется, очереди дренируются,
	// чтобы не накапливать глубину.
	for _, m := range members {
		if m != src {
			m.videoIn.Drain()
		}
	}
}

// requestVideoUpdate транслирует запрос обновления видео в fast intra
// refresh, адресованный текущему источнику.
func (c *Conference) requestVideoUpdate(from *Member) {
	c.mu.Lock()
	srcNo := c.defaultVideoSrc
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()
	if srcNo < 0 || srcNo == from.userNo {
		return
	}
	for _, m := range members {
		if m.userNo == srcNo {
			m.ch.WriteFrame(frame.NewControl(frame.ControlVideoUpdate))
			return
		}
	}
}

// SetDefaultVideoSource задает источник видео по умолчанию; −1 снимает.
func (c *Conference) SetDefaultVideoSource(userNo int) {
	c.mu.Lock()
	c.defaultVideoSrc = userNo
	c.mu.Unlock()
}

// memberTimers обрабатывает дедлайны участника: S:n, расписание L:x:y:z и
// ожидание marked участника.
func (c *Conference) memberTimers(members []*Member, now time.Time) {
	for _, m := range members {
		if !m.kickAt.IsZero() && !now.Before(m.kickAt) {
			m.setFlag(FlagKickMe)
		}
		if !m.limitAt.IsZero() {
			if !now.Before(m.limitAt) {
				m.removeFlag.Store(true)
			} else if !m.nextWarn.IsZero() && !now.Before(m.nextWarn) {
				m.ch.Play(PromptTimeWarning)
				if m.opts.WarnRepeat > 0 {
					m.nextWarn = m.nextWarn.Add(m.opts.WarnRepeat)
				} else {
					m.nextWarn = time.Time{}
				}
			}
		}
		if m.waitingMarked.Load() && !m.waitDeadline.IsZero() && !now.Before(m.waitDeadline) {
			// Ожидание marked истекло: PolicyReject для этой попытки.
			m.ch.Play(PromptNoLeader)
			m.removeFlag.Store(true)
		}
	}
}

// adminReactions - реакции на админ-флаги в конце тика.
func (c *Conference) adminReactions(members []*Member) {
	for _, m := range members {
		if m.HasFlag(FlagRecordConf) {
			m.clearFlag(FlagRecordConf)
			c.RequestRecording()
		}
		if m.HasFlag(FlagEndConf) {
			m.clearFlag(FlagEndConf)
			c.markEndConf()
		}
		if m.HasFlag(FlagKickMe) && !m.removeFlag.Load() {
			m.ch.Play(PromptKicked)
			m.removeFlag.Store(true)
			if !m.opts.ContinueOnKick {
				m.ch.Hangup()
			}
		}
	}
}

// endTimePolicy - предупреждение и завершение по плановому времени.
func (c *Conference) endTimePolicy(now time.Time) {
	c.mu.Lock()
	end := c.endTime
	warn := false
	if !end.IsZero() && !c.endWarned && !now.Add(endAlertWindow).Before(end) {
		c.endWarned = true
		warn = true
	}
	c.mu.Unlock()

	if end.IsZero() {
		return
	}
	if warn {
		c.announcer.enqueue(announcement{sound: PromptEndWarning})
	}
	if !now.Before(end) {
		c.mu.Lock()
		members := append([]*Member(nil), c.members...)
		c.mu.Unlock()
		for _, m := range members {
			m.setFlag(FlagEndConf)
		}
	}
}

// fatalTeardown сносит конференцию после фатальной ошибки микшера. Все
// участники получают hangup; реестр не затрагивается.
func (c *Conference) fatalTeardown() {
	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()
	for _, m := range members {
		m.removeFlag.Store(true)
		m.ch.Hangup()
	}
	go func() {
		for _, m := range members {
			c.removeMember(m, "fatal")
		}
	}()
}
