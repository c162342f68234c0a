package sla

import (
	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/conference"
)

// callPathName - имя ad-hoc конференции пути вызова транка. Один транк -
// одна конференция: barge второй станции попадает в тот же микс.
func callPathName(t *Trunk) string { return "sla-" + t.name }

// bridge вводит станцию в конференцию пути вызова транка и сопровождает ее
// участие до конца. Блокирует до выхода станции из пути; связка к этому
// моменту уже в состоянии up. При выходе последней активной станции без
// удержаний вызов транка завершается SUCCESS.
func (ctl *Controller) bridge(s *Station, ref *trunkRef, t *Trunk, stationCh channel.Channel) error {
	opts := conference.Options{Quiet: true}

	conf, created, err := ctl.confs.FindOrCreate(callPathName(t), "", "", true, false, stationCh)
	if err != nil {
		ctl.idleRef(s, ref)
		return wrapError(ErrorCodeDialFailed, t.name, "путь вызова не создался", err)
	}
	if created {
		tch := t.Channel()
		if tch == nil {
			ctl.confs.Release(conf)
			ctl.idleRef(s, ref)
			return newError(ErrorCodeNotFound, t.name, "транк без канала")
		}
		tm, err := conf.Join(ctl.ctx, tch, opts, "")
		if err != nil {
			ctl.confs.Release(conf)
			ctl.idleRef(s, ref)
			return wrapError(ErrorCodeDialFailed, t.name, "транк не вошел в путь вызова", err)
		}
		t.setMember(conf, tm)
	} else {
		// Ссылка создания и так снимется выходом последнего участника.
		ctl.confs.Release(conf)
	}

	m, err := conf.Join(ctl.ctx, stationCh, opts, "")
	if err != nil {
		if created {
			if c, tm := t.takeMember(); tm != nil {
				c.Leave(tm)
			}
		}
		ctl.idleRef(s, ref)
		return wrapError(ErrorCodeDialFailed, s.name, "станция не вошла в путь вызова", err)
	}

	ctl.mu.Lock()
	ref.conf, ref.member = conf, m
	ctl.mu.Unlock()
	t.activeStations.Add(1)
	ctl.metrics.callStarted()
	ctl.publishRef(s, ref)
	ctl.log.Info("станция в разговоре", "station", s.name, "trunk", t.name)

	<-m.Gone()
	conf.Leave(m)

	ctl.mu.Lock()
	ref.conf, ref.member = nil, nil
	st := ref.state()
	held := st == refStateOnHold || st == refStateOnHoldByMe
	if st == refStateUp {
		ref.machine.Event(ctl.ctx, "idle")
	}
	ctl.mu.Unlock()
	remaining := t.activeStations.Add(-1)
	ctl.metrics.callEnded()
	ctl.publishRef(s, ref)

	if !held && remaining == 0 && t.holdStations.Load() == 0 {
		// Последняя станция вышла: вызов транка окончен.
		ctl.finishTrunk(t, TrunkStatusSuccess)
	}
	ctl.post(event{kind: evCheckReload})
	ctl.log.Info("станция вышла из разговора", "station", s.name, "trunk", t.name, "held", held)
	return nil
}

// finishTrunk завершает вызов транка: статус в переменную канала, hangup,
// выход транкового плеча из пути, сброс ламп. Идемпотентен.
func (ctl *Controller) finishTrunk(t *Trunk, st TrunkStatus) {
	ch := t.Channel()
	conf, member := t.takeMember()
	if !t.finish(st) {
		return
	}
	if ch != nil {
		ch.SetVariable(VarTrunkStatus, string(st))
		ch.Hangup()
	}
	if member != nil {
		conf.Leave(member)
	}
	ctl.resetRefs(t)
	ctl.notifier.Set(trunkDevice(t), channel.DeviceStateNotInUse)
	ctl.log.Info("вызов транка завершен", "trunk", t.name, "status", string(st))
}

// idleRef возвращает связку в покой после неудачного моста.
func (ctl *Controller) idleRef(s *Station, ref *trunkRef) {
	ctl.mu.Lock()
	if ref.state() != refStateIdle {
		ref.machine.Event(ctl.ctx, "idle")
	}
	ctl.mu.Unlock()
	ctl.publishRef(s, ref)
}
