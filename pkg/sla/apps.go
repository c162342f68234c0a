package sla

import (
	"context"

	"github.com/arzzra/conf_bridge/pkg/channel"
)

// TrunkExec - транковое приложение: входящий вызов на транке. Занимает
// транк каналом, ставит его звонить и блокирует до конца вызова. Итог
// публикуется в SLA_TRUNK_STATUS и возвращается.
func (ctl *Controller) TrunkExec(ctx context.Context, trunkName string, ch channel.Channel) (TrunkStatus, error) {
	t, ok := ctl.Trunk(trunkName)
	if !ok {
		ch.SetVariable(VarTrunkStatus, string(TrunkStatusFailure))
		return TrunkStatusFailure, newError(ErrorCodeNotFound, trunkName, "транк не описан")
	}
	done, err := t.seize(ch)
	if err != nil {
		ch.SetVariable(VarTrunkStatus, string(TrunkStatusFailure))
		return TrunkStatusFailure, err
	}

	ctl.mu.Lock()
	ctl.ringingTrunks = append(ctl.ringingTrunks, &ringingTrunk{trunk: t, start: ctl.now()})
	ctl.mu.Unlock()
	ctl.notifier.Set(trunkDevice(t), channel.DeviceStateRinging)
	ctl.updateRingGauges()
	ctl.post(event{kind: evRingingTrunk})
	ctl.log.Info("транк звонит", "trunk", t.name, "channel", ch.Name())

	select {
	case <-ctx.Done():
		ctl.abandonTrunk(t)
		ch.SetVariable(VarTrunkStatus, string(TrunkStatusUnanswered))
		return TrunkStatusUnanswered, ctx.Err()
	case <-ctl.stopCh:
		ctl.abandonTrunk(t)
		ch.SetVariable(VarTrunkStatus, string(TrunkStatusUnanswered))
		return TrunkStatusUnanswered, nil
	case <-done:
	}
	st := t.finalStatus()
	ch.SetVariable(VarTrunkStatus, string(st))
	return st, nil
}

// abandonTrunk сворачивает цикл звона покинутого транка.
func (ctl *Controller) abandonTrunk(t *Trunk) {
	ctl.mu.Lock()
	cancels := ctl.dropTrunkRingLocked(t)
	ctl.mu.Unlock()
	for _, sess := range cancels {
		sess.Cancel()
	}
	ctl.finishTrunk(t, TrunkStatusUnanswered)
	ctl.updateRingGauges()
}

// StationExec - станционное приложение: аппарат снял трубку. По состоянию
// выбранного транка это ответ на звонящий вызов, снятие с удержания, barge
// в активный разговор либо исходящий захват линии. Блокирует на время
// участия станции в пути вызова. Итог публикуется в SLA_STATION_STATUS.
func (ctl *Controller) StationExec(ctx context.Context, stationName, trunkName string, ch channel.Channel) (StationStatus, error) {
	fail := func(st StationStatus, err error) (StationStatus, error) {
		ch.SetVariable(VarStationStatus, string(st))
		return st, err
	}

	s, ok := ctl.Station(stationName)
	if !ok {
		return fail(StationStatusFailure, newError(ErrorCodeNotFound, stationName, "станция не описана"))
	}

	ctl.mu.Lock()
	var ref *trunkRef
	if trunkName != "" {
		ref = s.refByName(trunkName)
	} else {
		ref = ctl.pickLocked(s)
	}
	if ref == nil {
		ctl.mu.Unlock()
		return fail(StationStatusFailure, newError(ErrorCodeNotFound, s.name, "нет подходящего транка"))
	}
	t := ref.trunk

	if ctl.trunkRingingLocked(t) {
		// Ответ на звонящий транк закрывает его цикл звона.
		cancels := ctl.dropTrunkRingLocked(t)
		ref.machine.Event(ctl.ctx, "answer")
		ctl.mu.Unlock()
		for _, sess := range cancels {
			sess.Cancel()
		}
		if tch := t.Channel(); tch != nil {
			tch.Answer()
		}
		ctl.notifier.Set(trunkDevice(t), channel.DeviceStateInUse)
		ctl.publishRef(s, ref)
		ctl.updateRingGauges()
		if err := ctl.bridge(s, ref, t, ch); err != nil {
			return fail(StationStatusCongestion, err)
		}
		return fail(StationStatusSuccess, nil)
	}

	if held, holder := t.OnHold(); held {
		return ctl.retrieveLocked(ctx, s, ref, t, holder, ch, fail)
	}

	if t.ActiveStations() > 0 {
		if t.bargeDisabled {
			ctl.mu.Unlock()
			return fail(StationStatusCongestion, newError(ErrorCodeAccessDenied, t.name, "barge запрещен"))
		}
		ref.machine.Event(ctl.ctx, "answer")
		ctl.mu.Unlock()
		ctl.publishRef(s, ref)
		if err := ctl.bridge(s, ref, t, ch); err != nil {
			return fail(StationStatusCongestion, err)
		}
		return fail(StationStatusSuccess, nil)
	}
	ctl.mu.Unlock()

	return ctl.originate(ctx, s, ref, t, ch, fail)
}

// pickLocked выбирает транк для станции без явного указания: звонящий,
// затем удержанный ею, затем удержанный другими, затем свободный.
func (ctl *Controller) pickLocked(s *Station) *trunkRef {
	for _, rt := range ctl.ringingTrunks {
		if r := s.refTo(rt.trunk); r != nil {
			return r
		}
	}
	if r := s.refInState(refStateOnHoldByMe); r != nil {
		return r
	}
	if r := s.refInState(refStateOnHold); r != nil {
		return r
	}
	for _, r := range s.refs {
		if r.state() == refStateIdle && r.trunk.Channel() == nil {
			return r
		}
	}
	return nil
}

// retrieveLocked снимает вызов транка с удержания. Вызывается с ctl.mu;
// отпускает ее перед мостом.
func (ctl *Controller) retrieveLocked(ctx context.Context, s *Station, ref *trunkRef, t *Trunk, holder string,
	ch channel.Channel, fail func(StationStatus, error) (StationStatus, error)) (StationStatus, error) {

	if ref.state() != refStateOnHoldByMe && !ctl.holdOpenLocked(t, holder) {
		ctl.mu.Unlock()
		return fail(StationStatusCongestion, newError(ErrorCodeAccessDenied, t.name, "приватный hold"))
	}

	t.holdStations.Add(-1)
	if ref.state() == refStateOnHold || ref.state() == refStateOnHoldByMe {
		ref.machine.Event(ctl.ctx, "retrieve")
	} else {
		ref.machine.Event(ctl.ctx, "answer")
	}
	var stopMOH channel.Channel
	if t.holdStations.Load() == 0 {
		stopMOH = t.Channel()
		t.clearHold()
		// Лампы остальных станций гаснут вместе с удержанием.
		ctl.stationsMu.RLock()
		for _, other := range ctl.stations {
			if other == s {
				continue
			}
			if or := other.refTo(t); or != nil &&
				(or.state() == refStateOnHold || or.state() == refStateOnHoldByMe) {
				or.machine.Event(ctl.ctx, "idle")
			}
		}
		ctl.stationsMu.RUnlock()
	}
	ctl.mu.Unlock()

	if stopMOH != nil {
		stopMOH.StopMOH()
	}
	ctl.notifier.Set(trunkDevice(t), channel.DeviceStateInUse)
	ctl.publishRef(s, ref)
	ctl.log.Info("вызов снят с hold", "station", s.name, "trunk", t.name)
	if err := ctl.bridge(s, ref, t, ch); err != nil {
		return fail(StationStatusCongestion, err)
	}
	return fail(StationStatusSuccess, nil)
}

// holdOpenLocked сообщает, открыт ли удержанный вызов чужим станциям:
// приватность транка либо станции-держателя закрывает его.
func (ctl *Controller) holdOpenLocked(t *Trunk, holder string) bool {
	if t.holdAccess == HoldAccessPrivate {
		return false
	}
	ctl.stationsMu.RLock()
	hs, ok := ctl.stations[holder]
	ctl.stationsMu.RUnlock()
	if ok && hs.holdAccess == HoldAccessPrivate {
		return false
	}
	return true
}

// originate захватывает свободный транк исходящим набором его device.
func (ctl *Controller) originate(ctx context.Context, s *Station, ref *trunkRef, t *Trunk,
	ch channel.Channel, fail func(StationStatus, error) (StationStatus, error)) (StationStatus, error) {

	if ctl.dialer == nil {
		return fail(StationStatusCongestion, newError(ErrorCodeDialFailed, t.name, "исходящие вызовы не сконфигурированы"))
	}
	session, err := ctl.dialer.Dial(ctx, t.device, 0)
	if err != nil {
		return fail(StationStatusCongestion, wrapError(ErrorCodeDialFailed, t.name, "набор транка не запустился", err))
	}

	var final channel.DialState
wait:
	for {
		select {
		case <-ctx.Done():
			session.Cancel()
			return fail(StationStatusCongestion, ctx.Err())
		case st, ok := <-session.Events():
			if !ok {
				final = session.State()
				break wait
			}
			if st.Terminal() {
				final = st
				break wait
			}
		}
	}
	if final != channel.DialStateAnswered {
		return fail(StationStatusCongestion, newError(ErrorCodeDialFailed, t.name, "транк не ответил: "+final.String()))
	}

	if _, err := t.seize(session.Channel()); err != nil {
		// Транк заняли, пока набирался: уступаем.
		session.Channel().Hangup()
		return fail(StationStatusCongestion, err)
	}
	ctl.mu.Lock()
	ref.machine.Event(ctl.ctx, "answer")
	ctl.mu.Unlock()
	ctl.notifier.Set(trunkDevice(t), channel.DeviceStateInUse)
	ctl.publishRef(s, ref)
	ctl.log.Info("транк захвачен исходящим", "station", s.name, "trunk", t.name)
	if err := ctl.bridge(s, ref, t, ch); err != nil {
		return fail(StationStatusCongestion, err)
	}
	return fail(StationStatusSuccess, nil)
}
