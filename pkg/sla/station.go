package sla

import (
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/conf_bridge/pkg/conference"
)

// StationStatus - итог станционного приложения, публикуемый в переменной
// канала SLA_STATION_STATUS.
type StationStatus string

const (
	StationStatusFailure    StationStatus = "FAILURE"
	StationStatusCongestion StationStatus = "CONGESTION"
	StationStatusSuccess    StationStatus = "SUCCESS"
)

// VarStationStatus - имя переменной канала с итогом станционного приложения.
const VarStationStatus = "SLA_STATION_STATUS"

// Состояния связки станция-транк.
const (
	refStateIdle       = "idle"
	refStateRinging    = "ringing"
	refStateUp         = "up"
	refStateOnHold     = "onhold"
	refStateOnHoldByMe = "onholdbyme"
)

// trunkRef - взгляд станции на один транк: переопределения таймеров и
// конечный автомат состояния линии. Указатель на транк разрешается только
// под SLA блокировкой.
type trunkRef struct {
	trunk *Trunk
	// ringTimeout/ringDelay - пер-транковые переопределения; 0 -
	// станционные умолчания.
	ringTimeout time.Duration
	ringDelay   time.Duration

	machine *fsm.FSM

	// member/conf - участие станции в пути вызова; заполняются мостом.
	conf   *conference.Conference
	member *conference.Member
}

func newTrunkRef(t *Trunk, cfg StationTrunk) *trunkRef {
	r := &trunkRef{
		trunk:       t,
		ringTimeout: cfg.RingTimeout,
		ringDelay:   cfg.RingDelay,
	}
	r.machine = fsm.NewFSM(
		refStateIdle,
		fsm.Events{
			{Name: "ring", Src: []string{refStateIdle}, Dst: refStateRinging},
			{Name: "answer", Src: []string{refStateIdle, refStateRinging}, Dst: refStateUp},
			{Name: "holdbyme", Src: []string{refStateUp}, Dst: refStateOnHoldByMe},
			{Name: "hold", Src: []string{refStateIdle, refStateUp}, Dst: refStateOnHold},
			{Name: "retrieve", Src: []string{refStateOnHold, refStateOnHoldByMe}, Dst: refStateUp},
			{Name: "idle", Src: []string{refStateRinging, refStateUp, refStateOnHold, refStateOnHoldByMe}, Dst: refStateIdle},
		}, nil,
	)
	return r
}

func (r *trunkRef) state() string { return r.machine.Current() }

// Station - станция: физический аппарат, разделяющий транки.
type Station struct {
	name        string
	device      string
	autoContext string
	ringTimeout time.Duration
	ringDelay   time.Duration
	holdAccess  HoldAccess
	refs        []*trunkRef
}

func newStation(cfg StationConfig, trunks map[string]*Trunk) *Station {
	s := &Station{
		name:        cfg.Name,
		device:      cfg.Device,
		autoContext: cfg.AutoContext,
		ringTimeout: cfg.RingTimeout,
		ringDelay:   cfg.RingDelay,
		holdAccess:  cfg.HoldAccess,
	}
	for _, rc := range cfg.Trunks {
		t := trunks[rc.Trunk]
		t.numStations++
		s.refs = append(s.refs, newTrunkRef(t, rc))
	}
	return s
}

// Name возвращает имя станции.
func (s *Station) Name() string { return s.name }

// Device возвращает device-строку станции.
func (s *Station) Device() string { return s.device }

// refTo возвращает ссылку станции на транк t.
func (s *Station) refTo(t *Trunk) *trunkRef {
	for _, r := range s.refs {
		if r.trunk == t {
			return r
		}
	}
	return nil
}

// refByName возвращает ссылку станции на транк по имени.
func (s *Station) refByName(trunk string) *trunkRef {
	for _, r := range s.refs {
		if r.trunk.name == trunk {
			return r
		}
	}
	return nil
}

// refInState возвращает первую ссылку в одном из состояний states.
func (s *Station) refInState(states ...string) *trunkRef {
	for _, st := range states {
		for _, r := range s.refs {
			if r.state() == st {
				return r
			}
		}
	}
	return nil
}

// effRingTimeout возвращает действующий таймаут звона станции по транку:
// пер-транковое переопределение, иначе станционный.
func (s *Station) effRingTimeout(r *trunkRef) time.Duration {
	if r.ringTimeout > 0 {
		return r.ringTimeout
	}
	return s.ringTimeout
}

// effRingDelay возвращает действующую задержку звона.
func (s *Station) effRingDelay(r *trunkRef) time.Duration {
	if r.ringDelay > 0 {
		return r.ringDelay
	}
	return s.ringDelay
}
