package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/conference"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// failedStationMemory - сколько станция, отказавшая в наборе, пропускается
// при раздаче звона того же транка.
const failedStationMemory = time.Minute

// eventBacklog - глубина очереди событий контроллера.
const eventBacklog = 64

type eventKind int

const (
	evHold eventKind = iota
	evDialState
	evRingingTrunk
	evReload
	evCheckReload
)

// event - запись FIFO очереди контроллера.
type event struct {
	kind    eventKind
	station *Station
}

// ringingTrunk - транк со звонящим входящим вызовом.
type ringingTrunk struct {
	trunk *Trunk
	start time.Time
}

// ringingStation - станция в наборе ради звонящего транка.
type ringingStation struct {
	station *Station
	ref     *trunkRef
	trunk   *Trunk
	session channel.DialSession
	start   time.Time
}

type failKey struct{ station, trunk string }

// Controller - контроллер SLA. Единственный событийный поток владеет ring
// состоянием; блокировки коллекций станций и транков раздельны, читатели
// берут обе в порядке станции → транки, писатели не держат обе
// одновременно.
type Controller struct {
	log      *slog.Logger
	confs    *conference.Registry
	dialer   channel.Dialer
	notifier *channel.DeviceStateNotifier
	clock    frame.Clock
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	stationsMu sync.RWMutex
	stations   map[string]*Station
	trunksMu   sync.RWMutex
	trunks     map[string]*Trunk

	// mu - SLA блокировка: ring записи и память отказов. Не удерживается
	// через вызовы в ядро конференций.
	mu              sync.Mutex
	ringingTrunks   []*ringingTrunk
	ringingStations []*ringingStation
	failed          map[failKey]time.Time
	pending         *Config

	events   chan event
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewController создает контроллер и запускает его событийный поток.
func NewController(cfg Config, log *slog.Logger, confs *conference.Registry, dialer channel.Dialer) (*Controller, error) {
	if confs == nil {
		return nil, newError(ErrorCodeBadConfig, "", "нужен реестр конференций")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = frame.NewTickerClock()
	}
	trunks, stations := buildCollections(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	ctl := &Controller{
		log:      log.With("component", "sla-controller"),
		confs:    confs,
		dialer:   dialer,
		notifier: confs.Notifier(),
		clock:    clock,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		trunks:   trunks,
		stations: stations,
		failed:   make(map[failKey]time.Time),
		events:   make(chan event, eventBacklog),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ctl.run()
	return ctl, nil
}

func buildCollections(cfg Config) (map[string]*Trunk, map[string]*Station) {
	trunks := make(map[string]*Trunk, len(cfg.Trunks))
	for _, tc := range cfg.Trunks {
		trunks[tc.Name] = newTrunk(tc)
	}
	stations := make(map[string]*Station, len(cfg.Stations))
	for _, sc := range cfg.Stations {
		stations[sc.Name] = newStation(sc, trunks)
	}
	return trunks, stations
}

// Stop останавливает событийный поток и дожидается его выхода. Идемпотентен.
func (ctl *Controller) Stop() {
	ctl.stopOnce.Do(func() { close(ctl.stopCh) })
	<-ctl.done
}

// Trunk возвращает транк по имени.
func (ctl *Controller) Trunk(name string) (*Trunk, bool) {
	ctl.trunksMu.RLock()
	defer ctl.trunksMu.RUnlock()
	t, ok := ctl.trunks[name]
	return t, ok
}

// Station возвращает станцию по имени.
func (ctl *Controller) Station(name string) (*Station, bool) {
	ctl.stationsMu.RLock()
	defer ctl.stationsMu.RUnlock()
	s, ok := ctl.stations[name]
	return s, ok
}

// TrunkState возвращает состояние связки станция-транк.
func (ctl *Controller) TrunkState(station, trunk string) (string, bool) {
	s, ok := ctl.Station(station)
	if !ok {
		return "", false
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	r := s.refByName(trunk)
	if r == nil {
		return "", false
	}
	return r.state(), true
}

// RingingCounts возвращает число звонящих транков и станций в наборе.
func (ctl *Controller) RingingCounts() (trunks, stations int) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return len(ctl.ringingTrunks), len(ctl.ringingStations)
}

// Hold ставит активный вызов станции на удержание. Обрабатывается
// событийным потоком.
func (ctl *Controller) Hold(stationName string) error {
	s, ok := ctl.Station(stationName)
	if !ok {
		return newError(ErrorCodeNotFound, stationName, "станция не описана")
	}
	ctl.post(event{kind: evHold, station: s})
	return nil
}

// Reload откладывает применение новой декларативной конфигурации до
// момента, когда нет ни звонящих транков, ни станций в наборе, ни
// активных вызовов.
func (ctl *Controller) Reload(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	ctl.mu.Lock()
	ctl.pending = &cfg
	ctl.mu.Unlock()
	ctl.post(event{kind: evReload})
	return nil
}

func (ctl *Controller) post(ev event) {
	select {
	case ctl.events <- ev:
	case <-ctl.stopCh:
	}
}

func (ctl *Controller) now() time.Time { return ctl.clock.Now() }

// run - событийный поток. Пробуждения приходят от очереди событий и от
// часов; на каждом пробуждении по часам пересчитываются дедлайны звона.
func (ctl *Controller) run() {
	defer close(ctl.done)
	for {
		select {
		case <-ctl.stopCh:
			ctl.shutdown()
			return
		case ev := <-ctl.events:
			ctl.process(ev)
		case now := <-ctl.clock.C():
			ctl.checkTimers(now)
		}
	}
}

func (ctl *Controller) process(ev event) {
	switch ev.kind {
	case evHold:
		ctl.processHold(ev.station)
	case evDialState:
		ctl.processDialState()
	case evRingingTrunk:
		ctl.processRingingTrunk(ctl.now())
	case evReload, evCheckReload:
		ctl.processReload()
	}
}

// processHold: пометить транк удержанным станцией, остальным - лампу hold,
// при единственной активной станции дать вызывающему MOH, вывести станцию
// из пути вызова.
func (ctl *Controller) processHold(s *Station) {
	var (
		moh         channel.Channel
		leaveConf   *conference.Conference
		leaveMember *conference.Member
	)
	ctl.mu.Lock()
	ref := s.refInState(refStateUp)
	if ref == nil {
		ctl.mu.Unlock()
		return
	}
	t := ref.trunk
	ref.machine.Event(ctl.ctx, "holdbyme")
	t.holdStations.Add(1)
	t.setHold(s.name)
	ctl.stationsMu.RLock()
	for _, other := range ctl.stations {
		if other == s {
			continue
		}
		if or := other.refTo(t); or != nil && or.state() == refStateIdle {
			or.machine.Event(ctl.ctx, "hold")
		}
	}
	ctl.stationsMu.RUnlock()
	if t.activeStations.Load() == 1 {
		moh = t.Channel()
	}
	leaveConf, leaveMember = ref.conf, ref.member
	ctl.mu.Unlock()

	if moh != nil {
		moh.StartMOH("")
	}
	ctl.notifier.Set(trunkDevice(t), channel.DeviceStateOnHold)
	ctl.publishRef(s, ref)
	if leaveMember != nil {
		leaveConf.Leave(leaveMember)
	}
	ctl.log.Info("вызов поставлен на hold", "station", s.name, "trunk", t.name)
}

// processDialState: просмотреть наборы станций; ответ станции закрывает
// цикл звона транка, терминальный отказ запоминается на цикл.
func (ctl *Controller) processDialState() {
	now := ctl.now()
	var (
		cancels []channel.DialSession
		bridges []*ringingStation
	)
	ctl.mu.Lock()
	kept := ctl.ringingStations[:0]
	for _, rs := range ctl.ringingStations {
		st := rs.session.State()
		switch {
		case st == channel.DialStateAnswered:
			bridges = append(bridges, rs)
		case st.Terminal():
			ctl.failed[failKey{rs.station.name, rs.trunk.name}] = now
			rs.ref.machine.Event(ctl.ctx, "idle")
			ctl.metrics.stationDial(st.String())
		default:
			kept = append(kept, rs)
		}
	}
	ctl.ringingStations = kept
	for _, rs := range bridges {
		cancels = append(cancels, ctl.dropTrunkRingLocked(rs.trunk)...)
		rs.ref.machine.Event(ctl.ctx, "answer")
		ctl.metrics.stationDial("answered")
	}
	ctl.mu.Unlock()

	for _, sess := range cancels {
		sess.Cancel()
	}
	for _, rs := range bridges {
		if tch := rs.trunk.Channel(); tch != nil {
			tch.Answer()
		}
		ctl.notifier.Set(trunkDevice(rs.trunk), channel.DeviceStateInUse)
		ctl.publishRef(rs.station, rs.ref)
		go ctl.bridge(rs.station, rs.ref, rs.trunk, rs.session.Channel())
	}
	ctl.updateRingGauges()
}

// ringPlan - решение веера: станцию пора набирать.
type ringPlan struct {
	s       *Station
	ref     *trunkRef
	trunk   *Trunk
	timeout time.Duration
}

// processRingingTrunk раздает звон: для каждого звонящего транка набираются
// простаивающие станции, прошедшие предикаты отказа, задержки и занятости.
func (ctl *Controller) processRingingTrunk(now time.Time) {
	if ctl.dialer == nil {
		return
	}
	var plans []ringPlan
	ctl.mu.Lock()
	for _, rt := range ctl.ringingTrunks {
		ctl.stationsMu.RLock()
		for _, s := range ctl.stations {
			ref := s.refTo(rt.trunk)
			if ref == nil || ref.state() != refStateIdle {
				continue
			}
			if ctl.stationRingingLocked(s) {
				continue
			}
			if ft, ok := ctl.failed[failKey{s.name, rt.trunk.name}]; ok && now.Sub(ft) < failedStationMemory {
				continue
			}
			if d := s.effRingDelay(ref); d > 0 && now.Sub(rt.start) < d {
				continue
			}
			ref.machine.Event(ctl.ctx, "ring")
			plans = append(plans, ringPlan{s: s, ref: ref, trunk: rt.trunk, timeout: s.effRingTimeout(ref)})
		}
		ctl.stationsMu.RUnlock()
	}
	ctl.mu.Unlock()

	now = ctl.now()
	for _, p := range plans {
		session, err := ctl.dialer.Dial(ctl.ctx, p.s.device, p.timeout)
		if err != nil {
			ctl.mu.Lock()
			p.ref.machine.Event(ctl.ctx, "idle")
			ctl.failed[failKey{p.s.name, p.trunk.name}] = now
			ctl.mu.Unlock()
			ctl.metrics.stationDial("error")
			ctl.log.Warn("набор станции не запустился", "station", p.s.name, "error", err)
			continue
		}
		ctl.mu.Lock()
		ctl.ringingStations = append(ctl.ringingStations, &ringingStation{
			station: p.s,
			ref:     p.ref,
			trunk:   p.trunk,
			session: session,
			start:   now,
		})
		ctl.mu.Unlock()
		ctl.publishRef(p.s, p.ref)
		go ctl.forwardDialEvents(session)
		ctl.log.Info("станция звонит", "station", p.s.name, "trunk", p.trunk.name)
	}
	ctl.updateRingGauges()
}

// forwardDialEvents транслирует переходы сессии набора в события
// контроллера.
func (ctl *Controller) forwardDialEvents(s channel.DialSession) {
	for range s.Events() {
		ctl.post(event{kind: evDialState})
	}
}

// checkTimers применяет дедлайны: истекшие наборы станций запоминаются как
// отказ, истекший звон транка завершает вызов RINGTIMEOUT, разрыв
// вызывающего - UNANSWERED. После чистки веер переоценивается: могли
// истечь задержки звона.
func (ctl *Controller) checkTimers(now time.Time) {
	var (
		cancels   []channel.DialSession
		timedOut  []*Trunk
		abandoned []*Trunk
	)
	ctl.mu.Lock()
	kept := ctl.ringingStations[:0]
	for _, rs := range ctl.ringingStations {
		eff := rs.station.effRingTimeout(rs.ref)
		if eff > 0 && now.Sub(rs.start) >= eff {
			cancels = append(cancels, rs.session)
			ctl.failed[failKey{rs.station.name, rs.trunk.name}] = now
			rs.ref.machine.Event(ctl.ctx, "idle")
			ctl.metrics.ringTimeout("station")
			ctl.log.Info("станция не ответила", "station", rs.station.name, "trunk", rs.trunk.name)
			continue
		}
		kept = append(kept, rs)
	}
	ctl.ringingStations = kept

	for _, rt := range append([]*ringingTrunk(nil), ctl.ringingTrunks...) {
		ch := rt.trunk.Channel()
		hungup := ch == nil || ch.Hungup()
		expired := rt.trunk.ringTimeout > 0 && now.Sub(rt.start) >= rt.trunk.ringTimeout
		if !hungup && !expired {
			continue
		}
		cancels = append(cancels, ctl.dropTrunkRingLocked(rt.trunk)...)
		if hungup {
			abandoned = append(abandoned, rt.trunk)
		} else {
			timedOut = append(timedOut, rt.trunk)
			ctl.metrics.ringTimeout("trunk")
		}
	}
	hasRinging := len(ctl.ringingTrunks) > 0
	ctl.mu.Unlock()

	for _, sess := range cancels {
		sess.Cancel()
	}
	for _, t := range abandoned {
		ctl.finishTrunk(t, TrunkStatusUnanswered)
	}
	for _, t := range timedOut {
		ctl.finishTrunk(t, TrunkStatusRingTimeout)
	}
	ctl.updateRingGauges()
	if hasRinging {
		ctl.processRingingTrunk(now)
	}
	if len(abandoned)+len(timedOut) > 0 {
		ctl.processReload()
	}
}

// dropTrunkRingLocked снимает цикл звона транка: запись звонящего транка,
// наборы его станций и память отказов цикла. Возвращает сессии на отмену.
func (ctl *Controller) dropTrunkRingLocked(t *Trunk) []channel.DialSession {
	rts := ctl.ringingTrunks[:0]
	for _, rt := range ctl.ringingTrunks {
		if rt.trunk != t {
			rts = append(rts, rt)
		}
	}
	ctl.ringingTrunks = rts

	var cancels []channel.DialSession
	kept := ctl.ringingStations[:0]
	for _, rs := range ctl.ringingStations {
		if rs.trunk == t {
			cancels = append(cancels, rs.session)
			if rs.ref.state() == refStateRinging {
				rs.ref.machine.Event(ctl.ctx, "idle")
			}
			continue
		}
		kept = append(kept, rs)
	}
	ctl.ringingStations = kept

	for k := range ctl.failed {
		if k.trunk == t.name {
			delete(ctl.failed, k)
		}
	}
	return cancels
}

// processReload применяет отложенную конфигурацию, когда контроллер
// полностью тих. Писатели коллекций не держат обе блокировки одновременно.
func (ctl *Controller) processReload() {
	ctl.mu.Lock()
	if ctl.pending == nil || len(ctl.ringingTrunks) > 0 || len(ctl.ringingStations) > 0 {
		ctl.mu.Unlock()
		return
	}
	cfg := ctl.pending
	ctl.mu.Unlock()

	ctl.trunksMu.RLock()
	for _, t := range ctl.trunks {
		if t.ActiveStations() > 0 || t.HoldStations() > 0 || t.Channel() != nil {
			ctl.trunksMu.RUnlock()
			return
		}
	}
	ctl.trunksMu.RUnlock()

	trunks, stations := buildCollections(*cfg)
	ctl.stationsMu.Lock()
	ctl.stations = stations
	ctl.stationsMu.Unlock()
	ctl.trunksMu.Lock()
	ctl.trunks = trunks
	ctl.trunksMu.Unlock()

	ctl.mu.Lock()
	ctl.pending = nil
	ctl.failed = make(map[failKey]time.Time)
	ctl.mu.Unlock()
	ctl.log.Info("конфигурация SLA перезагружена", "trunks", len(trunks), "stations", len(stations))
}

// shutdown дренирует очередь событий и освобождает ring записи.
func (ctl *Controller) shutdown() {
	for {
		select {
		case <-ctl.events:
			continue
		default:
		}
		break
	}
	ctl.mu.Lock()
	cancels := make([]channel.DialSession, 0, len(ctl.ringingStations))
	for _, rs := range ctl.ringingStations {
		cancels = append(cancels, rs.session)
	}
	ctl.ringingStations = nil
	ctl.ringingTrunks = nil
	ctl.failed = make(map[failKey]time.Time)
	ctl.mu.Unlock()
	for _, sess := range cancels {
		sess.Cancel()
	}
	ctl.cancel()
	ctl.clock.Stop()
	ctl.log.Info("контроллер SLA остановлен")
}

// stationRingingLocked сообщает, набирается ли станция по какому-либо
// транку. Станция звонит не более чем ради одного транка за раз.
func (ctl *Controller) stationRingingLocked(s *Station) bool {
	for _, rs := range ctl.ringingStations {
		if rs.station == s {
			return true
		}
	}
	return false
}

// trunkRingingLocked сообщает, есть ли у транка запись звонящего вызова.
func (ctl *Controller) trunkRingingLocked(t *Trunk) bool {
	for _, rt := range ctl.ringingTrunks {
		if rt.trunk == t {
			return true
		}
	}
	return false
}

func (ctl *Controller) updateRingGauges() {
	if ctl.metrics == nil {
		return
	}
	trunks, stations := ctl.RingingCounts()
	ctl.metrics.trunkRinging(trunks)
	ctl.metrics.stationRinging(stations)
}

func trunkDevice(t *Trunk) string { return "sla:trunk:" + t.name }

func pairDevice(s *Station, t *Trunk) string { return "sla:" + s.name + ":" + t.name }

// publishRef публикует лампу связки станция-транк на шину состояний.
func (ctl *Controller) publishRef(s *Station, ref *trunkRef) {
	var st channel.DeviceState
	switch ref.state() {
	case refStateRinging:
		st = channel.DeviceStateRinging
	case refStateUp:
		st = channel.DeviceStateInUse
	case refStateOnHold, refStateOnHoldByMe:
		st = channel.DeviceStateOnHold
	default:
		st = channel.DeviceStateNotInUse
	}
	ctl.notifier.Set(pairDevice(s, ref.trunk), st)
}

// resetRefs возвращает лампы станций транка в покой, не трогая связки с
// живым участием в пути вызова.
func (ctl *Controller) resetRefs(t *Trunk) {
	type pub struct {
		s *Station
		r *trunkRef
	}
	var pubs []pub
	ctl.mu.Lock()
	ctl.stationsMu.RLock()
	for _, s := range ctl.stations {
		r := s.refTo(t)
		if r == nil || r.state() == refStateIdle || r.member != nil {
			continue
		}
		r.machine.Event(ctl.ctx, "idle")
		pubs = append(pubs, pub{s, r})
	}
	ctl.stationsMu.RUnlock()
	ctl.mu.Unlock()
	for _, p := range pubs {
		ctl.publishRef(p.s, p.r)
	}
}
