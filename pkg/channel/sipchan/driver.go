package sipchan

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/conf_bridge/pkg/channel"
)

// Проверяем, что Driver реализует интерфейс dialer ядра.
var _ channel.Dialer = (*Driver)(nil)

// byeTimeout ограничивает сопровождение BYE транзакции.
const byeTimeout = 5 * time.Second

// Driver выполняет исходящие SIP вызовы. Один Driver держит sipgo
// UserAgent с клиентом и сервером: клиент ведет INVITE/BYE транзакции,
// сервер принимает входящие BYE установленных диалогов.
type Driver struct {
	cfg Config
	log *slog.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	uac *sipgo.Client

	ports   *portAllocator
	contact sip.Uri

	mu     sync.Mutex
	calls  map[string]*sipChannel // по Call-ID
	closed bool
}

// NewDriver создает драйвер по конфигурации. Сигнализация начинает
// обслуживаться после Serve.
func NewDriver(cfg Config) (*Driver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.BindHost),
	)
	if err != nil {
		return nil, wrapError(ErrorCodeBadConfig, "", "создание user agent", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, wrapError(ErrorCodeBadConfig, "", "создание SIP сервера", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, wrapError(ErrorCodeBadConfig, "", "создание SIP клиента", err)
	}

	d := &Driver{
		cfg:   cfg,
		log:   cfg.Log,
		ua:    ua,
		srv:   srv,
		uac:   uac,
		ports: newPortAllocator(cfg.RTPPortMin, cfg.RTPPortMax),
		contact: sip.Uri{
			User: cfg.Contact,
			Host: cfg.BindHost,
			Port: cfg.SIPPort,
		},
		calls: make(map[string]*sipChannel),
	}
	d.srv.OnBye(d.handleBye)
	return d, nil
}

// Serve обслуживает сигнализацию до отмены контекста.
func (d *Driver) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(d.cfg.BindHost, strconv.Itoa(d.cfg.SIPPort))
	return d.srv.ListenAndServe(ctx, "udp", addr)
}

// Close разрывает оставшиеся каналы и закрывает sipgo стек.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	remaining := make([]*sipChannel, 0, len(d.calls))
	for _, ch := range d.calls {
		remaining = append(remaining, ch)
	}
	d.mu.Unlock()

	for _, ch := range remaining {
		ch.Hangup()
	}

	if err := d.uac.Close(); err != nil {
		return wrapError(ErrorCodeClosed, "", "закрытие клиента", err)
	}
	if err := d.srv.Close(); err != nil {
		return wrapError(ErrorCodeClosed, "", "закрытие сервера", err)
	}
	if err := d.ua.Close(); err != nil {
		return wrapError(ErrorCodeClosed, "", "закрытие user agent", err)
	}
	return nil
}

// Dial начинает исходящий вызов устройства. Попытка сопровождается в
// отдельной горутине; переходы состояния публикуются в DialSession.
func (d *Driver) Dial(ctx context.Context, device string, timeout time.Duration) (channel.DialSession, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, newError(ErrorCodeClosed, device, "драйвер закрыт")
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	target, err := d.cfg.targetURI(device)
	if err != nil {
		return nil, err
	}

	media, err := newMediaSession(d.cfg, d.ports, d.log)
	if err != nil {
		return nil, err
	}

	offer := buildOffer(d.cfg.BindHost, media.localPort(), d.cfg.Codec,
		d.cfg.Ptime, d.cfg.DTMFPayloadType)
	body, err := offer.Marshal()
	if err != nil {
		media.close()
		return nil, wrapError(ErrorCodeSDP, device, "offer не сериализовался", err)
	}

	req, err := d.makeInvite(target, body)
	if err != nil {
		media.close()
		return nil, err
	}

	tx, err := d.uac.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		media.close()
		return nil, wrapError(ErrorCodeDial, device, "отправка INVITE", err)
	}

	d.log.Debug("sipchan: INVITE отправлен",
		slog.String("device", device),
		slog.String("target", target),
		slog.String("callID", string(*req.CallID())))

	sess := newDialSession(device)
	go d.watch(ctx, sess, tx, req, media, timeout)
	return sess, nil
}

// makeInvite строит INVITE вне диалога с SDP offer.
func (d *Driver) makeInvite(target string, body []byte) (*sip.Request, error) {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, wrapError(ErrorCodeDial, target, "разбор целевого URI", err)
	}

	req := sip.NewRequest(sip.INVITE, targetURI)
	req.Laddr = sip.Addr{Hostname: d.cfg.BindHost, Port: d.cfg.SIPPort}

	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.cfg.DisplayName,
		Address:     d.contact,
		Params:      sip.NewParams().Add("tag", sip.RandString(8)),
	})
	req.AppendHeader(&sip.ToHeader{Address: targetURI})
	req.AppendHeader(&sip.ContactHeader{
		DisplayName: d.cfg.DisplayName,
		Address:     d.contact,
	})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)
	return req, nil
}

// watch сопровождает INVITE транзакцию до терминального состояния
// попытки.
func (d *Driver) watch(ctx context.Context, sess *dialSession, tx sip.ClientTransaction,
	req *sip.Request, media *mediaSession, timeout time.Duration) {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				media.close()
				sess.transition(channel.DialStateFailed, nil)
				return
			}
			switch {
			case resp.StatusCode < 200:
				if resp.StatusCode == sip.StatusRinging || resp.StatusCode == 183 {
					sess.transition(channel.DialStateRinging, nil)
				}
			case resp.StatusCode < 300:
				d.completeAnswer(ctx, sess, req, resp, media)
				return
			default:
				media.close()
				sess.transition(mapStatus(resp.StatusCode), nil)
				return
			}

		case <-timer.C:
			tx.Terminate()
			media.close()
			sess.transition(channel.DialStateTimeout, nil)
			return

		case <-sess.cancelCh:
			tx.Terminate()
			media.close()
			sess.transition(channel.DialStateHangup, nil)
			return

		case <-ctx.Done():
			tx.Terminate()
			media.close()
			sess.transition(channel.DialStateHangup, nil)
			return

		case <-tx.Done():
			media.close()
			sess.transition(channel.DialStateFailed, nil)
			return
		}
	}
}

// completeAnswer подтверждает 200 OK: разбирает answer, подключает
// медиа, отправляет ACK и отдает готовый канал в сессию. Неразборчивый
// answer подтверждается и тут же завершается BYE.
func (d *Driver) completeAnswer(ctx context.Context, sess *dialSession,
	req *sip.Request, resp *sip.Response, media *mediaSession) {

	leg := buildLeg(req, resp)
	d.sendAck(leg, req)

	am, err := parseAnswer(resp.Body())
	if err == nil {
		err = media.connect(ctx, am)
	}
	if err != nil {
		d.log.Debug("sipchan: answer не принят",
			slog.String("device", sess.device),
			slog.String("error", err.Error()))
		d.sendBye(leg)
		media.close()
		sess.transition(channel.DialStateFailed, nil)
		return
	}

	ch := newSIPChannel(d, sess.device, leg, media)
	d.mu.Lock()
	d.calls[string(leg.callID)] = ch
	d.mu.Unlock()

	d.log.Debug("sipchan: вызов отвечен",
		slog.String("device", sess.device),
		slog.String("channel", ch.Name()))
	sess.transition(channel.DialStateAnswered, ch)
}

// buildLeg фиксирует параметры диалога из INVITE и финального ответа.
func buildLeg(req *sip.Request, resp *sip.Response) *dialogLeg {
	leg := &dialogLeg{
		callID:       *req.CallID(),
		from:         req.From(),
		to:           resp.To(),
		remoteTarget: req.Recipient,
	}
	if contact := resp.Contact(); contact != nil {
		leg.remoteTarget = contact.Address
	}
	leg.cseq.Store(req.CSeq().SeqNo)
	return leg
}

// sendAck подтверждает 2xx ответ. ACK несет From/To/Call-ID диалога и
// CSeq номера INVITE с методом ACK.
func (d *Driver) sendAck(leg *dialogLeg, invite *sip.Request) {
	ack := sip.NewRequest(sip.ACK, leg.remoteTarget)
	ack.Laddr = sip.Addr{Hostname: d.cfg.BindHost, Port: d.cfg.SIPPort}
	ack.AppendHeader(leg.from)
	ack.AppendHeader(leg.to)
	ack.AppendHeader(&leg.callID)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	if err := d.uac.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		d.log.Debug("sipchan: отправка ACK не удалась",
			slog.String("callID", string(leg.callID)),
			slog.String("error", err.Error()))
	}
}

// sendBye завершает диалог. Транзакция сопровождается в отдельной
// горутине с коротким таймаутом.
func (d *Driver) sendBye(leg *dialogLeg) {
	bye := sip.NewRequest(sip.BYE, leg.remoteTarget)
	bye.Laddr = sip.Addr{Hostname: d.cfg.BindHost, Port: d.cfg.SIPPort}
	bye.AppendHeader(leg.from)
	bye.AppendHeader(leg.to)
	bye.AppendHeader(&leg.callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: leg.cseq.Add(1), MethodName: sip.BYE})
	maxForwards := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxForwards)

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	tx, err := d.uac.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		cancel()
		d.log.Debug("sipchan: отправка BYE не удалась",
			slog.String("callID", string(leg.callID)),
			slog.String("error", err.Error()))
		return
	}
	go func() {
		defer cancel()
		defer tx.Terminate()
		select {
		case <-tx.Done():
		case <-ctx.Done():
		}
	}()
}

// handleBye принимает BYE удаленной стороны для установленного диалога.
func (d *Driver) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		d.log.Debug("sipchan: ответ на BYE не удался",
			slog.String("error", err.Error()))
	}
	callID := req.CallID()
	if callID == nil {
		return
	}
	d.mu.Lock()
	ch := d.calls[string(*callID)]
	d.mu.Unlock()
	if ch != nil {
		ch.remoteHangup()
	}
}

// forget удаляет диалог из учета установленных вызовов.
func (d *Driver) forget(callID string) {
	d.mu.Lock()
	delete(d.calls, callID)
	d.mu.Unlock()
}

// ActiveCalls возвращает количество установленных диалогов.
func (d *Driver) ActiveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// mapStatus переводит финальный SIP статус в состояние попытки набора.
func mapStatus(code int) channel.DialState {
	switch code {
	case sip.StatusBusyHere, 600, 603:
		return channel.DialStateBusy
	case sip.StatusUnauthorized, sip.StatusForbidden, 407:
		return channel.DialStateForbidden
	case sip.StatusNotFound, 410, 484:
		return channel.DialStateInvalid
	case sip.StatusRequestTimeout, sip.StatusTemporarilyUnavailable:
		return channel.DialStateUnanswered
	}
	if code >= 500 {
		return channel.DialStateCongestion
	}
	return channel.DialStateFailed
}

// dialSession - сопровождение одной исходящей попытки.
type dialSession struct {
	device string

	events chan channel.DialState

	mu    sync.Mutex
	state channel.DialState
	ch    channel.Channel

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// Проверяем соответствие контракту ядра.
var _ channel.DialSession = (*dialSession)(nil)

func newDialSession(device string) *dialSession {
	return &dialSession{
		device:   device,
		state:    channel.DialStateDialing,
		events:   make(chan channel.DialState, 8),
		cancelCh: make(chan struct{}),
	}
}

// transition публикует переход состояния. Терминальное состояние
// закрывает канал событий; повторные переходы игнорируются.
func (s *dialSession) transition(st channel.DialState, ch channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = st
	if ch != nil {
		s.ch = ch
	}
	select {
	case s.events <- st:
	default:
	}
	if st.Terminal() {
		close(s.events)
	}
}

func (s *dialSession) Events() <-chan channel.DialState { return s.events }

func (s *dialSession) State() channel.DialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *dialSession) Channel() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Cancel прерывает попытку. Идемпотентен; на отвеченную попытку не
// влияет.
func (s *dialSession) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}
