package sipchan

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// mediaSession - RTP тракт одного канала: локальный UDP сокет,
// привязанный на этапе offer, и петля чтения, поднимаемая после answer.
// Входящие пакеты распаковываются в кадры и складываются в recv; при
// переполнении вытесняется самый старый кадр.
const recvBacklog = 32

type mediaSession struct {
	cfg  Config
	log  *slog.Logger
	pool *portAllocator

	port int
	conn *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr
	dtls   *dtls.Conn
	codec  frame.Codec
	enc    *frame.G711Translator

	ssrc   uint32
	seq    uint16
	ts     uint32
	marked bool

	recv      chan *frame.Frame
	done      chan struct{}
	closeOnce sync.Once
	active    atomic.Bool
}

// newMediaSession выделяет порт из пула, привязывает UDP сокет и
// применяет голосовые настройки сокета.
func newMediaSession(cfg Config, pool *portAllocator, log *slog.Logger) (*mediaSession, error) {
	port, err := pool.allocate()
	if err != nil {
		return nil, err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindHost), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		pool.release(port)
		return nil, wrapError(ErrorCodeTransport, "",
			fmt.Sprintf("не удалось привязать RTP сокет %s:%d", cfg.BindHost, port), err)
	}

	m := &mediaSession{
		cfg:   cfg,
		log:   log,
		pool:  pool,
		port:  port,
		conn:  conn,
		codec: cfg.Codec,
		ssrc:  rand.Uint32(),
		seq:   uint16(rand.Uint32()),
		recv:  make(chan *frame.Frame, recvBacklog),
		done:  make(chan struct{}),
	}
	if err := m.tuneSocket(conn); err != nil {
		m.close()
		return nil, err
	}
	return m, nil
}

// tuneSocket применяет буферы и платформенные опции голосового трафика.
func (m *mediaSession) tuneSocket(conn *net.UDPConn) error {
	conn.SetReadBuffer(65535)
	conn.SetWriteBuffer(65535)

	raw, err := conn.SyscallConn()
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "системный сокет недоступен", err)
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		intFd := int(fd)
		setSockOptVoice(intFd)
		if m.cfg.DSCP > 0 {
			setSockOptDSCP(intFd, m.cfg.DSCP)
		}
		if m.cfg.ReusePort {
			if e := setSockOptReusePort(intFd); e != nil && optErr == nil {
				optErr = e
			}
		}
		if m.cfg.BindToDevice != "" {
			if e := setSockOptBindToDevice(intFd, m.cfg.BindToDevice); e != nil && optErr == nil {
				optErr = e
			}
		}
	})
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "ошибка управления сокетом", err)
	}
	if optErr != nil {
		return wrapError(ErrorCodeTransport, "", "опции сокета не применились", optErr)
	}
	return nil
}

func (m *mediaSession) localPort() int { return m.port }

// connect фиксирует удаленную сторону по answer и запускает петлю
// чтения. При настроенном DTLS сокет пересоздается соединенным и поверх
// него выполняется рукопожатие клиента.
func (m *mediaSession) connect(ctx context.Context, am answerMedia) error {
	remote, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(am.Host, fmt.Sprintf("%d", am.Port)))
	if err != nil {
		return wrapError(ErrorCodeTransport, "",
			fmt.Sprintf("удаленный адрес %s:%d не разрешился", am.Host, am.Port), err)
	}

	m.mu.Lock()
	m.remote = remote
	m.codec = am.Codec
	switch am.Codec {
	case frame.CodecUlaw, frame.CodecAlaw:
		m.enc = frame.NewG711Translator(am.Codec)
	}
	m.mu.Unlock()

	if m.cfg.DTLS != nil {
		if err := m.handshakeDTLS(ctx, remote); err != nil {
			return err
		}
	}

	m.active.Store(true)
	go m.readLoop()
	return nil
}

// handshakeDTLS пересоздает сокет соединенным с тем же локальным портом
// и выполняет DTLS рукопожатие как клиент.
func (m *mediaSession) handshakeDTLS(ctx context.Context, remote *net.UDPAddr) error {
	local := m.conn.LocalAddr().(*net.UDPAddr)
	m.conn.Close()

	conn, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "пересоздание сокета под DTLS", err)
	}
	if err := m.tuneSocket(conn); err != nil {
		conn.Close()
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.DTLS.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ClientWithContext(hctx, conn, m.buildDTLSConfig())
	if err != nil {
		conn.Close()
		return wrapError(ErrorCodeTransport, "", "DTLS рукопожатие не удалось", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.dtls = dtlsConn
	m.mu.Unlock()
	return nil
}

func (m *mediaSession) buildDTLSConfig() *dtls.Config {
	d := m.cfg.DTLS
	return &dtls.Config{
		Certificates:         d.Certificates,
		ServerName:           d.ServerName,
		InsecureSkipVerify:   d.InsecureSkipVerify,
		CipherSuites:         d.CipherSuites,
		MTU:                  d.MTU,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), d.HandshakeTimeout)
		},
	}
}

// readLoop распаковывает входящие RTP пакеты в кадры.
func (m *mediaSession) readLoop() {
	buf := make([]byte, DefaultBufferSize)
	for {
		n, err := m.read(buf)
		if err != nil {
			select {
			case <-m.done:
			default:
				m.log.Debug("sipchan: петля чтения остановлена",
					slog.String("error", err.Error()))
			}
			return
		}
		if n == 0 {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		f, err := frame.FromRTP(&pkt)
		if err != nil {
			continue
		}
		m.push(f)
	}
}

func (m *mediaSession) read(buf []byte) (int, error) {
	m.mu.Lock()
	dtlsConn := m.dtls
	conn := m.conn
	m.mu.Unlock()

	if dtlsConn != nil {
		return dtlsConn.Read(buf)
	}
	n, _, err := conn.ReadFromUDP(buf)
	return n, err
}

// push кладет кадр в очередь приема, вытесняя хвост при переполнении.
func (m *mediaSession) push(f *frame.Frame) {
	select {
	case m.recv <- f:
	default:
		select {
		case <-m.recv:
		default:
		}
		select {
		case m.recv <- f:
		default:
		}
	}
}

func (m *mediaSession) frames() <-chan *frame.Frame { return m.recv }

// writeVoice упаковывает голосовой кадр в согласованный кодек и
// отправляет RTP пакетом. Линейные кадры кодируются G.711 транслятором,
// кадры с payload согласованного кодека уходят как есть.
func (m *mediaSession) writeVoice(f *frame.Frame) error {
	if !m.active.Load() {
		return newError(ErrorCodeClosed, "", "медиа сессия не активна")
	}

	m.mu.Lock()
	codec := m.codec
	enc := m.enc
	m.mu.Unlock()

	payload := f.Payload
	if f.Codec != codec || payload == nil {
		if enc == nil {
			return newError(ErrorCodeTransport, "",
				fmt.Sprintf("кадр %s не транслируется в %s", f.Codec, codec))
		}
		samples := f.Samples
		if samples == nil {
			var err error
			samples, err = enc.ToLinear(f.Payload)
			if err != nil {
				return wrapError(ErrorCodeTransport, "", "декодирование кадра", err)
			}
		}
		var err error
		payload, err = enc.FromLinear(samples)
		if err != nil {
			return wrapError(ErrorCodeTransport, "", "кодирование кадра", err)
		}
	}

	out := &frame.Frame{Kind: frame.TypeVoice, Payload: payload, Codec: codec}
	pkt, err := out.ToRTP(m.ssrc, m.nextSeq(), m.nextTS(), m.firstPacket())
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "упаковка RTP", err)
	}
	return m.send(pkt)
}

// writeDTMF отправляет событие telephone-event RFC 4733.
func (m *mediaSession) writeDTMF(f *frame.Frame) error {
	if !m.active.Load() {
		return newError(ErrorCodeClosed, "", "медиа сессия не активна")
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !f.End,
			PayloadType:    m.cfg.DTMFPayloadType,
			SequenceNumber: m.nextSeq(),
			Timestamp:      m.ts,
			SSRC:           m.ssrc,
		},
		Payload: frame.DTMFToRTPPayload(f, 10),
	}
	return m.send(pkt)
}

func (m *mediaSession) nextSeq() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *mediaSession) nextTS() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ts += uint32(frame.SamplesPerTick)
	return m.ts
}

func (m *mediaSession) firstPacket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked {
		return false
	}
	m.marked = true
	return true
}

func (m *mediaSession) send(pkt *rtp.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "маршалинг RTP пакета", err)
	}

	m.mu.Lock()
	dtlsConn := m.dtls
	conn := m.conn
	remote := m.remote
	m.mu.Unlock()

	if dtlsConn != nil {
		_, err = dtlsConn.Write(data)
	} else if remote != nil {
		_, err = conn.WriteToUDP(data, remote)
	} else {
		err = newError(ErrorCodeTransport, "", "удаленная сторона не согласована")
	}
	if err != nil {
		return wrapError(ErrorCodeTransport, "", "отправка RTP пакета", err)
	}
	return nil
}

// close останавливает тракт и возвращает порт в пул. Идемпотентен.
func (m *mediaSession) close() {
	m.closeOnce.Do(func() {
		m.active.Store(false)
		close(m.done)
		m.mu.Lock()
		if m.dtls != nil {
			m.dtls.Close()
		}
		if m.conn != nil {
			m.conn.Close()
		}
		m.mu.Unlock()
		m.pool.release(m.port)
	})
}
