package sipchan

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Значения по умолчанию для медиа транспорта. Буфер соответствует MTU
// Ethernet, диапазон портов - обычный для RTP.
const (
	DefaultSIPPort     = 5060
	DefaultRTPPortMin  = 10000
	DefaultRTPPortMax  = 20000
	DefaultBufferSize  = 1500
	DefaultDialTimeout = 30 * time.Second

	// DefaultHandshakeTimeout - таймаут DTLS рукопожатия с учетом
	// возможных сетевых задержек.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultDTLSMTU - стандартный размер фрагмента DTLS сообщений.
	DefaultDTLSMTU = 1200
)

// DTLSConfig описывает необязательное шифрование медиа тракта.
type DTLSConfig struct {
	Certificates       []tls.Certificate
	ServerName         string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	MTU                int
	CipherSuites       []dtls.CipherSuiteID
}

func (d *DTLSConfig) applyDefaults() {
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if d.MTU == 0 {
		d.MTU = DefaultDTLSMTU
	}
	if len(d.CipherSuites) == 0 {
		d.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		}
	}
}

// Config описывает драйвер SIP каналов.
type Config struct {
	// BindHost - локальный адрес SIP и RTP сокетов.
	BindHost string
	// SIPPort - локальный порт сигнализации.
	SIPPort int

	// Domain - хост[:порт], на который маршрутизируются устройства вида
	// SIP/имя. Полные sip: URI используются как есть.
	Domain string

	// Contact - пользовательская часть Contact/From исходящих запросов.
	Contact     string
	DisplayName string
	UserAgent   string

	// Диапазон локальных RTP портов. Порты выделяются четными, RTCP
	// занимает порт+1.
	RTPPortMin int
	RTPPortMax int

	// Codec - кодек, предлагаемый в offer. Поддерживаются кодеки со
	// статическим payload type (ulaw, alaw, g722 и т.д.).
	Codec frame.Codec

	// Ptime длительность пакета, 0 = frame.TickInterval.
	Ptime time.Duration

	// DTMFPayloadType - динамический payload type telephone-event,
	// 0 = frame.DTMFPayloadTypeRFC.
	DTMFPayloadType uint8

	// DSCP маркировка медиа сокетов для QoS, 0 = без маркировки.
	DSCP int
	// ReusePort включает SO_REUSEPORT на медиа сокетах.
	ReusePort bool
	// BindToDevice привязывает медиа сокеты к сетевому интерфейсу
	// (только Linux).
	BindToDevice string

	// DTLS включает шифрование медиа. nil = обычный UDP.
	DTLS *DTLSConfig

	Log *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BindHost == "" {
		c.BindHost = "127.0.0.1"
	}
	if c.SIPPort == 0 {
		c.SIPPort = DefaultSIPPort
	}
	if c.RTPPortMin == 0 {
		c.RTPPortMin = DefaultRTPPortMin
	}
	if c.RTPPortMax == 0 {
		c.RTPPortMax = DefaultRTPPortMax
	}
	if c.Codec == frame.CodecSlinear {
		c.Codec = frame.CodecUlaw
	}
	if c.Ptime == 0 {
		c.Ptime = frame.TickInterval
	}
	if c.DTMFPayloadType == 0 {
		c.DTMFPayloadType = frame.DTMFPayloadTypeRFC
	}
	if c.Contact == "" {
		c.Contact = "confbridge"
	}
	if c.UserAgent == "" {
		c.UserAgent = "ConfBridge/1.0"
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.DTLS != nil {
		c.DTLS.applyDefaults()
	}
}

func (c Config) validate() error {
	if c.RTPPortMin >= c.RTPPortMax {
		return newError(ErrorCodeBadConfig, "",
			fmt.Sprintf("диапазон RTP портов пуст: %d-%d", c.RTPPortMin, c.RTPPortMax))
	}
	if c.RTPPortMax-c.RTPPortMin < 2 {
		return newError(ErrorCodeBadConfig, "",
			"диапазон RTP портов слишком мал для пары RTP/RTCP")
	}
	if c.Codec.RTPPayloadType() < 0 {
		return newError(ErrorCodeBadConfig, "",
			fmt.Sprintf("кодек %s без статического payload type", c.Codec))
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return newError(ErrorCodeBadConfig, "",
			fmt.Sprintf("DSCP вне диапазона 0-63: %d", c.DSCP))
	}
	if c.Domain == "" {
		return newError(ErrorCodeBadConfig, "", "Domain обязателен")
	}
	return nil
}

// targetURI переводит имя устройства в SIP URI. Устройства вида SIP/имя
// направляются на Domain, строки с префиксом sip: используются как есть.
func (c Config) targetURI(device string) (string, error) {
	switch {
	case strings.HasPrefix(device, "sip:"), strings.HasPrefix(device, "sips:"):
		return device, nil
	case strings.HasPrefix(device, "SIP/"):
		user := strings.TrimPrefix(device, "SIP/")
		if user == "" {
			return "", newError(ErrorCodeDial, device, "пустое имя устройства")
		}
		return "sip:" + user + "@" + c.Domain, nil
	default:
		return "", newError(ErrorCodeDial, device,
			"устройство не в нотации SIP/имя и не sip: URI")
	}
}
