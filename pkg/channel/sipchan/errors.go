// Package sipchan реализует SIP/RTP драйвер исходящих вызовов поверх
// sipgo. Драйвер выполняет роль channel.Dialer: строит INVITE диалог,
// согласует аудио через SDP offer/answer и поднимает RTP сессию (UDP,
// опционально DTLS) для обмена кадрами с ядром моста.
package sipchan

import "fmt"

// ErrorCode определяет типизированные коды ошибок драйвера.
type ErrorCode int

const (
	// Конфигурация драйвера противоречива.
	ErrorCodeBadConfig ErrorCode = iota + 4000

	// Не удалось создать или настроить медиа транспорт.
	ErrorCodeTransport

	// SDP offer/answer не построился или не разобрался.
	ErrorCodeSDP

	// Отправка или сопровождение INVITE транзакции не удались.
	ErrorCodeDial

	// Операция над закрытым драйвером или разорванным каналом.
	ErrorCodeClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeBadConfig:
		return "BadConfig"
	case ErrorCodeTransport:
		return "Transport"
	case ErrorCodeSDP:
		return "SDP"
	case ErrorCodeDial:
		return "Dial"
	case ErrorCodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error - ошибка драйвера с кодом и адресом/устройством.
type Error struct {
	Code    ErrorCode
	Device  string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("[sipchan:%s] %s: %s", e.Code, e.Device, e.Message)
	}
	return fmt.Sprintf("[sipchan:%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code ErrorCode, device, message string) *Error {
	return &Error{Code: code, Device: device, Message: message}
}

func wrapError(code ErrorCode, device, message string, err error) *Error {
	return &Error{Code: code, Device: device, Message: message, Wrapped: err}
}
