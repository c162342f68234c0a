// Package sla реализует контроллер Shared Line Appearance: парк станций,
// делящих пул транковых линий. Один событийный поток владеет ring
// состоянием (звонящие транки и станции, память отказов), раздает звонки
// по станциям с учетом задержек и таймаутов, обеспечивает hold семантику
// с контролем доступа и barge. Голосовой путь станция↔транк строится
// через ad-hoc конференцию ядра.
package sla

import "fmt"

// ErrorCode определяет типизированные коды ошибок контроллера SLA.
type ErrorCode int

const (
	// Станция или транк не описаны конфигурацией.
	ErrorCodeNotFound ErrorCode = iota + 3000

	// Доступ запрещен: приватный hold чужой станции либо barge при
	// запрете на транке.
	ErrorCodeAccessDenied

	// Транк занят: входящий вызов на транке с уже установленным каналом.
	ErrorCodeBusy

	// Конфигурация противоречива: дубликаты имен, ссылка станции на
	// несуществующий транк, пустой device.
	ErrorCodeBadConfig

	// Исходящий набор не состоялся: dialer не задан либо отказал.
	ErrorCodeDialFailed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNotFound:
		return "NotFound"
	case ErrorCodeAccessDenied:
		return "AccessDenied"
	case ErrorCodeBusy:
		return "Busy"
	case ErrorCodeBadConfig:
		return "BadConfig"
	case ErrorCodeDialFailed:
		return "DialFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error - ошибка контроллера SLA с кодом и именем объекта.
type Error struct {
	Code    ErrorCode
	Object  string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("[sla:%s] %s: %s", e.Code, e.Object, e.Message)
	}
	return fmt.Sprintf("[sla:%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code ErrorCode, object, message string) *Error {
	return &Error{Code: code, Object: object, Message: message}
}

func wrapError(code ErrorCode, object, message string, err error) *Error {
	return &Error{Code: code, Object: object, Message: message, Wrapped: err}
}
