// Package conference реализует ядро конференц-моста: реестр конференций,
// участников с ограниченными очередями кадров, микширующий движок на медиа
// часах, административную поверхность, dial-out и management события.
package conference

import "fmt"

// ErrorCode определяет типизированные коды ошибок ядра конференций.
// Классы соответствуют политике обработки: локальные ошибки ретраятся,
// ошибки удаленной стороны уходят событиями, фатальные ошибки завершают
// конференцию, но не реестр.
type ErrorCode int

const (
	// Ресурсы исчерпаны: микширующий субстрат отказал, очередь на
	// MaxDepth при устойчивом backpressure, достигнут лимит конференций.
	ErrorCodeResourceExhausted ErrorCode = iota + 2000

	// Конференция или участник не существует для админ команды.
	ErrorCodeNotFound

	// Доступ запрещен: конференция заперта, PIN не подошел после
	// повторов, barge запрещен, приватный hold.
	ErrorCodeAccessDenied

	// Конференция требует marked участника, ожидание истекло.
	ErrorCodePolicyReject

	// Удаленная сторона разорвала канал, не ответила или вернула
	// congestion.
	ErrorCodeRemotePeerFailure

	// Микшер не может продвигаться: часы стоят дольше секунды либо
	// транслятор устойчиво возвращает пустой результат.
	ErrorCodeFatal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeResourceExhausted:
		return "ResourceExhausted"
	case ErrorCodeNotFound:
		return "NotFound"
	case ErrorCodeAccessDenied:
		return "AccessDenied"
	case ErrorCodePolicyReject:
		return "PolicyReject"
	case ErrorCodeRemotePeerFailure:
		return "RemotePeerFailure"
	case ErrorCodeFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error - ошибка ядра конференций с кодом, именем конференции и контекстом.
type Error struct {
	Code       ErrorCode
	Conference string
	Message    string
	Context    map[string]interface{}
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Conference != "" {
		return fmt.Sprintf("[conf:%s] %s: %s", e.Code, e.Conference, e.Message)
	}
	return fmt.Sprintf("[conf:%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// newError создает ошибку ядра.
func newError(code ErrorCode, conf, message string) *Error {
	return &Error{Code: code, Conference: conf, Message: message}
}

// wrapError оборачивает err в ошибку ядра.
func wrapError(code ErrorCode, conf, message string, err error) *Error {
	return &Error{Code: code, Conference: conf, Message: message, Wrapped: err}
}

// HasCode проверяет, несет ли цепочка ошибок указанный код.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
