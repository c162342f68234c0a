package channel

import "sync"

// DeviceState - состояние устройства хоста.
type DeviceState int

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateNotInUse
	DeviceStateInUse
	DeviceStateRinging
	DeviceStateOnHold
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateNotInUse:
		return "not-in-use"
	case DeviceStateInUse:
		return "in-use"
	case DeviceStateRinging:
		return "ringing"
	case DeviceStateOnHold:
		return "on-hold"
	default:
		return "unknown"
	}
}

// DeviceStateHandler вызывается на каждое изменение состояния устройства.
// Вызывается без удержания блокировок нотификатора.
type DeviceStateHandler func(device string, state DeviceState)

// DeviceStateNotifier - процессная шина состояний устройств. Реестр
// конференций публикует in-use на первом входе; SLA подписывается на
// изменения станций.
type DeviceStateNotifier struct {
	mu       sync.RWMutex
	states   map[string]DeviceState
	handlers []DeviceStateHandler
}

// NewDeviceStateNotifier создает пустую шину.
func NewDeviceStateNotifier() *DeviceStateNotifier {
	return &DeviceStateNotifier{states: make(map[string]DeviceState)}
}

// Subscribe регистрирует обработчик изменений.
func (n *DeviceStateNotifier) Subscribe(h DeviceStateHandler) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

// Set публикует состояние устройства. Обработчики зовутся только при
// фактическом изменении.
func (n *DeviceStateNotifier) Set(device string, state DeviceState) {
	n.mu.Lock()
	if n.states[device] == state {
		n.mu.Unlock()
		return
	}
	n.states[device] = state
	handlers := append([]DeviceStateHandler(nil), n.handlers...)
	n.mu.Unlock()

	for _, h := range handlers {
		h(device, state)
	}
}

// Get возвращает последнее опубликованное состояние.
func (n *DeviceStateNotifier) Get(device string) DeviceState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.states[device]
}
