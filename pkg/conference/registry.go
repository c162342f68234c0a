package conference

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/frame"
)

// numericSlots - размер карты занятости числовых имен.
const numericSlots = 1024

// numericNameDigits - максимум цифр числового имени конференции.
// Исторически источник колебался между 4 и 30; принято 4 везде.
const numericNameDigits = 4

// Config - конфигурация реестра конференций.
type Config struct {
	// MaxConferences ограничивает число одновременных конференций;
	// 0 - без лимита.
	MaxConferences int
	// DefaultMaxUsers - лимит участников новой конференции; 0 - без
	// лимита.
	DefaultMaxUsers int
	// ExtendIncrement - шаг продления лимитов времени.
	ExtendIncrement time.Duration
	// RecordingDir - каталог файлов записи.
	RecordingDir string
	// NewClock создает медиа часы конференции; nil - реальный тикер.
	NewClock func() frame.Clock
	// Now - источник времени реестра; nil - time.Now.
	Now func() time.Time
	// Scheduler - внешний realtime интерфейс плановых комнат; nil -
	// интеграция отключена.
	Scheduler Scheduler
	// Metrics - сборщик метрик; nil - метрики отключены.
	Metrics *Metrics
}

// Registry - процессный реестр конференций: отображение имя → конференция,
// создание и снос, карта занятости числовых имен. Доступ к глобальному
// состоянию только через конструктор, не через ambient globals.
type Registry struct {
	log         *slog.Logger
	sink        EventSink
	translators *frame.Registry
	notifier    *channel.DeviceStateNotifier
	cfg         Config
	scheduler   Scheduler
	metrics     *Metrics

	mu    sync.Mutex
	confs map[string]*Conference
	// numericInUse - 1024-битная карта занятых числовых имен.
	numericInUse [numericSlots / 64]uint64
}

// NewRegistry создает реестр. log nil - slog.Default(); sink nil - события
// отбрасываются.
func NewRegistry(cfg Config, log *slog.Logger, sink EventSink, notifier *channel.DeviceStateNotifier) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = discardSink{}
	}
	if notifier == nil {
		notifier = channel.NewDeviceStateNotifier()
	}
	if cfg.ExtendIncrement <= 0 {
		cfg.ExtendIncrement = 5 * time.Minute
	}
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = "."
	}
	return &Registry{
		log:         log.With("component", "conference-registry"),
		sink:        sink,
		translators: frame.NewRegistry(),
		notifier:    notifier,
		cfg:         cfg,
		scheduler:   cfg.Scheduler,
		metrics:     cfg.Metrics,
		confs:       make(map[string]*Conference),
	}
}

// Translators возвращает реестр трансляторов для регистрации кодеков хоста.
func (r *Registry) Translators() *frame.Registry { return r.translators }

// Notifier возвращает шину состояний устройств.
func (r *Registry) Notifier() *channel.DeviceStateNotifier { return r.notifier }

// Sink возвращает приемник management событий.
func (r *Registry) Sink() EventSink { return r.sink }

// FindOrCreate находит конференцию по точному имени либо создает новую,
// если makeIfAbsent. Повторное создание не ошибка: возвращается
// существующая конференция с инкрементом счетчика ссылок.
func (r *Registry) FindOrCreate(name, pin, adminPin string, makeIfAbsent, dynamic bool, ch channel.Channel) (*Conference, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.confs[name]; ok {
		c.refs.Add(1)
		return c, false, nil
	}
	if !makeIfAbsent && !dynamic {
		return nil, false, newError(ErrorCodeNotFound, name, "конференция не существует")
	}
	if r.cfg.MaxConferences > 0 && len(r.confs) >= r.cfg.MaxConferences {
		return nil, false, newError(ErrorCodeResourceExhausted, name, "достигнут лимит конференций")
	}

	var endTime time.Time
	maxUsers := r.cfg.DefaultMaxUsers
	if r.scheduler != nil {
		room, err := r.scheduler.Lookup(name, r.now())
		if err != nil {
			return nil, false, wrapError(ErrorCodeRemotePeerFailure, name, "планировщик недоступен", err)
		}
		if room != nil {
			// Бронь авторитетна: ее PIN'ы и лимиты перекрывают
			// переданные из строки входа.
			pin, adminPin = room.Pin, room.AdminPin
			if room.MaxUsers > 0 {
				maxUsers = room.MaxUsers
			}
			endTime = room.EndTime
		}
	}

	c := newConference(r, name, pin, adminPin, ch)
	if maxUsers != r.cfg.DefaultMaxUsers {
		c.mu.Lock()
		c.maxUsers = maxUsers
		c.mu.Unlock()
	}
	if !endTime.IsZero() {
		c.SetEndTime(endTime)
	}
	r.confs[name] = c
	if slot, ok := numericSlot(name); ok {
		r.numericInUse[slot/64] |= 1 << (slot % 64)
	}
	r.metrics.confCreated(len(r.confs))
	r.log.Info("конференция создана", "conf", name, "dynamic", dynamic)
	return c, true, nil
}

// Find возвращает конференцию без изменения счетчика ссылок.
func (r *Registry) Find(name string) (*Conference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.confs[name]
	return c, ok
}

// Release отпускает долю вызывающего. Публичная обертка dispose.
func (r *Registry) Release(c *Conference) {
	r.dispose(c)
}

// dispose атомарно декрементирует счетчик ссылок; на нуле конференция
// останавливается, очереди дренируются, запись завершается, поток
// объявлений присоединяется, бит числового имени очищается.
func (r *Registry) dispose(c *Conference) {
	if c.refs.Add(-1) > 0 {
		return
	}

	r.mu.Lock()
	if cur, ok := r.confs[c.name]; ok && cur == c {
		delete(r.confs, c.name)
		if slot, ok := numericSlot(c.name); ok {
			r.numericInUse[slot/64] &^= 1 << (slot % 64)
		}
	}
	remaining := len(r.confs)
	r.mu.Unlock()

	// Остановка асинхронна: dispose зовется в том числе из тика микшера
	// (удаление последнего участника), а shutdown ждет выхода цикла.
	go c.shutdown()
	r.metrics.confDestroyed(remaining)
	r.log.Info("конференция уничтожена", "conf", c.name)
}

// Enumerate возвращает снимок активных конференций.
func (r *Registry) Enumerate() []*Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conference, 0, len(r.confs))
	for _, c := range r.confs {
		out = append(out, c)
	}
	return out
}

// LowestFreeNumeric возвращает наименьшее свободное числовое имя - запрос
// «найти пустую комнату» за O(n) по карте.
func (r *Registry) LowestFreeNumeric() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for word := range r.numericInUse {
		if r.numericInUse[word] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if r.numericInUse[word]&(1<<bit) == 0 {
				return word*64 + bit, true
			}
		}
	}
	return 0, false
}

// numericSlot разбирает имя как числовое (не более numericNameDigits цифр,
// диапазон [0, numericSlots)).
func numericSlot(name string) (int, bool) {
	if len(name) == 0 || len(name) > numericNameDigits {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(name)
	if err != nil || n >= numericSlots {
		return 0, false
	}
	return n, true
}

// deviceState публикует состояние устройства конференции.
func (r *Registry) deviceState(conf string, st channel.DeviceState) {
	r.notifier.Set("conference:"+conf, st)
}

// newClock создает медиа часы конференции.
func (r *Registry) newClock() frame.Clock {
	if r.cfg.NewClock != nil {
		return r.cfg.NewClock()
	}
	return frame.NewTickerClock()
}

// now - время реестра (часы первой попавшейся конференции тут не годятся:
// у каждой конференции свои часы).
func (r *Registry) now() time.Time {
	if r.cfg.Now != nil {
		return r.cfg.Now()
	}
	return time.Now()
}

// EmitList испускает поток ConferenceList, завершенный
// ConferenceListComplete.
func (r *Registry) EmitList() {
	confs := r.Enumerate()
	for _, c := range confs {
		c.mu.Lock()
		r.sink.Emit(NewEvent(EventConferenceList,
			"Conference", c.name,
			"Members", strconv.Itoa(len(c.members)),
			"Locked", strconv.FormatBool(c.locked),
			"Recording", c.recFSM.Current(),
		))
		c.mu.Unlock()
	}
	r.sink.Emit(NewEvent(EventConferenceListComplete, "Items", strconv.Itoa(len(confs))))
}
