// Package queue реализует ограниченную очередь кадров участника.
//
// На каждого участника заводится по очереди на направление и тип медиа.
// Очередь не блокирует ни при записи, ни при чтении:
//   - Enqueue ниже MaxDepth - O(1); на MaxDepth кадр отбрасывается молча,
//     счетчик потерь растет монотонно
//   - между DropThresholdDepth и MaxDepth потери дозируются по времени,
//     чтобы стравливать перегруженную очередь, не обескровливая ее
//   - Dequeue на пустой очереди возвращает токен тишины; последний кадр
//     кэшируется и переизлучается до трех раз, сглаживая состояние
//     декодера через паузы
package queue

import (
	"sync"
	"time"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// Параметры очереди по умолчанию. При DropThresholdDepth=4 дозированный
// сброс на глубине 15 происходит немедленно, на глубине 0 - не чаще раза
// в 1400 мс.
const (
	DefaultMinBacklog         = 1
	DefaultMaxDepth           = 16
	DefaultDropThresholdDepth = 4

	// cachedEmitCap ограничивает число переизлучений кэшированного кадра.
	cachedEmitCap = 3

	dropGateBase = 1000 * time.Millisecond
	dropGateStep = 100 * time.Millisecond
)

// Config задает параметры ограниченной очереди.
type Config struct {
	// MinBacklog - глубина, ниже которой чтение возвращает тишину.
	MinBacklog int
	// MaxDepth - глубина, на которой запись отбрасывает новейший кадр.
	MaxDepth int
	// DropThresholdDepth - глубина, с которой начинаются дозированные
	// сбросы.
	DropThresholdDepth int
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinBacklog:         DefaultMinBacklog,
		MaxDepth:           DefaultMaxDepth,
		DropThresholdDepth: DefaultDropThresholdDepth,
	}
}

// Stats - счетчики очереди для management статистики.
type Stats struct {
	Depth           int
	Dropped         uint64 // монотонно неубывающий
	SequentialDrops uint64 // подряд идущие потери отправителя
	Enqueued        uint64
	Dequeued        uint64
}

// Queue - ограниченная FIFO очередь кадров. Потокобезопасна; критические
// секции короткие, без I/O под блокировкой.
type Queue struct {
	mu  sync.Mutex
	cfg Config

	frames []*frame.Frame

	dropped  uint64
	seqDrops uint64
	enqueued uint64
	dequeued uint64
	lastDrop time.Time
	haveDrop bool

	cached      *frame.Frame
	cachedEmits int
}

// New создает очередь с конфигурацией cfg. Нулевые поля заменяются
// значениями по умолчанию.
func New(cfg Config) *Queue {
	if cfg.MinBacklog <= 0 {
		cfg.MinBacklog = DefaultMinBacklog
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.DropThresholdDepth <= 0 {
		cfg.DropThresholdDepth = DefaultDropThresholdDepth
	}
	return &Queue{cfg: cfg, frames: make([]*frame.Frame, 0, cfg.MaxDepth)}
}

// Enqueue добавляет кадр в хвост очереди. Возвращает false, если кадр
// отброшен политикой переполнения.
func (q *Queue) Enqueue(f *frame.Frame, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := len(q.frames)
	if depth >= q.cfg.MaxDepth {
		q.drop(now)
		return false
	}
	if depth >= q.cfg.DropThresholdDepth && q.timedDropAllowed(depth, now) {
		q.drop(now)
		return false
	}

	q.frames = append(q.frames, f)
	q.enqueued++
	q.seqDrops = 0
	return true
}

// timedDropAllowed проверяет окно дозированного сброса: очередной сброс
// разрешен, если с прошлого прошло не меньше
// 1000ms − (depth − DropThresholdDepth)·100ms.
func (q *Queue) timedDropAllowed(depth int, now time.Time) bool {
	if !q.haveDrop {
		q.lastDrop = now
		q.haveDrop = true
		return false
	}
	gate := dropGateBase - time.Duration(depth-q.cfg.DropThresholdDepth)*dropGateStep
	if gate < 0 {
		gate = 0
	}
	return now.Sub(q.lastDrop) >= gate
}

func (q *Queue) drop(now time.Time) {
	q.dropped++
	q.seqDrops++
	q.lastDrop = now
	q.haveDrop = true
}

// Dequeue снимает кадр с головы очереди. Ниже MinBacklog возвращает
// (nil, false) - токен тишины. На переходе очереди в пустое состояние
// последний отданный кадр кэшируется и переизлучается до cachedEmitCap раз.
func (q *Queue) Dequeue() (*frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		if q.cached != nil && q.cachedEmits < cachedEmitCap {
			q.cachedEmits++
			return q.cached, true
		}
		return nil, false
	}
	if len(q.frames) < q.cfg.MinBacklog {
		return nil, false
	}

	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.dequeued++

	if len(q.frames) == 0 {
		q.cached = f
		q.cachedEmits = 0
	} else {
		q.cached = nil
	}
	return f, true
}

// Drain удаляет и возвращает все кадры очереди. Сбрасывает кэш.
func (q *Queue) Drain() []*frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = make([]*frame.Frame, 0, q.cfg.MaxDepth)
	q.cached = nil
	q.cachedEmits = 0
	return out
}

// Depth возвращает текущую глубину очереди.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Stats возвращает снимок счетчиков.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:           len(q.frames),
		Dropped:         q.dropped,
		SequentialDrops: q.seqDrops,
		Enqueued:        q.enqueued,
		Dequeued:        q.dequeued,
	}
}
