package frame

import (
	"sync"
	"time"
)

// Clock абстрагирует медиа часы микшера. Тесты подставляют ManualClock и
// продвигают время явно; боевой код использует TickerClock поверх time.Ticker.
type Clock interface {
	// Now возвращает текущее время часов.
	Now() time.Time
	// C возвращает канал тиков с интервалом TickInterval.
	C() <-chan time.Time
	// Stop останавливает часы.
	Stop()
}

// TickerClock - часы реального времени.
type TickerClock struct {
	t *time.Ticker
}

// NewTickerClock создает часы с интервалом TickInterval.
func NewTickerClock() *TickerClock {
	return &TickerClock{t: time.NewTicker(TickInterval)}
}

func (c *TickerClock) Now() time.Time      { return time.Now() }
func (c *TickerClock) C() <-chan time.Time { return c.t.C }
func (c *TickerClock) Stop()               { c.t.Stop() }

// ManualClock - управляемые часы для тестов. Advance сдвигает время и
// доставляет один тик; потребитель обязан успевать выбирать канал.
// Now и Advance безопасны для конкурентных вызовов.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
	ch  chan time.Time
}

// NewManualClock создает часы, стоящие на start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, ch: make(chan time.Time, 64)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) C() <-chan time.Time { return c.ch }
func (c *ManualClock) Stop()               {}

// Advance продвигает часы на d и публикует тик.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ch <- now
}

// Tick продвигает часы ровно на один интервал кадра.
func (c *ManualClock) Tick() {
	c.Advance(TickInterval)
}
