package conference

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Event - management событие моста. Сериализуется в строчно-ориентированный
// ASCII блок: `Event: <имя>`, по строке `Ключ: значение` на поле, пустая
// строка - терминатор блока.
type Event struct {
	Name   string
	Fields map[string]string
}

// Имена management событий.
const (
	EventConferenceJoin         = "ConferenceJoin"
	EventConferenceLeave        = "ConferenceLeave"
	EventConferenceMute         = "ConferenceMute"
	EventConferenceTalking      = "ConferenceTalking"
	EventConferenceEnd          = "ConferenceEnd"
	EventConferenceList         = "ConferenceList"
	EventConferenceListComplete = "ConferenceListComplete"
	EventConferenceJoinDenied   = "ConferenceJoinDenied"
	EventConferenceLock         = "ConferenceLock"
	EventConferenceKick         = "ConferenceKick"
	EventConferenceRecord       = "ConferenceRecord"
	EventDialFailed             = "DialFailed"
)

// NewEvent создает событие с полями. fields - чередование ключ, значение.
func NewEvent(name string, fields ...string) Event {
	e := Event{Name: name, Fields: make(map[string]string, len(fields)/2)}
	for i := 0; i+1 < len(fields); i += 2 {
		e.Fields[fields[i]] = fields[i+1]
	}
	return e
}

// Marshal сериализует событие в ASCII блок. Поля идут в детерминированном
// порядке для стабильности последующего разбора и тестов.
func (e Event) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\r\n", e.Name)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, e.Fields[k])
	}
	b.WriteString("\r\n")
	return b.String()
}

// EventSink принимает management события. Реализации обязаны быть
// потокобезопасны; Emit не должен блокировать надолго - он зовется из
// тика микшера.
type EventSink interface {
	Emit(e Event)
}

// WriterSink пишет события в io.Writer блоками ASCII.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink создает sink поверх w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, e.Marshal())
}

// CaptureSink накапливает события для проверок в тестах.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// NewCaptureSink создает пустой накопитель.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events возвращает снимок накопленных событий.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// ByName возвращает события с именем name в порядке эмиссии.
func (s *CaptureSink) ByName(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// discardSink подставляется, когда хост не дал sink.
type discardSink struct{}

func (discardSink) Emit(Event) {}
