package conference

import "time"

// ScheduledRoom - запись планировщика: бронь комнаты с параметрами
// доступа и временем окончания.
type ScheduledRoom struct {
	// Pin и AdminPin заменяют PIN из строки входа, когда комната
	// забронирована.
	Pin      string
	AdminPin string
	// Options и AdminOptions добавляются к флагам участника
	// в зависимости от роли.
	Options      Options
	AdminOptions Options
	// MaxUsers ограничивает вместимость; 0 - лимит реестра.
	MaxUsers int
	// EndTime - запланированное окончание; нулевое время означает
	// бессрочную комнату.
	EndTime time.Time
}

// Scheduler предоставляет брони комнат. Реализация может читать их из
// файла конфигурации или внешней базы; реестру важен только поиск и
// продление.
type Scheduler interface {
	// Lookup возвращает бронь комнаты на момент now. Отсутствие
	// брони не ошибка: возвращается (nil, nil).
	Lookup(room string, now time.Time) (*ScheduledRoom, error)
	// Extend сдвигает окончание брони до until.
	Extend(room string, until time.Time) error
}

// StaticScheduler - планировщик поверх неизменяемой таблицы комнат.
// Продление меняет только копию в памяти.
type StaticScheduler struct {
	Rooms map[string]*ScheduledRoom
}

var _ Scheduler = (*StaticScheduler)(nil)

func (s *StaticScheduler) Lookup(room string, now time.Time) (*ScheduledRoom, error) {
	r, ok := s.Rooms[room]
	if !ok {
		return nil, nil
	}
	if !r.EndTime.IsZero() && now.After(r.EndTime) {
		return nil, nil
	}
	return r, nil
}

func (s *StaticScheduler) Extend(room string, until time.Time) error {
	r, ok := s.Rooms[room]
	if !ok {
		return newError(ErrorCodeNotFound, room, "бронь комнаты не найдена")
	}
	if until.After(r.EndTime) {
		r.EndTime = until
	}
	return nil
}
