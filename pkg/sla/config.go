package sla

import (
	"fmt"
	"time"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

// HoldAccess - политика снятия вызова с удержания.
type HoldAccess int

const (
	// HoldAccessOpen разрешает снять удержание любой станции транка.
	HoldAccessOpen HoldAccess = iota
	// HoldAccessPrivate разрешает снять удержание только станции,
	// поставившей вызов на hold.
	HoldAccessPrivate
)

func (a HoldAccess) String() string {
	if a == HoldAccessPrivate {
		return "private"
	}
	return "open"
}

// ParseHoldAccess разбирает значение политики из конфигурации.
func ParseHoldAccess(s string) (HoldAccess, error) {
	switch s {
	case "", "open":
		return HoldAccessOpen, nil
	case "private":
		return HoldAccessPrivate, nil
	}
	return HoldAccessOpen, newError(ErrorCodeBadConfig, s, "неизвестная политика hold")
}

// TrunkConfig - описание транковой линии.
type TrunkConfig struct {
	Name        string
	Device      string
	AutoContext string
	// RingTimeout ограничивает звон транка целиком; 0 - без предела.
	RingTimeout   time.Duration
	BargeDisabled bool
	HoldAccess    HoldAccess
}

// StationTrunk - ссылка станции на транк с пер-транковыми переопределениями.
// Нулевые значения означают станционные умолчания.
type StationTrunk struct {
	Trunk       string
	RingTimeout time.Duration
	RingDelay   time.Duration
}

// StationConfig - описание станции.
type StationConfig struct {
	Name        string
	Device      string
	AutoContext string
	// RingTimeout ограничивает звон станции; 0 - без предела.
	RingTimeout time.Duration
	// RingDelay откладывает звон станции относительно начала звона транка.
	RingDelay  time.Duration
	HoldAccess HoldAccess
	Trunks     []StationTrunk
}

// Config - конфигурация контроллера. Блоки Trunks/Stations декларативны и
// переживают Reload; остальные поля фиксируются на старте.
type Config struct {
	Trunks   []TrunkConfig
	Stations []StationConfig

	// Clock - источник пробуждений таймеров контроллера; nil - медиа
	// тикер. Дедлайны считаются по Clock.Now.
	Clock frame.Clock
	// Metrics - сборщик метрик; nil - метрики отключены.
	Metrics *Metrics
}

// validate проверяет декларативную часть: уникальность имен, разрешимость
// ссылок станций, непустые device.
func (c Config) validate() error {
	trunks := make(map[string]bool, len(c.Trunks))
	for _, t := range c.Trunks {
		if t.Name == "" || t.Device == "" {
			return newError(ErrorCodeBadConfig, t.Name, "транку нужны имя и device")
		}
		if trunks[t.Name] {
			return newError(ErrorCodeBadConfig, t.Name, "дубликат имени транка")
		}
		trunks[t.Name] = true
	}
	stations := make(map[string]bool, len(c.Stations))
	for _, s := range c.Stations {
		if s.Name == "" || s.Device == "" {
			return newError(ErrorCodeBadConfig, s.Name, "станции нужны имя и device")
		}
		if stations[s.Name] {
			return newError(ErrorCodeBadConfig, s.Name, "дубликат имени станции")
		}
		stations[s.Name] = true
		for _, ref := range s.Trunks {
			if !trunks[ref.Trunk] {
				return newError(ErrorCodeBadConfig, s.Name,
					fmt.Sprintf("станция ссылается на неизвестный транк %q", ref.Trunk))
			}
		}
	}
	return nil
}
