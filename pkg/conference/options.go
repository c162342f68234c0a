package conference

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options - разобранные опции входа участника. Зеркалируются в user-flags
// участника при входе.
type Options struct {
	Admin  bool // a: режим администратора
	Marked bool // A: marked участник

	Dynamic    bool // d: динамическое создание
	DynamicPin bool // D: динамическое создание с запросом PIN
	Empty      bool // e: выбрать пустую конференцию
	EmptyNoPin bool // E: выбрать пустую конференцию без PIN

	ListenOnly bool // l: только слушает
	TalkOnly   bool // t: только говорит
	StartMuted bool // m: входит с self-mute

	MOHWhenAlone bool   // M: music-on-hold, пока один
	MOHClass     string // класс MOH, пустой - по умолчанию

	Quiet        bool // q: без enter/leave сигналов
	Record       bool // r: записывать конференцию
	Menu         bool // s: меню по *
	TalkerDetect bool // T: события talker-детектора

	ExitKeys        string // p: выход по любой из клавиш (по умолчанию #)
	AlwaysPromptPin bool   // P: всегда запрашивать PIN

	ExitToDialplan    bool // X: выход в dialplan по одной цифре
	CloseOnLastMarked bool // x: закрыть по выходу последнего marked
	ContinueOnKick    bool // C: продолжить в dialplan после kick

	SuppressFirstPerson bool // 1: не проигрывать "вы первый"
	AnnounceJoinLeave   bool // i/I: объявлять вход/выход
	AnnounceReview      bool // i: с прослушиванием записанного имени

	PassDTMF       bool // F: транслировать DTMF остальным
	OptimizeTalker bool // o: не кодировать молчащих

	KickAfter time.Duration // S:n - kick через n секунд

	// L:x:y:z - лимит x мс, предупреждение за y мс, повтор каждые z мс.
	TimeLimit     time.Duration
	WarnRemaining time.Duration
	WarnRepeat    time.Duration

	WaitMarked time.Duration // W:n - ждать marked до n секунд
}

// ParseJoinString разбирает строку входа `CONF-NAME,FLAGS[,PIN]`.
func ParseJoinString(s string) (name string, opts Options, pin string, err error) {
	parts := strings.SplitN(s, ",", 3)
	name = strings.TrimSpace(parts[0])
	if name == "" {
		return "", Options{}, "", fmt.Errorf("conference: пустое имя конференции в %q", s)
	}
	if len(parts) > 1 {
		opts, err = ParseFlags(parts[1])
		if err != nil {
			return "", Options{}, "", err
		}
	}
	if len(parts) > 2 {
		pin = parts[2]
	}
	return name, opts, pin, nil
}

// ParseFlags разбирает поле FLAGS - конкатенацию однобуквенных опций.
//
// Аргументы числовых опций S:n, L:x:y:z, W:n читаются жадно по цифрам и
// двоеточиям. Опции M и p принимают аргумент в скобках (M(class), p(keys))
// либо после `=`; в `=`-форме аргумент идет до конца поля.
func ParseFlags(flags string) (Options, error) {
	var o Options
	r := []rune(flags)
	for i := 0; i < len(r); i++ {
		switch r[i] {
		case 'a':
			o.Admin = true
		case 'A':
			o.Marked = true
		case 'd':
			o.Dynamic = true
		case 'D':
			o.Dynamic = true
			o.DynamicPin = true
		case 'e':
			o.Empty = true
		case 'E':
			o.Empty = true
			o.EmptyNoPin = true
		case 'l':
			o.ListenOnly = true
		case 't':
			o.TalkOnly = true
		case 'm':
			o.StartMuted = true
		case 'M':
			o.MOHWhenAlone = true
			if arg, next, ok := takeArg(r, i); ok {
				o.MOHClass = arg
				i = next
			}
		case 'q':
			o.Quiet = true
		case 'r':
			o.Record = true
		case 's':
			o.Menu = true
		case 'T':
			o.TalkerDetect = true
		case 'p':
			o.ExitKeys = "#"
			if arg, next, ok := takeArg(r, i); ok {
				if arg != "" {
					o.ExitKeys = arg
				}
				i = next
			}
		case 'P':
			o.AlwaysPromptPin = true
		case 'X':
			o.ExitToDialplan = true
		case 'x':
			o.CloseOnLastMarked = true
		case 'C':
			o.ContinueOnKick = true
		case '1':
			o.SuppressFirstPerson = true
		case 'i':
			o.AnnounceJoinLeave = true
			o.AnnounceReview = true
		case 'I':
			o.AnnounceJoinLeave = true
		case 'F':
			o.PassDTMF = true
		case 'o':
			o.OptimizeTalker = true
		case 'S':
			n, next, err := takeNumber(r, i, flags)
			if err != nil {
				return Options{}, err
			}
			o.KickAfter = time.Duration(n) * time.Second
			i = next
		case 'W':
			n, next, err := takeNumber(r, i, flags)
			if err != nil {
				return Options{}, err
			}
			o.WaitMarked = time.Duration(n) * time.Second
			i = next
		case 'L':
			vals, next, err := takeNumbers(r, i, flags)
			if err != nil {
				return Options{}, err
			}
			if len(vals) > 0 {
				o.TimeLimit = time.Duration(vals[0]) * time.Millisecond
			}
			if len(vals) > 1 {
				o.WarnRemaining = time.Duration(vals[1]) * time.Millisecond
			}
			if len(vals) > 2 {
				o.WarnRepeat = time.Duration(vals[2]) * time.Millisecond
			}
			i = next
		default:
			return Options{}, fmt.Errorf("conference: неизвестная опция %q в %q", string(r[i]), flags)
		}
	}
	if o.ListenOnly && o.TalkOnly {
		return Options{}, fmt.Errorf("conference: опции l и t несовместимы")
	}
	return o, nil
}

// String сериализует опции обратно в поле FLAGS. Результат разбирается
// ParseFlags в те же опции.
func (o Options) String() string {
	var b strings.Builder
	flag := func(set bool, c byte) {
		if set {
			b.WriteByte(c)
		}
	}
	flag(o.Admin, 'a')
	flag(o.Marked, 'A')
	switch {
	case o.DynamicPin:
		b.WriteByte('D')
	case o.Dynamic:
		b.WriteByte('d')
	}
	switch {
	case o.EmptyNoPin:
		b.WriteByte('E')
	case o.Empty:
		b.WriteByte('e')
	}
	flag(o.ListenOnly, 'l')
	flag(o.TalkOnly, 't')
	flag(o.StartMuted, 'm')
	if o.MOHWhenAlone {
		b.WriteByte('M')
		if o.MOHClass != "" {
			fmt.Fprintf(&b, "(%s)", o.MOHClass)
		}
	}
	flag(o.Quiet, 'q')
	flag(o.Record, 'r')
	flag(o.Menu, 's')
	flag(o.TalkerDetect, 'T')
	if o.ExitKeys != "" {
		b.WriteByte('p')
		if o.ExitKeys != "#" {
			fmt.Fprintf(&b, "(%s)", o.ExitKeys)
		}
	}
	flag(o.AlwaysPromptPin, 'P')
	flag(o.ExitToDialplan, 'X')
	flag(o.CloseOnLastMarked, 'x')
	flag(o.ContinueOnKick, 'C')
	flag(o.SuppressFirstPerson, '1')
	if o.AnnounceJoinLeave {
		if o.AnnounceReview {
			b.WriteByte('i')
		} else {
			b.WriteByte('I')
		}
	}
	flag(o.PassDTMF, 'F')
	flag(o.OptimizeTalker, 'o')
	if o.KickAfter > 0 {
		fmt.Fprintf(&b, "S:%d", int(o.KickAfter/time.Second))
	}
	if o.WaitMarked > 0 {
		fmt.Fprintf(&b, "W:%d", int(o.WaitMarked/time.Second))
	}
	if o.TimeLimit > 0 {
		fmt.Fprintf(&b, "L:%d", int(o.TimeLimit/time.Millisecond))
		if o.WarnRemaining > 0 {
			fmt.Fprintf(&b, ":%d", int(o.WarnRemaining/time.Millisecond))
			if o.WarnRepeat > 0 {
				fmt.Fprintf(&b, ":%d", int(o.WarnRepeat/time.Millisecond))
			}
		}
	}
	return b.String()
}

// takeArg читает аргумент опции в позиции i: `(arg)` либо `=arg` до конца
// поля. Возвращает аргумент и индекс последнего поглощенного символа.
func takeArg(r []rune, i int) (arg string, next int, ok bool) {
	if i+1 >= len(r) {
		return "", i, false
	}
	switch r[i+1] {
	case '(':
		j := i + 2
		for j < len(r) && r[j] != ')' {
			j++
		}
		return string(r[i+2 : j]), j, true
	case '=':
		return string(r[i+2:]), len(r) - 1, true
	default:
		return "", i, false
	}
}

// takeNumber читает `:n` после опции в позиции i.
func takeNumber(r []rune, i int, flags string) (int, int, error) {
	vals, next, err := takeNumbers(r, i, flags)
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 1 {
		return 0, 0, fmt.Errorf("conference: опция %q ожидает одно число в %q", string(r[i]), flags)
	}
	return vals[0], next, nil
}

// takeNumbers читает `:x[:y[:z]]` после опции в позиции i.
func takeNumbers(r []rune, i int, flags string) ([]int, int, error) {
	opt := string(r[i])
	if i+1 >= len(r) || r[i+1] != ':' {
		return nil, 0, fmt.Errorf("conference: опция %q требует аргумент в %q", opt, flags)
	}
	j := i + 1
	var vals []int
	for j < len(r) && r[j] == ':' {
		k := j + 1
		for k < len(r) && r[k] >= '0' && r[k] <= '9' {
			k++
		}
		if k == j+1 {
			return nil, 0, fmt.Errorf("conference: опция %q с пустым числом в %q", opt, flags)
		}
		n, err := strconv.Atoi(string(r[j+1 : k]))
		if err != nil {
			return nil, 0, fmt.Errorf("conference: опция %q: %w", opt, err)
		}
		vals = append(vals, n)
		j = k
	}
	return vals, j - 1, nil
}
