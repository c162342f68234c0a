package conference

// Поток объявлений: одна горутина на конференцию потребляет типизированную
// очередь объявлений. Вместо condition variable - канал с выделенным
// событием останова.

type announcement struct {
	// sound - имя prompt'а.
	sound string
	// member - чье имя объявляется (announce-join/announce-leave);
	// nil для общих сигналов.
	member *Member
	// except - кому не проигрывать (например, самому вошедшему).
	except *Member
	// review - проиграть записанное имя с прослушиванием.
	review bool
}

type announcer struct {
	conf   *Conference
	ch     chan announcement
	stopCh chan struct{}
	done   chan struct{}
}

func newAnnouncer(c *Conference) *announcer {
	return &announcer{
		conf:   c,
		ch:     make(chan announcement, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue ставит объявление в очередь. Неблокирующий: при переполнении
// объявление теряется, что предпочтительнее остановки тика.
func (a *announcer) enqueue(ann announcement) {
	select {
	case a.ch <- ann:
	default:
		a.conf.log.Warn("очередь объявлений переполнена", "sound", ann.sound)
	}
}

func (a *announcer) run() {
	defer close(a.done)
	for {
		select {
		case <-a.stopCh:
			// Дорабатываем уже поставленные объявления.
			for {
				select {
				case ann := <-a.ch:
					a.play(ann)
				default:
					return
				}
			}
		case ann := <-a.ch:
			a.play(ann)
		}
	}
}

// play проигрывает объявление всем участникам, кроме except. Объявления
// входа/выхода с review дополняются прослушиванием записанного имени.
func (a *announcer) play(ann announcement) {
	c := a.conf
	c.mu.Lock()
	members := append([]*Member(nil), c.members...)
	c.mu.Unlock()

	sound := ann.sound
	if ann.review {
		sound = sound + "-review"
	}
	for _, m := range members {
		if m == ann.except || m.removeFlag.Load() {
			continue
		}
		m.ch.Play(sound)
	}
}

func (a *announcer) stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.done
}
