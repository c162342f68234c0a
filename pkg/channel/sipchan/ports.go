package sipchan

import (
	"fmt"
	"sync"
)

// portAllocator выдает четные RTP порты из настроенного диапазона.
// Порт+1 резервируется под RTCP.
type portAllocator struct {
	min, max int

	mu   sync.Mutex
	used map[int]bool
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max, used: make(map[int]bool)}
}

// allocate возвращает свободный четный порт, помечая пару занятым.
func (p *portAllocator) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.min
	if start%2 != 0 {
		start++
	}
	for port := start; port < p.max-1; port += 2 {
		if p.used[port] {
			continue
		}
		p.used[port] = true
		return port, nil
	}
	return 0, newError(ErrorCodeTransport, "",
		fmt.Sprintf("нет свободных RTP портов в диапазоне %d-%d", p.min, p.max))
}

// release возвращает пару портов в пул. Идемпотентен.
func (p *portAllocator) release(port int) {
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

// inUse возвращает количество занятых пар.
func (p *portAllocator) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
