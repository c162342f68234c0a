package frame

import "fmt"

// Translator преобразует закодированный звук одного кодека в линейный PCM и
// обратно. Тяжелые кодеки (G.722, GSM, G.729, Opus) предоставляются хостом;
// мост сам реализует только G.711 (см. G711Translator).
type Translator interface {
	Codec() Codec
	ToLinear(payload []byte) ([]int16, error)
	FromLinear(samples []int16) ([]byte, error)
}

// Registry отображает кодек в транслятор. Нулевое значение готово к
// использованию и уже умеет G.711.
type Registry struct {
	translators [MaxCodecs]Translator
}

// NewRegistry возвращает реестр с предустановленными G.711 трансляторами.
func NewRegistry() *Registry {
	r := &Registry{}
	r.translators[CodecUlaw] = NewG711Translator(CodecUlaw)
	r.translators[CodecAlaw] = NewG711Translator(CodecAlaw)
	return r
}

// Register регистрирует транслятор хоста для его кодека.
func (r *Registry) Register(t Translator) error {
	c := t.Codec()
	if c < 0 || c >= MaxCodecs {
		return fmt.Errorf("translator: недопустимый кодек %d", c)
	}
	r.translators[c] = t
	return nil
}

// Lookup возвращает транслятор для кодека, либо nil.
func (r *Registry) Lookup(c Codec) Translator {
	if c < 0 || c >= MaxCodecs {
		return nil
	}
	return r.translators[c]
}

// PathCache - кэш путей трансляции на один тик микшера.
//
// Микшированный линейный кадр транслируется в кодек слушателя лениво, при
// первом слушателе этого кодека; последующие слушатели того же кодека в том
// же тике получают кэшированный результат. Кэш сбрасывается на границе тика.
// Массив фиксированного размера, индекс - Codec; динамическая диспетчеризация
// не нужна.
type PathCache struct {
	slots [MaxCodecs][]byte
	used  [MaxCodecs]bool
}

// Get возвращает кэшированный payload для кодека и признак попадания.
func (p *PathCache) Get(c Codec) ([]byte, bool) {
	if c < 0 || c >= MaxCodecs || !p.used[c] {
		return nil, false
	}
	return p.slots[c], true
}

// Put сохраняет payload кодека до конца тика.
func (p *PathCache) Put(c Codec, payload []byte) {
	if c < 0 || c >= MaxCodecs {
		return
	}
	p.slots[c] = payload
	p.used[c] = true
}

// Reset инвалидирует кэш. Вызывается микшером на границе каждого тика.
func (p *PathCache) Reset() {
	for i := range p.used {
		p.used[i] = false
		p.slots[i] = nil
	}
}
