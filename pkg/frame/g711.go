package frame

// G.711 companding (ITU-T G.711). Встроенная трансляция ulaw/alaw <-> slin:
// единственные кодеки, которые мост транслирует сам. Остальные кодеки
// проходят через внешний Translator.

const ulawBias = 0x84

var ulawSegEnd = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// UlawEncode кодирует один линейный сэмпл в μ-law байт.
func UlawEncode(pcm int16) byte {
	v := int32(pcm)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > 32635 {
		v = 32635
	}
	v += ulawBias
	seg := int32(7)
	for i, end := range ulawSegEnd {
		if v <= end {
			seg = int32(i)
			break
		}
	}
	mantissa := byte((v >> uint(seg+3)) & 0x0F)
	return ^(sign | byte(seg)<<4 | mantissa)
}

// UlawDecode декодирует μ-law байт в линейный сэмпл.
func UlawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	seg := (u >> 4) & 0x07
	mantissa := u & 0x0F
	v := (int32(mantissa)<<3 + ulawBias) << uint(seg)
	v -= ulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// AlawEncode кодирует один линейный сэмпл в A-law байт.
func AlawEncode(pcm int16) byte {
	v := int32(pcm)
	sign := byte(0x80)
	if v < 0 {
		v = -v - 1
		sign = 0
	}
	if v > 32767 {
		v = 32767
	}
	var compressed byte
	if v < 256 {
		compressed = byte(v >> 4)
	} else {
		seg := int32(7)
		for i := int32(1); i < 8; i++ {
			if v < 256<<uint(i) {
				seg = i
				break
			}
		}
		mantissa := byte((v >> uint(seg+3)) & 0x0F)
		compressed = byte(seg)<<4 | mantissa
	}
	return (compressed | sign) ^ 0x55
}

// AlawDecode декодирует A-law байт в линейный сэмпл.
func AlawDecode(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	seg := (a >> 4) & 0x07
	mantissa := int32(a & 0x0F)
	var v int32
	if seg == 0 {
		v = mantissa<<4 + 8
	} else {
		v = (mantissa<<4 + 0x108) << uint(seg-1)
	}
	if sign != 0 {
		return int16(v)
	}
	return int16(-v)
}

// G711Translator транслирует ulaw/alaw <-> slin.
type G711Translator struct {
	codec Codec
}

// NewG711Translator создает транслятор для CodecUlaw или CodecAlaw.
func NewG711Translator(c Codec) *G711Translator {
	return &G711Translator{codec: c}
}

// Codec возвращает кодек транслятора.
func (t *G711Translator) Codec() Codec { return t.codec }

// ToLinear декодирует payload в линейные сэмплы.
func (t *G711Translator) ToLinear(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	if t.codec == CodecAlaw {
		for i, b := range payload {
			out[i] = AlawDecode(b)
		}
	} else {
		for i, b := range payload {
			out[i] = UlawDecode(b)
		}
	}
	return out, nil
}

// FromLinear кодирует линейные сэмплы в payload.
func (t *G711Translator) FromLinear(samples []int16) ([]byte, error) {
	out := make([]byte, len(samples))
	if t.codec == CodecAlaw {
		for i, s := range samples {
			out[i] = AlawEncode(s)
		}
	} else {
		for i, s := range samples {
			out[i] = UlawEncode(s)
		}
	}
	return out, nil
}
