package frame

// Операции над линейным PCM. Все функции работают на месте либо пишут в
// заранее выделенный буфер вызывающего: горячий путь микшера не должен
// аллоцировать на каждый кадр.

// MixInto прибавляет src к dst с насыщением. Буферы могут отличаться по
// длине; суммируется пересечение.
func MixInto(dst, src []int16) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] = saturate(int32(dst[i]) + int32(src[i]))
	}
}

// SubtractInto вычитает src из dst с насыщением. Используется микшером для
// исключения собственного вклада говорящего из его же микса.
func SubtractInto(dst, src []int16) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] = saturate(int32(dst[i]) - int32(src[i]))
	}
}

func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ApplyGain применяет программное усиление в шагах. Каждый шаг - сдвиг на
// один бит: положительный усиливает, отрицательный ослабляет. Шаг 0 -
// тождественная операция.
func ApplyGain(samples []int16, steps int) {
	if steps == 0 {
		return
	}
	if steps > 0 {
		for i, s := range samples {
			samples[i] = saturate(int32(s) << uint(steps))
		}
		return
	}
	shift := uint(-steps)
	for i, s := range samples {
		samples[i] = s >> shift
	}
}

// DefaultSpeechThreshold - порог средней энергии, выше которого кадр
// считается речью. Подобран под уровень фонового шума телефонного тракта.
const DefaultSpeechThreshold = 160

// SpeechEnergy возвращает среднюю абсолютную амплитуду кадра.
func SpeechEnergy(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return int(sum / int64(len(samples)))
}

// IsSpeech сообщает, превышает ли энергия кадра порог threshold.
// threshold <= 0 использует DefaultSpeechThreshold.
func IsSpeech(samples []int16, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultSpeechThreshold
	}
	return SpeechEnergy(samples) >= threshold
}
