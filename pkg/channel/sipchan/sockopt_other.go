//go:build !linux

package sipchan

// Заглушки платформенных опций: вне Linux сокеты работают с настройками
// ядра по умолчанию.

func setSockOptReusePort(fd int) error { return nil }

func setSockOptBindToDevice(fd int, device string) error { return nil }

func setSockOptVoice(fd int) error { return nil }

func setSockOptDSCP(fd, dscp int) error { return nil }
