//go:build linux

package sipchan

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux-специфичные настройки медиа сокетов: приоритет, QoS маркировка,
// переиспользование порта и привязка к интерфейсу.

func setSockOptReusePort(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func setSockOptBindToDevice(fd int, device string) error {
	return syscall.SetsockoptString(fd, syscall.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptVoice поднимает приоритет сокета для интерактивного аудио и
// включает busy poll для снижения латентности. Ошибки отдельных опций не
// фатальны: контейнерные ядра часть опций не разрешают.
func setSockOptVoice(fd int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
		// Недоступно в контейнерах без CAP_NET_ADMIN.
	}
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)
	return nil
}

// setSockOptDSCP маркирует трафик для QoS. DSCP занимает старшие 6 бит
// поля TOS.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil
	}
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
