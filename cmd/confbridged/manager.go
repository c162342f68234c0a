package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/arzzra/conf_bridge/pkg/conference"
)

// managerServer раздает события конференций подключенным TCP клиентам
// блоками ASCII. Клиентский ввод игнорируется, медленный клиент
// отключается.
type managerServer struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]chan string
}

var _ conference.EventSink = (*managerServer)(nil)

func newManagerServer(log *slog.Logger) *managerServer {
	return &managerServer{
		log:   log.With("component", "manager"),
		conns: make(map[net.Conn]chan string),
	}
}

// Emit рассылает событие всем подключенным клиентам без блокировки
// эмиттера.
func (m *managerServer) Emit(e conference.Event) {
	block := e.Marshal()
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn, out := range m.conns {
		select {
		case out <- block:
		default:
			m.log.Warn("клиент не успевает, отключаю", "remote", conn.RemoteAddr())
			delete(m.conns, conn)
			close(out)
		}
	}
}

// serve принимает подключения до отмены контекста.
func (m *managerServer) serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	m.log.Info("слушаю события менеджера", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				m.closeAll()
				return nil
			}
			return err
		}
		go m.handle(ctx, conn)
	}
}

func (m *managerServer) handle(ctx context.Context, conn net.Conn) {
	out := make(chan string, 64)
	m.mu.Lock()
	m.conns[conn] = out
	m.mu.Unlock()
	m.log.Info("клиент подключен", "remote", conn.RemoteAddr())

	// Ввод клиента не интерпретируется; чтение нужно только чтобы
	// заметить разрыв.
	go func() {
		io.Copy(io.Discard, conn)
		m.drop(conn)
	}()

	defer conn.Close()
	for {
		select {
		case block, ok := <-out:
			if !ok {
				return
			}
			if _, err := io.WriteString(conn, block); err != nil {
				m.drop(conn)
				return
			}
		case <-ctx.Done():
			m.drop(conn)
			return
		}
	}
}

// drop снимает клиента с рассылки; безопасно вызывать повторно.
func (m *managerServer) drop(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.conns[conn]; ok {
		delete(m.conns, conn)
		close(out)
	}
	conn.Close()
}

func (m *managerServer) closeAll() {
	m.mu.Lock()
	conns := make([]net.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		m.drop(conn)
	}
}
