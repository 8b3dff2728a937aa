package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// maxDatagramSize bounds the receive buffer. Discovery packets are
	// far smaller; anything larger is dropped.
	maxDatagramSize = 1280

	// maxReopenAttempts bounds socket reopen retries after a persistent
	// read failure before the transport gives up and closes.
	maxReopenAttempts = 3

	reopenBackoff = 500 * time.Millisecond
	readTimeout   = 100 * time.Millisecond
)

// UDPTransport implements Transport over a UDP socket. It owns the
// socket and runs a background read loop until closed.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handler    DatagramHandler
	mu         sync.RWMutex
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewUDPTransport opens a UDP socket on listenAddr and starts the read
// loop. Use ":0" to listen on an ephemeral port.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Cause: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		ctx:        ctx,
		cancel:     cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     t.listenAddr.String(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// SetHandler installs the handler for incoming datagrams.
func (t *UDPTransport) SetHandler(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send transmits a datagram to the specified address.
func (t *UDPTransport) Send(data []byte, addr net.Addr) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if _, err := conn.WriteTo(data, addr); err != nil {
		return &TransportError{Op: "send", Cause: err}
	}
	return nil
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listenAddr
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		err = conn.Close()
		t.wg.Wait()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"addr":     t.listenAddr.String(),
		}).Info("UDP transport closed")
	})
	return err
}

// readLoop receives datagrams until the transport is closed. Each
// datagram is handed to the handler on its own goroutine so a slow
// handler never blocks the socket.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !t.recoverReadError(err) {
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		t.dispatch(data, addr)
	}
}

// recoverReadError attempts to reopen the socket after a persistent
// read failure. Returns false when the loop should exit.
func (t *UDPTransport) recoverReadError(readErr error) bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
	}

	logrus.WithFields(logrus.Fields{
		"function": "recoverReadError",
		"error":    readErr.Error(),
	}).Warn("UDP read failed, reopening socket")

	for attempt := 1; attempt <= maxReopenAttempts; attempt++ {
		time.Sleep(reopenBackoff)
		select {
		case <-t.ctx.Done():
			return false
		default:
		}

		conn, err := net.ListenPacket("udp", t.listenAddr.String())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "recoverReadError",
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Socket reopen failed")
			continue
		}

		t.mu.Lock()
		_ = t.conn.Close()
		t.conn = conn
		t.listenAddr = conn.LocalAddr()
		t.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "recoverReadError",
			"attempt":  attempt,
			"addr":     conn.LocalAddr().String(),
		}).Info("Socket reopened")
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function": "recoverReadError",
		"attempts": maxReopenAttempts,
	}).Error("Socket reopen attempts exhausted, transport closing")
	t.cancel()
	return false
}

// dispatch hands a datagram to the installed handler, if any.
func (t *UDPTransport) dispatch(data []byte, addr net.Addr) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return
	}
	go handler(data, addr)
}
