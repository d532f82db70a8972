package marlin

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// ErrLinkDown is returned when a line is written to a closed link.
var ErrLinkDown = errors.New("serial link is down")

// Transport is the byte-level contract the protocol controller needs
// from the serial port. Link is the production implementation; tests
// substitute an in-memory fake.
type Transport interface {
	Send(line string) error
	TryReceiveLine() (string, bool)
	Connected() bool
	Close() error
}

// Link owns the duplex serial channel to the motion controller and
// frames the incoming byte stream into newline-terminated lines.
type Link struct {
	logger *zap.Logger

	wmu       sync.Mutex
	rmu       sync.Mutex
	port      serial.Port
	connected bool

	rxTail  []byte   // bytes after the last terminator, kept across reads
	pending []string // framed lines not yet handed out
}

// readProbeTimeout bounds a single port read so TryReceiveLine never
// stalls the reader task when the firmware is quiet.
const readProbeTimeout = 20 * time.Millisecond

// OpenLink opens and configures the serial device. Failure here is
// fatal to the caller: the system cannot operate without the actuator.
func OpenLink(portName string, baud int, logger *zap.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readProbeTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to configure serial port %s: %w", portName, err)
	}

	logger.Info("Serial link opened",
		zap.String("port", portName),
		zap.Int("baud", baud))

	return &Link{
		logger:    logger,
		port:      port,
		connected: true,
	}, nil
}

// Send writes a single line, appending the terminator. Every
// transmitted line is logged.
func (l *Link) Send(line string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	if !l.connected {
		return ErrLinkDown
	}

	if _, err := l.port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}

	l.logger.Info("Sent", zap.String("line", line))
	return nil
}

// TryReceiveLine returns the next complete line from the receive
// buffer, with the trailing carriage return trimmed. It returns false
// when no terminator has been seen yet. Partial lines stay buffered
// until their terminator arrives.
func (l *Link) TryReceiveLine() (string, bool) {
	connected := l.Connected()

	l.rmu.Lock()
	defer l.rmu.Unlock()

	if line, ok := l.popPending(); ok {
		return line, true
	}

	if !connected {
		return "", false
	}

	buf := make([]byte, 256)
	n, err := l.port.Read(buf)
	if err != nil {
		l.logger.Warn("Serial read failed", zap.Error(err))
		return "", false
	}
	if n > 0 {
		l.rxTail = append(l.rxTail, buf[:n]...)
		l.frame()
	}

	return l.popPending()
}

// frame splits the accumulated tail on newlines and queues complete
// lines. Empty lines are dropped, matching the firmware's habit of
// interleaving blank separators.
func (l *Link) frame() {
	for {
		idx := -1
		for i, b := range l.rxTail {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		line := strings.TrimSuffix(string(l.rxTail[:idx]), "\r")
		l.rxTail = l.rxTail[idx+1:]

		if line != "" {
			l.pending = append(l.pending, line)
		}
	}
}

func (l *Link) popPending() (string, bool) {
	if len(l.pending) == 0 {
		return "", false
	}
	line := l.pending[0]
	l.pending = l.pending[1:]
	return line, true
}

// Connected reports whether the link is usable.
func (l *Link) Connected() bool {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.connected
}

// Close tears the link down. Buffered but unread lines are discarded.
func (l *Link) Close() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	if !l.connected {
		return nil
	}

	l.connected = false
	err := l.port.Close()

	l.logger.Info("Serial link closed")
	return err
}
