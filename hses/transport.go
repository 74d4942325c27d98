package hses

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"motolink/logging"
)

// Default UDP ports of the two HSES sub-channels.
const (
	PortRobotControl = 10040
	PortFileControl  = 10041
)

// Maximum size of a single HSES datagram in either direction.
const maxDatagram = 512

// busMu serializes all HSES traffic in the process, across every client
// instance. The controller models each conversation as a single-session
// state machine, so a robot-control command must never interleave with
// an in-progress multi-packet file-control exchange (or vice versa).
var busMu sync.Mutex

// transport owns the UDP socket and the request/answer exchange
// discipline. A socket is opened lazily per call and closed again at the
// end of that call, unless a session (file transfer) holds it open for a
// multi-call exchange.
type transport struct {
	host      string
	timeout   time.Duration
	robotPort int
	filePort  int

	conn net.Conn
}

// beginSession acquires the process-wide lock and opens a socket to the
// given port, keeping both until endSession. Between the two the holding
// goroutine issues its exchanges through transmitLocked, so one logical
// operation runs several exchanges under a single critical section while
// every concurrent transmit blocks on busMu instead of interleaving.
func (t *transport) beginSession(port int) error {
	busMu.Lock()
	if err := t.open(port); err != nil {
		busMu.Unlock()
		return err
	}
	return nil
}

// endSession closes the session socket and releases the lock.
func (t *transport) endSession() {
	t.close()
	busMu.Unlock()
}

func (t *transport) open(port int) error {
	addr := fmt.Sprintf("%s:%d", t.host, port)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		logging.DebugConnectError("hses", addr, err)
		return err
	}
	logging.DebugConnect("hses", addr)
	t.conn = conn
	return nil
}

func (t *transport) close() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// transmit sends one packet and, if expectReply is set, receives one
// answer datagram within the timeout. Socket failures (including
// timeouts) are not returned as errors: a minimal answer carrying
// StatusConnection and the platform error code is synthesized instead,
// so callers have one uniform success/failure check. Returns nil when
// expectReply is false and the send succeeded.
func (t *transport) transmit(packet []byte, expectReply bool) *Answer {
	busMu.Lock()
	defer busMu.Unlock()
	return t.transmitLocked(packet, expectReply)
}

// transmitLocked is the exchange body. Callable only with busMu held:
// either from transmit, or from the goroutine between beginSession and
// endSession, which reuses the session socket.
func (t *transport) transmitLocked(packet []byte, expectReply bool) *Answer {
	if t.conn == nil {
		if err := t.open(t.robotPort); err != nil {
			return connectionAnswer(err)
		}
		defer t.close()
	}

	t.conn.SetDeadline(time.Now().Add(t.timeout))

	logging.DebugTX("hses", packet)
	if _, err := t.conn.Write(packet); err != nil {
		logging.DebugError("hses", "send", err)
		return connectionAnswer(err)
	}

	if !expectReply {
		return nil
	}

	buf := make([]byte, maxDatagram)
	n, err := t.conn.Read(buf)
	if err != nil {
		logging.DebugError("hses", "recv", err)
		return connectionAnswer(err)
	}
	logging.DebugRX("hses", buf[:n])

	ans, err := ParseAnswer(buf[:n])
	if err != nil {
		logging.DebugError("hses", "parse", err)
		return connectionAnswer(err)
	}
	return ans
}

// connectionAnswer synthesizes an answer for a socket failure so the
// error flows through the normal answer path. The added status carries
// the platform errno when one is available.
func connectionAnswer(err error) *Answer {
	code := uint16(StatusConnection)
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = uint16(errno)
	}
	return &Answer{
		Status:          StatusConnection,
		AddedStatusSize: 1,
		AddedStatus:     code,
	}
}
