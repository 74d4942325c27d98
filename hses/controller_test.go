package hses

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"
)

// reqFrame is one request datagram as decoded by the simulated
// controller.
type reqFrame struct {
	Division  byte
	Ack       byte
	RequestID byte
	BlockNo   uint32
	Command   uint16
	Instance  uint16
	Attribute byte
	Service   byte
	Data      []byte
}

func decodeReqFrame(b []byte) reqFrame {
	f := reqFrame{
		Division:  b[9],
		Ack:       b[10],
		RequestID: b[11],
		BlockNo:   binary.LittleEndian.Uint32(b[12:16]),
		Command:   binary.LittleEndian.Uint16(b[24:26]),
		Instance:  binary.LittleEndian.Uint16(b[26:28]),
		Attribute: b[28],
		Service:   b[29],
	}
	f.Data = append([]byte(nil), b[32:]...)
	return f
}

// ansFrame is the answer a test handler wants sent back.
type ansFrame struct {
	BlockNo     uint32
	Service     byte
	Status      byte
	AddedStatus uint16
	Data        []byte
}

func (a ansFrame) marshal() []byte {
	out := make([]byte, 0, 32+len(a.Data))
	out = append(out, "YERC"...)
	out = binary.LittleEndian.AppendUint16(out, 0x20)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(a.Data)))
	out = append(out, 3, 1, 1, 0)
	out = binary.LittleEndian.AppendUint32(out, a.BlockNo)
	out = append(out, "99999999"...)
	out = append(out, a.Service, a.Status, 2, 0)
	out = binary.LittleEndian.AppendUint16(out, a.AddedStatus)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = append(out, a.Data...)
	return out
}

func okAnswer(data []byte) *ansFrame {
	return &ansFrame{Status: StatusSuccess, Data: data}
}

// testController simulates one controller on a loopback UDP socket.
// Each received request is recorded and passed to the handler; a nil
// answer means no reply is sent (the final file-transfer ack).
type testController struct {
	t      *testing.T
	pc     net.PacketConn
	handle func(req reqFrame) *ansFrame

	mu     sync.Mutex
	frames []reqFrame
}

func newTestController(t *testing.T, handle func(reqFrame) *ansFrame) *testController {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tc := &testController{t: t, pc: pc, handle: handle}
	t.Cleanup(func() { pc.Close() })
	go tc.serve()
	return tc
}

func (tc *testController) serve() {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := tc.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req := decodeReqFrame(buf[:n])
		tc.mu.Lock()
		tc.frames = append(tc.frames, req)
		tc.mu.Unlock()
		if ans := tc.handle(req); ans != nil {
			tc.pc.WriteTo(ans.marshal(), addr)
		}
	}
}

// client builds a Client pointed at the simulated controller, with both
// divisions served by the same socket.
func (tc *testController) client() *Client {
	port := tc.pc.LocalAddr().(*net.UDPAddr).Port
	return New("127.0.0.1", WithPorts(port, port), WithTimeout(500*time.Millisecond))
}

func (tc *testController) received() []reqFrame {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]reqFrame, len(tc.frames))
	copy(out, tc.frames)
	return out
}

// statusData packs the two controller status words.
func statusData(d1, d2 uint32) []byte {
	out := binary.LittleEndian.AppendUint32(nil, d1)
	return binary.LittleEndian.AppendUint32(out, d2)
}
