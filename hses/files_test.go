package hses

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// sendFileHandler simulates the controller side of a file write: answer
// the filename request with block 0, then echo each chunk's block number
// back.
func sendFileHandler() func(reqFrame) *ansFrame {
	return func(req reqFrame) *ansFrame {
		if req.Ack == AckRequest {
			return &ansFrame{BlockNo: 0, Status: StatusSuccess}
		}
		return &ansFrame{BlockNo: req.BlockNo, Status: StatusSuccess}
	}
}

func TestSendFile(t *testing.T) {
	t.Run("content split into numbered chunks", func(t *testing.T) {
		tc := newTestController(t, sendFileHandler())
		c := tc.client()

		content := bytes.Repeat([]byte{0xab}, 950)
		if err := c.SendFile("TEST.JBI", content); err != nil {
			t.Fatalf("SendFile: %v", err)
		}

		frames := tc.received()
		if len(frames) != 4 {
			t.Fatalf("received %d frames, want 4 (name + 3 chunks)", len(frames))
		}
		first := frames[0]
		if first.Division != byte(DivisionFileControl) || first.Service != SvcFileSend {
			t.Errorf("initial frame division/service = %d/0x%x", first.Division, first.Service)
		}
		if string(first.Data) != "TEST.JBI" {
			t.Errorf("filename on wire = %q, want TEST.JBI", first.Data)
		}

		wantBlocks := []uint32{1, 2, 3 | BlockFinal}
		wantSizes := []int{400, 400, 150}
		for i, f := range frames[1:] {
			if f.Ack != AckNotRequest {
				t.Errorf("chunk %d ack = %d, want %d", i, f.Ack, AckNotRequest)
			}
			if f.BlockNo != wantBlocks[i] {
				t.Errorf("chunk %d block no = 0x%x, want 0x%x", i, f.BlockNo, wantBlocks[i])
			}
			if len(f.Data) != wantSizes[i] {
				t.Errorf("chunk %d size = %d, want %d", i, len(f.Data), wantSizes[i])
			}
		}
	})

	t.Run("exact multiple sends a full final chunk", func(t *testing.T) {
		tc := newTestController(t, sendFileHandler())
		c := tc.client()

		if err := c.SendFile("EVEN.DAT", make([]byte, 800)); err != nil {
			t.Fatalf("SendFile: %v", err)
		}
		frames := tc.received()
		if len(frames) != 3 {
			t.Fatalf("received %d frames, want 3 (name + 2 chunks)", len(frames))
		}
		last := frames[2]
		if last.BlockNo != 2|BlockFinal {
			t.Errorf("final block no = 0x%x, want 0x%x", last.BlockNo, 2|BlockFinal)
		}
		if len(last.Data) != 400 {
			t.Errorf("final chunk size = %d, want 400", len(last.Data))
		}
	})

	t.Run("small file fits one final chunk", func(t *testing.T) {
		tc := newTestController(t, sendFileHandler())
		c := tc.client()

		if err := c.SendFile("SMALL.DAT", []byte("hi")); err != nil {
			t.Fatalf("SendFile: %v", err)
		}
		frames := tc.received()
		if len(frames) != 2 {
			t.Fatalf("received %d frames, want 2", len(frames))
		}
		if frames[1].BlockNo != 1|BlockFinal {
			t.Errorf("block no = 0x%x, want 0x%x", frames[1].BlockNo, 1|BlockFinal)
		}
	})

	t.Run("empty content rejected without traffic", func(t *testing.T) {
		tc := newTestController(t, sendFileHandler())
		c := tc.client()

		if err := c.SendFile("X", nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("error = %v, want ErrInvalidArgument", err)
		}
		if n := len(tc.received()); n != 0 {
			t.Errorf("%d frames sent, want none", n)
		}
	})

	t.Run("missing final-bit echo still ends after the last chunk", func(t *testing.T) {
		tc := newTestController(t, func(req reqFrame) *ansFrame {
			if req.Ack == AckRequest {
				return &ansFrame{BlockNo: 0, Status: StatusSuccess}
			}
			// echo the block number with the final bit stripped
			return &ansFrame{BlockNo: req.BlockNo &^ BlockFinal, Status: StatusSuccess}
		})
		c := tc.client()

		if err := c.SendFile("STRIP.DAT", make([]byte, 950)); err != nil {
			t.Fatalf("SendFile: %v", err)
		}
		frames := tc.received()
		if len(frames) != 4 {
			t.Fatalf("received %d frames, want 4 (name + 3 chunks)", len(frames))
		}
		if last := frames[3]; last.BlockNo != 3|BlockFinal {
			t.Errorf("final block no = 0x%x, want 0x%x", last.BlockNo, 3|BlockFinal)
		}
	})

	t.Run("controller rejection stops the transfer", func(t *testing.T) {
		tc := newTestController(t, func(req reqFrame) *ansFrame {
			return &ansFrame{Status: StatusNoSuchFileOrDir, AddedStatus: 0xe2b3}
		})
		c := tc.client()

		err := c.SendFile("BAD/PATH.JBI", []byte("x"))
		var herr *Error
		if !errors.As(err, &herr) {
			t.Fatalf("error = %v, want *Error", err)
		}
		if herr.Status != StatusNoSuchFileOrDir {
			t.Errorf("status = %d, want %d", herr.Status, StatusNoSuchFileOrDir)
		}
		if got := c.LastAddedStatus(); got != 0xe2b3 {
			t.Errorf("LastAddedStatus = 0x%x, want 0xe2b3", got)
		}
		if n := len(tc.received()); n != 1 {
			t.Errorf("%d frames sent after rejection, want 1", n)
		}
	})
}

// recvFileHandler simulates the controller side of a file read: the
// blocks are served in order, the last one carrying the final bit, and
// each must be acknowledged before the next is sent.
func recvFileHandler(t *testing.T, blocks [][]byte) func(reqFrame) *ansFrame {
	next := 0
	return func(req reqFrame) *ansFrame {
		if req.Ack == AckRequest {
			next = 0
		} else {
			want := uint32(next)
			if next == len(blocks) {
				want |= BlockFinal
			}
			if req.BlockNo != want {
				t.Errorf("ack block no = 0x%x, want 0x%x", req.BlockNo, want)
			}
			if next == len(blocks) {
				return nil // final ack is not answered
			}
		}
		next++
		blockNo := uint32(next)
		if next == len(blocks) {
			blockNo |= BlockFinal
		}
		return &ansFrame{BlockNo: blockNo, Status: StatusSuccess, Data: blocks[next-1]}
	}
}

func TestRecvFile(t *testing.T) {
	blocks := [][]byte{
		bytes.Repeat([]byte{1}, 400),
		bytes.Repeat([]byte{2}, 400),
		bytes.Repeat([]byte{3}, 77),
	}
	tc := newTestController(t, recvFileHandler(t, blocks))
	c := tc.client()

	content, err := c.RecvFile("TEST.JBI")
	if err != nil {
		t.Fatalf("RecvFile: %v", err)
	}
	want := bytes.Join(blocks, nil)
	if !bytes.Equal(content, want) {
		t.Fatalf("content length = %d, want %d", len(content), len(want))
	}

	// wait for the final send-only ack to land
	deadline := time.Now().Add(time.Second)
	for {
		frames := tc.received()
		last := frames[len(frames)-1]
		if last.Ack == AckNotRequest && last.BlockNo == 3|BlockFinal {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("final ack never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecvFileMissing(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		return &ansFrame{Status: StatusNoSuchFileOrDir, AddedStatus: 0xe2b3}
	})
	c := tc.client()

	content, err := c.RecvFile("NOPE.JBI")
	if content != nil {
		t.Errorf("content = %d bytes, want none", len(content))
	}
	var herr *Error
	if !errors.As(err, &herr) || herr.Status != StatusNoSuchFileOrDir {
		t.Fatalf("error = %v, want no-such-file", err)
	}
}

func TestListFiles(t *testing.T) {
	tc := newTestController(t, recvFileHandler(t, [][]byte{
		[]byte("MAIN.JBI\r\nPICK.JBI\r\nPLACE.JBI\r\n"),
	}))
	c := tc.client()

	names, err := c.ListFiles("*.JBI")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"MAIN.JBI", "PICK.JBI", "PLACE.JBI"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	first := tc.received()[0]
	if first.Service != SvcFileList {
		t.Errorf("service = 0x%x, want 0x%x", first.Service, SvcFileList)
	}
	if string(first.Data) != "*.JBI" {
		t.Errorf("pattern on wire = %q, want *.JBI", first.Data)
	}
}

func TestDeleteFile(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Service != SvcFileDelete {
			t.Errorf("service = 0x%x, want 0x%x", req.Service, SvcFileDelete)
		}
		if string(req.Data) != "OLD.JBI" {
			t.Errorf("filename on wire = %q, want OLD.JBI", req.Data)
		}
		return okAnswer(nil)
	})
	c := tc.client()

	if err := c.DeleteFile("OLD.JBI"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if n := len(tc.received()); n != 1 {
		t.Errorf("received %d frames, want 1", n)
	}
}

// A robot-control command issued while a file transfer is in progress
// must wait for the transfer to finish rather than interleave with it.
func TestFileSessionExcludesOtherCommands(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Division == byte(DivisionRobotControl) {
			return okAnswer(statusData(0, 0))
		}
		time.Sleep(20 * time.Millisecond)
		return sendFileHandler()(req)
	})
	c := tc.client()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.SendFile("LONG.DAT", make([]byte, 950)); err != nil {
			t.Errorf("SendFile: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		if _, err := c.Status(); err != nil {
			t.Errorf("Status: %v", err)
		}
	}()
	wg.Wait()

	frames := tc.received()
	first, last := -1, -1
	for i, f := range frames {
		if f.Division == byte(DivisionFileControl) {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	for i := first; i <= last; i++ {
		if frames[i].Division != byte(DivisionFileControl) {
			t.Fatalf("frame %d interleaved a robot-control command inside the file transfer", i)
		}
	}
}
