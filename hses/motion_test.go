package hses

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// motionRecorder collects callback events and signals when a terminal
// one (error or finish) arrives.
type motionRecorder struct {
	mu     sync.Mutex
	events []MotionEvent
	done   chan struct{}
}

func newMotionRecorder() *motionRecorder {
	return &motionRecorder{done: make(chan struct{})}
}

func (r *motionRecorder) callback(ev MotionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Err != nil || ev.Finished {
		close(r.done)
	}
}

func (r *motionRecorder) wait(t *testing.T) []MotionEvent {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequence never reached a terminal event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MotionEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestSequenceCompletes(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Command == 0x72 {
			return okAnswer(statusData(0, 0)) // not running
		}
		return okAnswer(nil)
	})
	c := tc.client()
	rec := newMotionRecorder()

	m := MoveTarget{MoveType: MoveJointAbsolute, SpeedClass: SpeedPercent, Speed: 2500}
	waypoints := [][7]int32{{100, 0, 0, 0, 0, 0, 0}, {200, 0, 0, 0, 0, 0, 0}}
	if err := c.StartSequence(m, waypoints, true, rec.callback); err != nil {
		t.Fatalf("StartSequence: %v", err)
	}

	events := rec.wait(t)
	if len(events) != 3 {
		t.Fatalf("events = %+v, want waypoint 0, waypoint 1, finished", events)
	}
	if events[0].Index != 0 || events[1].Index != 1 || !events[2].Finished {
		t.Errorf("events = %+v", events)
	}
	if st := c.MotionState(); st != MotionDone {
		t.Errorf("state = %s, want Done", st)
	}

	// every move frame must be a pulse move carrying the template speed
	for _, f := range tc.received() {
		if f.Command == 0x8a {
			t.Error("cartesian move sent for a pulse sequence")
		}
	}
}

func TestSequenceCancel(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Command == 0x72 {
			return okAnswer(statusData(0x08, 0)) // always running
		}
		return okAnswer(nil)
	})
	c := tc.client()

	m := MoveTarget{MoveType: MoveJointAbsolute, SpeedClass: SpeedPercent, Speed: 2500}
	if err := c.StartSequence(m, [][7]int32{{1, 0, 0, 0, 0, 0, 0}}, true, nil); err != nil {
		t.Fatalf("StartSequence: %v", err)
	}

	// let the sequencer reach the status-polling loop
	deadline := time.Now().Add(2 * time.Second)
	for {
		var polled bool
		for _, f := range tc.received() {
			if f.Command == 0x72 {
				polled = true
			}
		}
		if polled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sequencer never polled status")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.CancelSequence()

	if st := c.MotionState(); st != MotionDone {
		t.Errorf("state after cancel = %s, want Done", st)
	}

	// cancellation must command a hold pulse (on, then off)
	var holds []reqFrame
	for _, f := range tc.received() {
		if f.Command == 0x83 && f.Instance == uint16(PowerHold) {
			holds = append(holds, f)
		}
	}
	if len(holds) != 2 {
		t.Fatalf("hold commands = %d, want 2", len(holds))
	}
	if holds[0].Data[0] != byte(SwitchOn) || holds[1].Data[0] != byte(SwitchOff) {
		t.Errorf("hold sequence = %d then %d, want on then off", holds[0].Data[0], holds[1].Data[0])
	}
}

// Two goroutines cancelling the same sequence must both block until the
// sequencer goroutine is gone, including the one that arrives while the
// state is already Cancelling.
func TestSequenceCancelConcurrent(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Command == 0x72 {
			return okAnswer(statusData(0x08, 0)) // always running
		}
		return okAnswer(nil)
	})
	c := tc.client()

	m := MoveTarget{MoveType: MoveJointAbsolute, SpeedClass: SpeedPercent, Speed: 2500}
	if err := c.StartSequence(m, [][7]int32{{1, 0, 0, 0, 0, 0, 0}}, true, nil); err != nil {
		t.Fatalf("StartSequence: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CancelSequence()
			if st := c.MotionState(); st != MotionDone {
				t.Errorf("state after cancel = %s, want Done", st)
			}
		}()
	}
	wg.Wait()
}

func TestSequenceMoveFailure(t *testing.T) {
	tc := newTestController(t, func(req reqFrame) *ansFrame {
		if req.Command == 0x8b {
			return &ansFrame{Status: 0x08, AddedStatus: 0x2010}
		}
		return okAnswer(statusData(0, 0))
	})
	c := tc.client()
	rec := newMotionRecorder()

	m := MoveTarget{MoveType: MoveJointAbsolute}
	if err := c.StartSequence(m, [][7]int32{{1, 0, 0, 0, 0, 0, 0}}, true, rec.callback); err != nil {
		t.Fatalf("StartSequence: %v", err)
	}

	events := rec.wait(t)
	last := events[len(events)-1]
	if last.Err == nil || last.Index != 0 {
		t.Fatalf("terminal event = %+v, want waypoint 0 failure", last)
	}
	var herr *Error
	if !errors.As(last.Err, &herr) || herr.AddedStatus != 0x2010 {
		t.Errorf("error = %v, want added status 0x2010", last.Err)
	}
	if st := c.MotionState(); st != MotionFailed {
		t.Errorf("state = %s, want Failed", st)
	}
}

func TestSequenceContract(t *testing.T) {
	t.Run("empty waypoint list", func(t *testing.T) {
		tc := newTestController(t, func(req reqFrame) *ansFrame { return okAnswer(nil) })
		c := tc.client()
		if err := c.StartSequence(MoveTarget{}, nil, true, nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("second sequence rejected while running", func(t *testing.T) {
		tc := newTestController(t, func(req reqFrame) *ansFrame {
			if req.Command == 0x72 {
				return okAnswer(statusData(0x08, 0)) // keep it running
			}
			return okAnswer(nil)
		})
		c := tc.client()

		if err := c.StartSequence(MoveTarget{}, [][7]int32{{}}, true, nil); err != nil {
			t.Fatalf("StartSequence: %v", err)
		}
		if err := c.StartSequence(MoveTarget{}, [][7]int32{{}}, true, nil); err == nil {
			t.Error("second StartSequence succeeded while a sequence is running")
		}
		c.CancelSequence()
	})
}

func TestMotionStateString(t *testing.T) {
	if MotionIdle.String() != "Idle" || MotionFailed.String() != "Failed" {
		t.Error("unexpected state names")
	}
	if MotionState(99).String() != "Unknown" {
		t.Error("out-of-range state should be Unknown")
	}
}
