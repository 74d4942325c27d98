package hses

import (
	"fmt"
	"sync"
	"time"

	"motolink/logging"
)

// MotionState is the lifecycle state of a waypoint sequence.
type MotionState int32

const (
	MotionIdle MotionState = iota
	MotionMoving
	MotionCancelling
	MotionDone
	MotionFailed
)

func (s MotionState) String() string {
	switch s {
	case MotionIdle:
		return "Idle"
	case MotionMoving:
		return "Moving"
	case MotionCancelling:
		return "Cancelling"
	case MotionDone:
		return "Done"
	case MotionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MotionEvent reports sequence progress. Exactly one of the fields is
// meaningful per event: Index for a reached waypoint, Err for a failure,
// Finished for successful completion of the whole sequence.
type MotionEvent struct {
	Index    int
	Err      error
	Finished bool
}

// MotionCallback receives progress events. It is invoked synchronously
// from the sequencer goroutine, so it must not block for long.
type MotionCallback func(MotionEvent)

// statusPollInterval is how often run status is sampled between
// waypoints.
const statusPollInterval = 100 * time.Millisecond

// sequencer drives a multi-waypoint move in the background, polling
// controller status between waypoints. At most one sequence runs at a
// time per client.
type sequencer struct {
	c *Client

	mu     sync.Mutex
	state  MotionState
	cancel chan struct{}
	done   chan struct{}
}

func newSequencer(c *Client) *sequencer {
	return &sequencer{c: c, state: MotionIdle}
}

// MotionState returns the state of the current or last waypoint
// sequence.
func (c *Client) MotionState() MotionState {
	c.seq.mu.Lock()
	defer c.seq.mu.Unlock()
	return c.seq.state
}

// StartSequence begins a background waypoint sequence. The move template
// m is reused for every waypoint with only the position rewritten; when
// pulse is true waypoints are pulse positions, otherwise cartesian
// poses. Only one sequence may be active per client.
func (c *Client) StartSequence(m MoveTarget, waypoints [][7]int32, pulse bool, cb MotionCallback) error {
	if len(waypoints) == 0 {
		return errInvalidArgument("StartSequence", "empty waypoint list")
	}

	s := c.seq
	s.mu.Lock()
	if s.state == MotionMoving || s.state == MotionCancelling {
		s.mu.Unlock()
		return fmt.Errorf("StartSequence: a sequence is already running")
	}
	s.state = MotionMoving
	s.cancel = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(m, waypoints, pulse, cb)
	return nil
}

// CancelSequence requests cooperative cancellation and blocks until the
// sequencer goroutine has commanded the robot to stop and exited. A
// concurrent caller that arrives while cancellation is already underway
// blocks until the same exit. Safe to call when no sequence is running.
func (c *Client) CancelSequence() {
	s := c.seq
	s.mu.Lock()
	if s.state != MotionMoving && s.state != MotionCancelling {
		s.mu.Unlock()
		return
	}
	if s.state == MotionMoving {
		s.state = MotionCancelling
		close(s.cancel)
	}
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *sequencer) setState(st MotionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *sequencer) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *sequencer) run(m MoveTarget, waypoints [][7]int32, pulse bool, cb MotionCallback) {
	defer close(s.done)

	emit := func(ev MotionEvent) {
		if cb != nil {
			cb(ev)
		}
	}

	move := func(axes [7]int32) error {
		m.Axes = axes
		if pulse {
			return s.c.MovePulse(m)
		}
		return s.c.Move(m)
	}

	for i, wp := range waypoints {
		if s.cancelled() {
			s.stopMotion()
			s.setState(MotionDone)
			return
		}

		if err := move(wp); err != nil {
			logging.DebugError("hses", fmt.Sprintf("sequence waypoint %d", i), err)
			s.setState(MotionFailed)
			emit(MotionEvent{Index: i, Err: err})
			return
		}
		emit(MotionEvent{Index: i})

		// Poll until the controller reports not-running, a cancellation
		// is observed, or a status read fails.
		for {
			if s.cancelled() {
				s.stopMotion()
				s.setState(MotionDone)
				return
			}
			st, err := s.c.Status()
			if err != nil {
				s.setState(MotionFailed)
				emit(MotionEvent{Index: i, Err: err})
				return
			}
			if !st.Running {
				break
			}
			time.Sleep(statusPollInterval)
		}
	}

	s.setState(MotionDone)
	emit(MotionEvent{Finished: true})
}

// stopMotion commands an immediate hold so cancellation always leaves
// the robot stopped, then releases the hold again.
func (s *sequencer) stopMotion() {
	if err := s.c.SwitchPower(PowerHold, SwitchOn); err != nil {
		logging.DebugError("hses", "cancel hold on", err)
	}
	if err := s.c.SwitchPower(PowerHold, SwitchOff); err != nil {
		logging.DebugError("hses", "cancel hold off", err)
	}
}
