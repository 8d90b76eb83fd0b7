package sync

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the lifecycle of one kind's data.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

const (
	eventPaint   = "paint"
	eventLoad    = "load"
	eventRefresh = "refresh"
	eventDone    = "done"
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventPaint, Src: []string{string(StateIdle)}, Dst: string(StateReady)},
			{Name: eventLoad, Src: []string{string(StateIdle)}, Dst: string(StateLoading)},
			{Name: eventRefresh, Src: []string{string(StateReady)}, Dst: string(StateLoading)},
			{Name: eventDone, Src: []string{string(StateLoading)}, Dst: string(StateReady)},
		},
		fsm.Callbacks{},
	)
}

// startLoading moves to Loading from Idle or Ready. It reports false when
// the machine is already loading.
func startLoading(m *fsm.FSM) bool {
	switch State(m.Current()) {
	case StateIdle:
		return m.Event(context.Background(), eventLoad) == nil
	case StateReady:
		return m.Event(context.Background(), eventRefresh) == nil
	default:
		return false
	}
}

func finishLoading(m *fsm.FSM) {
	if m.Can(eventDone) {
		_ = m.Event(context.Background(), eventDone)
	}
}

func paint(m *fsm.FSM) {
	if m.Can(eventPaint) {
		_ = m.Event(context.Background(), eventPaint)
	}
}
