package supervisor

import "time"

// Stall phases reported when a watchdog trips.
const (
	stallNoFirstEvent  = "no_first_event"
	stallStreamSilence = "stream_silence"
	stallPostTool      = "post_tool"
	stallMaxTurn       = "max_turn"
)

// stallTimer arms at most one stall window at a time. The supervisor re-arms
// it as the turn moves between phases; an expired timer carries the phase
// that was armed.
type stallTimer struct {
	timer *time.Timer
	phase string
	armed bool
}

func newStallTimer() *stallTimer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &stallTimer{timer: t}
}

func (st *stallTimer) arm(phase string, d time.Duration) {
	st.disarm()
	st.phase = phase
	st.armed = true
	st.timer.Reset(d)
}

func (st *stallTimer) disarm() {
	if !st.armed {
		return
	}
	st.armed = false
	if !st.timer.Stop() {
		select {
		case <-st.timer.C:
		default:
		}
	}
}

// C is the expiry channel. Only meaningful while armed.
func (st *stallTimer) C() <-chan time.Time {
	return st.timer.C
}

func (st *stallTimer) stop() {
	st.disarm()
}
