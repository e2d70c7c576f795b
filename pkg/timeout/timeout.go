/*
Package timeout is a single goroutine that fires deadline and
grace-period events at the right moment using one container/heap
min-heap of pending entries and one time.Timer reset to the soonest
entry, rather than one timer per PendingChange.

Like the watcher and the ledger, all mutable state (the heap and its
index by change id) lives inside the run loop's goroutine; Schedule and
Cancel only send commands, over one channel so they are applied in the
order they were sent.
*/
package timeout

import (
	"container/heap"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
)

var logger = log.WithComponent("timeout")

// Fired is delivered when a scheduled deadline or grace period elapses.
type Fired struct {
	ChangeID string
	IsGrace  bool
}

type entry struct {
	changeID string
	at       time.Time
	isGrace  bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type scheduleCmd struct {
	changeID string
	at       time.Time
	isGrace  bool
	cancel   bool
}

// Engine schedules and fires deadline and grace timers.
type Engine struct {
	fired chan Fired

	schedule chan scheduleCmd
	stop     chan struct{}
	done     chan struct{}
}

// New constructs an Engine. Call Start to begin firing deadlines.
func New() *Engine {
	return &Engine{
		fired:    make(chan Fired, 64),
		schedule: make(chan scheduleCmd, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Fired delivers deadline/grace events as they elapse.
func (e *Engine) Fired() <-chan Fired { return e.fired }

// Schedule arranges for a Fired event at "at". Scheduling a new entry
// for a changeID that already has one pending replaces it, matching
// ledger semantics where each change has at most one outstanding timer.
func (e *Engine) Schedule(changeID string, at time.Time, isGrace bool) {
	select {
	case e.schedule <- scheduleCmd{changeID: changeID, at: at, isGrace: isGrace}:
	case <-e.stop:
	}
}

// Cancel removes any pending timer for changeID.
func (e *Engine) Cancel(changeID string) {
	select {
	case e.schedule <- scheduleCmd{changeID: changeID, cancel: true}:
	case <-e.stop:
	}
}

// Start begins the run loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts the run loop.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	h := &entryHeap{}
	heap.Init(h)
	byID := make(map[string]*entry)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	resetTimer := func() {
		if h.Len() == 0 {
			return
		}
		next := (*h)[0]
		d := time.Until(next.at)
		if d < 0 {
			d = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case cmd := <-e.schedule:
			if old, ok := byID[cmd.changeID]; ok {
				heap.Remove(h, old.index)
				delete(byID, cmd.changeID)
			}
			if !cmd.cancel {
				e2 := &entry{changeID: cmd.changeID, at: cmd.at, isGrace: cmd.isGrace}
				heap.Push(h, e2)
				byID[cmd.changeID] = e2
			}
			resetTimer()

		case <-timer.C:
			now := time.Now()
			for h.Len() > 0 && !(*h)[0].at.After(now) {
				next := heap.Pop(h).(*entry)
				delete(byID, next.changeID)
				logger.Debug().Str("change_id", next.changeID).Bool("grace", next.isGrace).Msg("timer fired")
				select {
				case e.fired <- Fired{ChangeID: next.changeID, IsGrace: next.isGrace}:
				case <-e.stop:
					return
				}
			}
			resetTimer()

		case <-e.stop:
			return
		}
	}
}
