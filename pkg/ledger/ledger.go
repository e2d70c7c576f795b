/*
Package ledger owns every PendingChange and serializes all mutation
through a single goroutine reading from one command channel: one owner
goroutine, a buffered channel, and a stop channel for shutdown. Nothing
outside this package ever locks a PendingChange directly.
*/
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/metrics"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var logger = log.WithComponent("ledger")

// ErrNotFound is returned when a command targets a change id the ledger
// does not know about.
var ErrNotFound = errors.New("ledger: change not found")

// DefaultCoalesceWindow is the trailing window within which a new event
// for a category with an already-OPEN change is merged into it rather
// than opening a second one.
const DefaultCoalesceWindow = 10 * time.Second

// commandKind names the operation a queued command performs.
type commandKind int

const (
	cmdOnChangeEvent commandKind = iota
	cmdConfirm
	cmdCancel
	cmdDeadlineFired
	cmdGraceFired
	cmdRevertStarted
	cmdRevertDone
	cmdQuery
	cmdList
)

// command is one unit of work on the ledger's single-owner goroutine.
// reply, when non-nil, receives exactly one result before the goroutine
// moves on to the next command.
type command struct {
	kind       commandKind
	changeID   string
	category   string
	path       string
	timeout    time.Duration
	grace      time.Duration
	snapshotID string
	confirmBy  string
	failure    string
	reverted   bool
	reply      chan result
}

// result is the outcome of one command.
type result struct {
	change *types.PendingChange
	list   []*types.PendingChange
	err    error
}

// Scheduler is the subset of the Timeout Engine the ledger needs: it
// schedules and cancels deadline/grace timers without the ledger
// depending on the timer implementation.
type Scheduler interface {
	Schedule(changeID string, deadline time.Time, isGrace bool)
	Cancel(changeID string)
}

// Ledger owns every PendingChange and drives its state machine.
type Ledger struct {
	changes   map[string]*types.PendingChange
	seq       map[string]uint64
	journal   *Journal
	index     *Index
	scheduler Scheduler

	coalesceWindow time.Duration
	// ConfirmHook, if set, is invoked (in its own goroutine, never on the
	// ledger's owner goroutine) after a change reaches CONFIRMED. The
	// daemon uses this to refresh the category's accepted-state baseline
	// snapshot; the ledger itself holds no filesystem handle to do this.
	ConfirmHook func(c *types.PendingChange)

	cmds chan command
	stop chan struct{}
	done chan struct{}
}

// New constructs a Ledger backed by an already-open journal and index.
// Call ReplayFrom before Start to restore prior state.
func New(journal *Journal, index *Index, scheduler Scheduler) *Ledger {
	return &Ledger{
		changes:        make(map[string]*types.PendingChange),
		seq:            make(map[string]uint64),
		journal:        journal,
		index:          index,
		scheduler:      scheduler,
		coalesceWindow: DefaultCoalesceWindow,
		cmds:           make(chan command, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetCoalesceWindow overrides the default coalescing window. Call
// before Start.
func (l *Ledger) SetCoalesceWindow(d time.Duration) {
	if d > 0 {
		l.coalesceWindow = d
	}
}

// Start begins the command-processing loop.
func (l *Ledger) Start() {
	go l.run()
}

// Stop halts the command loop and waits for it to drain.
func (l *Ledger) Stop() {
	close(l.stop)
	<-l.done
}

// ReplayFrom reconstructs in-memory state from journal entries read at
// startup. Deadlines are recomputed from each change's creation time and
// configured window, so downtime counts against the window: a change
// whose deadline passed while the daemon was stopped fires immediately
// after replay rather than being granted a fresh full timeout.
func (l *Ledger) ReplayFrom(entries []JournalEntry) {
	for _, e := range entries {
		switch e.Kind {
		case EntryOpened:
			l.changes[e.ChangeID] = &types.PendingChange{
				ID:              e.ChangeID,
				Category:        e.Category,
				Paths:           append([]string(nil), e.Paths...),
				SnapshotID:      e.SnapshotID,
				CreatedAt:       e.At,
				TimeoutDuration: time.Duration(e.TimeoutSeconds * float64(time.Second)),
				GraceDuration:   time.Duration(e.GraceSeconds * float64(time.Second)),
				State:           types.ChangeOpen,
				LastEventAt:     e.At,
			}
		case EntryGrace:
			if c, ok := l.changes[e.ChangeID]; ok {
				c.State = types.ChangeGrace
			}
		case EntryReverting:
			if c, ok := l.changes[e.ChangeID]; ok {
				c.State = types.ChangeReverting
			}
		case EntryConfirmed:
			if c, ok := l.changes[e.ChangeID]; ok {
				c.State = types.ChangeConfirmed
				c.ConfirmedBy = e.ConfirmedBy
			}
		case EntryReverted:
			if c, ok := l.changes[e.ChangeID]; ok {
				c.State = types.ChangeReverted
			}
		case EntryFailed:
			if c, ok := l.changes[e.ChangeID]; ok {
				c.State = types.ChangeFailed
				c.FailureReason = e.FailureReason
			}
		}
	}

	now := time.Now()
	for _, c := range l.changes {
		if cat, n, ok := parseChangeID(c.ID); ok && n > l.seq[cat] {
			l.seq[cat] = n
		}
		if c.State.IsTerminal() {
			continue
		}
		c.Deadline = c.CreatedAt.Add(c.TimeoutDuration)
		if c.Deadline.Before(now) {
			c.Deadline = now
		}
		c.GraceDeadline = c.Deadline.Add(c.GraceDuration)
		if l.scheduler != nil {
			if c.State == types.ChangeGrace {
				l.scheduler.Schedule(c.ID, c.GraceDeadline, true)
			} else if c.State == types.ChangeOpen {
				l.scheduler.Schedule(c.ID, c.Deadline, false)
			}
		}
		if l.index != nil {
			l.index.Put(c)
		}
	}
	logger.Info().Int("restored", len(l.changes)).Msg("ledger replay complete")
}

func (l *Ledger) send(cmd command) result {
	cmd.reply = make(chan result, 1)
	select {
	case l.cmds <- cmd:
	case <-l.stop:
		return result{err: errors.New("ledger: stopped")}
	}
	return <-cmd.reply
}

// OnChangeEvent records a watcher-detected edit. If an OPEN change in
// the same category had its last event within the coalescing window, or
// a non-terminal change already tracks this path, the edit is merged
// into it and its deadline is not reset (only the initial edit starts
// the clock); otherwise a new OPEN change is created.
func (l *Ledger) OnChangeEvent(category, path string, snapshotID string, timeout, grace time.Duration) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdOnChangeEvent, category: category, path: path, snapshotID: snapshotID, timeout: timeout, grace: grace})
	return r.change, r.err
}

// Confirm marks a change CONFIRMED, accepting the current on-disk state
// as the new baseline.
func (l *Ledger) Confirm(changeID, by string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdConfirm, changeID: changeID, confirmBy: by})
	return r.change, r.err
}

// Cancel is an administrator-requested immediate revert: an OPEN or
// GRACE change moves straight to REVERTING, with no grace period.
func (l *Ledger) Cancel(changeID string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdCancel, changeID: changeID})
	return r.change, r.err
}

// DeadlineFired transitions OPEN -> GRACE when the timeout elapses
// without confirmation.
func (l *Ledger) DeadlineFired(changeID string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdDeadlineFired, changeID: changeID})
	return r.change, r.err
}

// GraceFired transitions GRACE -> REVERTING when the grace period
// elapses without confirmation.
func (l *Ledger) GraceFired(changeID string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdGraceFired, changeID: changeID})
	return r.change, r.err
}

// RevertDone transitions REVERTING to its terminal outcome.
func (l *Ledger) RevertDone(changeID string, ok bool, failureReason string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdRevertDone, changeID: changeID, reverted: ok, failure: failureReason})
	return r.change, r.err
}

// Query returns one change by id.
func (l *Ledger) Query(changeID string) (*types.PendingChange, error) {
	r := l.send(command{kind: cmdQuery, changeID: changeID})
	return r.change, r.err
}

// List returns every change the ledger currently holds.
func (l *Ledger) List() []*types.PendingChange {
	r := l.send(command{kind: cmdList})
	return r.list
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case cmd := <-l.cmds:
			l.dispatch(cmd)
		case <-l.stop:
			return
		}
	}
}

// dispatch executes one command. Before acting on a grace_fired
// command it drains any commands already queued behind it looking for
// a confirm targeting the same change: the two are considered to have
// arrived in the same serialization slot, and confirm wins regardless
// of which the channel happened to hand back first.
func (l *Ledger) dispatch(cmd command) {
	if cmd.kind == cmdGraceFired {
		if confirmCmd, found := l.stealConcurrentConfirm(cmd.changeID); found {
			l.applyConfirm(confirmCmd)
			l.applyGraceFired(cmd)
			return
		}
	}

	switch cmd.kind {
	case cmdOnChangeEvent:
		l.applyOnChangeEvent(cmd)
	case cmdConfirm:
		l.applyConfirm(cmd)
	case cmdCancel:
		l.applyCancel(cmd)
	case cmdDeadlineFired:
		l.applyDeadlineFired(cmd)
	case cmdGraceFired:
		l.applyGraceFired(cmd)
	case cmdRevertDone:
		l.applyRevertDone(cmd)
	case cmdQuery:
		l.applyQuery(cmd)
	case cmdList:
		l.applyList(cmd)
	}
}

// stealConcurrentConfirm non-blockingly drains queued commands looking
// for a confirm on changeID queued alongside this grace_fired. Any other
// command it drains along the way is requeued in order.
func (l *Ledger) stealConcurrentConfirm(changeID string) (command, bool) {
	var drained []command
	var found command
	ok := false

	for {
		select {
		case next := <-l.cmds:
			if !ok && next.kind == cmdConfirm && next.changeID == changeID {
				found = next
				ok = true
				continue
			}
			drained = append(drained, next)
		default:
			for _, d := range drained {
				l.cmds <- d
			}
			return found, ok
		}
	}
}

func (l *Ledger) applyOnChangeEvent(cmd command) {
	// An OPEN change in the same category still within the coalescing
	// window absorbs a new path; merging extends last_event but never
	// the deadline, so a stream of edits cannot keep a confirmation
	// window alive forever.
	for _, c := range l.changes {
		if c.Category == cmd.category && c.State == types.ChangeOpen && time.Since(c.LastEventAt) < l.coalesceWindow {
			c.AddPath(cmd.path)
			c.LastEventAt = time.Now()
			l.persist(c)
			cmd.reply <- result{change: c}
			return
		}
	}

	// A path belongs to at most one non-terminal change. A repeat edit
	// arriving outside the coalescing window but before the tracking
	// change settles folds into that change — again without moving the
	// deadline — rather than opening a second change over the same path
	// with its own baseline and timer.
	for _, c := range l.changes {
		if !c.State.IsTerminal() && c.HasPath(cmd.path) {
			c.LastEventAt = time.Now()
			l.persist(c)
			cmd.reply <- result{change: c}
			return
		}
	}

	now := time.Now()
	l.seq[cmd.category]++
	c := &types.PendingChange{
		ID:              fmt.Sprintf("%s_%d", cmd.category, l.seq[cmd.category]),
		Category:        cmd.category,
		Paths:           []string{cmd.path},
		SnapshotID:      cmd.snapshotID,
		CreatedAt:       now,
		TimeoutDuration: cmd.timeout,
		GraceDuration:   cmd.grace,
		Deadline:        now.Add(cmd.timeout),
		GraceDeadline:   now.Add(cmd.timeout).Add(cmd.grace),
		State:           types.ChangeOpen,
		LastEventAt:     now,
	}
	l.changes[c.ID] = c

	l.journal.Append(JournalEntry{
		Kind: EntryOpened, At: now, ChangeID: c.ID, Category: c.Category,
		Paths: c.Paths, SnapshotID: c.SnapshotID,
		TimeoutSeconds: cmd.timeout.Seconds(), GraceSeconds: cmd.grace.Seconds(),
	})
	l.persist(c)
	if l.scheduler != nil {
		l.scheduler.Schedule(c.ID, c.Deadline, false)
	}
	metrics.ChangesOpened.WithLabelValues(c.Category).Inc()
	logger.Info().Str("change_id", c.ID).Str("category", c.Category).Msg("change opened")

	cmd.reply <- result{change: c}
}

func (l *Ledger) applyConfirm(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	if err := transition(c, types.ChangeConfirmed); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	c.ConfirmedBy = cmd.confirmBy
	if l.scheduler != nil {
		l.scheduler.Cancel(c.ID)
	}
	l.journal.Append(JournalEntry{Kind: EntryConfirmed, At: time.Now(), ChangeID: c.ID, ConfirmedBy: cmd.confirmBy})
	l.persist(c)
	metrics.ChangesConfirmed.WithLabelValues(c.Category).Inc()
	logger.Info().Str("change_id", c.ID).Str("by", cmd.confirmBy).Msg("change confirmed")
	if l.ConfirmHook != nil {
		hookArg := c
		go l.ConfirmHook(hookArg)
	}
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyCancel(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	var err error
	switch c.State {
	case types.ChangeOpen:
		err = transition(c, types.ChangeGrace)
		if err == nil {
			err = transition(c, types.ChangeReverting)
		}
	case types.ChangeGrace:
		err = transition(c, types.ChangeReverting)
	default:
		err = ErrInvalidTransition
	}
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}
	if l.scheduler != nil {
		l.scheduler.Cancel(c.ID)
	}
	l.journal.Append(JournalEntry{Kind: EntryReverting, At: time.Now(), ChangeID: c.ID})
	l.persist(c)
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyDeadlineFired(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	if err := transition(c, types.ChangeGrace); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	l.journal.Append(JournalEntry{Kind: EntryGrace, At: time.Now(), ChangeID: c.ID})
	l.persist(c)
	if l.scheduler != nil {
		l.scheduler.Schedule(c.ID, c.GraceDeadline, true)
	}
	logger.Info().Str("change_id", c.ID).Msg("change entered grace period")
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyGraceFired(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	if err := transition(c, types.ChangeReverting); err != nil {
		// Already CONFIRMED (or otherwise terminal): the grace timer
		// fired after the change was settled, which is expected and
		// not an error.
		cmd.reply <- result{change: c, err: nil}
		return
	}
	l.journal.Append(JournalEntry{Kind: EntryReverting, At: time.Now(), ChangeID: c.ID})
	l.persist(c)
	logger.Info().Str("change_id", c.ID).Msg("grace expired, reverting")
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyRevertDone(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	next := types.ChangeReverted
	if !cmd.reverted {
		next = types.ChangeFailed
	}
	if err := transition(c, next); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	c.FailureReason = cmd.failure

	kind := EntryReverted
	if !cmd.reverted {
		kind = EntryFailed
		metrics.ChangesFailed.WithLabelValues(c.Category).Inc()
	} else {
		metrics.ChangesReverted.WithLabelValues(c.Category).Inc()
	}
	l.journal.Append(JournalEntry{Kind: kind, At: time.Now(), ChangeID: c.ID, FailureReason: cmd.failure})
	l.persist(c)
	logger.Info().Str("change_id", c.ID).Bool("reverted", cmd.reverted).Msg("revert outcome recorded")
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyQuery(cmd command) {
	c, ok := l.changes[cmd.changeID]
	if !ok {
		cmd.reply <- result{err: ErrNotFound}
		return
	}
	cmd.reply <- result{change: c}
}

func (l *Ledger) applyList(cmd command) {
	list := make([]*types.PendingChange, 0, len(l.changes))
	for _, c := range l.changes {
		list = append(list, c)
	}
	cmd.reply <- result{list: list}
}

// parseChangeID splits a "<category>_<seq>" id back into its parts.
func parseChangeID(id string) (category string, seq uint64, ok bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}

func (l *Ledger) persist(c *types.PendingChange) {
	if l.index == nil {
		return
	}
	if err := l.index.Put(c); err != nil {
		logger.Error().Err(err).Str("change_id", c.ID).Msg("failed to update index")
	}
}
