package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

var journalLogger = log.WithComponent("ledger.journal")

// JournalEntryKind names the event an entry records.
type JournalEntryKind string

const (
	EntryOpened    JournalEntryKind = "opened"
	EntryGrace     JournalEntryKind = "grace"
	EntryReverting JournalEntryKind = "reverting"
	EntryConfirmed JournalEntryKind = "confirmed"
	EntryReverted  JournalEntryKind = "reverted"
	EntryFailed    JournalEntryKind = "failed"
)

// JournalEntry is one line of the append-only ledger.log. It carries
// enough of a PendingChange's fields to fully reconstruct state on
// replay without depending on any other record.
type JournalEntry struct {
	Kind            JournalEntryKind `json:"kind"`
	At              time.Time        `json:"at"`
	ChangeID        string           `json:"change_id"`
	Category        string           `json:"category,omitempty"`
	Paths           []string         `json:"paths,omitempty"`
	SnapshotID      string           `json:"snapshot_id,omitempty"`
	TimeoutSeconds  float64          `json:"timeout_seconds,omitempty"`
	GraceSeconds    float64          `json:"grace_seconds,omitempty"`
	ConfirmedBy     string           `json:"confirmed_by,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
}

// Journal is the write-ahead log backing the ledger: every state
// transition is appended before it takes effect in memory, so a crash
// between the two leaves the journal as the sole source of truth.
type Journal struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenJournal opens (creating if necessary) the journal file at path for
// appending.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one entry and fsyncs before returning, so the caller can
// rely on the entry surviving a crash immediately after Append returns.
func (j *Journal) Append(entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

// Replay reads every entry in the journal in order. A truncated final
// line (a write interrupted mid-append by a crash) is logged and
// ignored rather than treated as LedgerReplayInconsistent, since losing
// at most one in-flight entry is expected; anything else that fails to
// parse is surfaced as an inconsistency.
func Replay(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	badLine := 0
	var badErr error
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if badLine != 0 {
			return entries, types.NewError(types.ErrLedgerReplayInconsistent, fmt.Sprintf("unparseable journal line %d", badLine), badErr)
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			badLine, badErr = lineNo, err
			continue
		}
		entries = append(entries, entry)
	}
	if badLine != 0 {
		journalLogger.Warn().Int("line", badLine).Err(badErr).Msg("dropping truncated final journal line")
	}
	if err := scanner.Err(); err != nil {
		return entries, types.NewError(types.ErrLedgerReplayInconsistent, "scan journal", err)
	}
	return entries, nil
}

// Compact atomically rewrites the journal to contain exactly keep; the
// caller chooses which entries survive (the daemon keeps those of
// non-terminal changes plus those inside the audit window). The daemon
// compacts only at shutdown; the journal's size does not trigger a
// compaction.
func Compact(path string, keep []JournalEntry) error {
	tmp := path + ".compact.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, entry := range keep {
		data, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
