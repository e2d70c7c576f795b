/*
Package control implements the administrative API the CLI talks to, and
the length-prefixed JSON transport that carries it over a local unix
domain socket: one handler function per request name, request struct to
response struct, errors as structured JSON.
*/
package control

import (
	"context"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/ledger"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// Request is one control-surface call, identified by Action.
type Request struct {
	Action      string   `json:"action"`
	ChangeID    string   `json:"change_id,omitempty"`
	SnapshotID  string   `json:"snapshot_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	ConfirmedBy string   `json:"confirmed_by,omitempty"`
}

// Response is the envelope every control-surface call returns.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// SelfTestReport is the structured result of the "test" action.
type SelfTestReport struct {
	HostDescriptor    types.HostDescriptor     `json:"host_descriptor"`
	SnapshotRoundTrip bool                     `json:"snapshot_round_trip"`
	Reachability      types.ReachabilityResult `json:"reachability"`
	Errors            []string                 `json:"errors,omitempty"`
}

// Prober is the subset of hostprobe.Probe the control surface needs for
// self_test and status reporting.
type Prober interface {
	Descriptor() types.HostDescriptor
}

// Server implements every action the control surface exposes,
// independent of the transport that carries requests to it.
type Server struct {
	Ledger       *ledger.Ledger
	Store        *snapshot.Store
	Prober       Prober
	Reachability func(endpoints []string, timeout time.Duration) types.ReachabilityResult
	Endpoints    []string
	ProbeTimeout time.Duration
	// ExecutePlan executes a RestorePlan's file steps against the live
	// filesystem. The store's Restore only builds the plan; an
	// administrator calling snapshots_restore wants the files on disk
	// actually rolled back, so the daemon wires this to revert.ApplyPlan.
	ExecutePlan func(plan *snapshot.RestorePlan) error
	// OnReverting is invoked after a cancel moves a change to
	// REVERTING; the daemon uses it to run the restore plan.
	OnReverting func(c *types.PendingChange)
	// SafeMode reports whether the daemon is currently refusing to
	// track new changes; ExitSafeMode clears that state.
	SafeMode     func() bool
	ExitSafeMode func()
	// DefaultPaths supplies the watched-path set used when a manual
	// snapshot is requested without explicit paths.
	DefaultPaths func() []string
}

// Handle dispatches one request to the matching action and always
// returns a Response, never an error: transport errors are the only
// thing a caller needs to handle separately.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	switch req.Action {
	case "status":
		return s.status()
	case "list_changes":
		return s.listChanges()
	case "confirm":
		return s.confirm(req)
	case "cancel":
		return s.cancel(req)
	case "snapshots_list":
		return s.snapshotsList()
	case "snapshots_create":
		return s.snapshotsCreate(req)
	case "snapshots_restore":
		return s.snapshotsRestore(req)
	case "self_test":
		return s.selfTest()
	case "exit_safe_mode":
		return s.exitSafeMode()
	default:
		return errResponse(types.NewError(types.ErrControlRequestInvalid, "unknown action "+req.Action, nil))
	}
}

func (s *Server) status() Response {
	changes := s.Ledger.List()
	pending := 0
	for _, c := range changes {
		if !c.State.IsTerminal() {
			pending++
		}
	}
	safeMode := s.SafeMode != nil && s.SafeMode()
	return Response{OK: true, Payload: map[string]any{
		"pending_changes": pending,
		"total_changes":   len(changes),
		"safe_mode":       safeMode,
		"host":            s.Prober.Descriptor(),
	}}
}

func (s *Server) listChanges() Response {
	return Response{OK: true, Payload: s.Ledger.List()}
}

func (s *Server) confirm(req Request) Response {
	if req.ChangeID == "" {
		return errResponse(types.NewError(types.ErrControlRequestInvalid, "change_id is required", nil))
	}
	by := req.ConfirmedBy
	if by == "" {
		by = "admin"
	}
	c, err := s.Ledger.Confirm(req.ChangeID, by)
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Payload: c}
}

func (s *Server) cancel(req Request) Response {
	if req.ChangeID == "" {
		return errResponse(types.NewError(types.ErrControlRequestInvalid, "change_id is required", nil))
	}
	c, err := s.Ledger.Cancel(req.ChangeID)
	if err != nil {
		return errResponse(err)
	}
	if s.OnReverting != nil {
		s.OnReverting(c)
	}
	return Response{OK: true, Payload: c}
}

func (s *Server) exitSafeMode() Response {
	if s.ExitSafeMode != nil {
		s.ExitSafeMode()
	}
	return Response{OK: true}
}

func (s *Server) snapshotsList() Response {
	snaps, err := s.Store.List()
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Payload: snaps}
}

func (s *Server) snapshotsCreate(req Request) Response {
	paths := req.Paths
	if len(paths) == 0 && s.DefaultPaths != nil {
		paths = s.DefaultPaths()
	}
	if len(paths) == 0 {
		return errResponse(types.NewError(types.ErrControlRequestInvalid, "no paths given and no watched paths configured", nil))
	}
	snap, err := s.Store.SnapshotPaths(paths, types.OriginManual, req.Description)
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Payload: snap}
}

func (s *Server) snapshotsRestore(req Request) Response {
	if req.SnapshotID == "" {
		return errResponse(types.NewError(types.ErrControlRequestInvalid, "snapshot_id is required", nil))
	}
	plan, err := s.Store.Restore(req.SnapshotID)
	if err != nil {
		return errResponse(err)
	}
	if s.ExecutePlan != nil {
		if err := s.ExecutePlan(plan); err != nil {
			return errResponse(types.NewError(types.ErrRestoreIOFailed, "execute restore plan for "+req.SnapshotID, err))
		}
	}
	return Response{OK: true, Payload: plan}
}

func (s *Server) selfTest() Response {
	report := SelfTestReport{HostDescriptor: s.Prober.Descriptor()}

	if err := snapshotRoundTrip(); err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.SnapshotRoundTrip = true
	}

	if s.Reachability != nil {
		timeout := s.ProbeTimeout
		if timeout == 0 {
			timeout = 2 * time.Second
		}
		report.Reachability = s.Reachability(s.Endpoints, timeout)
	}

	return Response{OK: len(report.Errors) == 0, Payload: report}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
