package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/hostprobe"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/ledger"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/snapshot"
	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

type fakeScheduler struct{}

func (fakeScheduler) Schedule(changeID string, deadline time.Time, isGrace bool) {}
func (fakeScheduler) Cancel(changeID string)                                    {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	j, err := ledger.OpenJournal(filepath.Join(dir, "ledger.log"))
	require.NoError(t, err)
	idx, err := ledger.OpenIndex(dir)
	require.NoError(t, err)
	l := ledger.New(j, idx, fakeScheduler{})
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		j.Close()
		idx.Close()
	})

	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	return &Server{
		Ledger: l,
		Store:  store,
		Prober: hostprobe.New(),
	}
}

func TestStatusReportsPendingChanges(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Ledger.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	resp := s.Handle(context.Background(), Request{Action: "status"})
	require.True(t, resp.OK)
	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, payload["pending_changes"])
}

func TestConfirmRequiresChangeID(t *testing.T) {
	s := newTestServer(t)
	resp := s.Handle(context.Background(), Request{Action: "confirm"})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestConfirmRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c, err := s.Ledger.OnChangeEvent("ssh", "/etc/ssh/sshd_config", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	resp := s.Handle(context.Background(), Request{Action: "confirm", ChangeID: c.ID, ConfirmedBy: "alice"})
	require.True(t, resp.OK)
}

func TestUnknownActionIsRejected(t *testing.T) {
	s := newTestServer(t)
	resp := s.Handle(context.Background(), Request{Action: "not_a_real_action"})
	require.False(t, resp.OK)
}

func TestSnapshotsCreateRequiresPaths(t *testing.T) {
	s := newTestServer(t)
	resp := s.Handle(context.Background(), Request{Action: "snapshots_create"})
	require.False(t, resp.OK)
}

func TestSnapshotsCreateFallsBackToWatchedPaths(t *testing.T) {
	s := newTestServer(t)
	target := filepath.Join(t.TempDir(), "sshd_config")
	s.DefaultPaths = func() []string { return []string{target} }

	resp := s.Handle(context.Background(), Request{Action: "snapshots_create", Description: "manual"})
	require.True(t, resp.OK)
}

func TestCancelInvokesRevertHook(t *testing.T) {
	s := newTestServer(t)
	c, err := s.Ledger.OnChangeEvent("firewall", "/etc/nftables.conf", "snap-1", time.Minute, time.Second)
	require.NoError(t, err)

	var hooked string
	s.OnReverting = func(c *types.PendingChange) { hooked = c.ID }

	resp := s.Handle(context.Background(), Request{Action: "cancel", ChangeID: c.ID})
	require.True(t, resp.OK)
	require.Equal(t, c.ID, hooked)
}

func TestSafeModeSurfacedAndClearable(t *testing.T) {
	s := newTestServer(t)
	safe := true
	s.SafeMode = func() bool { return safe }
	s.ExitSafeMode = func() { safe = false }

	resp := s.Handle(context.Background(), Request{Action: "status"})
	require.True(t, resp.OK)
	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, payload["safe_mode"])

	resp = s.Handle(context.Background(), Request{Action: "exit_safe_mode"})
	require.True(t, resp.OK)
	require.False(t, safe)
}

func TestSelfTestReportsHostDescriptor(t *testing.T) {
	s := newTestServer(t)
	resp := s.Handle(context.Background(), Request{Action: "self_test"})
	require.True(t, resp.OK)
	report, ok := resp.Payload.(SelfTestReport)
	require.True(t, ok)
	require.Equal(t, s.Prober.Descriptor(), report.HostDescriptor)
	require.True(t, report.SnapshotRoundTrip)
}

func TestUnixSocketRoundTrip(t *testing.T) {
	s := newTestServer(t)
	sockPath := filepath.Join(t.TempDir(), "revertit.sock")

	listener, err := Listen(sockPath, s)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	client := NewClient(sockPath)
	require.Eventually(t, func() bool {
		resp, err := client.Call(Request{Action: "status"})
		return err == nil && resp.OK
	}, 2*time.Second, 20*time.Millisecond)
}
