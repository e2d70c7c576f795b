package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineFiresInOrder(t *testing.T) {
	e := New()
	e.Start()
	defer e.Stop()

	now := time.Now()
	e.Schedule("second", now.Add(100*time.Millisecond), false)
	e.Schedule("first", now.Add(30*time.Millisecond), false)

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case f := <-e.Fired():
			order = append(order, f.ChangeID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fired event")
		}
	}
	require.Equal(t, []string{"first", "second"}, order)
}

func TestEngineCancelPreventsFire(t *testing.T) {
	e := New()
	e.Start()
	defer e.Stop()

	e.Schedule("cancel-me", time.Now().Add(30*time.Millisecond), false)
	e.Cancel("cancel-me")

	select {
	case f := <-e.Fired():
		t.Fatalf("unexpected fire for cancelled entry: %+v", f)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEngineRescheduleReplacesEntry(t *testing.T) {
	e := New()
	e.Start()
	defer e.Stop()

	e.Schedule("change-1", time.Now().Add(20*time.Millisecond), false)
	e.Schedule("change-1", time.Now().Add(200*time.Millisecond), true)

	select {
	case f := <-e.Fired():
		require.Equal(t, "change-1", f.ChangeID)
		require.True(t, f.IsGrace)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rescheduled fire")
	}
}
