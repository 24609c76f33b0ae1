package dispatch

import (
	"context"
	"testing"

	logx "bulkdm/pkg/logx"
)

func TestDashboardReplacesDeletedArtifact(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{failUpdate: func(n int) bool { return n == 1 }}
	var fails []string
	d := NewDashboard(disp, origin, logx.Nop(), func(op string, _ error) { fails = append(fails, op) })

	ctx := context.Background()
	if _, ok := d.Handle(); ok {
		t.Fatalf("handle before first render")
	}

	d.Render(ctx, Summary{Version: 1})
	first, ok := d.Handle()
	if !ok || first.MessageID != 1 {
		t.Fatalf("first handle=%+v ok=%v", first, ok)
	}

	// the artifact was deleted; the update fails and a new one is created
	d.Render(ctx, Summary{Version: 2})
	second, ok := d.Handle()
	if !ok || second.MessageID != 2 {
		t.Fatalf("replacement handle=%+v ok=%v", second, ok)
	}

	d.Render(ctx, Summary{Version: 3})
	third, _ := d.Handle()
	if third != second {
		t.Fatalf("handle changed after successful update: %+v", third)
	}

	if len(disp.creates) != 2 || len(disp.updates) != 1 || disp.updates[0] != second {
		t.Fatalf("creates=%v updates=%v", disp.creates, disp.updates)
	}
	if len(fails) != 1 || fails[0] != "update" {
		t.Fatalf("failures=%v", fails)
	}
}

func TestDashboardCreateFailureKeepsNoHandle(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{failCreate: func(n int) bool { return n == 1 }}
	d := NewDashboard(disp, origin, logx.Logger{}, nil)

	d.Render(context.Background(), Summary{Version: 1})
	if _, ok := d.Handle(); ok {
		t.Fatalf("handle after failed create")
	}
	d.Render(context.Background(), Summary{Version: 2})
	if ref, ok := d.Handle(); !ok || ref.MessageID != 1 {
		t.Fatalf("handle=%+v ok=%v", ref, ok)
	}
}

func TestDashboardSkipsStaleSummary(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	d := NewDashboard(disp, origin, logx.Nop(), nil)
	ctx := context.Background()

	d.Render(ctx, Summary{Version: 5, Sent: 5})
	d.Render(ctx, Summary{Version: 4, Sent: 4})
	if got := disp.last().Sent; got != 5 {
		t.Fatalf("stale summary rendered: sent=%d", got)
	}
	if len(disp.updates) != 0 {
		t.Fatalf("updates=%v", disp.updates)
	}
}

func TestDashboardNilSafe(t *testing.T) {
	t.Parallel()

	var d *Dashboard
	d.Render(context.Background(), Summary{})
	d.Notice(context.Background(), "x")
	if _, ok := d.Handle(); ok {
		t.Fatalf("nil dashboard has a handle")
	}

	noDisplay := NewDashboard(nil, origin, logx.Nop(), nil)
	noDisplay.Render(context.Background(), Summary{Version: 1})
}
