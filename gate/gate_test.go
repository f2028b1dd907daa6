package gate

import "testing"

func TestGlobalCapBlocksAcrossAgents(t *testing.T) {
	g := New(2, 2)

	if !g.TryAcquire("agent-a") {
		t.Fatal("expected first acquire to succeed")
	}
	if !g.TryAcquire("agent-b") {
		t.Fatal("expected second acquire to succeed")
	}
	if g.TryAcquire("agent-c") {
		t.Fatal("expected third acquire to fail: global cap reached")
	}
}

func TestPerAgentCapBlocksEvenWithGlobalHeadroom(t *testing.T) {
	g := New(10, 1)

	if !g.TryAcquire("agent-a") {
		t.Fatal("expected first acquire for agent-a to succeed")
	}
	if g.TryAcquire("agent-a") {
		t.Fatal("expected second acquire for agent-a to fail: per-agent cap reached")
	}
	if !g.TryAcquire("agent-b") {
		t.Fatal("expected agent-b to still have headroom")
	}
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	g := New(1, 1)

	if !g.TryAcquire("agent-a") {
		t.Fatal("expected acquire to succeed")
	}
	if g.TryAcquire("agent-a") {
		t.Fatal("expected second acquire to fail before release")
	}

	g.Release("agent-a")

	if !g.TryAcquire("agent-a") {
		t.Fatal("expected acquire to succeed again after release")
	}
}

func TestDryRunDoesNotReserve(t *testing.T) {
	g := New(1, 1)

	if !g.DryRun("agent-a") {
		t.Fatal("expected dry run to report headroom")
	}
	if g.GlobalInUse() != 0 {
		t.Fatal("dry run must not reserve a slot")
	}
	if !g.TryAcquire("agent-a") {
		t.Fatal("expected the real acquire to still succeed after a dry run")
	}
}

func TestCancelledSetLifecycle(t *testing.T) {
	g := New(1, 1)

	if g.IsCancelled("run-1") {
		t.Fatal("run should not start as cancelled")
	}
	g.Cancel("run-1")
	if !g.IsCancelled("run-1") {
		t.Fatal("expected run-1 to be marked cancelled")
	}
	g.ClearCancelled("run-1")
	if g.IsCancelled("run-1") {
		t.Fatal("expected cancelled marker to be cleared")
	}
}
