package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func stopRef(t *testing.T, ref *ActorRef) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ref.Stop(ctx); err != nil {
		t.Fatalf("failed to stop actor: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewActorRef(t *testing.T) {
	actor := NewTestActor("test-1")
	ref := NewActorRef("test-1", actor, 10)

	if ref.ID() != "test-1" {
		t.Errorf("expected ID 'test-1', got '%s'", ref.ID())
	}
	if cap(ref.mailbox) != 10 {
		t.Errorf("expected mailbox size 10, got %d", cap(ref.mailbox))
	}
}

func TestActorRefStartStop(t *testing.T) {
	actor := NewTestActor("test-1")
	ref := NewActorRef("test-1", actor, 10)

	if err := ref.Start(context.Background()); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	if !actor.WasStartCalled() {
		t.Error("Start() was not called on the actor")
	}
	if err := ref.Start(context.Background()); err == nil {
		t.Error("expected error when starting twice")
	}

	stopRef(t, ref)
	if !actor.WasStopCalled() {
		t.Error("Stop() was not called on the actor")
	}

	// Stopping again is a no-op
	stopRef(t, ref)
}

func TestActorRefPreservesOrder(t *testing.T) {
	actor := NewTestActor("test-1")
	ref := NewActorRef("test-1", actor, 100)
	if err := ref.Start(context.Background()); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	defer stopRef(t, ref)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		if err := ref.Send(&TestMessage{ID: id}); err != nil {
			t.Fatalf("failed to send %s: %v", id, err)
		}
	}

	waitFor(t, func() bool { return actor.GetReceiveCount() == int32(len(ids)) })

	for i, msg := range actor.GetReceivedMessages() {
		if got := msg.(*TestMessage).ID; got != ids[i] {
			t.Errorf("message %d: expected %s, got %s", i, ids[i], got)
		}
	}
}

func TestActorRefSendAfterStop(t *testing.T) {
	ref := NewActorRef("test-1", NewTestActor("test-1"), 10)
	if err := ref.Start(context.Background()); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	stopRef(t, ref)

	if err := ref.Send(&TestMessage{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Send, got %v", err)
	}
	if err := ref.SendContext(context.Background(), &TestMessage{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from SendContext, got %v", err)
	}
}

func TestActorRefMailboxFull(t *testing.T) {
	// Not started, so nothing drains the mailbox
	ref := NewActorRef("test-1", NewTestActor("test-1"), 2)

	for i := 0; i < 2; i++ {
		if err := ref.Send(&TestMessage{}); err != nil {
			t.Fatalf("failed to send message %d: %v", i, err)
		}
	}
	if err := ref.Send(&TestMessage{}); err == nil {
		t.Error("expected error when mailbox is full")
	}
}

func TestSendContextBlocksUntilSpace(t *testing.T) {
	ref := NewActorRef("test-1", NewTestActor("test-1"), 1)
	if err := ref.Send(&TestMessage{ID: "first"}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := ref.SendContext(ctx, &TestMessage{ID: "second"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sendErr = ref.SendContext(context.Background(), &TestMessage{ID: "second"})
	}()

	if err := ref.Start(context.Background()); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	wg.Wait()
	if sendErr != nil {
		t.Errorf("expected blocked send to succeed once the loop drains, got %v", sendErr)
	}
	stopRef(t, ref)
}

func TestSendContextUnblocksOnStop(t *testing.T) {
	ref := NewActorRef("test-1", NewTestActor("test-1"), 1)
	if err := ref.Send(&TestMessage{}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ref.SendContext(context.Background(), &TestMessage{})
	}()

	time.Sleep(20 * time.Millisecond)
	stopRef(t, ref)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendContext did not return after Stop")
	}
}

func TestActorRefReceiveErrorKeepsRunning(t *testing.T) {
	actor := NewTestActor("test-1")
	ref := NewActorRef("test-1", actor, 10)
	if err := ref.Start(context.Background()); err != nil {
		t.Fatalf("failed to start actor: %v", err)
	}
	defer stopRef(t, ref)

	if err := ref.Send(&ErrorMessage{}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if err := ref.Send(&TestMessage{ID: "after"}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	waitFor(t, func() bool { return actor.GetReceiveCount() == 2 })

	report := ref.Health().Report(0, 10)
	if report.Status != HealthStatusDegraded {
		t.Errorf("expected degraded status after an error, got %s", report.Status)
	}
	if report.ErrorCount != 1 {
		t.Errorf("expected 1 error, got %d", report.ErrorCount)
	}
}

func TestSystemSpawnAndStop(t *testing.T) {
	ctx := context.Background()
	sys := NewSystem()

	if _, err := sys.Spawn(ctx, "a", NewTestActor("a"), 4); err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	if _, err := sys.Spawn(ctx, "a", NewTestActor("a"), 4); err == nil {
		t.Error("expected duplicate id to fail")
	}
	if _, err := sys.Spawn(ctx, "b", NewTestActor("b"), 4); err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	if sys.Len() != 2 {
		t.Errorf("expected 2 actors, got %d", sys.Len())
	}

	reports := sys.HealthCheck()
	if reports["a"].Status != HealthStatusHealthy {
		t.Errorf("expected healthy actor, got %+v", reports["a"])
	}

	if err := sys.Stop(ctx, "a"); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if _, ok := sys.Get("a"); ok {
		t.Error("stopped actor should be removed")
	}
	if err := sys.Stop(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound stopping unknown actor, got %v", err)
	}
	if err := sys.StopAll(ctx); err != nil {
		t.Fatalf("failed to stop all: %v", err)
	}
	if sys.Len() != 0 {
		t.Errorf("expected empty system, got %d", sys.Len())
	}
}
