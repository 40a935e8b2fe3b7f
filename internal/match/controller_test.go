package match

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

type failingPersister struct {
	called chan struct{}
}

func (f *failingPersister) PersistMatch(_ context.Context, _ Summary) error {
	close(f.called)
	return errors.New("database is down")
}

func testController(t *testing.T, expected int, p Persister) *Controller {
	t.Helper()
	return NewController("m-test", Config{
		Expected:    expected,
		MinPlayers:  1,
		TimeLimit:   15 * time.Minute,
		EndingGrace: 20 * time.Millisecond,
		Seed:        42,
		Logger:      zap.NewNop(),
		Persister:   p,
	})
}

func TestAddPlayerRules(t *testing.T) {
	c := testController(t, 2, nil)

	if err := c.AddPlayer("a", "alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := c.AddPlayer("a", "alice"); !errors.Is(err, ErrDuplicatePlayer) {
		t.Errorf("duplicate join should conflict, got %v", err)
	}
	if err := c.AddPlayer("b", "bob"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := c.AddPlayer("c", "carol"); !errors.Is(err, ErrMatchFull) {
		t.Errorf("overflow join should be rejected, got %v", err)
	}
	if !c.AllJoined() {
		t.Error("expected full group")
	}
}

func TestStartRequiresWaitingAndMinPlayers(t *testing.T) {
	c := NewController("m", Config{
		Expected:   4,
		MinPlayers: 2,
		Logger:     zap.NewNop(),
	})
	_ = c.AddPlayer("a", "alice")

	if err := c.Start(); !errors.Is(err, ErrNotEnoughPlayers) {
		t.Errorf("start below MinPlayers should fail, got %v", err)
	}
	if c.Phase() != PhaseWaiting {
		t.Errorf("failed start must stay Waiting, phase=%s", c.Phase())
	}
}

func TestAddPlayerRejectedOutsideWaiting(t *testing.T) {
	c := testController(t, 2, nil)
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.EndNow("test")

	if err := c.AddPlayer("late", "dave"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("join after start should be wrong-phase, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	c := testController(t, 2, nil)
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Phase() != PhasePlaying {
		t.Fatalf("phase after start = %s", c.Phase())
	}
	if c.Engine() == nil {
		t.Fatal("engine should be running")
	}

	c.EndNow("test_shutdown")

	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events closed before terminal event")
		}
		if ev.Type != "match_ended" {
			t.Fatalf("expected match_ended, got %s", ev.Type)
		}
		payload, ok := ev.Payload.(EndedPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if len(payload.Rankings) != 2 {
			t.Errorf("expected 2 rankings, got %d", len(payload.Rankings))
		}
		if payload.Winner == "" {
			t.Error("winner should be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event within deadline")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller never reached Finished")
	}
	if c.Phase() != PhaseFinished {
		t.Errorf("terminal phase = %s", c.Phase())
	}

	// Events channel closes at Finished.
	if _, ok := <-c.Events(); ok {
		t.Error("events channel should be closed after Finished")
	}
}

func TestMatchEndedEmittedEvenWhenPersistenceFails(t *testing.T) {
	p := &failingPersister{called: make(chan struct{})}
	c := testController(t, 2, p)
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.EndNow("test")

	select {
	case ev := <-c.Events():
		if ev.Type != "match_ended" {
			t.Fatalf("expected match_ended, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clients must be notified even when persistence fails")
	}

	select {
	case <-p.called:
	case <-time.After(2 * time.Second):
		t.Fatal("persistence should still be attempted")
	}
}

func TestSoloMatchSuppressesLastAliveTrigger(t *testing.T) {
	c := NewController("solo", Config{
		Expected:    1,
		MinPlayers:  1,
		TimeLimit:   15 * time.Minute,
		EndingGrace: 10 * time.Millisecond,
		Seed:        1,
		Logger:      zap.NewNop(),
	})
	_ = c.AddPlayer("a", "alice")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.EndNow("cleanup")

	if ended := c.checkEndConditions(); ended {
		t.Error("solo match must not end on the one-alive rule")
	}
	if c.Phase() != PhasePlaying {
		t.Errorf("solo match should keep playing, phase=%s", c.Phase())
	}
}

func TestTimeLimitEndsMatch(t *testing.T) {
	c := NewController("timed", Config{
		Expected:    2,
		MinPlayers:  2,
		TimeLimit:   10 * time.Millisecond,
		EndingGrace: 10 * time.Millisecond,
		Seed:        2,
		Logger:      zap.NewNop(),
	})
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if ended := c.checkEndConditions(); !ended {
		t.Error("expired time limit should end the match")
	}

	select {
	case ev := <-c.Events():
		payload := ev.Payload.(EndedPayload)
		if payload.Reason != "time_limit" {
			t.Errorf("reason = %s, want time_limit", payload.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event after time limit")
	}
}

func TestMarkDisconnectedKeepsEntitySimulating(t *testing.T) {
	c := testController(t, 2, nil)
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.EndNow("cleanup")

	c.MarkDisconnected("b")
	if c.Engine().AliveCount() != 2 {
		t.Error("disconnect must not kill the entity")
	}

	c.mu.Lock()
	mp := c.players["b"]
	c.mu.Unlock()
	if mp.Connected {
		t.Error("member should be flagged disconnected")
	}
	if mp.DisconnectAt.IsZero() {
		t.Error("disconnect time should be stamped")
	}
}

func TestEndMatchRunsExactlyOnce(t *testing.T) {
	c := testController(t, 2, nil)
	_ = c.AddPlayer("a", "alice")
	_ = c.AddPlayer("b", "bob")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		go c.EndNow(fmt.Sprintf("racer-%d", i))
	}

	count := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if count != 1 {
					t.Fatalf("expected exactly one terminal event, got %d", count)
				}
				return
			}
			count++
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}
