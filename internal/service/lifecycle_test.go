package service

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/rollout"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/port/engine"
)

func kinds(items []rollout.Item) []rollout.Kind {
	out := make([]rollout.Kind, 0, len(items))
	for _, it := range items {
		out = append(out, it.Kind)
	}
	return out
}

// finishTurn drives a turn through started and completed on the session.
func finishTurn(s *fakeSession, turnID string) {
	s.emit(engine.Event{Kind: engine.KindTurnStarted, TurnID: turnID})
	s.emit(engine.Event{Kind: engine.KindTurnCompleted, TurnID: turnID})
}

// TestCreate_WritesSessionMeta verifies a new thread opens its rollout with
// a session metadata record and starts a history-free session.
func TestCreate_WritesSessionMeta(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	th, err := svc.Create(context.Background(), "/work", "gpt-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if th.Status != thread.StatusActive {
		t.Errorf("expected active status, got %q", th.Status)
	}

	items := store.snapshot(th.ID)
	if len(items) != 1 || items[0].Kind != rollout.KindSessionMeta {
		t.Fatalf("expected exactly one session_meta record, got %v", kinds(items))
	}
	var meta rollout.SessionMeta
	if err := json.Unmarshal(items[0].Payload, &meta); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if meta.ThreadID != th.ID || meta.Cwd != "/work" || meta.Model != "gpt-test" {
		t.Errorf("unexpected meta %+v", meta)
	}
	if got := eng.session(0).cfg; got.ThreadID != th.ID || len(got.History) != 0 {
		t.Errorf("unexpected session config %+v", got)
	}
}

// TestSubmitTurn_PersistsAndRecordsLifecycle verifies the user message is
// durable before the engine sees the turn and that turn boundaries land in
// the rollout as events arrive.
func TestSubmitTurn_PersistsAndRecordsLifecycle(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, err := svc.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	turn, err := svc.SubmitTurn(ctx, th.ID, textInput("echo hi"))
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	session := eng.session(0)
	session.mu.Lock()
	submitted := len(session.submitted)
	session.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("expected 1 submission, got %d", submitted)
	}
	items := store.snapshot(th.ID)
	if items[len(items)-1].Kind != rollout.KindUserMessage {
		t.Fatalf("user message not persisted before submit, have %v", kinds(items))
	}

	finishTurn(session, turn.ID)
	waitFor(t, "turn markers in rollout", func() bool {
		return len(store.snapshot(th.ID)) == 4
	})
	got := kinds(store.snapshot(th.ID))
	want := []rollout.Kind{rollout.KindSessionMeta, rollout.KindUserMessage, rollout.KindTurnStarted, rollout.KindTurnEnded}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rollout order mismatch: got %v want %v", got, want)
		}
	}
}

// TestSubmitTurn_SecondConcurrentConflicts verifies the exclusive turn slot.
func TestSubmitTurn_SecondConcurrentConflicts(t *testing.T) {
	t.Parallel()

	svc, eng, _ := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")

	turn, err := svc.SubmitTurn(ctx, th.ID, textInput("first"))
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	_, err = svc.SubmitTurn(ctx, th.ID, textInput("second"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for concurrent turn, got %v", err)
	}

	// After the first turn completes the slot frees up.
	finishTurn(eng.session(0), turn.ID)
	waitFor(t, "turn slot to free", func() bool {
		_, err := svc.SubmitTurn(ctx, th.ID, textInput("third"))
		return err == nil
	})
}

// TestInterruptTurn_NoTurnConflicts verifies interrupting an idle thread is
// rejected.
func TestInterruptTurn_NoTurnConflicts(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")

	_, err := svc.InterruptTurn(ctx, th.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// TestInterruptTurn_SignalsEngine verifies an interrupt reaches the engine
// and the turn finishes when the engine acknowledges.
func TestInterruptTurn_SignalsEngine(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")
	turn, _ := svc.SubmitTurn(ctx, th.ID, textInput("slow"))

	session := eng.session(0)
	session.emit(engine.Event{Kind: engine.KindTurnStarted, TurnID: turn.ID})

	if _, err := svc.InterruptTurn(ctx, th.ID); err != nil {
		t.Fatalf("InterruptTurn: %v", err)
	}
	session.mu.Lock()
	interrupts := session.interrupts
	session.mu.Unlock()
	if interrupts != 1 {
		t.Fatalf("expected 1 interrupt, got %d", interrupts)
	}

	session.emit(engine.Event{Kind: engine.KindTurnInterrupted, TurnID: turn.ID})
	waitFor(t, "interrupted marker", func() bool {
		items := store.snapshot(th.ID)
		return len(items) > 0 && items[len(items)-1].Kind == rollout.KindTurnEnded
	})
}

// TestArchiveResume_RoundTrip verifies the scenario where a thread is
// archived and later resumed with its full history intact.
func TestArchiveResume_RoundTrip(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")
	turn, _ := svc.SubmitTurn(ctx, th.ID, textInput("echo hi"))
	finishTurn(eng.session(0), turn.ID)
	waitFor(t, "turn to finish", func() bool { return len(store.snapshot(th.ID)) == 4 && turnIdle(svc, th.ID) })

	loc, err := svc.Archive(ctx, th.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if loc != "mem://"+th.ID {
		t.Errorf("unexpected location %q", loc)
	}
	if !eng.session(0).closed {
		t.Error("session should be closed after archive")
	}

	// Archived thread metadata is still reachable.
	got, err := svc.Get(ctx, th.ID)
	if err != nil {
		t.Fatalf("Get archived: %v", err)
	}
	if got.Status != thread.StatusArchived {
		t.Errorf("expected archived status, got %q", got.Status)
	}

	resumed, err := svc.Resume(ctx, th.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != thread.StatusActive {
		t.Errorf("expected active status after resume, got %q", resumed.Status)
	}
	history := eng.session(-1).cfg.History
	if len(history) != 4 {
		t.Fatalf("expected full history replayed into session, got %v", kinds(history))
	}
}

// TestResume_Idempotent verifies concurrent resumes collapse to one session
// and resuming an active thread is a no-op.
func TestResume_Idempotent(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")
	turn, _ := svc.SubmitTurn(ctx, th.ID, textInput("hi"))
	finishTurn(eng.session(0), turn.ID)
	waitFor(t, "turn to finish", func() bool { return len(store.snapshot(th.ID)) == 4 && turnIdle(svc, th.ID) })
	if _, err := svc.Archive(ctx, th.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	before := eng.sessionCount()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Resume(ctx, th.ID); err != nil {
				t.Errorf("Resume: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := eng.sessionCount() - before; got != 1 {
		t.Fatalf("expected exactly 1 new session from concurrent resumes, got %d", got)
	}

	// Resuming the now-active thread starts nothing new.
	if _, err := svc.Resume(ctx, th.ID); err != nil {
		t.Fatalf("Resume active: %v", err)
	}
	if got := eng.sessionCount() - before; got != 1 {
		t.Fatalf("resume of active thread started a session, total new %d", got)
	}
}

// TestResume_UnknownThreadNotFound verifies resuming a thread with no
// rollout fails cleanly.
func TestResume_UnknownThreadNotFound(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()
	_, err := svc.Resume(context.Background(), thread.NewID())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestFork_IsolatesHistories verifies a fork copies history up to the given
// turn and the two threads diverge independently afterwards.
func TestFork_IsolatesHistories(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	src, _ := svc.Create(ctx, "", "")
	turn1, _ := svc.SubmitTurn(ctx, src.ID, textInput("one"))
	finishTurn(eng.session(0), turn1.ID)
	waitFor(t, "turn1", func() bool { return len(store.snapshot(src.ID)) == 4 && turnIdle(svc, src.ID) })
	turn2, _ := svc.SubmitTurn(ctx, src.ID, textInput("two"))
	finishTurn(eng.session(0), turn2.ID)
	waitFor(t, "turn2", func() bool { return len(store.snapshot(src.ID)) == 7 && turnIdle(svc, src.ID) })

	fork, err := svc.Fork(ctx, src.ID, turn1.ID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if fork.ID == src.ID {
		t.Fatal("fork must get a fresh identifier")
	}

	forkItems := store.snapshot(fork.ID)
	if len(forkItems) != 4 {
		t.Fatalf("expected history through turn1 only, got %v", kinds(forkItems))
	}
	var meta rollout.SessionMeta
	if err := json.Unmarshal(forkItems[0].Payload, &meta); err != nil || meta.ThreadID != fork.ID {
		t.Errorf("fork session_meta not rewritten: %+v err=%v", meta, err)
	}

	// New work on the fork leaves the source untouched.
	turn3, err := svc.SubmitTurn(ctx, fork.ID, textInput("three"))
	if err != nil {
		t.Fatalf("SubmitTurn on fork: %v", err)
	}
	finishTurn(eng.session(-1), turn3.ID)
	waitFor(t, "turn3 on fork", func() bool { return len(store.snapshot(fork.ID)) == 7 && turnIdle(svc, fork.ID) })
	if len(store.snapshot(src.ID)) != 7 {
		t.Error("source history changed by work on the fork")
	}
}

// TestFork_UnknownTurnNotFound verifies forking at a turn the source never
// ran is rejected.
func TestFork_UnknownTurnNotFound(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService()
	ctx := context.Background()
	src, _ := svc.Create(ctx, "", "")

	_, err := svc.Fork(ctx, src.ID, "turn-nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestRollback_DiscardsLaterTurns verifies rollback appends a reset marker,
// the effective history shrinks, and the restarted session sees the
// truncated history.
func TestRollback_DiscardsLaterTurns(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")
	turn1, _ := svc.SubmitTurn(ctx, th.ID, textInput("one"))
	finishTurn(eng.session(0), turn1.ID)
	waitFor(t, "turn1", func() bool { return len(store.snapshot(th.ID)) == 4 && turnIdle(svc, th.ID) })
	turn2, _ := svc.SubmitTurn(ctx, th.ID, textInput("two"))
	finishTurn(eng.session(0), turn2.ID)
	waitFor(t, "turn2", func() bool { return len(store.snapshot(th.ID)) == 7 && turnIdle(svc, th.ID) })

	if err := svc.Rollback(ctx, th.ID, turn1.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	raw := store.snapshot(th.ID)
	if raw[len(raw)-1].Kind != rollout.KindReset {
		t.Fatalf("expected reset marker appended, got %v", kinds(raw))
	}
	effective, err := svc.Replay(ctx, th.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(effective) != 4 {
		t.Fatalf("expected effective history through turn1, got %v", kinds(effective))
	}
	if history := eng.session(-1).cfg.History; len(history) != 4 {
		t.Fatalf("restarted session should see truncated history, got %v", kinds(history))
	}

	// The thread keeps working after the rollback.
	turn3, err := svc.SubmitTurn(ctx, th.ID, textInput("three"))
	if err != nil {
		t.Fatalf("SubmitTurn after rollback: %v", err)
	}
	finishTurn(eng.session(-1), turn3.ID)
	waitFor(t, "turn3", func() bool {
		items, err := svc.Replay(ctx, th.ID)
		return err == nil && len(items) == 7
	})
}

// TestPump_AppendFailureFailsTurn verifies a failed rollout append surfaces:
// the turn fails and the engine is interrupted rather than streaming past a
// hole in the durable history.
func TestPump_AppendFailureFailsTurn(t *testing.T) {
	t.Parallel()

	svc, eng, store := newTestService()
	ctx := context.Background()
	th, _ := svc.Create(ctx, "", "")
	turn, _ := svc.SubmitTurn(ctx, th.ID, textInput("doomed"))

	session := eng.session(0)
	store.setFailAppend(true)
	session.emit(engine.Event{Kind: engine.KindTurnStarted, TurnID: turn.ID})

	waitFor(t, "engine interrupt after append failure", func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.interrupts > 0
	})

	store.setFailAppend(false)
	// The slot is free again once the turn is failed.
	waitFor(t, "turn slot to free after failure", func() bool {
		_, err := svc.SubmitTurn(ctx, th.ID, textInput("retry"))
		return err == nil
	})
}

// TestMetadataKey_BucketSafe verifies metadata cache keys stay within the
// character set JetStream KV buckets accept.
func TestMetadataKey_BucketSafe(t *testing.T) {
	t.Parallel()

	allowed := regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)
	key := metadataKey(thread.NewID())
	if !allowed.MatchString(key) {
		t.Fatalf("metadata key %q contains characters the bucket rejects", key)
	}
}
