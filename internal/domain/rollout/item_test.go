package rollout

import (
	"encoding/json"
	"reflect"
	"testing"
)

func item(kind Kind, turnID string) Item {
	return Item{Kind: kind, TurnID: turnID}
}

func resetItem(toTurn string) Item {
	payload, _ := json.Marshal(ResetPayload{ToTurnID: toTurn})
	return Item{Kind: KindReset, Payload: payload}
}

func turnHistory() []Item {
	return []Item{
		item(KindSessionMeta, ""),
		item(KindUserMessage, "turn-1"),
		item(KindTurnStarted, "turn-1"),
		item(KindAgentMessage, "turn-1"),
		item(KindTurnEnded, "turn-1"),
		item(KindUserMessage, "turn-2"),
		item(KindTurnStarted, "turn-2"),
		item(KindToolCall, "turn-2"),
		item(KindTurnEnded, "turn-2"),
	}
}

// TestApplyResets_DiscardsAfterMarkedTurn verifies a reset marker removes
// everything recorded after the turn it names, marker included.
func TestApplyResets_DiscardsAfterMarkedTurn(t *testing.T) {
	t.Parallel()

	raw := append(turnHistory(), resetItem("turn-1"))
	got := ApplyResets(raw)
	if len(got) != 5 {
		t.Fatalf("expected 5 surviving items, got %d", len(got))
	}
	for _, it := range got {
		if it.TurnID == "turn-2" {
			t.Errorf("turn-2 item survived reset: %+v", it)
		}
		if it.Kind == KindReset {
			t.Error("reset marker survived in effective history")
		}
	}
}

// TestApplyResets_StackedResets verifies resets compose: new work after a
// reset can itself be reset away.
func TestApplyResets_StackedResets(t *testing.T) {
	t.Parallel()

	raw := append(turnHistory(), resetItem("turn-1"))
	raw = append(raw,
		item(KindUserMessage, "turn-3"),
		item(KindTurnStarted, "turn-3"),
		item(KindTurnEnded, "turn-3"),
		resetItem("turn-1"),
	)
	got := ApplyResets(raw)
	if len(got) != 5 {
		t.Fatalf("expected history back at turn-1, got %d items", len(got))
	}
}

// TestApplyResets_NoResetsIsIdentity verifies a reset-free history passes
// through unchanged.
func TestApplyResets_NoResetsIsIdentity(t *testing.T) {
	t.Parallel()

	raw := turnHistory()
	got := ApplyResets(raw)
	if len(got) != len(raw) {
		t.Fatalf("expected %d items, got %d", len(raw), len(got))
	}
	for i := range raw {
		if !reflect.DeepEqual(got[i], raw[i]) {
			t.Errorf("item %d reordered or changed", i)
		}
	}
}

// TestApplyResets_MalformedMarkerIgnored verifies an unreadable marker
// discards nothing.
func TestApplyResets_MalformedMarkerIgnored(t *testing.T) {
	t.Parallel()

	raw := append(turnHistory(), Item{Kind: KindReset, Payload: []byte("{broken")})
	if got := ApplyResets(raw); len(got) != len(turnHistory()) {
		t.Fatalf("malformed reset changed history: %d items", len(got))
	}
}

// TestPrefixThroughTurn verifies the fork boundary includes every item of
// the named turn and nothing after.
func TestPrefixThroughTurn(t *testing.T) {
	t.Parallel()

	got := PrefixThroughTurn(turnHistory(), "turn-1")
	if len(got) != 5 {
		t.Fatalf("expected 5 items through turn-1, got %d", len(got))
	}
	if got[len(got)-1].Kind != KindTurnEnded || got[len(got)-1].TurnID != "turn-1" {
		t.Errorf("prefix must end at turn-1's last item, got %+v", got[len(got)-1])
	}

	if got := PrefixThroughTurn(turnHistory(), ""); len(got) != len(turnHistory()) {
		t.Errorf("empty turn id must keep everything, got %d items", len(got))
	}
}

// TestContainsTurn exercises membership checks used by fork and rollback.
func TestContainsTurn(t *testing.T) {
	t.Parallel()

	h := turnHistory()
	if !ContainsTurn(h, "turn-2") {
		t.Error("turn-2 should be present")
	}
	if ContainsTurn(h, "turn-9") {
		t.Error("turn-9 should be absent")
	}
}
