package types_test

import (
	"encoding/json"
	"testing"

	"github.com/sneh-joshi/epochchat/internal/types"
)

func TestAdvance_IsMonotonic(t *testing.T) {
	sequences := [][]types.DeliveryState{
		{types.StateDelivered, types.StateSeen},
		{types.StateSeen, types.StateDelivered, types.StateSent},
		{types.StateDelivered, types.StateDelivered, types.StateSent, types.StateSeen},
		{types.StateSent, types.StateSent},
	}
	for _, seq := range sequences {
		cur := types.StateSent
		for _, target := range seq {
			next, _ := cur.Advance(target)
			if next < cur {
				t.Fatalf("state moved backwards: %s -> %s (target %s)", cur, next, target)
			}
			cur = next
		}
	}
}

func TestAdvance_NoOpAtOrPastTarget(t *testing.T) {
	cases := []struct {
		from, to types.DeliveryState
		changed  bool
		want     types.DeliveryState
	}{
		{types.StateSent, types.StateDelivered, true, types.StateDelivered},
		{types.StateSent, types.StateSeen, true, types.StateSeen},
		{types.StateDelivered, types.StateSeen, true, types.StateSeen},
		{types.StateDelivered, types.StateDelivered, false, types.StateDelivered},
		{types.StateSeen, types.StateDelivered, false, types.StateSeen},
		{types.StateSeen, types.StateSeen, false, types.StateSeen},
		{types.StateDelivered, types.StateSent, false, types.StateDelivered},
	}
	for _, tc := range cases {
		got, changed := tc.from.Advance(tc.to)
		if got != tc.want || changed != tc.changed {
			t.Errorf("%s.Advance(%s) = (%s, %v), want (%s, %v)",
				tc.from, tc.to, got, changed, tc.want, tc.changed)
		}
	}
}

func TestValidTransition_RejectsUnknown(t *testing.T) {
	if types.ValidTransition(types.StateUnknown, types.StateSent) {
		t.Error("unknown -> sent must be invalid")
	}
	if types.ValidTransition(types.StateSent, types.StateUnknown) {
		t.Error("sent -> unknown must be invalid")
	}
}

func TestDeliveryState_JSON(t *testing.T) {
	m := types.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Text: "hi", DeliveryState: types.StateDelivered}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["deliveryState"] != "delivered" {
		t.Errorf("deliveryState: want delivered, got %v", out["deliveryState"])
	}
	if _, ok := out["clientId"]; ok {
		t.Error("empty clientId must be omitted")
	}

	var back types.Message
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal into Message: %v", err)
	}
	if back.DeliveryState != types.StateDelivered {
		t.Errorf("round trip state: got %s", back.DeliveryState)
	}
}

func TestParseDeliveryState_Unknown(t *testing.T) {
	if _, err := types.ParseDeliveryState("read"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestPairKey_OrderIndependent(t *testing.T) {
	if types.PairKey("alice", "bob") != types.PairKey("bob", "alice") {
		t.Error("PairKey must not depend on argument order")
	}
	if types.PairKey("alice", "bob") == types.PairKey("alice", "carol") {
		t.Error("different pairs must have different keys")
	}
}

func TestMessage_Before_TieBrokenByID(t *testing.T) {
	a := &types.Message{ID: "01A", CreatedAt: 10}
	b := &types.Message{ID: "01B", CreatedAt: 10}
	c := &types.Message{ID: "00Z", CreatedAt: 11}
	if !a.Before(b) || b.Before(a) {
		t.Error("equal CreatedAt must order by ID")
	}
	if !b.Before(c) {
		t.Error("earlier CreatedAt must sort first")
	}
}

func TestValidPeerID(t *testing.T) {
	cases := map[string]bool{
		"alice":       true,
		"user-42@x":   true,
		"":            false,
		"bad\x00peer": false,
	}
	for id, want := range cases {
		if got := types.ValidPeerID(id); got != want {
			t.Errorf("ValidPeerID(%q) = %v, want %v", id, got, want)
		}
	}
}
