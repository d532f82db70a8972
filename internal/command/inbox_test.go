package command

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestPostAndTake(t *testing.T) {
	in := NewInbox(zap.NewNop())

	id, err := in.Post(ActionFeed)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a trigger id")
	}
	if !in.Pending() {
		t.Fatal("expected pending trigger")
	}

	trig := in.Take()
	if trig == nil {
		t.Fatal("expected trigger")
	}
	if trig.ID != id || trig.Action != ActionFeed {
		t.Errorf("wrong trigger: %+v", trig)
	}
	if trig.ReceivedAt.IsZero() {
		t.Error("expected receive timestamp")
	}

	if in.Take() != nil {
		t.Error("take must consume the trigger")
	}
	if in.Pending() {
		t.Error("expected empty inbox after take")
	}
}

func TestSecondPostRejectedWhilePending(t *testing.T) {
	in := NewInbox(zap.NewNop())

	if _, err := in.Post(ActionFeed); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	id, err := in.Post(ActionEject)
	if err == nil {
		t.Fatal("expected rejection while a trigger is pending")
	}
	if id != uuid.Nil {
		t.Error("rejected post must not return an id")
	}

	// The original trigger is untouched
	trig := in.Take()
	if trig == nil || trig.Action != ActionFeed {
		t.Errorf("pending trigger corrupted: %+v", trig)
	}

	// And the slot is free again
	if _, err := in.Post(ActionEject); err != nil {
		t.Errorf("post after take failed: %v", err)
	}
}

func TestParseAction(t *testing.T) {
	valid := []string{
		"feed", "eject", "abort", "home_x", "home_z",
		"reset_interval", "can_load_lower", "can_load_done",
	}
	for _, s := range valid {
		if _, err := ParseAction(s); err != nil {
			t.Errorf("%q rejected: %v", s, err)
		}
	}

	if _, err := ParseAction("self_destruct"); err == nil {
		t.Error("unknown action accepted")
	}
}
