package types

import (
	"encoding/json"
	"testing"
)

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse("FEEDER_409", "Trigger already pending", "trigger feed already pending")

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	want := `{"error":{"code":"FEEDER_409","message":"Trigger already pending","details":"trigger feed already pending"}}`
	if string(data) != want {
		t.Errorf("unexpected envelope:\n got %s\nwant %s", data, want)
	}
}

func TestErrorResponseOmitsEmptyDetails(t *testing.T) {
	data, err := json.Marshal(NewErrorResponse("FEEDER_400", "Invalid request body", nil))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	want := `{"error":{"code":"FEEDER_400","message":"Invalid request body"}}`
	if string(data) != want {
		t.Errorf("details not omitted:\n got %s\nwant %s", data, want)
	}
}
