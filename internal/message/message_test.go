package message

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	body, err := Encode(TypeUserTurn, UserTurn{UserID: "42", ChatID: "c1", Text: "hi"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeUserTurn {
		t.Fatalf("type: got %q", env.Type)
	}

	var turn UserTurn
	if err := json.Unmarshal(env.Payload, &turn); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if turn.UserID != "42" || turn.Text != "hi" {
		t.Fatalf("unexpected payload: %+v", turn)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{}}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}
