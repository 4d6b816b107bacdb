package message

import (
	"encoding/json"
	"testing"
)

func TestNewReturnsBoundVariant(t *testing.T) {
	cases := []struct {
		typ  Type
		want Type
	}{
		{TypeHeartbeat, TypeHeartbeat},
		{TypeRequest, TypeRequest},
		{TypeResponse, TypeResponse},
	}
	for _, tc := range cases {
		msg, ok := New(tc.typ)
		if !ok {
			t.Fatalf("type %v not bound", tc.typ)
		}
		if msg.Type() != tc.want {
			t.Fatalf("New(%v).Type() = %v", tc.typ, msg.Type())
		}
	}

	if _, ok := New(Type(9)); ok {
		t.Fatal("expect unknown type code to be unbound")
	}
}

func TestHeartbeatIsSingleton(t *testing.T) {
	a, _ := New(TypeHeartbeat)
	b, _ := New(TypeHeartbeat)
	if a != b || a != Message(Beat) {
		t.Fatal("expect every heartbeat to be the shared singleton")
	}
}

func TestResponseJSON(t *testing.T) {
	resp := Failed("id-1", StatusServerFailed, "boom")

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}

	var got Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if got.RequestID != "id-1" || got.Status != StatusServerFailed || got.Message != "boom" {
		t.Fatalf("unexpected response: %v", &got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusSendFailed.String() != "SEND_FAILED" {
		t.Fatalf("got %s", StatusSendFailed)
	}
	if Status(42).String() != "STATUS(42)" {
		t.Fatalf("got %s", Status(42))
	}
}
