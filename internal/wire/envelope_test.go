package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	env, err := Decode([]byte(`{"requestId":7,"status":"ok","result":["Compilation successful"]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Response == nil || env.Event != nil {
		t.Fatalf("expected a response envelope, got %+v", env)
	}
	if env.Response.RequestID != 7 || env.Response.Status != StatusOK {
		t.Fatalf("unexpected response %+v", env.Response)
	}
}

func TestDecodeResponseWithStringRequestID(t *testing.T) {
	env, err := Decode([]byte(`{"requestId":"42","status":"error","result":"boom"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Response == nil || env.Response.RequestID != 42 {
		t.Fatalf("string request id not accepted: %+v", env.Response)
	}
}

func TestDecodeEvent(t *testing.T) {
	env, err := Decode([]byte(`{"event":"telemetry","data":{"uptime":"5 seconds"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event == nil || env.Response != nil {
		t.Fatalf("expected an event envelope, got %+v", env)
	}
	if env.Event.Event != EventTelemetry {
		t.Fatalf("unexpected event name %q", env.Event.Event)
	}
	var tel TelemetryData
	if err := json.Unmarshal(env.Event.Data, &tel); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if tel.Uptime != "5 seconds" {
		t.Fatalf("event data lost: %+v", tel)
	}
}

func TestDecodeRejectsUnclassifiableFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "garbage"},
		{"neither field", `{"status":"ok"}`},
		{"bad request id", `{"requestId":"abc","status":"ok"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); err == nil {
				t.Fatalf("expected an error for %q", tc.raw)
			}
		})
	}
}

func TestEncodeRequestShape(t *testing.T) {
	raw, err := EncodeRequest(Request{RequestID: 3, Cmd: CmdCompileCode, Payload: map[string]any{"code": "1 + 1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded struct {
		RequestID uint64         `json:"requestId"`
		Cmd       string         `json:"cmd"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded.RequestID != 3 || decoded.Cmd != CmdCompileCode || decoded.Payload["code"] != "1 + 1" {
		t.Fatalf("unexpected encoding %s", raw)
	}
}

func TestMetadataNullableFields(t *testing.T) {
	var md DeviceMetadata
	raw := `{"fwValid":true,"fwProduct":"sensor-hub","fwVersion":null}`
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.FwValid == nil || !*md.FwValid {
		t.Fatalf("fwValid lost: %+v", md)
	}
	if md.FwProduct == nil || *md.FwProduct != "sensor-hub" {
		t.Fatalf("fwProduct lost: %+v", md)
	}
	if md.FwVersion != nil {
		t.Fatalf("null field should stay nil: %+v", md)
	}
}
