package telemetry

import (
	"encoding/json"
	"testing"
)

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name         string
		distance     float64
		heartRate    int
		wantDistance float64
		wantHR       int
	}{
		{"passthrough", 1.25, 80, 1.25, 80},
		{"rounds distance", 3.14159, 80, 3.14, 80},
		{"rounds half up", 2.005000001, 80, 2.01, 80},
		{"negative distance clamps", -1, 80, 0, 80},
		{"low heart rate clamps", 2, 12, 2, MinHeartRate},
		{"high heart rate clamps", 2, 300, 2, MaxHeartRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecord("003", "007", tt.distance, tt.heartRate)
			if rec.Distance != tt.wantDistance {
				t.Errorf("Distance = %v, want %v", rec.Distance, tt.wantDistance)
			}
			if rec.HeartRate != tt.wantHR {
				t.Errorf("HeartRate = %d, want %d", rec.HeartRate, tt.wantHR)
			}
		})
	}
}

func TestRecord_WireSchema(t *testing.T) {
	rec := NewRecord("003", "007", 1.5, 92)
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(m) != 4 {
		t.Errorf("got %d keys, want exactly 4: %v", len(m), m)
	}
	for _, key := range []string{"deviceId", "nearbyDeviceId", "distance", "heartRate"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}

	parsed, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord error: %v", err)
	}
	if parsed != rec {
		t.Errorf("parsed = %+v, want %+v", parsed, rec)
	}
}

func TestResponse_OK(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, true},
		{201, true},
		{299, true},
		{199, false},
		{302, false},
		{429, false},
		{503, false},
	}
	for _, tt := range tests {
		r := &Response{StatusCode: tt.status}
		if r.OK() != tt.want {
			t.Errorf("OK(%d) = %v, want %v", tt.status, r.OK(), tt.want)
		}
		if (r.Err() == nil) != tt.want {
			t.Errorf("Err(%d) = %v", tt.status, r.Err())
		}
	}

	var nilResp *Response
	if nilResp.OK() {
		t.Error("nil response should not be OK")
	}
}
