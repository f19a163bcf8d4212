package models

import (
	"encoding/json"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"camera": "zoom-in",
		"count":  3,
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	if data == nil {
		t.Fatal("expected non-nil data")
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["camera"] != "zoom-in" {
		t.Errorf("expected camera=zoom-in, got %v", result["camera"])
	}
}

func TestJSONBScan(t *testing.T) {
	jsonData := []byte(`{"stage": "clips", "percent": 40}`)

	var j JSONB
	if err := j.Scan(jsonData); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["stage"] != "clips" {
		t.Errorf("expected stage=clips, got %v", j["stage"])
	}

	if j["percent"].(float64) != 40 {
		t.Errorf("expected percent=40, got %v", j["percent"])
	}
}

func TestJSONBScanNil(t *testing.T) {
	var j JSONB
	if err := j.Scan(nil); err != nil {
		t.Fatalf("scanning nil should not error: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil JSONB, got %v", j)
	}
}

func TestCameraValues(t *testing.T) {
	cams := []Camera{CameraStatic, CameraZoomIn, CameraZoomOut, CameraPanLeft, CameraPanRight}
	for _, c := range cams {
		if c == "" {
			t.Errorf("empty camera value found")
		}
	}
}

func TestReservationStatusValues(t *testing.T) {
	statuses := []ReservationStatus{ReservationReserved, ReservationCompleted, ReservationFailed}
	for _, s := range statuses {
		if s == "" {
			t.Errorf("empty reservation status found")
		}
	}
}
