package jac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/langchou/panwatch/internal/models"
)

const testVIN = "LJ1E2A3B4C5D67890"

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, "", 5*time.Second, 2*time.Second)
}

func errKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	var terr *TelemetryError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TelemetryError, got %T: %v", err, err)
	}
	return terr.Kind
}

func TestFetchConditionSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("timaToken"); got != "test-token" {
			t.Errorf("expected timaToken header, got %q", got)
		}

		var req conditionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.VINs) != 1 || req.VINs[0] != testVIN {
			t.Errorf("unexpected vins: %v", req.VINs)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"returnSuccess": true,
			"data": {
				"soc": 78,
				"acOnMile": 315.9,
				"chgStatus": 1,
				"mainLockStatus": 1,
				"quickChgLeftTime": 45,
				"totalMileage": 12345.6,
				"latitude": "31.23",
				"longtitude": "121.47"
			}
		}`))
	}))
	defer server.Close()

	snap, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "test-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap.Soc != 78 || snap.RemainingRangeKm != 315.9 || snap.OdometerKm != 12345.6 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if !snap.IsCharging {
		t.Error("chgStatus=1 means charging")
	}
	if snap.LockStatus != models.LockStatusLocked {
		t.Errorf("expected locked, got %v", snap.LockStatus)
	}
	if snap.ChargeTimeRemainingMin != 45 {
		t.Errorf("unexpected charge time remaining: %d", snap.ChargeTimeRemainingMin)
	}
	if snap.LatLng() != "121.47,31.23" {
		t.Errorf("unexpected latlng: %s", snap.LatLng())
	}
}

func TestFetchConditionNotCharging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"returnSuccess": true,
			"data": {"soc": 50, "acOnMile": 200, "chgStatus": 2, "mainLockStatus": 0, "totalMileage": 1000}
		}`))
	}))
	defer server.Close()

	snap, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.IsCharging {
		t.Error("chgStatus=2 means not charging")
	}
	if snap.LockStatus != models.LockStatusUnlocked {
		t.Errorf("expected unlocked, got %v", snap.LockStatus)
	}
}

func TestFetchConditionUnknownLockStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"returnSuccess": true,
			"data": {"soc": 50, "acOnMile": 200, "chgStatus": 2, "mainLockStatus": 5, "totalMileage": 1000}
		}`))
	}))
	defer server.Close()

	snap, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.LockStatus != models.LockStatusUnknown {
		t.Errorf("unexpected lock value must map to unknown, got %v", snap.LockStatus)
	}
}

func TestFetchConditionAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "expired")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindAuth {
		t.Errorf("expected auth_failure, got %s", kind)
	}
}

func TestFetchConditionVendorFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"returnSuccess": false, "returnErrMsg": "车辆离线"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindVendor {
		t.Errorf("expected vendor_error, got %s", kind)
	}
}

func TestFetchConditionMissingField(t *testing.T) {
	// 缺少 acOnMile
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"returnSuccess": true,
			"data": {"soc": 50, "chgStatus": 2, "mainLockStatus": 0, "totalMileage": 1000}
		}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindMalformed {
		t.Errorf("expected malformed_response, got %s", kind)
	}
}

func TestFetchConditionMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindMalformed {
		t.Errorf("expected malformed_response, got %s", kind)
	}
}

func TestFetchConditionNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 提前关闭，触发连接失败

	_, err := newTestClient(server).FetchCondition(context.Background(), testVIN, "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindNetwork {
		t.Errorf("expected network, got %s", kind)
	}
}

func TestFetchConditionFromSpareServer(t *testing.T) {
	var mainHits, spareHits int
	main := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mainHits++
		w.Write([]byte(`{"returnSuccess": true, "data": {"soc": 50, "acOnMile": 200, "chgStatus": 2, "mainLockStatus": 0, "totalMileage": 1000}}`))
	}))
	defer main.Close()
	spare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spareHits++
		w.Write([]byte(`{"returnSuccess": true, "data": {"soc": 50, "acOnMile": 200, "chgStatus": 2, "mainLockStatus": 0, "totalMileage": 1000}}`))
	}))
	defer spare.Close()

	client := NewClient(main.URL, spare.URL, 5*time.Second, 2*time.Second)

	if _, err := client.FetchConditionFrom(context.Background(), testVIN, "t", "spare"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spareHits != 1 || mainHits != 0 {
		t.Errorf("expected spare server hit, got main=%d spare=%d", mainHits, spareHits)
	}

	if _, err := client.FetchConditionFrom(context.Background(), testVIN, "t", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mainHits != 1 {
		t.Errorf("expected main server hit, got %d", mainHits)
	}
}

func TestStopCharging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Operation != 1 || req.OperationType != "RESERVATION_RECHARGE" || req.VIN != testVIN {
			t.Errorf("unexpected control request: %+v", req)
		}
		if v, ok := req.ExtParams["bookTime"]; !ok || v != 0 {
			t.Errorf("unexpected extParams: %v", req.ExtParams)
		}
		w.Write([]byte(`{"returnSuccess": true}`))
	}))
	defer server.Close()

	if err := newTestClient(server).StopCharging(context.Background(), testVIN, "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStopChargingVendorFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"returnSuccess": false, "returnErrMsg": "指令下发失败"}`))
	}))
	defer server.Close()

	err := newTestClient(server).StopCharging(context.Background(), testVIN, "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errKind(t, err); kind != ErrKindVendor {
		t.Errorf("expected vendor_error, got %s", kind)
	}
}
