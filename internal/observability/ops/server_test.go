package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postbridge/internal/engine"
	rtsup "postbridge/internal/runtime/supervisor"
	logx "postbridge/pkg/logx"
)

func newTestService(state engine.State, firstErr string) *Service {
	return New(Probes{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) }),
		Engine:  func() engine.Status { return engine.Status{State: state.String(), Handle: "acct"} },
		Tasks:   func() rtsup.Snapshot { return rtsup.Snapshot{FirstError: firstErr} },
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsEngine(t *testing.T) {
	h := newTestService(engine.Polling, "").Handler(Config{})
	rec := get(t, h, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body Health
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.Engine == nil || body.Engine.State != "polling" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHealthUnavailableWhenStoppedOrFailed(t *testing.T) {
	if rec := get(t, newTestService(engine.Stopped, "").Handler(Config{}), "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped: code = %d", rec.Code)
	}
	if rec := get(t, newTestService(engine.Polling, "engine: boom").Handler(Config{}), "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("task failure: code = %d", rec.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	h := newTestService(engine.Polling, "").Handler(Config{Token: "s3cret"})
	if rec := get(t, h, "/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer: code = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: code = %d", rec.Code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	svc := newTestService(engine.Polling, "")
	if rec := get(t, svc.Handler(Config{}), "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}
	if rec := get(t, svc.Handler(Config{Pprof: true}), "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:80":   true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceServesAndStops(t *testing.T) {
	// Reserve a free loopback port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	svc := newTestService(engine.Polling, "")
	ctx := context.Background()
	svc.Reconfigure(ctx, Config{Enabled: true, Addr: addr})

	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("code = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	svc.Reconfigure(stopCtx, Config{Enabled: false})
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still answering after disable")
	}
}
