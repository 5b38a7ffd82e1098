package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"pledge_id":"plg_1","old_status":"PENDING","new_status":"APPROVED"}`)
	sig := Sign("sink-secret", body)

	h := http.Header{}
	h.Set(SignatureHeader, sig)
	ok, err := Verify(h, body, "sink-secret")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}

	ok, err = Verify(h, []byte(`{"tampered":true}`), "sink-secret")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered body to fail verification")
	}

	ok, err = Verify(h, body, "wrong-secret")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if ok {
		t.Fatalf("expected wrong secret to fail verification")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	ok, err := Verify(http.Header{}, []byte("{}"), "sink-secret")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if ok {
		t.Fatalf("expected missing signature to fail")
	}
	if _, err := Verify(http.Header{}, []byte("{}"), ""); err == nil {
		t.Fatalf("expected empty secret to error")
	}
}

func TestSinkDeliverSignsRequest(t *testing.T) {
	var gotSig, gotID, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotID = r.Header.Get(EventIDHeader)
		gotType = r.Header.Get(EventTypeHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(204)
	}))
	defer srv.Close()

	sink := NewSink(srv.URL, "sink-secret")
	err := sink.Deliver(context.Background(), "evt_1", "PLEDGE_APPROVED", map[string]any{"pledge_id": "plg_1"})
	if err != nil {
		t.Fatalf("deliver err: %v", err)
	}
	if gotID != "evt_1" || gotType != "PLEDGE_APPROVED" {
		t.Fatalf("unexpected headers id=%s type=%s", gotID, gotType)
	}
	if gotSig != Sign("sink-secret", gotBody) {
		t.Fatalf("signature does not match delivered body")
	}
}

func TestSinkDisabled(t *testing.T) {
	var sink *Sink
	if sink.Enabled() {
		t.Fatalf("nil sink must be disabled")
	}
	empty := NewSink("", "s")
	if empty.Enabled() {
		t.Fatalf("empty URL sink must be disabled")
	}
	if err := empty.Deliver(context.Background(), "evt_1", "X", nil); err != nil {
		t.Fatalf("disabled deliver should be a no-op, got %v", err)
	}
}

func TestSinkDeliverNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()
	sink := NewSink(srv.URL, "sink-secret")
	if err := sink.Deliver(context.Background(), "evt_1", "X", nil); err == nil {
		t.Fatalf("expected error on 500 from sink")
	}
}
