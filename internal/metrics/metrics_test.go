package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordTick(t *testing.T) {
	RecordTick("completed", 200*time.Millisecond)
	RecordTick("skipped", 0)
	RecordTick("aborted", 50*time.Millisecond)
}

func TestRecordReminderProcessed(t *testing.T) {
	RecordReminderProcessed("sent")
	RecordReminderProcessed("failed")
}

func TestRecordVerificationConfirm(t *testing.T) {
	RecordVerificationConfirm("verified")
	RecordVerificationConfirm("invalid")
	RecordVerificationConfirm("expired")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/wrapped", nil)
	rec := httptest.NewRecorder()

	Middleware(inner).ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("middleware should call the wrapped handler")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rec.Code)
	}
}
