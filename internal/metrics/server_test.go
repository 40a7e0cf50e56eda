package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleHealthzReportsConversationCount(t *testing.T) {
	m := New()
	m.ConversationStarted("17000")
	m.ConversationStarted("17001")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	m.handleHealthz(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "ok\n") {
		t.Fatalf("body = %q, want ok prefix", body)
	}
	if !strings.Contains(body, "conversations_started_total 2") {
		t.Fatalf("body = %q, want conversations_started_total 2", body)
	}
}
