package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/review"
	"github.com/reviewyai/reviewy/internal/security"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type reviewCall struct {
	owner  string
	name   string
	number int
}

type fakeReviewer struct {
	mu    sync.Mutex
	calls []reviewCall
}

func (f *fakeReviewer) RequestReview(_ context.Context, owner, name string, number int) (*review.Dispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reviewCall{owner, name, number})
	return &review.Dispatch{Success: true, EventID: "evt"}, nil
}

func newGitHubRouter(reviewer Reviewer, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGitHubHandler(reviewer, secret)
	h.async = func(fn func()) { fn() }
	r := gin.New()
	r.POST("/api/webhooks/github", h.Handle)
	return r
}

func deliver(r http.Handler, event, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), errDecode)
	}
	return out
}

func TestPingAlwaysPongs(t *testing.T) {
	reviewer := &fakeReviewer{}
	r := newGitHubRouter(reviewer, "s3cr3t")

	w := deliver(r, "ping", "not json at all", "")
	if w.Code != http.StatusOK || decodeBody(t, w)["message"] != "pong" {
		t.Fatalf("unexpected ping response %d %s", w.Code, w.Body.String())
	}
	if len(reviewer.calls) != 0 {
		t.Fatalf("ping must not reach the reviewer")
	}
}

func TestPullRequestOpenedDispatchesReview(t *testing.T) {
	reviewer := &fakeReviewer{}
	r := newGitHubRouter(reviewer, "s3cr3t")
	body := `{"action":"opened","number":42,"repository":{"full_name":"acme/widget"}}`

	w := deliver(r, "pull_request", body, security.SignPayload("s3cr3t", []byte(body)))
	if w.Code != http.StatusOK || decodeBody(t, w)["message"] != "Event Processed" {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if len(reviewer.calls) != 1 || reviewer.calls[0] != (reviewCall{"acme", "widget", 42}) {
		t.Fatalf("unexpected calls %+v", reviewer.calls)
	}
}

func TestPullRequestOtherActionsAreAcknowledged(t *testing.T) {
	reviewer := &fakeReviewer{}
	r := newGitHubRouter(reviewer, "")
	for _, action := range []string{"closed", "labeled", "reopened"} {
		body := `{"action":"` + action + `","number":1,"repository":{"full_name":"acme/widget"}}`
		if w := deliver(r, "pull_request", body, ""); w.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", action, w.Code)
		}
	}
	if w := deliver(r, "push", `{}`, ""); w.Code != http.StatusOK {
		t.Fatalf("push: unexpected status %d", w.Code)
	}
	if len(reviewer.calls) != 0 {
		t.Fatalf("expected no reviews, got %+v", reviewer.calls)
	}
}

func TestPullRequestSignatureRejected(t *testing.T) {
	reviewer := &fakeReviewer{}
	r := newGitHubRouter(reviewer, "s3cr3t")
	body := `{"action":"opened","number":42,"repository":{"full_name":"acme/widget"}}`

	if w := deliver(r, "pull_request", body, security.SignPayload("wrong", []byte(body))); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := deliver(r, "pull_request", body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}
	if len(reviewer.calls) != 0 {
		t.Fatalf("expected no reviews")
	}
}

func TestPullRequestMalformedBodyIsGeneric500(t *testing.T) {
	r := newGitHubRouter(&fakeReviewer{}, "")
	for _, body := range []string{`{"action":`, `{"action":"opened","number":1}`, `{"action":"opened","number":1,"repository":{"full_name":"widget"}}`} {
		w := deliver(r, "pull_request", body, "")
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("body %q: expected 500, got %d", body, w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "Internal Server Error" {
			t.Fatalf("expected generic error, got %q", got)
		}
	}
}

type recordingApplier struct {
	events []stripe.Event
}

func (r *recordingApplier) HandleEvent(_ context.Context, event stripe.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestStripeWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	applier := &recordingApplier{}
	r := gin.New()
	r.POST("/api/webhooks/stripe", NewStripeHandler(applier, "whsec_test").Handle)

	payload := `{"id":"evt_1","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","customer":"cus_1","status":"canceled"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: "whsec_test", Timestamp: time.Now()})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(applier.events) != 1 || applier.events[0].ID != "evt_1" {
		t.Fatalf("unexpected result %d %s events=%d", w.Code, w.Body.String(), len(applier.events))
	}

	bad := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
	bad.Header.Set("Stripe-Signature", "t=1,v1=00")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, bad)
	if w.Code != http.StatusBadRequest || len(applier.events) != 1 {
		t.Fatalf("expected rejection, got %d", w.Code)
	}
}
