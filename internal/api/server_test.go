package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Twilio signs webhooks with HMAC-SHA1
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/conversation"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/escalation"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/observability"
	"github.com/emberwatch/emberwatch/internal/voice"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

type fakeEscalator struct {
	mu     sync.Mutex
	events []escalation.DetectionEvent
	err    error
}

func (f *fakeEscalator) Classify(context.Context, []byte) (bool, *float64) {
	c := 0.9
	return true, &c
}

func (f *fakeEscalator) HandleDetection(_ context.Context, ev escalation.DetectionEvent) (escalation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return escalation.Result{}, f.err
	}
	f.events = append(f.events, ev)
	return escalation.Result{
		Message:      "Fire detected and alerts processed",
		SubjectID:    ev.SubjectID,
		FrameNumber:  ev.FrameNumber,
		FireDetected: ev.IsFire,
		Confidence:   ev.Confidence,
		ContactEmail: ev.ContactEmail,
		ImageURL:     "https://img.test/x.jpg",
		EmailAlert:   escalation.EmailSent,
	}, nil
}

type fakeDialogue struct {
	mu     sync.Mutex
	turns  []string
	ended  []string
	opened []string
}

func (f *fakeDialogue) Opening(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	return "Alert from your fire detection system."
}

func (f *fakeDialogue) Advance(_ context.Context, id, utterance string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, id+":"+utterance)
	return "The fire is in the garage."
}

func (f *fakeDialogue) End(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
}

type fakeReplies struct {
	msgs    []mail.InboundMessage
	outcome conversation.Outcome
	err     error
}

func (f *fakeReplies) Handle(_ context.Context, msg mail.InboundMessage) (conversation.Outcome, error) {
	f.msgs = append(f.msgs, msg)
	return f.outcome, f.err
}

type testServer struct {
	*Server
	escalator *fakeEscalator
	dialogue  *fakeDialogue
	replies   *fakeReplies
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	ts := &testServer{
		escalator: &fakeEscalator{},
		dialogue:  &fakeDialogue{},
		replies:   &fakeReplies{outcome: conversation.OutcomeStatusSent},
	}
	ts.Server, err = NewWithConfig(cfg, testLogger(),
		WithEscalator(ts.escalator),
		WithDialogue(ts.dialogue),
		WithReplyHandler(ts.replies),
		WithMetrics(m),
		WithVersion("test"),
	)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.Echo().ServeHTTP(rec, req)
	return rec
}

func multipartDetection(t *testing.T, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "frame.jpg")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/detections", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func validFields() map[string]string {
	return map[string]string{
		"subjectId":        "u1",
		"frameNumber":      "42",
		"timestampSeconds": "1.4",
		"contactEmail":     "Owner <owner@example.com>",
	}
}

func TestPostDetection(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(multipartDetection(t, validFields(), []byte{0xff, 0xd8}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, true, res["fireDetected"])
	assert.Equal(t, "sent", res["emailAlert"])
	assert.Equal(t, "u1", res["subjectId"])
	assert.InDelta(t, 0.9, res["confidence"], 1e-9)

	require.Len(t, ts.escalator.events, 1)
	ev := ts.escalator.events[0]
	assert.Equal(t, int64(42), ev.FrameNumber)
	assert.InDelta(t, 1.4, ev.TimestampSeconds, 1e-9)
	assert.Equal(t, "owner@example.com", ev.ContactEmail)
	assert.Equal(t, []byte{0xff, 0xd8}, ev.Image)
	assert.True(t, ev.IsFire)
}

func TestPostDetectionRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(map[string]string)
		image  []byte
	}{
		{"missing subject", func(f map[string]string) { delete(f, "subjectId") }, []byte("x")},
		{"bad frame", func(f map[string]string) { f["frameNumber"] = "ten" }, []byte("x")},
		{"negative frame", func(f map[string]string) { f["frameNumber"] = "-3" }, []byte("x")},
		{"bad timestamp", func(f map[string]string) { f["timestampSeconds"] = "" }, []byte("x")},
		{"bad email", func(f map[string]string) { f["contactEmail"] = "not-an-address" }, []byte("x")},
		{"missing image", func(map[string]string) {}, nil},
		{"empty image", func(map[string]string) {}, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil)
			fields := validFields()
			tt.mutate(fields)

			rec := ts.do(multipartDetection(t, fields, tt.image))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Message)
			assert.Len(t, resp.CorrelationID, 8)
			assert.Empty(t, ts.escalator.events)
		})
	}
}

func TestPostDetectionValidationErrorIs400(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.escalator.err = errors.Newf("invalid detection event: subjectId must not contain path separators").
		Category(errors.CategoryValidation).
		Build()

	rec := ts.do(multipartDetection(t, validFields(), []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "path separators")
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return req
}

func TestVoiceSessionReturnsGather(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest(voice.SessionPath, url.Values{"CallSid": {"CA123"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "xml")

	body := rec.Body.String()
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, "Alert from your fire detection system.")
	assert.Contains(t, body, "/voice/session/turn?sessionId=CA123")
	assert.Equal(t, []string{"CA123"}, ts.dialogue.opened)
}

func TestVoiceSessionRequiresID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest(voice.SessionPath, url.Values{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceTurn(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest(voice.TurnPath+"?sessionId=CA123", url.Values{
		"CallSid":      {"CA123"},
		"SpeechResult": {"where is it"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "The fire is in the garage.")
	assert.Equal(t, []string{"CA123:where is it"}, ts.dialogue.turns)

	rec = ts.do(formRequest(voice.TurnPath, url.Values{"callId": {"s-1"}, "speechText": {"hello"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1:hello", ts.dialogue.turns[1])
}

func TestVoiceTurnWithoutSpeechReprompts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest(voice.TurnPath, url.Values{"CallSid": {"CA123"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catch that")
	assert.Empty(t, ts.dialogue.turns)
}

func TestVoiceStatusEndsSessionOnTerminalStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest(voice.StatusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, ts.dialogue.ended)

	rec = ts.do(formRequest(voice.StatusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"CA1"}, ts.dialogue.ended)
}

// sign computes the Twilio request signature for a form POST.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceSignatureValidation(t *testing.T) {
	t.Parallel()

	const token = "secret-token"
	ts := newTestServer(t, func(c *Config) {
		c.ValidateSignature = true
		c.VoiceAuthToken = token
		c.PublicURL = "https://fire.example.com/"
	})
	form := url.Values{"CallSid": {"CA9"}, "From": {"+15550001"}}

	rec := ts.do(formRequest(voice.SessionPath, form))
	assert.Equal(t, http.StatusForbidden, rec.Code, "unsigned request")

	req := formRequest(voice.SessionPath, form)
	req.Header.Set(voice.SignatureHeader, sign("wrong", "https://fire.example.com"+voice.SessionPath, form))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code, "wrong token")

	req = formRequest(voice.SessionPath, form)
	req.Header.Set(voice.SignatureHeader, sign(token, "https://fire.example.com"+voice.SessionPath, form))
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestSignatureValidationNeedsToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ValidateSignature = true
	_, err := NewWithConfig(cfg, testLogger())
	require.Error(t, err)
}

func TestInboundMailJSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/mail/inbound",
		strings.NewReader(`{"from":"Owner <owner@example.com>","html":"<p>STATUS please</p>","messageId":"<m1@x>"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp InboundMailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conversation.OutcomeStatusSent, resp.Outcome)
	assert.Equal(t, "<m1@x>", resp.MessageID)

	require.Len(t, ts.replies.msgs, 1)
	assert.Equal(t, "owner@example.com", ts.replies.msgs[0].From)
	assert.Contains(t, ts.replies.msgs[0].Text, "STATUS please")
}

func TestInboundMailDeduplicatesMessageID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	post := func(id string) InboundMailResponse {
		req := httptest.NewRequest(http.MethodPost, "/mail/inbound",
			strings.NewReader(`{"from":"owner@example.com","text":"STATUS","messageId":"`+id+`"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := ts.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp InboundMailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, conversation.OutcomeStatusSent, post("<retry@x>").Outcome)
	assert.Equal(t, conversation.OutcomeDuplicate, post("<retry@x>").Outcome)
	assert.Equal(t, conversation.OutcomeDuplicate, post("retry@x").Outcome)
	assert.Len(t, ts.replies.msgs, 1)

	// Messages without an id cannot be deduplicated.
	ts.do(formRequest("/mail/inbound", url.Values{"from": {"owner@example.com"}, "text": {"STATUS"}}))
	ts.do(formRequest("/mail/inbound", url.Values{"from": {"owner@example.com"}, "text": {"STATUS"}}))
	assert.Len(t, ts.replies.msgs, 3)
}

func TestInboundMailSharesSeenSetWithPoller(t *testing.T) {
	t.Parallel()

	seen := mail.NewDedup(time.Hour)
	require.True(t, seen.First("<polled@x>"))

	replies := &fakeReplies{outcome: conversation.OutcomeStatusSent}
	srv, err := NewWithConfig(DefaultConfig(), testLogger(), WithReplyHandler(replies), WithInboundDedup(seen))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, formRequest("/mail/inbound",
		url.Values{"from": {"owner@example.com"}, "text": {"STATUS"}, "messageId": {"<polled@x>"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"duplicate"`)
	assert.Empty(t, replies.msgs)
}

func TestInboundMailRetryAfterFailureIsHandled(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.replies.outcome = conversation.OutcomeStatusFailed
	ts.replies.err = fmt.Errorf("smtp down")
	form := url.Values{"from": {"owner@example.com"}, "text": {"STATUS"}, "messageId": {"<m9@x>"}}
	rec := ts.do(formRequest("/mail/inbound", form))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	ts.replies.outcome = conversation.OutcomeStatusSent
	ts.replies.err = nil
	rec = ts.do(formRequest("/mail/inbound", form))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"status_sent"`)
	assert.Len(t, ts.replies.msgs, 2)
}

func TestInboundMailForm(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.replies.outcome = conversation.OutcomeNotImplemented
	rec := ts.do(formRequest("/mail/inbound", url.Values{"from": {"owner@example.com"}, "text": {"CALL"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"not_implemented"`)
}

func TestInboundMailErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(formRequest("/mail/inbound", url.Values{"from": {"nobody"}, "text": {"STATUS"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.replies.outcome = conversation.OutcomeStatusFailed
	ts.replies.err = fmt.Errorf("smtp down")
	rec = ts.do(formRequest("/mail/inbound", url.Values{"from": {"owner@example.com"}, "text": {"STATUS"}}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "smtp down")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	ts.do(formRequest(voice.StatusPath, url.Values{"CallSid": {"CA1"}}))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "emberwatch_http_requests_total")
}

func TestImagesServedFromLocalDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "u1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1", "u1_fire_frame_5.jpg"), []byte("jpeg"), 0o600))

	srv, err := NewWithConfig(DefaultConfig(), testLogger(), WithImageDir(dir))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/u1/u1_fire_frame_5.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/detections", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "routes without a backend are not registered")
}
