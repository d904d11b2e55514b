package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Twilio signs with HMAC-SHA1
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func testConfig(publicURL string) Config {
	return Config{
		AccountSID: "AC123",
		AuthToken:  "token",
		From:       "+15550001111",
		To:         "+15550002222",
		PublicURL:  publicURL,
	}
}

const callsURL = "https://api.twilio.com/2010-04-01/Accounts/AC123/Calls.json"

func TestPlaceCallWithDialogue(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, callsURL, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "+15550002222", req.PostForm.Get("To"))
		assert.Equal(t, "+15550001111", req.PostForm.Get("From"))
		assert.Equal(t, "https://ember.example.com/voice/session", req.PostForm.Get("Url"))
		assert.Equal(t, "https://ember.example.com/voice/session/status", req.PostForm.Get("StatusCallback"))
		assert.Empty(t, req.PostForm.Get("Twiml"))
		return httpmock.NewStringResponse(http.StatusCreated, `{"sid":"CA42","status":"queued"}`), nil
	})

	c, err := NewTwilioCaller(testConfig("https://ember.example.com/"), &http.Client{Transport: mock}, testLogger())
	require.NoError(t, err)

	var prepared string
	sid, err := c.PlaceCall(t.Context(), "u1", func(id string) { prepared = id })
	require.NoError(t, err)
	assert.Equal(t, "CA42", sid)
	assert.Equal(t, "CA42", prepared)
}

func TestPlaceCallScriptOnly(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, callsURL, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Empty(t, req.PostForm.Get("Url"))
		assert.Contains(t, req.PostForm.Get("Twiml"), "Alert from your fire detection system.")
		return httpmock.NewStringResponse(http.StatusCreated, `{"sid":"CA43"}`), nil
	})

	c, err := NewTwilioCaller(testConfig(""), &http.Client{Transport: mock}, testLogger())
	require.NoError(t, err)

	sid, err := c.PlaceCall(t.Context(), "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "CA43", sid)
}

func TestPlaceCallFailure(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, callsURL,
		httpmock.NewStringResponder(http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))

	c, err := NewTwilioCaller(testConfig(""), &http.Client{Transport: mock}, testLogger())
	require.NoError(t, err)

	prepared := false
	_, err = c.PlaceCall(t.Context(), "u1", func(string) { prepared = true })
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCall))
	assert.False(t, prepared)
}

func TestPlaceCallReportsProviderOutcomeAfterDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, callsURL, func(*http.Request) (*http.Response, error) {
		cancel()
		return httpmock.NewStringResponse(http.StatusCreated, `{"sid":"CA44"}`), nil
	})

	c, err := NewTwilioCaller(testConfig(""), &http.Client{Transport: mock}, testLogger())
	require.NoError(t, err)

	var prepared string
	sid, err := c.PlaceCall(ctx, "u1", func(id string) { prepared = id })
	require.NoError(t, err, "a dialed call is never reported as failed")
	assert.Equal(t, "CA44", sid)
	assert.Equal(t, "CA44", prepared)
}

func TestPlaceCallSkipsDialingWhenContextDone(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, callsURL,
		httpmock.NewStringResponder(http.StatusCreated, `{"sid":"CA45"}`))

	c, err := NewTwilioCaller(testConfig(""), &http.Client{Transport: mock}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = c.PlaceCall(ctx, "u1", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.GetTotalCallCount())
}

func TestNewTwilioCallerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewTwilioCaller(Config{AccountSID: "AC1"}, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth token")
	assert.Contains(t, err.Error(), "emergency number")
}

func TestTwiMLBuilders(t *testing.T) {
	t.Parallel()

	script, err := ScriptTwiML()
	require.NoError(t, err)
	assert.Contains(t, script, "<Say>"+AlertScript+"</Say>")
	assert.Contains(t, script, `<Pause length="1"`)
	assert.Contains(t, script, FollowUpScript)

	gather, err := GatherTwiML("How can I help?", "https://ember.example.com/voice/session/turn?callId=CA1")
	require.NoError(t, err)
	assert.Contains(t, gather, `input="speech"`)
	assert.Contains(t, gather, "How can I help?")
	assert.Contains(t, gather, "callId=CA1")
	assert.Contains(t, gather, "<Hangup")

	bye, err := HangupTwiML("Goodbye")
	require.NoError(t, err)
	assert.Contains(t, bye, "<Say>Goodbye</Say>")
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	t.Parallel()

	v := NewSignatureValidator("token")
	fullURL := "https://ember.example.com/voice/session/turn"
	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"is it spreading"}}

	assert.True(t, v.Valid(fullURL, form, sign("token", fullURL, form)))
	assert.False(t, v.Valid(fullURL, form, sign("other", fullURL, form)))
	assert.False(t, v.Valid(fullURL, form, ""))
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"completed", "busy", "failed", "no-answer", "canceled"} {
		assert.True(t, TerminalStatus(s), s)
	}
	for _, s := range []string{"queued", "ringing", "in-progress", ""} {
		assert.False(t, TerminalStatus(s), s)
	}
}
