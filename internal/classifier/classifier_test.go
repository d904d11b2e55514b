package classifier

import (
	"io"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

const endpoint = "https://classifier.test/v1/classify"

func newRemote(t *testing.T, status int, body string) *Remote {
	t.Helper()
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, endpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "image/jpeg", req.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer key", req.Header.Get("Authorization"))
		return httpmock.NewStringResponse(status, body), nil
	})
	r, err := NewRemote(RemoteConfig{Endpoint: endpoint, APIKey: "key", Threshold: 0.6},
		httpclient.New(&httpclient.Config{Transport: mock}), testLogger())
	require.NoError(t, err)
	return r
}

func TestRemoteClassifyResponseShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want Result
	}{
		{"explicit decision", `{"isFire": true, "confidence": 0.93}`, Result{IsFire: true, Confidence: 0.93}},
		{"snake case", `{"is_fire": false, "score": 0.2}`, Result{IsFire: false, Confidence: 0.2}},
		{"decision without score", `{"isFire": true}`, Result{IsFire: true, Confidence: 1}},
		{"score only above threshold", `{"score": 0.7}`, Result{IsFire: true, Confidence: 0.7}},
		{"score only below threshold", `{"score": 0.55}`, Result{IsFire: false, Confidence: 0.55}},
		{"single fire label", `{"label": "fire", "score": 0.9}`, Result{IsFire: true, Confidence: 0.9}},
		{"single normal label", `{"label": "normal", "score": 0.75}`, Result{IsFire: false, Confidence: 0.25}},
		{"label list", `[{"label":"normal","score":0.1},{"label":"Fire","score":0.9}]`, Result{IsFire: true, Confidence: 0.9}},
		{"label list without fire", `[{"label":"normal","score":0.99}]`, Result{IsFire: false, Confidence: 0}},
		{"score clamped", `{"isFire": true, "confidence": 1.4}`, Result{IsFire: true, Confidence: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRemote(t, http.StatusOK, tt.body)
			got, err := r.Classify(t.Context(), []byte{0xff, 0xd8})
			require.NoError(t, err)
			assert.Equal(t, tt.want.IsFire, got.IsFire)
			assert.InDelta(t, tt.want.Confidence, got.Confidence, 1e-9)
		})
	}
}

func TestRemoteClassifyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `model crashed`},
		{"not json", http.StatusOK, `<html>`},
		{"no decision", http.StatusOK, `{"model":"v2"}`},
		{"empty labels", http.StatusOK, `[]`},
		{"labels mixed with scalars", http.StatusOK, `[{"label":"fire","score":0.9},0.4]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRemote(t, tt.status, tt.body)
			_, err := r.Classify(t.Context(), []byte("x"))
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryClassification))
		})
	}
}

func TestStubIsDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	always := NewStub(1, rand.New(rand.NewPCG(1, 2)))
	never := NewStub(0, rand.New(rand.NewPCG(1, 2)))
	for range 20 {
		r, err := always.Classify(t.Context(), nil)
		require.NoError(t, err)
		assert.True(t, r.IsFire)
		assert.GreaterOrEqual(t, r.Confidence, 0.5)

		r, err = never.Classify(t.Context(), nil)
		require.NoError(t, err)
		assert.False(t, r.IsFire)
		assert.Less(t, r.Confidence, 0.5)
	}
}

func TestNewSelectsMode(t *testing.T) {
	t.Parallel()

	c, err := New(&conf.ClassifierSettings{Mode: "stub", StubRate: 0.5}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "stub", c.Name())

	_, err = New(&conf.ClassifierSettings{Mode: "remote"}, nil, testLogger())
	require.Error(t, err, "remote mode without endpoint")

	c, err = New(&conf.ClassifierSettings{Mode: "remote", Endpoint: endpoint}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "remote", c.Name())

	_, err = New(&conf.ClassifierSettings{Mode: "oracle"}, nil, testLogger())
	require.Error(t, err)
}
