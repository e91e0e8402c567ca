package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyproxy/llm-keypool-proxy/internal/redact"
)

func TestEmitDeliversEnvelopeWithHeaders(t *testing.T) {
	var got Envelope
	var gotSig, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		gotSig = r.Header.Get("X-Signature")
		gotTimestamp = r.Header.Get("X-Timestamp")
		assert.Equal(t, EventCircuitTrip, r.Header.Get("X-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL, Secret: "shh"}, nil)
	m.Emit(EventCircuitTrip, map[string]string{"keyId": "k1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, EventCircuitTrip, got.Type)
	assert.NotEmpty(t, got.ID)

	rawBody, err := json.Marshal(got)
	require.NoError(t, err)
	assert.True(t, redact.VerifySignature("shh", gotTimestamp, string(rawBody), gotSig))
}

func TestEmitWithoutURLIsNoOp(t *testing.T) {
	m := New(Config{}, nil)
	m.Emit(EventHealthDegraded, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Drain(ctx))
}

func TestEmitWithoutSecretOmitsSignature(t *testing.T) {
	var sawSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSig = r.Header.Get("X-Signature") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL}, nil)
	m.Emit(EventHealthCritical, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))
	assert.False(t, sawSig)
}

func TestEmitRetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL, MaxRetries: 2}, nil)
	m.Emit(EventRateLimitHit, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
