package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBeforeInitIsNoop(t *testing.T) {
	if Registered() {
		t.Skip("metrics already initialised by another test")
	}
	assert.NotPanics(t, func() {
		RecordResolve(nil, time.Millisecond)
		RecordValueWrite("put", nil)
		RecordTokenVerification("valid")
		RecordBackendCall("vault", "get", nil, time.Millisecond)
		RecordAuditDropped()
	})
	assert.Nil(t, ValueWrites())
}

func TestRecordAfterInit(t *testing.T) {
	Init()
	require.True(t, Registered())

	before := testutil.ToFloat64(ValueWrites().WithLabelValues("put", "error"))
	RecordValueWrite("put", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(ValueWrites().WithLabelValues("put", "error")))

	beforeCalls := testutil.ToFloat64(BackendCalls().WithLabelValues("aws.ssm", "put", "success"))
	RecordBackendCall("aws.ssm", "put", nil, 20*time.Millisecond)
	assert.Equal(t, beforeCalls+1, testutil.ToFloat64(BackendCalls().WithLabelValues("aws.ssm", "put", "success")))
}

func TestDefaultServerConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultServerConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "/metrics", cfg.Path)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
}

func TestServerDisabled(t *testing.T) {
	t.Parallel()

	s := NewServer(DefaultServerConfig())
	require.NoError(t, s.Start())
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestServerServesMetrics(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:0"

	s := NewServer(cfg)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	RecordResolve(nil, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "cfgvault_resolve_total"))

	health, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
