package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("test", reg)
	require.NoError(t, err)

	r.ObserveTransition("sign", time.Millisecond, nil)
	r.ObserveTransition("sign", time.Millisecond, interfaces.ErrSigningFailed)
	r.ObserveTransition("sign", 0, interfaces.ErrPipelineBusy)
	r.ObserveTransition("attest", 0, errors.New("boom"))
	r.ObserveKeyOperation("generate", nil)
	r.SetHardwareBacked(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("sign", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("sign", "key-lifecycle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("sign", "busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("attest", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.keyOperations.WithLabelValues("generate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.hardwareBacked))

	_, err = NewRecorder("test", reg)
	assert.Error(t, err, "Registering twice must fail")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveTransition("sign", time.Second, nil)
		r.ObserveKeyOperation("delete", nil)
		r.SetHardwareBacked(false)
	})
}

func TestMetricsServerHandler(t *testing.T) {
	m, err := New("test", "127.0.0.1:0")
	require.NoError(t, err)

	m.Recorder().ObserveTransition("attest", time.Millisecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_pipeline_transitions_total{result="ok",transition="attest"} 1`)
}
