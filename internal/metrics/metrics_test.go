// SPDX-License-Identifier: Apache-2.0

package metrics_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/metrics"
)

type failing struct{ embed.Embedder }

func (failing) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("down")
}

func TestRecorder_Observations(t *testing.T) {
	r := metrics.New()

	r.ObserveMatch(evidence.MatchRecord{Method: evidence.MethodIndex})
	r.ObserveMatch(evidence.MatchRecord{Method: evidence.MethodIndex})
	r.ObserveMatch(evidence.MatchRecord{Method: evidence.MethodNone})
	r.ObserveEvidence(evidence.ResolvedEvidence{Passages: []evidence.Passage{{Score: 1}}})
	r.ObserveEvidence(evidence.ResolvedEvidence{UnresolvedRefs: []string{"IB 9", "Sponsor letter"}})
	r.RetryHook()(1, errors.New("503"))
	r.DegradeHook()("service error")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Matches.WithLabelValues("index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Matches.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Evidence.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Evidence.WithLabelValues("not_found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.UnresolvedRefs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EmbedRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Degraded))
}

func TestInstrument(t *testing.T) {
	r := metrics.New()
	ctx := context.Background()

	ok := r.Instrument(embed.NewHash(16))
	_, err := ok.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 16, ok.Dimension())

	bad := r.Instrument(failing{embed.NewHash(16)})
	_, err = bad.EmbedBatch(ctx, []string{"d"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.EmbedCalls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EmbedCalls.WithLabelValues("error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.EmbedTexts))
}

func TestWriteTextfile(t *testing.T) {
	r := metrics.New()
	r.ObserveMatch(evidence.MatchRecord{Method: evidence.MethodHeading})

	path := filepath.Join(t.TempDir(), "dsrmap.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dsrmap_template_sections_total{method="heading"} 1`)
	assert.Contains(t, string(data), "dsrmap_vector_degraded 0")
}
