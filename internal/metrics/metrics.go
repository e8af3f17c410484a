// SPDX-License-Identifier: Apache-2.0

// Package metrics counts what a run did: matches per method, evidence found,
// embedding calls and retries, and whether vector matching degraded.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
)

const namespace = "dsrmap"

// Recorder holds the metrics of one run in a private registry.
type Recorder struct {
	reg *prometheus.Registry

	Matches        *prometheus.CounterVec
	Evidence       *prometheus.CounterVec
	UnresolvedRefs prometheus.Counter
	EmbedCalls     *prometheus.CounterVec
	EmbedTexts     prometheus.Counter
	EmbedRetries   prometheus.Counter
	Degraded       prometheus.Gauge
	Omissions      prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_sections_total",
			Help:      "Template sections mapped, by match method.",
		}, []string{"method"}),
		Evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_total",
			Help:      "Template sections resolved against the sources, by outcome.",
		}, []string{"outcome"}),
		UnresolvedRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_refs_total",
			Help:      "Explicit source references no loaded source satisfied.",
		}),
		EmbedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_calls_total",
			Help:      "Embedding service calls, by outcome.",
		}, []string{"outcome"}),
		EmbedTexts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_texts_total",
			Help:      "Texts sent to the embedding service.",
		}),
		EmbedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_retries_total",
			Help:      "Embedding calls retried after a transient failure.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_degraded",
			Help:      "1 when vector matching fell back to keyword-only during the run.",
		}),
		Omissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "omitted_sources_total",
			Help:      "Source documents skipped because they could not be parsed.",
		}),
	}
	r.reg.MustRegister(r.Matches, r.Evidence, r.UnresolvedRefs, r.EmbedCalls,
		r.EmbedTexts, r.EmbedRetries, r.Degraded, r.Omissions)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveMatch counts one mapping record.
func (r *Recorder) ObserveMatch(rec evidence.MatchRecord) {
	r.Matches.WithLabelValues(string(rec.Method)).Inc()
}

// ObserveEvidence counts one resolved template section.
func (r *Recorder) ObserveEvidence(ev evidence.ResolvedEvidence) {
	outcome := "found"
	if !ev.Found() {
		outcome = "not_found"
	}
	r.Evidence.WithLabelValues(outcome).Inc()
	r.UnresolvedRefs.Add(float64(len(ev.UnresolvedRefs)))
}

// RetryHook is passed to embed.WithRetryHook.
func (r *Recorder) RetryHook() func(attempt int, err error) {
	return func(int, error) { r.EmbedRetries.Inc() }
}

// DegradeHook is passed to vectorindex.WithDegradeHook.
func (r *Recorder) DegradeHook() func(reason string) {
	return func(string) { r.Degraded.Set(1) }
}

// WriteTextfile writes every metric to path in the text exposition format
// read by the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

// Instrument wraps e so every call to it is counted. Wrap the raw service
// client, beneath retries, to count individual attempts.
func (r *Recorder) Instrument(e embed.Embedder) embed.Embedder {
	return &instrumented{inner: e, rec: r}
}

type instrumented struct {
	inner embed.Embedder
	rec   *Recorder
}

func (i *instrumented) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	i.rec.EmbedTexts.Add(float64(len(texts)))
	vecs, err := i.inner.EmbedBatch(ctx, texts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.rec.EmbedCalls.WithLabelValues(outcome).Inc()
	return vecs, err
}

func (i *instrumented) Dimension() int { return i.inner.Dimension() }
func (i *instrumented) Model() string  { return i.inner.Model() }
