// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbot_store_ops_total",
			Help: "Total store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbot_store_op_seconds",
			Help:    "Store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any Store to capture metrics.
type instrumentedStore struct {
	inner   Store
	backend string
}

func NewInstrumentedStore(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	dur := time.Since(start).Seconds()
	res := "success"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(dur)
}

func (i *instrumentedStore) Load(ctx context.Context, id string) (rec *model.SessionRecord, version uint64, err error) {
	start := time.Now()
	defer func() { i.observe("load", start, err) }()
	return i.inner.Load(ctx, id)
}

func (i *instrumentedStore) Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (version uint64, err error) {
	start := time.Now()
	defer func() { i.observe("save", start, err) }()
	return i.inner.Save(ctx, rec, expected)
}

func (i *instrumentedStore) List(ctx context.Context) (list []*model.SessionRecord, err error) {
	start := time.Now()
	defer func() { i.observe("list", start, err) }()
	return i.inner.List(ctx)
}

func (i *instrumentedStore) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete", start, err) }()
	return i.inner.Delete(ctx, id)
}

func (i *instrumentedStore) Close() error { return i.inner.Close() }
