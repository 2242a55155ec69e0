// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"maps"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a Tracker that keeps everything in memory.
type Memory struct {
	mu         sync.Mutex
	closed     bool
	logs       []Metrics
	histograms []HistogramRecord
}

var _ Tracker = (*Memory)(nil)

// NewMemory creates an empty in-memory tracker.
func NewMemory() *Memory { return &Memory{} }

// Log implements Tracker.
func (m *Memory) Log(metrics Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory tracker already closed")
	}
	m.logs = append(m.logs, maps.Clone(metrics))
	return nil
}

// LogHistogram implements Tracker.
func (m *Memory) LogHistogram(name string, step int, histogram *Histogram) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory tracker already closed")
	}
	m.histograms = append(m.histograms, HistogramRecord{Name: name, Step: step, Histogram: histogram})
	return nil
}

// Close implements Tracker.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Logs returns the metrics logged, in order.
func (m *Memory) Logs() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.logs...)
}

// Histograms returns the histograms logged, in order.
func (m *Memory) Histograms() []HistogramRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistogramRecord(nil), m.histograms...)
}
