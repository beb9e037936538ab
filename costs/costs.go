// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package costs records per-workspace LLM spend. Records are queued and
// batch-written so generation latency never waits on the cost store.
package costs

import (
	"context"
	"log"
	"sync"
	"time"
)

// UsageRecord is one LLM call worth of spend attribution.
type UsageRecord struct {
	ID          int64     `json:"id,omitempty"`
	WorkspaceID string    `json:"workspace_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Tokens      int       `json:"tokens"`
	CostUSD     float64   `json:"cost_usd"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary aggregates spend over a query window.
type Summary struct {
	WorkspaceID  string  `json:"workspace_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
	RequestCount int     `json:"request_count"`
}

// Sink persists batches of usage records.
type Sink interface {
	WriteBatch(ctx context.Context, records []UsageRecord) error
}

const (
	defaultQueueSize     = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

// Recorder satisfies llm.CostRecorder. RecordCost enqueues without
// blocking; a background worker batches queue contents into the sink.
type Recorder struct {
	sink Sink

	queue    chan UsageRecord
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending []UsageRecord
	dropped int
}

// NewRecorder starts the batching worker. sink nil keeps records in
// memory only (useful for tests and DB-less deployments).
func NewRecorder(sink Sink) *Recorder {
	r := &Recorder{
		sink:     sink,
		queue:    make(chan UsageRecord, defaultQueueSize),
		shutdown: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// RecordCost enqueues one spend record. A full queue drops the record
// and counts it rather than stalling a generation call.
func (r *Recorder) RecordCost(_ context.Context, workspaceID, executionID, provider, model string, tokens int, costUSD float64) {
	rec := UsageRecord{
		WorkspaceID: workspaceID,
		ExecutionID: executionID,
		Provider:    provider,
		Model:       model,
		Tokens:      tokens,
		CostUSD:     costUSD,
		Timestamp:   time.Now().UTC(),
	}
	select {
	case r.queue <- rec:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		log.Printf("[CostRecorder] queue full, dropped record for workspace %s", workspaceID)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-r.queue:
			r.mu.Lock()
			r.pending = append(r.pending, rec)
			full := len(r.pending) >= defaultBatchSize
			r.mu.Unlock()
			if full {
				r.flush()
			}
		case <-ticker.C:
			r.flush()
		case <-r.shutdown:
			r.drainQueue()
			r.flush()
			return
		}
	}
}

func (r *Recorder) drainQueue() {
	for {
		select {
		case rec := <-r.queue:
			r.mu.Lock()
			r.pending = append(r.pending, rec)
			r.mu.Unlock()
		default:
			return
		}
	}
}

// flush hands the pending batch to the sink. Without a sink the batch
// stays buffered so Pending keeps working.
func (r *Recorder) flush() {
	if r.sink == nil {
		return
	}
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.sink.WriteBatch(ctx, batch); err != nil {
		log.Printf("[CostRecorder] batch write of %d records failed: %v", len(batch), err)
		// Requeue so a transient store outage does not lose spend data.
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
	}
}

// Pending returns buffered records not yet written. With a nil sink this
// is the full in-memory history.
func (r *Recorder) Pending() []UsageRecord {
	r.drainQueue()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UsageRecord, len(r.pending))
	copy(out, r.pending)
	return out
}

// Dropped returns how many records were lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes remaining records and stops the worker.
func (r *Recorder) Close() {
	close(r.shutdown)
	r.wg.Wait()
}
