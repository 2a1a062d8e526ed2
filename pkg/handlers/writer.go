package handlers

import (
	"time"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/queue"
	"github.com/hcp-ignite/agent/pkg/types"
)

// Writer is the single event-writer thread: it drains the ingress queue
// in batches, runs each event through the chain, and flushes survivors to
// the store under one transaction per batch.
type Writer struct {
	queue    *queue.Queue
	chain    Handler
	dbwriter *DBWriter
	batchMax int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWriter wires the drain loop. batchMax follows
// DAM.Database.maxInsertEventInOneTxn (default 50).
func NewWriter(cfg *config.Config, q *queue.Queue, chain Handler, dbw *DBWriter) *Writer {
	batchMax := int(cfg.GetInt("DAM.Database.maxInsertEventInOneTxn", 50))
	if batchMax <= 0 {
		batchMax = 50
	}
	return &Writer{
		queue:    q,
		chain:    chain,
		dbwriter: dbw,
		batchMax: batchMax,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the writer thread
func (w *Writer) Start() {
	go w.run()
}

// Stop signals shutdown and waits for the in-flight batch to land
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			// write one more batch before exiting; events beyond it stay queued
			w.drainOnce()
			return
		default:
		}

		if !w.drainOnce() {
			// back off when the cache is empty
			select {
			case <-w.stopCh:
			case <-time.After(time.Second):
			}
		}
	}
}

// drainOnce processes one batch; returns false when the queue was empty
func (w *Writer) drainOnce() bool {
	batch := w.queue.Drain(w.batchMax)
	metrics.QueueDepth.Set(float64(w.queue.Len()))
	if len(batch) == 0 {
		return false
	}
	for _, raw := range batch {
		ev, err := types.ParseEvent(raw)
		if err != nil {
			log.WithComponent("writer").Warn().Err(err).Msg("unparseable event discarded")
			metrics.EventsDropped.WithLabelValues("parse").Inc()
			continue
		}
		w.chain.Handle(ev)
	}
	if _, err := w.dbwriter.Flush(); err != nil {
		log.WithComponent("writer").Error().Err(err).Msg("batch flush failed")
	}
	return true
}
