// Package collector runs one worker per monitored chain. A worker owns a
// WebSocket session to its node: it subscribes to new blocks, fetches each
// block and its transaction results, and feeds decoded transactions to the
// analyzer. Failed sessions are re-dialed with exponential backoff; healthy
// sessions are recycled after a fixed number of blocks to keep upstream
// load balancers honest.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainpulse/chainpulse/internal/comet"
	"github.com/chainpulse/chainpulse/internal/pkg/logger"
	"github.com/chainpulse/chainpulse/internal/pkg/transport/ws"
	"github.com/chainpulse/chainpulse/internal/pkg/x/chflow"
)

const (
	// maxBlocksPerSession forces a reconnect after this many blocks.
	maxBlocksPerSession = 100

	// initialBackoff and maxBackoff bound the reconnect delay. The delay
	// doubles on every failed session and resets once a session streams.
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	// defaultReadTimeout tears down sessions that stop delivering frames.
	defaultReadTimeout = 60 * time.Second
)

// Dialer opens a CometBFT RPC session. Swappable in tests.
type Dialer func(ctx context.Context, url string, version comet.Version) (comet.Client, error)

// Analyzer consumes decoded transactions.
type Analyzer interface {
	ProcessTx(ctx context.Context, chainID string, height int64, blockTime time.Time, tx comet.Tx, result comet.TxResult) error
}

// Metrics is the instrument surface the collector consumes.
type Metrics interface {
	Reconnect(chainID string)
	Timeout(chainID string)
	Error(chainID string)
	SetChains(count int)
}

type worker struct {
	chainID  string
	url      string
	version  comet.Version
	dial     Dialer
	analyzer Analyzer
	metrics  Metrics
}

// run drives the connect/stream/reconnect loop until ctx is done.
func (w *worker) run(ctx context.Context) {
	backoff := initialBackoff

	for {
		streamed, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if streamed {
			backoff = initialBackoff
		}

		if errors.Is(err, ws.ErrReadTimeout) {
			w.metrics.Timeout(w.chainID)
		}

		w.metrics.Reconnect(w.chainID)
		logger.Warn(ctx, "chain session ended, reconnecting",
			"chain_id", w.chainID,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs a single WebSocket session to completion. It reports whether
// at least one block was streamed, so the caller can reset its backoff. A nil
// error means the session was recycled after maxBlocksPerSession blocks.
func (w *worker) session(ctx context.Context) (bool, error) {
	client, err := w.dial(ctx, w.url, w.version)
	if err != nil {
		return false, err
	}
	defer client.Close()

	blocks, err := client.SubscribeNewBlocks(ctx)
	if err != nil {
		return false, err
	}

	logger.Info(ctx, "connected to chain", "chain_id", w.chainID, "url", w.url)

	streamed := false
	for processed := 0; processed < maxBlocksPerSession; processed++ {
		event, ok := chflow.Receive(ctx, blocks)
		if !ok {
			return streamed, ctx.Err()
		}
		if event.Err != nil {
			return streamed, event.Err
		}

		streamed = true

		if err := w.processBlock(ctx, client, event.Height); err != nil {
			return streamed, err
		}
	}

	return streamed, nil
}

// processBlock fetches a block with its transaction results and hands every
// transaction to the analyzer. A failure to fetch or align the block is an
// envelope-level error that ends the session; per-transaction decode failures
// are logged, counted and skipped.
func (w *worker) processBlock(ctx context.Context, client comet.Client, height int64) error {
	block, err := client.Block(ctx, height)
	if err != nil {
		return err
	}

	results, err := client.BlockResults(ctx, height)
	if err != nil {
		return err
	}

	if len(results.TxResults) != len(block.Txs) {
		return fmt.Errorf("block %d: %d txs but %d results", height, len(block.Txs), len(results.TxResults))
	}

	logger.Debug(ctx, "processing block",
		"chain_id", w.chainID,
		"height", height,
		"txs", len(block.Txs),
	)

	for i, raw := range block.Txs {
		tx, err := comet.ParseTx(raw)
		if err != nil {
			logger.Error(ctx, "failed to decode transaction",
				"chain_id", w.chainID,
				"height", height,
				"tx_index", i,
				"error", err,
			)
			w.metrics.Error(w.chainID)
			continue
		}

		if err := w.analyzer.ProcessTx(ctx, w.chainID, height, block.Header.Time, tx, results.TxResults[i]); err != nil {
			logger.Error(ctx, "failed to process transaction",
				"chain_id", w.chainID,
				"height", height,
				"tx_hash", tx.Hash,
				"error", err,
			)
		}
	}

	return nil
}
