// Package analyzer classifies observed IBC packet messages as effected,
// uneffected or front-run, persists them, and keeps the packet metrics in
// sync with the store. It also derives the stuck packet gauge by scanning the
// store periodically.
package analyzer

import (
	"context"
	"time"

	"github.com/chainpulse/chainpulse/internal/comet"
	"github.com/chainpulse/chainpulse/internal/pkg/logger"
	"github.com/chainpulse/chainpulse/internal/pkg/resilience/retry"
	"github.com/chainpulse/chainpulse/internal/storage/sqlite"
)

// Store is the persistence surface the analyzer consumes.
type Store interface {
	InsertTx(ctx context.Context, tx sqlite.Tx) (int64, bool, error)
	InsertPacket(ctx context.Context, p sqlite.Packet) (int64, bool, error)
	FindCompeting(ctx context.Context, chain string, p sqlite.Packet) ([]sqlite.StoredPacket, error)
	RecordFrontrun(ctx context.Context, packetID int64, winnerSigner string, winnerTx int64) error
	StuckPackets(ctx context.Context, srcChain, dstChain, srcChannel string) (int64, error)
	ChannelPairs(ctx context.Context, chain string) ([]sqlite.ChannelPair, error)
	PacketsForChain(ctx context.Context, chain string) ([]sqlite.StoredPacket, error)
}

// Metrics is the instrument surface the analyzer consumes.
type Metrics interface {
	EffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string)
	UneffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string)
	FrontrunEvent(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, frontrunnedBy, memo, effectedMemo string)
	SetStuckPackets(dstChain, srcChain, srcChannel string, count int64)
	Packet(chainID string)
	Tx(chainID string)
	Error(chainID string)
}

// Service wires the store and the metrics registry together.
type Service struct {
	store   Store
	metrics Metrics
	retrier retry.Retry
}

// Option configures the Service.
type Option func(*Service)

// WithRetry overrides the retry policy applied to store writes.
func WithRetry(r retry.Retry) Option {
	return func(s *Service) {
		s.retrier = r
	}
}

// New builds an analyzer Service. The default store-write retry policy is
// 3 attempts with a short backoff, enough to ride out database contention.
func New(store Store, metrics Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		metrics: metrics,
		retrier: retry.New(
			retry.WithAttempts(3),
			retry.WithDelay(100*time.Millisecond),
			retry.WithMaxDelay(time.Second),
		),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ProcessTx persists a decoded transaction and classifies every packet
// message it carries. Transactions with no packet messages leave no trace.
// Per-message failures are logged and counted without aborting the rest of
// the transaction.
func (s *Service) ProcessTx(ctx context.Context, chainID string, height int64, blockTime time.Time, tx comet.Tx, result comet.TxResult) error {
	relevant := 0
	for _, msg := range tx.Msgs {
		switch {
		case msg.IsRelevant():
			relevant++
		case msg.IsIBC() && !msg.IsKnown():
			logger.Debug(ctx, "unhandled ibc message", "chain_id", chainID, "type_url", msg.TypeURL)
		}
	}
	if relevant == 0 {
		return nil
	}

	txRow := sqlite.Tx{
		Chain:     chainID,
		Height:    height,
		Hash:      tx.Hash,
		Memo:      tx.Memo,
		CreatedAt: blockTime,
	}

	var (
		txID    int64
		isNewTx bool
	)
	err := s.retrier.Execute(ctx, func() error {
		var err error
		txID, isNewTx, err = s.store.InsertTx(ctx, txRow)
		return err
	})
	if err != nil {
		s.metrics.Error(chainID)
		return err
	}
	if isNewTx {
		s.metrics.Tx(chainID)
	}

	for msgIndex, msg := range tx.Msgs {
		if !msg.IsRelevant() {
			continue
		}

		if err := s.processMsg(ctx, chainID, txID, tx.Memo, msgIndex, msg, result.IsOK(), blockTime); err != nil {
			logger.Error(ctx, "failed to process packet message",
				"chain_id", chainID,
				"tx_hash", tx.Hash,
				"msg_index", msgIndex,
				"type_url", msg.TypeURL,
				"error", err,
			)
			s.metrics.Error(chainID)
		}
	}

	return nil
}

func (s *Service) processMsg(ctx context.Context, chainID string, txID int64, memo string, msgIndex int, msg comet.Msg, effected bool, blockTime time.Time) error {
	packet, err := msg.Packet()
	if err != nil {
		return err
	}

	signer, err := msg.Signer()
	if err != nil {
		return err
	}

	row := sqlite.Packet{
		TxID:       txID,
		MsgIndex:   msgIndex,
		Sequence:   packet.Sequence,
		SrcChannel: packet.SrcChannel,
		SrcPort:    packet.SrcPort,
		DstChannel: packet.DstChannel,
		DstPort:    packet.DstPort,
		MsgType:    msg.TypeURL,
		Signer:     signer,
		Effected:   effected,
		CreatedAt:  blockTime,
	}

	competitors, err := s.store.FindCompeting(ctx, chainID, row)
	if err != nil {
		return err
	}

	var winner *sqlite.StoredPacket
	for i := range competitors {
		if competitors[i].Effected {
			winner = &competitors[i]
			break
		}
	}

	// At most one submission per logical packet can be effected. A second
	// success is recorded as uneffected.
	if row.Effected && winner != nil {
		logger.Warn(ctx, "competing packet submission already effected",
			"chain_id", chainID,
			"sequence", row.Sequence,
			"src_channel", row.SrcChannel,
			"dst_channel", row.DstChannel,
			"msg_type", row.MsgType,
			"signer", signer,
			"effected_signer", winner.Signer,
		)
		row.Effected = false
	}

	if !row.Effected && winner != nil {
		row.EffectedSigner = &winner.Signer
		row.EffectedTx = &winner.TxID
	}

	var isNew bool
	err = s.retrier.Execute(ctx, func() error {
		var err error
		_, isNew, err = s.store.InsertPacket(ctx, row)
		return err
	})
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	s.metrics.Packet(chainID)

	if row.Effected {
		s.metrics.EffectedPacket(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort, signer, memo)

		// Everyone who raced this packet and lost was front-run by us.
		for _, loser := range competitors {
			if loser.Effected {
				continue
			}

			if err := s.store.RecordFrontrun(ctx, loser.ID, signer, txID); err != nil {
				return err
			}
			s.metrics.FrontrunEvent(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort,
				loser.Signer, signer, loser.Memo, memo)
		}

		return nil
	}

	s.metrics.UneffectedPacket(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort, signer, memo)

	if winner != nil {
		s.metrics.FrontrunEvent(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort,
			signer, winner.Signer, memo, winner.Memo)
	}

	return nil
}

// PopulateOnStart replays the stored rows of a chain through the counting
// paths, rebuilding counter values after a restart. Double counting against a
// scrape that already persisted prior values is the operator's trade-off.
func (s *Service) PopulateOnStart(ctx context.Context, chainID string) error {
	rows, err := s.store.PacketsForChain(ctx, chainID)
	if err != nil {
		return err
	}

	memoByTx := make(map[int64]string, len(rows))
	for _, row := range rows {
		memoByTx[row.TxID] = row.Memo
	}

	seenTx := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		s.metrics.Packet(chainID)

		if _, ok := seenTx[row.TxID]; !ok {
			seenTx[row.TxID] = struct{}{}
			s.metrics.Tx(chainID)
		}

		if row.Effected {
			s.metrics.EffectedPacket(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort, row.Signer, row.Memo)
			continue
		}

		s.metrics.UneffectedPacket(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort, row.Signer, row.Memo)

		if row.EffectedSigner != nil {
			var effectedMemo string
			if row.EffectedTx != nil {
				effectedMemo = memoByTx[*row.EffectedTx]
			}

			s.metrics.FrontrunEvent(chainID, row.SrcChannel, row.SrcPort, row.DstChannel, row.DstPort,
				row.Signer, *row.EffectedSigner, row.Memo, effectedMemo)
		}
	}

	logger.Info(ctx, "metrics populated from store",
		"chain_id", chainID,
		"packets", len(rows),
		"txs", len(seenTx),
	)

	return nil
}

// RunStuckPacketSweep recomputes the stuck packet gauge for every ordered
// pair of the given chains, once immediately and then on every interval tick,
// until ctx is done. Query failures are logged and the sweep carries on.
func (s *Service) RunStuckPacketSweep(ctx context.Context, chains []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx, chains)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) sweep(ctx context.Context, chains []string) {
	for _, dst := range chains {
		pairs, err := s.store.ChannelPairs(ctx, dst)
		if err != nil {
			logger.Error(ctx, "failed to list channel pairs", "chain_id", dst, "error", err)
			continue
		}

		for _, src := range chains {
			if src == dst {
				continue
			}

			for _, pair := range pairs {
				count, err := s.store.StuckPackets(ctx, src, dst, pair.SrcChannel)
				if err != nil {
					logger.Error(ctx, "failed to count stuck packets",
						"src_chain", src,
						"dst_chain", dst,
						"src_channel", pair.SrcChannel,
						"error", err,
					)
					continue
				}

				s.metrics.SetStuckPackets(dst, src, pair.SrcChannel, count)
			}
		}
	}
}
