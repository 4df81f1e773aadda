package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/comet"
	"github.com/chainpulse/chainpulse/internal/pkg/logger"
	"github.com/chainpulse/chainpulse/internal/storage/sqlite"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init(logger.WithLevel("error"))
}

// In-memory Store fake mirroring the SQLite semantics the analyzer relies on.

type frontrunRecord struct {
	packetID     int64
	winnerSigner string
	winnerTx     int64
}

type storeFake struct {
	txSeq, packetSeq int64

	txs       []sqlite.Tx
	packets   []sqlite.StoredPacket
	frontruns []frontrunRecord
}

func (s *storeFake) InsertTx(ctx context.Context, tx sqlite.Tx) (int64, bool, error) {
	for _, existing := range s.txs {
		if existing.Chain == tx.Chain && existing.Hash == tx.Hash {
			return existing.ID, false, nil
		}
	}

	s.txSeq++
	tx.ID = s.txSeq
	s.txs = append(s.txs, tx)
	return tx.ID, true, nil
}

func (s *storeFake) txByID(id int64) sqlite.Tx {
	for _, tx := range s.txs {
		if tx.ID == id {
			return tx
		}
	}
	return sqlite.Tx{}
}

func (s *storeFake) InsertPacket(ctx context.Context, p sqlite.Packet) (int64, bool, error) {
	for _, existing := range s.packets {
		if existing.TxID == p.TxID && existing.MsgIndex == p.MsgIndex {
			return existing.ID, false, nil
		}
	}

	s.packetSeq++
	p.ID = s.packetSeq

	tx := s.txByID(p.TxID)
	s.packets = append(s.packets, sqlite.StoredPacket{
		Packet: p,
		Chain:  tx.Chain,
		Height: tx.Height,
		TxHash: tx.Hash,
		Memo:   tx.Memo,
	})
	return p.ID, true, nil
}

func (s *storeFake) FindCompeting(ctx context.Context, chain string, p sqlite.Packet) ([]sqlite.StoredPacket, error) {
	var out []sqlite.StoredPacket
	for _, existing := range s.packets {
		if existing.Chain != chain {
			continue
		}
		if existing.TxID == p.TxID && existing.MsgIndex == p.MsgIndex {
			continue
		}
		if existing.Sequence == p.Sequence &&
			existing.SrcChannel == p.SrcChannel && existing.SrcPort == p.SrcPort &&
			existing.DstChannel == p.DstChannel && existing.DstPort == p.DstPort &&
			existing.MsgType == p.MsgType {
			out = append(out, existing)
		}
	}
	return out, nil
}

func (s *storeFake) RecordFrontrun(ctx context.Context, packetID int64, winnerSigner string, winnerTx int64) error {
	s.frontruns = append(s.frontruns, frontrunRecord{packetID, winnerSigner, winnerTx})

	for i := range s.packets {
		if s.packets[i].ID == packetID {
			s.packets[i].EffectedSigner = &winnerSigner
			s.packets[i].EffectedTx = &winnerTx
		}
	}
	return nil
}

func (s *storeFake) StuckPackets(ctx context.Context, srcChain, dstChain, srcChannel string) (int64, error) {
	var count int64
	for _, recv := range s.packets {
		if recv.Chain != dstChain || recv.MsgType != comet.TypeRecvPacket || recv.SrcChannel != srcChannel || !recv.Effected {
			continue
		}

		acked := false
		for _, ack := range s.packets {
			if ack.Chain == srcChain && ack.MsgType == comet.TypeAcknowledgement &&
				ack.Sequence == recv.Sequence && ack.SrcChannel == recv.SrcChannel && ack.Effected {
				acked = true
			}
		}
		if !acked {
			count++
		}
	}
	return count, nil
}

func (s *storeFake) ChannelPairs(ctx context.Context, chain string) ([]sqlite.ChannelPair, error) {
	seen := make(map[sqlite.ChannelPair]struct{})
	var pairs []sqlite.ChannelPair
	for _, p := range s.packets {
		if p.Chain != chain || p.MsgType != comet.TypeRecvPacket {
			continue
		}

		pair := sqlite.ChannelPair{
			SrcChannel: p.SrcChannel, SrcPort: p.SrcPort,
			DstChannel: p.DstChannel, DstPort: p.DstPort,
		}
		if _, ok := seen[pair]; !ok {
			seen[pair] = struct{}{}
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

func (s *storeFake) PacketsForChain(ctx context.Context, chain string) ([]sqlite.StoredPacket, error) {
	var out []sqlite.StoredPacket
	for _, p := range s.packets {
		if p.Chain == chain {
			out = append(out, p)
		}
	}
	return out, nil
}

// Metrics fake recording every increment with its label values.

type packetMetric struct {
	chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string
}

type frontrunMetric struct {
	chainID, srcChannel, srcPort, dstChannel, dstPort string
	signer, frontrunnedBy, memo, effectedMemo         string
}

type metricsFake struct {
	effected   []packetMetric
	uneffected []packetMetric
	frontruns  []frontrunMetric
	stuck      map[string]int64
	packets    map[string]int
	txs        map[string]int
	errors     map[string]int
}

func newMetricsFake() *metricsFake {
	return &metricsFake{
		stuck:   make(map[string]int64),
		packets: make(map[string]int),
		txs:     make(map[string]int),
		errors:  make(map[string]int),
	}
}

func (m *metricsFake) EffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string) {
	m.effected = append(m.effected, packetMetric{chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo})
}

func (m *metricsFake) UneffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string) {
	m.uneffected = append(m.uneffected, packetMetric{chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo})
}

func (m *metricsFake) FrontrunEvent(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, frontrunnedBy, memo, effectedMemo string) {
	m.frontruns = append(m.frontruns, frontrunMetric{chainID, srcChannel, srcPort, dstChannel, dstPort, signer, frontrunnedBy, memo, effectedMemo})
}

func (m *metricsFake) SetStuckPackets(dstChain, srcChain, srcChannel string, count int64) {
	m.stuck[fmt.Sprintf("%s/%s/%s", dstChain, srcChain, srcChannel)] = count
}

func (m *metricsFake) Packet(chainID string) { m.packets[chainID]++ }
func (m *metricsFake) Tx(chainID string)     { m.txs[chainID]++ }
func (m *metricsFake) Error(chainID string)  { m.errors[chainID]++ }

// Transaction fixture builders.

func buildPacketMsg(typeURL string, packetField, signerField protowire.Number, sequence uint64, signer string) []byte {
	var packet []byte
	packet = protowire.AppendTag(packet, 1, protowire.VarintType)
	packet = protowire.AppendVarint(packet, sequence)
	packet = protowire.AppendTag(packet, 2, protowire.BytesType)
	packet = protowire.AppendString(packet, "transfer")
	packet = protowire.AppendTag(packet, 3, protowire.BytesType)
	packet = protowire.AppendString(packet, "channel-0")
	packet = protowire.AppendTag(packet, 4, protowire.BytesType)
	packet = protowire.AppendString(packet, "transfer")
	packet = protowire.AppendTag(packet, 5, protowire.BytesType)
	packet = protowire.AppendString(packet, "channel-141")

	var value []byte
	value = protowire.AppendTag(value, packetField, protowire.BytesType)
	value = protowire.AppendBytes(value, packet)
	value = protowire.AppendTag(value, signerField, protowire.BytesType)
	value = protowire.AppendString(value, signer)

	var any []byte
	any = protowire.AppendTag(any, 1, protowire.BytesType)
	any = protowire.AppendString(any, typeURL)
	any = protowire.AppendTag(any, 2, protowire.BytesType)
	any = protowire.AppendBytes(any, value)
	return any
}

func buildRawTx(memo string, msgs ...[]byte) []byte {
	var body []byte
	for _, msg := range msgs {
		body = protowire.AppendTag(body, 1, protowire.BytesType)
		body = protowire.AppendBytes(body, msg)
	}
	if memo != "" {
		body = protowire.AppendTag(body, 2, protowire.BytesType)
		body = protowire.AppendString(body, memo)
	}

	var tx []byte
	tx = protowire.AppendTag(tx, 1, protowire.BytesType)
	tx = protowire.AppendBytes(tx, body)
	return tx
}

func parseTx(t *testing.T, raw []byte) comet.Tx {
	t.Helper()

	tx, err := comet.ParseTx(raw)
	require.NoError(t, err)
	return tx
}

func recvTx(t *testing.T, sequence uint64, signer, memo string) comet.Tx {
	t.Helper()
	return parseTx(t, buildRawTx(memo, buildPacketMsg(comet.TypeRecvPacket, 1, 4, sequence, signer)))
}

var (
	okResult     = comet.TxResult{Code: 0}
	failedResult = comet.TxResult{Code: 5}
)

func TestProcessTx(t *testing.T) {
	t.Run("should count a single effected recv packet", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)

		// Act
		err := svc.ProcessTx(t.Context(), "cosmoshub-4", 100, time.Now(), recvTx(t, 7, "cosmos1hermes", "hermes"), okResult)

		// Assert
		require.NoError(t, err)
		assert.Len(t, store.txs, 1)
		assert.Len(t, store.packets, 1)
		assert.Equal(t, 1, m.txs["cosmoshub-4"])
		assert.Equal(t, 1, m.packets["cosmoshub-4"])
		require.Len(t, m.effected, 1)
		assert.Equal(t, packetMetric{"cosmoshub-4", "channel-0", "transfer", "channel-141", "transfer", "cosmos1hermes", "hermes"}, m.effected[0])
		assert.Empty(t, m.uneffected)
		assert.Empty(t, m.frontruns)
	})

	t.Run("should classify the loser of a front run arriving after the winner", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx := t.Context()

		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1hermes", "hermes"), okResult))

		// Act
		err := svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1rly", "rly"), failedResult)

		// Assert
		require.NoError(t, err)
		assert.Len(t, m.effected, 1)
		require.Len(t, m.uneffected, 1)
		assert.Equal(t, "cosmos1rly", m.uneffected[0].signer)

		require.Len(t, m.frontruns, 1)
		assert.Equal(t, frontrunMetric{
			chainID:    "cosmoshub-4",
			srcChannel: "channel-0", srcPort: "transfer",
			dstChannel: "channel-141", dstPort: "transfer",
			signer: "cosmos1rly", frontrunnedBy: "cosmos1hermes",
			memo: "rly", effectedMemo: "hermes",
		}, m.frontruns[0])

		// Loser row carries the winner.
		loser := store.packets[1]
		assert.False(t, loser.Effected)
		require.NotNil(t, loser.EffectedSigner)
		assert.Equal(t, "cosmos1hermes", *loser.EffectedSigner)
	})

	t.Run("should record the front run when the winner arrives after the loser", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx := t.Context()

		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1rly", "rly"), failedResult))

		// Act
		err := svc.ProcessTx(ctx, "cosmoshub-4", 101, time.Now(), recvTx(t, 42, "cosmos1hermes", "hermes"), okResult)

		// Assert
		require.NoError(t, err)
		require.Len(t, store.frontruns, 1)
		require.Len(t, m.frontruns, 1)
		assert.Equal(t, "cosmos1rly", m.frontruns[0].signer)
		assert.Equal(t, "cosmos1hermes", m.frontruns[0].frontrunnedBy)
		assert.Equal(t, "rly", m.frontruns[0].memo)
		assert.Equal(t, "hermes", m.frontruns[0].effectedMemo)
	})

	t.Run("should count an effected timeout", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)

		tx := parseTx(t, buildRawTx("", buildPacketMsg(comet.TypeTimeout, 1, 5, 9, "cosmos1hermes")))

		// Act
		err := svc.ProcessTx(t.Context(), "cosmoshub-4", 100, time.Now(), tx, okResult)

		// Assert
		require.NoError(t, err)
		require.Len(t, m.effected, 1)
		require.Len(t, store.packets, 1)
		assert.Equal(t, comet.TypeTimeout, store.packets[0].MsgType)
		assert.True(t, store.packets[0].Effected)
	})

	t.Run("should demote a second successful submission to uneffected", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx := t.Context()

		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1hermes", "hermes"), okResult))

		// Act: a competing submission also reports code 0.
		err := svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1rly", "rly"), okResult)

		// Assert
		require.NoError(t, err)
		require.Len(t, store.packets, 2)
		assert.True(t, store.packets[0].Effected)
		assert.False(t, store.packets[1].Effected)
		assert.Len(t, m.effected, 1)
		assert.Len(t, m.uneffected, 1)
	})

	t.Run("should not double count a reprocessed transaction", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx := t.Context()

		tx := recvTx(t, 7, "cosmos1hermes", "hermes")
		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), tx, okResult))

		// Act
		err := svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), tx, okResult)

		// Assert
		require.NoError(t, err)
		assert.Len(t, store.txs, 1)
		assert.Len(t, store.packets, 1)
		assert.Equal(t, 1, m.txs["cosmoshub-4"])
		assert.Equal(t, 1, m.packets["cosmoshub-4"])
		assert.Len(t, m.effected, 1)
		assert.Empty(t, m.frontruns)
	})

	t.Run("should classify every message of a failed transaction as uneffected", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)

		// Act
		err := svc.ProcessTx(t.Context(), "cosmoshub-4", 100, time.Now(), recvTx(t, 7, "cosmos1rly", "rly"), failedResult)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, m.effected)
		require.Len(t, m.uneffected, 1)
		assert.Empty(t, m.frontruns)
	})

	t.Run("should expose an empty memo as an empty label", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)

		// Act
		err := svc.ProcessTx(t.Context(), "cosmoshub-4", 100, time.Now(), recvTx(t, 7, "cosmos1hermes", ""), okResult)

		// Assert
		require.NoError(t, err)
		require.Len(t, m.effected, 1)
		assert.Empty(t, m.effected[0].memo)
	})

	t.Run("should leave no trace for transactions without packet messages", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)

		var any []byte
		any = protowire.AppendTag(any, 1, protowire.BytesType)
		any = protowire.AppendString(any, "/cosmos.bank.v1beta1.MsgSend")
		any = protowire.AppendTag(any, 2, protowire.BytesType)
		any = protowire.AppendBytes(any, nil)

		// Act
		err := svc.ProcessTx(t.Context(), "cosmoshub-4", 100, time.Now(), parseTx(t, buildRawTx("", any)), okResult)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, store.txs)
		assert.Empty(t, store.packets)
		assert.Zero(t, m.txs["cosmoshub-4"])
	})
}

func TestPopulateOnStart(t *testing.T) {
	t.Run("should replay stored rows through the counters", func(t *testing.T) {
		// Arrange
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx := t.Context()

		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 100, time.Now(), recvTx(t, 42, "cosmos1rly", "rly"), failedResult))
		require.NoError(t, svc.ProcessTx(ctx, "cosmoshub-4", 101, time.Now(), recvTx(t, 42, "cosmos1hermes", "hermes"), okResult))

		fresh := newMetricsFake()
		replay := New(store, fresh)

		// Act
		err := replay.PopulateOnStart(ctx, "cosmoshub-4")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, fresh.packets["cosmoshub-4"])
		assert.Equal(t, 2, fresh.txs["cosmoshub-4"])
		assert.Len(t, fresh.effected, 1)
		assert.Len(t, fresh.uneffected, 1)
		require.Len(t, fresh.frontruns, 1)
		assert.Equal(t, "cosmos1rly", fresh.frontruns[0].signer)
		assert.Equal(t, "cosmos1hermes", fresh.frontruns[0].frontrunnedBy)
		assert.Equal(t, "hermes", fresh.frontruns[0].effectedMemo)
	})
}

func TestRunStuckPacketSweep(t *testing.T) {
	t.Run("should set the gauge for every ordered chain pair", func(t *testing.T) {
		// Arrange: a recv on chain-b with no ack on chain-a.
		store := &storeFake{}
		m := newMetricsFake()
		svc := New(store, m)
		ctx, cancel := context.WithCancel(t.Context())

		require.NoError(t, svc.ProcessTx(ctx, "chain-b", 100, time.Now(), recvTx(t, 100, "cosmos1relayer", ""), okResult))

		// Act: the sweep runs once immediately, then waits for the tick.
		done := make(chan struct{})
		go func() {
			defer close(done)
			svc.RunStuckPacketSweep(ctx, []string{"chain-a", "chain-b"}, time.Hour)
		}()

		assert.Eventually(t, func() bool {
			cancel()
			return true
		}, time.Second, 10*time.Millisecond)
		<-done

		// Assert
		assert.Equal(t, int64(1), m.stuck["chain-b/chain-a/channel-0"])
	})
}
