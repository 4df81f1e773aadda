// Package sqlite persists observed transactions and IBC packets in a local
// SQLite database file, using the pure-Go modernc.org/sqlite driver. Writes
// are idempotent: re-processing a block never duplicates rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chainpulse/chainpulse/internal/comet"
)

const schema = `
CREATE TABLE IF NOT EXISTS txs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chain      TEXT      NOT NULL,
	height     INTEGER   NOT NULL,
	hash       TEXT      NOT NULL,
	memo       TEXT      NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE (chain, hash)
);

CREATE INDEX IF NOT EXISTS idx_txs_chain  ON txs (chain);
CREATE INDEX IF NOT EXISTS idx_txs_hash   ON txs (hash);
CREATE INDEX IF NOT EXISTS idx_txs_height ON txs (height);
CREATE INDEX IF NOT EXISTS idx_txs_memo   ON txs (memo);

CREATE TABLE IF NOT EXISTS packets (
	id              INTEGER   PRIMARY KEY AUTOINCREMENT,
	tx_id           INTEGER   NOT NULL REFERENCES txs (id),
	msg_index       INTEGER   NOT NULL,
	sequence        INTEGER   NOT NULL,
	src_channel     TEXT      NOT NULL,
	src_port        TEXT      NOT NULL,
	dst_channel     TEXT      NOT NULL,
	dst_port        TEXT      NOT NULL,
	msg_type        TEXT      NOT NULL,
	signer          TEXT      NOT NULL,
	effected        BOOLEAN   NOT NULL,
	effected_signer TEXT,
	effected_tx     INTEGER,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE (tx_id, msg_index)
);

CREATE INDEX IF NOT EXISTS idx_packets_tx_id       ON packets (tx_id);
CREATE INDEX IF NOT EXISTS idx_packets_sequence    ON packets (sequence);
CREATE INDEX IF NOT EXISTS idx_packets_signer      ON packets (signer);
CREATE INDEX IF NOT EXISTS idx_packets_effected    ON packets (effected);
CREATE INDEX IF NOT EXISTS idx_packets_src_channel ON packets (src_channel);
CREATE INDEX IF NOT EXISTS idx_packets_dst_channel ON packets (dst_channel);
CREATE INDEX IF NOT EXISTS idx_packets_msg_type    ON packets (msg_type);
`

// Tx is a stored transaction row.
type Tx struct {
	ID        int64
	Chain     string
	Height    int64
	Hash      string
	Memo      string
	CreatedAt time.Time
}

// Packet is a stored packet message row. EffectedSigner and EffectedTx are
// set only on uneffected rows that lost to a known winner.
type Packet struct {
	ID             int64
	TxID           int64
	MsgIndex       int
	Sequence       uint64
	SrcChannel     string
	SrcPort        string
	DstChannel     string
	DstPort        string
	MsgType        string
	Signer         string
	Effected       bool
	EffectedSigner *string
	EffectedTx     *int64
	CreatedAt      time.Time
}

// StoredPacket is a packet row joined with its transaction.
type StoredPacket struct {
	Packet

	Chain  string
	Height int64
	TxHash string
	Memo   string
}

// ChannelPair is a logical channel endpoint pair observed in stored packets.
type ChannelPair struct {
	SrcChannel string
	SrcPort    string
	DstChannel string
	DstPort    string
}

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path, switches it to
// WAL journal mode and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// The driver serializes access to a single connection, which sidesteps
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTx stores a transaction row if no row with the same (chain, hash)
// exists yet. It returns the row id and whether the row is new.
func (s *Store) InsertTx(ctx context.Context, tx Tx) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO txs (chain, height, hash, memo, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain, hash) DO NOTHING`,
		tx.Chain, tx.Height, tx.Hash, tx.Memo, tx.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting tx %s/%s: %w", tx.Chain, tx.Hash, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return 0, false, err
	} else if n > 0 {
		id, err := res.LastInsertId()
		return id, true, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM txs WHERE chain = ? AND hash = ?`,
		tx.Chain, tx.Hash,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("looking up tx %s/%s: %w", tx.Chain, tx.Hash, err)
	}

	return id, false, nil
}

// InsertPacket stores a packet row if no row with the same (tx_id, msg_index)
// exists yet. It returns the row id and whether the row is new.
func (s *Store) InsertPacket(ctx context.Context, p Packet) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (
			tx_id, msg_index, sequence,
			src_channel, src_port, dst_channel, dst_port,
			msg_type, signer, effected, effected_signer, effected_tx, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_id, msg_index) DO NOTHING`,
		p.TxID, p.MsgIndex, p.Sequence,
		p.SrcChannel, p.SrcPort, p.DstChannel, p.DstPort,
		p.MsgType, p.Signer, p.Effected, p.EffectedSigner, p.EffectedTx, p.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting packet tx=%d msg=%d: %w", p.TxID, p.MsgIndex, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return 0, false, err
	} else if n > 0 {
		id, err := res.LastInsertId()
		return id, true, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM packets WHERE tx_id = ? AND msg_index = ?`,
		p.TxID, p.MsgIndex,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("looking up packet tx=%d msg=%d: %w", p.TxID, p.MsgIndex, err)
	}

	return id, false, nil
}

// FindCompeting returns the packet rows on the same chain carrying the same
// logical packet tuple and message type as p: relayer submissions racing for
// the same effect. Rows sharing p's (tx_id, msg_index) are excluded, so the
// lookup stays correct when p itself has already been stored.
func (s *Store) FindCompeting(ctx context.Context, chain string, p Packet) ([]StoredPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.tx_id, p.msg_index, p.sequence,
		       p.src_channel, p.src_port, p.dst_channel, p.dst_port,
		       p.msg_type, p.signer, p.effected, p.effected_signer, p.effected_tx, p.created_at,
		       t.chain, t.height, t.hash, t.memo
		FROM packets p
		JOIN txs t ON t.id = p.tx_id
		WHERE t.chain = ?
		  AND p.sequence = ? AND p.src_channel = ? AND p.src_port = ?
		  AND p.dst_channel = ? AND p.dst_port = ? AND p.msg_type = ?
		  AND NOT (p.tx_id = ? AND p.msg_index = ?)
		ORDER BY p.id`,
		chain,
		p.Sequence, p.SrcChannel, p.SrcPort, p.DstChannel, p.DstPort, p.MsgType,
		p.TxID, p.MsgIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("finding competing packets: %w", err)
	}
	defer rows.Close()

	return scanStoredPackets(rows)
}

// RecordFrontrun marks the packet row with the given id as front-run by the
// winner's signer and transaction.
func (s *Store) RecordFrontrun(ctx context.Context, packetID int64, winnerSigner string, winnerTx int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE packets SET effected_signer = ?, effected_tx = ? WHERE id = ?`,
		winnerSigner, winnerTx, packetID,
	)
	if err != nil {
		return fmt.Errorf("recording frontrun on packet %d: %w", packetID, err)
	}

	return nil
}

// StuckPackets counts the distinct sequences received on dstChain over
// srcChannel for which no effected acknowledgement has been observed on
// srcChain yet.
func (s *Store) StuckPackets(ctx context.Context, srcChain, dstChain, srcChannel string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT r.sequence)
		FROM packets r
		JOIN txs rt ON rt.id = r.tx_id
		WHERE rt.chain = ? AND r.msg_type = ? AND r.src_channel = ? AND r.effected = TRUE
		  AND NOT EXISTS (
			SELECT 1
			FROM packets a
			JOIN txs at ON at.id = a.tx_id
			WHERE at.chain = ? AND a.msg_type = ? AND a.effected = TRUE
			  AND a.sequence = r.sequence
			  AND a.src_channel = r.src_channel AND a.src_port = r.src_port
			  AND a.dst_channel = r.dst_channel AND a.dst_port = r.dst_port
		  )`,
		dstChain, comet.TypeRecvPacket, srcChannel,
		srcChain, comet.TypeAcknowledgement,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting stuck packets %s->%s on %s: %w", srcChain, dstChain, srcChannel, err)
	}

	return count, nil
}

// ChannelPairs returns the distinct logical channel endpoints over which the
// given chain has received packets.
func (s *Store) ChannelPairs(ctx context.Context, chain string) ([]ChannelPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.src_channel, p.src_port, p.dst_channel, p.dst_port
		FROM packets p
		JOIN txs t ON t.id = p.tx_id
		WHERE t.chain = ? AND p.msg_type = ?
		ORDER BY p.src_channel`,
		chain, comet.TypeRecvPacket,
	)
	if err != nil {
		return nil, fmt.Errorf("listing channel pairs for %s: %w", chain, err)
	}
	defer rows.Close()

	var pairs []ChannelPair
	for rows.Next() {
		var pair ChannelPair
		if err := rows.Scan(&pair.SrcChannel, &pair.SrcPort, &pair.DstChannel, &pair.DstPort); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}

	return pairs, rows.Err()
}

// PacketsForChain streams every packet row of the given chain joined with its
// transaction, in insertion order. Used to rebuild counters on startup.
func (s *Store) PacketsForChain(ctx context.Context, chain string) ([]StoredPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.tx_id, p.msg_index, p.sequence,
		       p.src_channel, p.src_port, p.dst_channel, p.dst_port,
		       p.msg_type, p.signer, p.effected, p.effected_signer, p.effected_tx, p.created_at,
		       t.chain, t.height, t.hash, t.memo
		FROM packets p
		JOIN txs t ON t.id = p.tx_id
		WHERE t.chain = ?
		ORDER BY p.id`,
		chain,
	)
	if err != nil {
		return nil, fmt.Errorf("listing packets for %s: %w", chain, err)
	}
	defer rows.Close()

	return scanStoredPackets(rows)
}

func scanStoredPackets(rows *sql.Rows) ([]StoredPacket, error) {
	var packets []StoredPacket
	for rows.Next() {
		var sp StoredPacket
		err := rows.Scan(
			&sp.ID, &sp.TxID, &sp.MsgIndex, &sp.Sequence,
			&sp.SrcChannel, &sp.SrcPort, &sp.DstChannel, &sp.DstPort,
			&sp.MsgType, &sp.Signer, &sp.Effected, &sp.EffectedSigner, &sp.EffectedTx, &sp.CreatedAt,
			&sp.Chain, &sp.Height, &sp.TxHash, &sp.Memo,
		)
		if err != nil {
			return nil, err
		}
		packets = append(packets, sp)
	}

	return packets, rows.Err()
}
