package comet

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBlock(t *testing.T) {
	t.Run("should decode header and transactions", func(t *testing.T) {
		// Arrange
		tx := []byte("raw tx bytes")
		raw := json.RawMessage(`{
			"block_id": {"hash": "AA"},
			"block": {
				"header": {
					"chain_id": "cosmoshub-4",
					"height": "123456",
					"time": "2024-05-01T12:00:00Z"
				},
				"data": {"txs": ["` + base64.StdEncoding.EncodeToString(tx) + `"]}
			}
		}`)

		// Act
		block, err := decodeBlock(raw)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "cosmoshub-4", block.Header.ChainID)
		assert.Equal(t, int64(123456), block.Header.Height)
		require.Len(t, block.Txs, 1)
		assert.Equal(t, tx, block.Txs[0])
	})

	t.Run("should decode an empty block", func(t *testing.T) {
		raw := json.RawMessage(`{"block": {"header": {"chain_id": "osmosis-1", "height": "1", "time": "2024-05-01T12:00:00Z"}, "data": {"txs": []}}}`)

		block, err := decodeBlock(raw)

		require.NoError(t, err)
		assert.Empty(t, block.Txs)
	})
}

func TestDecodeBlockResults(t *testing.T) {
	t.Run("should decode v0.34 results with base64 attributes", func(t *testing.T) {
		// Arrange
		key := base64.StdEncoding.EncodeToString([]byte("packet_sequence"))
		value := base64.StdEncoding.EncodeToString([]byte("7"))
		raw := json.RawMessage(`{
			"height": "99",
			"txs_results": [{
				"code": 0,
				"log": "",
				"events": [{"type": "recv_packet", "attributes": [{"key": "` + key + `", "value": "` + value + `"}]}]
			}]
		}`)

		// Act
		results, err := decodeBlockResults(raw, V0_34)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(99), results.Height)
		require.Len(t, results.TxResults, 1)
		assert.True(t, results.TxResults[0].IsOK())

		require.Len(t, results.TxResults[0].Events, 1)
		event := results.TxResults[0].Events[0]
		assert.Equal(t, "recv_packet", event.Type)
		require.Len(t, event.Attributes, 1)
		assert.Equal(t, EventAttribute{Key: "packet_sequence", Value: "7"}, event.Attributes[0])
	})

	t.Run("should decode v0.37 results with plain attributes", func(t *testing.T) {
		// Arrange
		raw := json.RawMessage(`{
			"height": "100",
			"txs_results": [{
				"code": 5,
				"log": "insufficient funds",
				"events": [{"type": "recv_packet", "attributes": [{"key": "packet_sequence", "value": "8"}]}]
			}]
		}`)

		// Act
		results, err := decodeBlockResults(raw, V0_37)

		// Assert
		require.NoError(t, err)
		require.Len(t, results.TxResults, 1)
		assert.False(t, results.TxResults[0].IsOK())
		assert.Equal(t, EventAttribute{Key: "packet_sequence", Value: "8"}, results.TxResults[0].Events[0].Attributes[0])
	})

	t.Run("should decode null tx results", func(t *testing.T) {
		raw := json.RawMessage(`{"height": "5", "txs_results": null}`)

		results, err := decodeBlockResults(raw, V0_34)

		require.NoError(t, err)
		assert.Empty(t, results.TxResults)
	})
}
