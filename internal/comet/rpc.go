// Package comet speaks the CometBFT RPC protocol over WebSocket and decodes
// the cosmos transaction payloads carried in blocks. Two RPC wire generations
// are supported: v0.34, which base64-encodes ABCI event attributes, and
// v0.37, which carries them as plain strings.
package comet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Version tags the RPC wire generation spoken by a node.
type Version string

const (
	V0_34 Version = "0.34"
	V0_37 Version = "0.37"
)

// Header is the subset of the block header the collector uses.
type Header struct {
	ChainID string    `json:"chain_id"`
	Height  int64     `json:"height,string"`
	Time    time.Time `json:"time"`
}

// Block is a decoded block: the header and the raw transactions.
type Block struct {
	Header Header
	Txs    [][]byte
}

// Event is a decoded ABCI event.
type Event struct {
	Type       string
	Attributes []EventAttribute
}

// EventAttribute is a decoded ABCI event attribute key/value pair.
type EventAttribute struct {
	Key   string
	Value string
}

// TxResult is the execution outcome of a single transaction. Code zero means
// the transaction succeeded.
type TxResult struct {
	Code   uint32
	Log    string
	Events []Event
}

// IsOK reports whether the transaction executed successfully.
func (r TxResult) IsOK() bool {
	return r.Code == 0
}

// BlockResults holds the per-transaction outcomes of a block, index-aligned
// with Block.Txs.
type BlockResults struct {
	Height    int64
	TxResults []TxResult
}

// Wire shapes shared by both generations.

type wireBlock struct {
	Header Header `json:"header"`
	Data   struct {
		Txs [][]byte `json:"txs"`
	} `json:"data"`
}

type wireBlockResponse struct {
	Block wireBlock `json:"block"`
}

type wireEventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireEvent struct {
	Type       string               `json:"type"`
	Attributes []wireEventAttribute `json:"attributes"`
}

type wireTxResult struct {
	Code   uint32      `json:"code"`
	Log    string      `json:"log"`
	Events []wireEvent `json:"events"`
}

type wireBlockResults struct {
	Height    int64          `json:"height,string"`
	TxResults []wireTxResult `json:"txs_results"`
}

// newBlockEvent is the payload of a tm.event='NewBlock' subscription frame.
type newBlockEvent struct {
	Type  string `json:"type"`
	Value struct {
		Block struct {
			Header Header `json:"header"`
		} `json:"block"`
	} `json:"value"`
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var resp wireBlockResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Block{}, fmt.Errorf("decoding block response: %w", err)
	}

	return Block{
		Header: resp.Block.Header,
		Txs:    resp.Block.Data.Txs,
	}, nil
}

func decodeBlockResults(raw json.RawMessage, version Version) (BlockResults, error) {
	var resp wireBlockResults
	if err := json.Unmarshal(raw, &resp); err != nil {
		return BlockResults{}, fmt.Errorf("decoding block_results response: %w", err)
	}

	results := BlockResults{
		Height:    resp.Height,
		TxResults: make([]TxResult, 0, len(resp.TxResults)),
	}

	for _, txr := range resp.TxResults {
		result := TxResult{
			Code:   txr.Code,
			Log:    txr.Log,
			Events: make([]Event, 0, len(txr.Events)),
		}

		for _, ev := range txr.Events {
			event := Event{
				Type:       ev.Type,
				Attributes: make([]EventAttribute, 0, len(ev.Attributes)),
			}

			for _, attr := range ev.Attributes {
				event.Attributes = append(event.Attributes, decodeAttribute(attr, version))
			}

			result.Events = append(result.Events, event)
		}

		results.TxResults = append(results.TxResults, result)
	}

	return results, nil
}

// decodeAttribute translates a wire attribute into its plain form. v0.34
// base64-encodes keys and values; attributes that fail to decode are kept
// verbatim.
func decodeAttribute(attr wireEventAttribute, version Version) EventAttribute {
	if version != V0_34 {
		return EventAttribute{Key: attr.Key, Value: attr.Value}
	}

	out := EventAttribute{Key: attr.Key, Value: attr.Value}
	if key, err := base64.StdEncoding.DecodeString(attr.Key); err == nil {
		out.Key = string(key)
	}
	if value, err := base64.StdEncoding.DecodeString(attr.Value); err == nil {
		out.Value = string(value)
	}

	return out
}
