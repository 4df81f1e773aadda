package comet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chainpulse/chainpulse/internal/pkg/transport/ws"
	"github.com/chainpulse/chainpulse/internal/pkg/x/chflow"
)

// newBlockQuery is the subscription query matching new block events.
const newBlockQuery = "tm.event='NewBlock'"

// BlockEvent announces a freshly committed block. Err is non-nil exactly once,
// on the terminal event emitted when the underlying session fails; the channel
// is closed right after.
type BlockEvent struct {
	ChainID string
	Height  int64
	Err     error
}

// Client is a CometBFT RPC session. Like the WebSocket connection underneath,
// a Client is good for a single session; once it fails a new one must be
// dialed.
type Client interface {
	// SubscribeNewBlocks subscribes to new block events. The channel is
	// closed after a terminal BlockEvent carrying the session error.
	SubscribeNewBlocks(ctx context.Context) (<-chan BlockEvent, error)

	// Block fetches the block committed at the given height.
	Block(ctx context.Context, height int64) (Block, error)

	// BlockResults fetches the transaction outcomes of the given height.
	BlockResults(ctx context.Context, height int64) (BlockResults, error)

	// Close tears down the session. Safe to call more than once.
	Close() error
}

type client struct {
	ws      ws.Client
	version Version
}

var _ Client = (*client)(nil)

// Dial connects to a CometBFT WebSocket RPC endpoint speaking the given wire
// generation. WebSocket options (read timeout, handshake timeout) pass
// through.
func Dial(ctx context.Context, url string, version Version, opts ...ws.Option) (Client, error) {
	conn, err := ws.Dial(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return &client{
		ws:      conn,
		version: version,
	}, nil
}

func (c *client) SubscribeNewBlocks(ctx context.Context) (<-chan BlockEvent, error) {
	events, err := c.ws.Subscribe(ctx, newBlockQuery)
	if err != nil {
		return nil, fmt.Errorf("subscribing to new blocks: %w", err)
	}

	blocks := make(chan BlockEvent, 16)

	go func() {
		defer close(blocks)

		for {
			event, ok := chflow.Receive(ctx, events)
			if !ok {
				return
			}

			if event.Err != nil {
				chflow.Send(ctx, blocks, BlockEvent{Err: event.Err})
				return
			}

			var data newBlockEvent
			if err := json.Unmarshal(event.Data, &data); err != nil {
				chflow.Send(ctx, blocks, BlockEvent{Err: fmt.Errorf("decoding new block event: %w", err)})
				return
			}

			block := BlockEvent{
				ChainID: data.Value.Block.Header.ChainID,
				Height:  data.Value.Block.Header.Height,
			}
			if !chflow.Send(ctx, blocks, block) {
				return
			}
		}
	}()

	return blocks, nil
}

func (c *client) Block(ctx context.Context, height int64) (Block, error) {
	var raw json.RawMessage
	params := map[string]any{"height": strconv.FormatInt(height, 10)}
	if err := c.ws.Call(ctx, "block", params, &raw); err != nil {
		return Block{}, fmt.Errorf("fetching block %d: %w", height, err)
	}

	return decodeBlock(raw)
}

func (c *client) BlockResults(ctx context.Context, height int64) (BlockResults, error) {
	var raw json.RawMessage
	params := map[string]any{"height": strconv.FormatInt(height, 10)}
	if err := c.ws.Call(ctx, "block_results", params, &raw); err != nil {
		return BlockResults{}, fmt.Errorf("fetching block results %d: %w", height, err)
	}

	return decodeBlockResults(raw, c.version)
}

func (c *client) Close() error {
	return c.ws.Close()
}
