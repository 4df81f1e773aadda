// Package statusfeed polls an external IBC status API and feeds its queue
// sizes into the stuck packet gauge. It complements the local store-based
// sweep with a network-wide view maintained by a third party.
//
// The feed describes channels with strings like
//
//	"Osmosis [channel-0] --> Cosmos Hub (cosmoshub-4)"
//
// where either side is a chain name optionally followed by its chain id in
// parentheses.
package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/chainpulse/chainpulse/internal/pkg/logger"
	transporthttp "github.com/chainpulse/chainpulse/internal/pkg/transport/http"
)

// failureWait replaces the regular interval after a failed poll, giving a
// struggling upstream room to recover.
const failureWait = 120 * time.Second

// descriptorRe captures the source name, channel id and destination name of
// a feed channel descriptor.
var descriptorRe = regexp.MustCompile(`^(.+?)\s+\[(channel-\d+)\]\s+-->\s+(.+)$`)

// chainIDRe captures a trailing "(chain-id)" suffix on a chain name.
var chainIDRe = regexp.MustCompile(`^.*\(([^)]+)\)$`)

// Metrics is the instrument surface the feed consumes.
type Metrics interface {
	SetStuckPackets(dstChain, srcChain, srcChannel string, count int64)
}

// entry is one channel record in the feed response.
type entry struct {
	TokenName string `json:"token_name"`
	SizeQueue int64  `json:"size_queue"`
}

// Channel is a parsed feed channel descriptor.
type Channel struct {
	SrcChain   string
	SrcChannel string
	DstChain   string
}

// ParseDescriptor parses a feed channel descriptor. The chain identifiers
// are taken from the parenthesized suffix when present, otherwise the plain
// name is used as-is.
func ParseDescriptor(s string) (Channel, error) {
	m := descriptorRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Channel{}, fmt.Errorf("unrecognized channel descriptor: %q", s)
	}

	return Channel{
		SrcChain:   chainID(m[1]),
		SrcChannel: m[2],
		DstChain:   chainID(m[3]),
	}, nil
}

func chainID(name string) string {
	name = strings.TrimSpace(name)
	if m := chainIDRe.FindStringSubmatch(name); m != nil {
		return m[1]
	}

	return name
}

// Feed polls the status API on a fixed interval.
type Feed struct {
	url      string
	interval time.Duration
	chains   map[string]struct{}
	metrics  Metrics
	client   *retryablehttp.Client
}

// Option configures the Feed.
type Option func(*Feed)

// WithHTTPClient overrides the HTTP client used for polling.
func WithHTTPClient(client *retryablehttp.Client) Option {
	return func(f *Feed) {
		f.client = client
	}
}

// New builds a Feed polling url every interval, reporting only channels whose
// both endpoints belong to the given chains.
func New(url string, interval time.Duration, chains []string, metrics Metrics, opts ...Option) *Feed {
	chainSet := make(map[string]struct{}, len(chains))
	for _, chain := range chains {
		chainSet[chain] = struct{}{}
	}

	f := &Feed{
		url:      url,
		interval: interval,
		chains:   chainSet,
		metrics:  metrics,
		client:   transporthttp.NewClient(transporthttp.WithTimeout(30 * time.Second)),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Run polls until ctx is done. Poll failures are logged and retried on a
// longer interval.
func (f *Feed) Run(ctx context.Context) {
	for {
		wait := f.interval
		if err := f.poll(ctx); err != nil {
			logger.Error(ctx, "status feed poll failed", "url", f.url, "error", err)
			wait = failureWait
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *Feed) poll(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", f.url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("decoding status feed response: %w", err)
	}

	for _, e := range entries {
		channel, err := ParseDescriptor(e.TokenName)
		if err != nil {
			logger.Debug(ctx, "skipping status feed entry", "error", err)
			continue
		}

		if _, ok := f.chains[channel.SrcChain]; !ok {
			continue
		}
		if _, ok := f.chains[channel.DstChain]; !ok {
			continue
		}

		f.metrics.SetStuckPackets(channel.DstChain, channel.SrcChain, channel.SrcChannel, e.SizeQueue)
	}

	return nil
}
