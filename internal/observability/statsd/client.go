// Package statsd emits DogStatsD-formatted metrics over UDP. The coordinator
// tags every series with the admission or delivery outcome, so the sink
// interface takes a tag map on each call rather than pre-bound series.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink is the metric surface services emit through: counters for admission
// and delivery outcomes, gauges for sweeper liveness, timings for saga and
// delivery latency. Implementations must be safe for concurrent use.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// dialTimeout bounds the startup UDP dial so a bad statsd address cannot
// stall process boot.
const dialTimeout = 5 * time.Second

// Config describes the StatsD endpoint and the identity tags attached to
// every series.
type Config struct {
	Enabled    bool
	Address    string
	Prefix     string
	Logger     *slog.Logger
	GlobalTags map[string]string
}

// Client emits metrics using the StatsD line protocol with DogStatsD tags.
// A disabled client swallows every emission, so callers never branch on
// configuration. Safe for concurrent use.
type Client struct {
	address  string
	prefix   string
	baseTags map[string]string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enabled bool
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured endpoint. A disabled config, or a blank
// address, yields a no-op client rather than an error.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		address:  strings.TrimSpace(cfg.Address),
		prefix:   cleanPrefix(cfg.Prefix),
		baseTags: cloneTags(cfg.GlobalTags),
		logger:   logger,
	}
	if !cfg.Enabled || client.address == "" {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", client.address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", client.address, err)
	}
	client.conn = conn
	client.enabled = true

	return client, nil
}

// Enabled reports whether emissions reach the wire.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.conn != nil
}

// Count adds to a counter series.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	if c == nil {
		return
	}
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets the current value of a gauge series.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	if c == nil {
		return
	}
	c.emit(name, formatFloat(value), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	if c == nil {
		return
	}
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, formatFloat(ms), "ms", tags)
}

// Close tears down the UDP socket. Further emissions become no-ops.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// emit formats and sends one line. Disabled clients bail before any
// formatting work; UDP write failures are logged at debug and dropped.
func (c *Client) emit(name, value, kind string, tags map[string]string) {
	if !c.Enabled() {
		return
	}
	series := c.qualified(name)
	if series == "" {
		return
	}
	line := series + ":" + value + "|" + kind + encodeTags(c.baseTags, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.logger.Debug("statsd write failed", "error", err)
	}
}

func (c *Client) qualified(name string) string {
	series := cleanName(name)
	if series == "" {
		return ""
	}
	if c.prefix == "" {
		return series
	}
	return c.prefix + "." + series
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

// cleanName maps a metric name onto dotted series form: spaces and slashes
// become underscores, empty dot segments collapse.
func cleanName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))

	segments := strings.Split(mapped, ".")
	kept := segments[:0]
	for _, segment := range segments {
		if segment != "" {
			kept = append(kept, segment)
		}
	}
	return strings.Join(kept, ".")
}

// encodeTags renders the DogStatsD tag suffix "|#k:v,...". Local tags win
// over base tags on key collisions, and pairs are emitted sorted so repeated
// emissions produce identical lines.
func encodeTags(base, local map[string]string) string {
	merged := make(map[string]string, len(base)+len(local))
	mergeTags(merged, base)
	mergeTags(merged, local)
	if len(merged) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, k+":"+v)
	}
	sort.Strings(pairs)
	return "|#" + strings.Join(pairs, ",")
}

func mergeTags(dst, src map[string]string) {
	for k, v := range src {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		dst[key] = strings.TrimSpace(v)
	}
}

// cloneTags copies config tags so later caller mutations cannot leak into
// every emission.
func cloneTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	mergeTags(cp, tags)
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
