package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultChunkSize is 8 × 256 KiB.
const DefaultChunkSize = 2 * 1024 * 1024

// Config holds configuration shared by Reader and Writer.
type Config struct {
	// ChunkSize is the number of bytes moved by a single RPC.
	// Writers round it up to the transport's granularity.
	// Default: DefaultChunkSize
	ChunkSize int

	// Retry is the backoff policy applied to every RPC.
	// Default: retry.DefaultParams()
	Retry retry.Params

	// Classifier decides which RPC errors are retried.
	// Default: IsRetryable
	Classifier retry.Classifier

	// Logger receives retry warnings and debug output.
	// Default: log.NewLogger()
	Logger log.Logger

	// OnChunk is called after every chunk the channel moved, with the offset just past that chunk.
	// It runs on the goroutine calling Read, Write or Close.
	OnChunk func(cursor int64)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		Retry:      retry.DefaultParams(),
		Classifier: IsRetryable,
		Logger:     log.NewLogger(),
	}
}

// ChannelOption configures a Reader or Writer.
type ChannelOption func(*channelConfig)

type channelConfig struct {
	Config
	options    []Option
	chunkSize  bool
	hasOptions bool
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) ChannelOption {
	return func(c *channelConfig) {
		c.Config = cfg
		c.chunkSize = true
	}
}

// WithChunkSize ...
func WithChunkSize(n int) ChannelOption {
	return func(c *channelConfig) {
		c.ChunkSize = n
		c.chunkSize = true
	}
}

// WithRetry ...
func WithRetry(p retry.Params) ChannelOption {
	return func(c *channelConfig) { c.Retry = p }
}

// WithClassifier ...
func WithClassifier(fn retry.Classifier) ChannelOption {
	return func(c *channelConfig) { c.Classifier = fn }
}

// WithLogger ...
func WithLogger(logger log.Logger) ChannelOption {
	return func(c *channelConfig) { c.Logger = logger }
}

// WithOnChunk registers a callback run after every chunk.
func WithOnChunk(fn func(cursor int64)) ChannelOption {
	return func(c *channelConfig) { c.OnChunk = fn }
}

// WithOptions sets the object options of a newly opened channel.
// Restored channels take their options from the captured state.
func WithOptions(opts ...Option) ChannelOption {
	return func(c *channelConfig) {
		c.options = append(c.options, opts...)
		c.hasOptions = true
	}
}

func newChannelConfig(opts []ChannelOption) (channelConfig, error) {
	c := channelConfig{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&c)
	}

	if c.ChunkSize <= 0 {
		return channelConfig{}, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidArgument, c.ChunkSize)
	}
	if c.Classifier == nil {
		c.Classifier = IsRetryable
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c, nil
}

func (c channelConfig) executor(stats *Stats) (*retry.Executor, error) {
	classify := c.Classifier
	// A zero-progress chunk is always worth resending, whatever the classifier says.
	withProgress := func(err error) bool {
		return errors.Is(err, errNoProgress) || classify(err)
	}
	return retry.New(c.Retry, withProgress,
		retry.WithLogger(c.Logger),
		retry.WithNotify(func(error, int, time.Duration) { stats.addRetry() }),
	)
}
