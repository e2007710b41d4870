// Package gateway orchestrates chat and media generation requests across the
// account pool and the remote sessions each account owns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/debug"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/session"
	"github.com/geminibiz/gateway/internal/upstream"
)

// Default timeouts per request kind.
const (
	DefaultChatTimeout  = 600 * time.Second
	DefaultImageTimeout = 120 * time.Second
	DefaultVideoTimeout = 300 * time.Second
)

const (
	defaultMaxAttempts  = 3
	defaultPollAttempts = 3
	// readBufferSize is the chunk size used to read upstream streams.
	readBufferSize = 32 * 1024
)

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Assistant sends streamAssist requests. *upstream.Client implements it.
type Assistant interface {
	StreamAssist(ctx context.Context, token string, body *upstream.AssistRequest, timeout time.Duration) (io.ReadCloser, error)
}

// Gateway is the request orchestrator.
type Gateway struct {
	pool      *account.Pool
	sessions  *session.Registry
	assistant Assistant
	media     *media.Store
	logger    *slog.Logger

	chatTimeout  time.Duration
	imageTimeout time.Duration
	videoTimeout time.Duration
	maxAttempts  int
	pollAttempts int
	sleep        func(ctx context.Context, d time.Duration) error
}

// Options configures a Gateway.
type Options struct {
	Pool      *account.Pool
	Sessions  *session.Registry
	Assistant Assistant
	// Media stores studio results. Without it results are returned inline only.
	Media *media.Store

	ChatTimeout  time.Duration
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	// MaxAttempts bounds how many accounts one chat request may try.
	MaxAttempts int
	// PollAttempts bounds how often generated files are listed after a
	// generation call returned no inline media.
	PollAttempts int

	Logger *slog.Logger
	// Sleep waits between polls. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		pool:         opts.Pool,
		sessions:     opts.Sessions,
		assistant:    opts.Assistant,
		media:        opts.Media,
		logger:       opts.Logger,
		chatTimeout:  opts.ChatTimeout,
		imageTimeout: opts.ImageTimeout,
		videoTimeout: opts.VideoTimeout,
		maxAttempts:  opts.MaxAttempts,
		pollAttempts: opts.PollAttempts,
		sleep:        opts.Sleep,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.chatTimeout == 0 {
		g.chatTimeout = DefaultChatTimeout
	}
	if g.imageTimeout == 0 {
		g.imageTimeout = DefaultImageTimeout
	}
	if g.videoTimeout == 0 {
		g.videoTimeout = DefaultVideoTimeout
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = defaultMaxAttempts
	}
	if g.pollAttempts <= 0 {
		g.pollAttempts = defaultPollAttempts
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// openStream sends one streamAssist request for acc. Auth and rate limit
// failures put acc on cooldown before the error is returned.
func (g *Gateway) openStream(ctx context.Context, acc *account.Account, body *upstream.AssistRequest, timeout time.Duration, dbg *debug.Session) (io.ReadCloser, error) {
	token, err := acc.Token(ctx)
	if err != nil {
		return nil, err
	}

	dbg.DumpUpstreamRequest(body)
	stream, err := g.assistant.StreamAssist(ctx, token, body, timeout)
	if err != nil {
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) {
			dbg.SetStatusCode(apiErr.StatusCode)
			dbg.DumpUpstreamError(apiErr.Body)
			if apiErr.IsQuota() && !apiErr.Penalized {
				acc.MarkQuotaError(apiErr.StatusCode, string(apiErr.Body))
				apiErr.Penalized = true
			}
		}
		return nil, err
	}
	return stream, nil
}

// readParts decodes an upstream stream and calls fn for every part in order.
func (g *Gateway) readParts(ctx context.Context, body io.Reader, dbg *debug.Session, fn func(upstream.Part) error) error {
	parser := upstream.GetStreamParser()
	defer upstream.ReleaseStreamParser(parser)

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			objects, err := parser.Parse(buf[:n])
			for _, raw := range objects {
				dbg.AppendUpstreamChunk(raw)
				parts, decodeErr := upstream.DecodeParts(raw)
				if decodeErr != nil {
					g.logger.Warn("failed to decode stream object", "error", decodeErr)
					continue
				}
				for _, part := range parts {
					if err := fn(part); err != nil {
						return err
					}
				}
			}
			if err != nil {
				return fmt.Errorf("failed to parse stream: %w", err)
			}
		}

		if readErr == io.EOF {
			if parser.Buffered() {
				g.logger.Warn("stream ended inside an object")
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}

// penalize applies the default cooldown for upstream failures no lower layer
// has recorded yet. Transport errors are not the account's fault.
func (g *Gateway) penalize(acc *account.Account, err error) {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr.Penalized {
		return
	}
	acc.MarkQuotaError(apiErr.StatusCode, string(apiErr.Body))
	apiErr.Penalized = true
	g.logger.Warn("account penalized", "account", acc.Name(), "op", apiErr.Op, "status", apiErr.StatusCode)
}

// Pool returns the account pool.
func (g *Gateway) Pool() *account.Pool {
	return g.pool
}

// Sessions returns the session registry.
func (g *Gateway) Sessions() *session.Registry {
	return g.sessions
}
