package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/debug"
	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/session"
	"github.com/geminibiz/gateway/internal/upstream"
)

// mediaSettleDelay is how long generated files take to show up in a
// session listing after the stream ends.
const mediaSettleDelay = time.Second

// maxParallelDownloads bounds concurrent file downloads for one response.
const maxParallelDownloads = 4

// ChatRequest is one chat completion call.
type ChatRequest struct {
	Model    string
	Messages []openai.Message
	// Debug is optional.
	Debug *debug.Session
}

// Sink receives the parts of a completion in order. File references are
// resolved to inline data before they reach it.
type Sink func(upstream.Part) error

// ChatError is returned when a chat request failed on every account tried.
type ChatError struct {
	Tried []string
	Err   error
	// Delivered is set when output had already reached the sink, which stops failover.
	Delivered bool
	// Degraded is set when the only account tried was picked from cooldown
	// and no other account was available to fail over to.
	Degraded bool
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat failed (tried: %s): %v", strings.Join(e.Tried, ", "), e.Err)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// Is matches account.ErrNoAccounts for degraded failures.
func (e *ChatError) Is(target error) bool {
	return e.Degraded && target == account.ErrNoAccounts
}

// Chat runs a completion, streaming parts into sink. The conversation stays
// on the account that owns its session while that account is available.
// Failures before any output fail over to another available account.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest, sink Sink) error {
	key := session.ConversationKey(conversationMessages(req.Messages))

	pick, err := g.pool.ForConversation(key)
	if err != nil {
		return err
	}
	if pick.Degraded {
		g.logger.Warn("serving chat from an account in cooldown", "account", pick.Account.Name())
	}

	acc := pick.Account
	excluded := make(map[string]bool)
	var tried []string
	var lastErr error

	for attempt := 0; attempt < g.maxAttempts && acc != nil; attempt++ {
		excluded[acc.Name()] = true
		tried = append(tried, acc.Name())
		req.Debug.AddTriedAccount(acc.Name())
		req.Debug.SetAccount(acc.Name())

		delivered, err := g.chatOnce(ctx, acc, key, req, sink)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		g.penalize(acc, err)
		lastErr = err
		g.logger.Warn("chat attempt failed",
			"account", acc.Name(),
			"attempt", attempt+1,
			"delivered", delivered,
			"error", err,
		)
		if delivered {
			return &ChatError{Tried: tried, Err: err, Delivered: true}
		}

		next := g.pool.Alternative(acc.Name())
		if next == nil || excluded[next.Name()] {
			break
		}
		acc = next
	}

	return &ChatError{
		Tried:    tried,
		Err:      lastErr,
		Degraded: pick.Degraded && len(tried) == 1,
	}
}

// chatOnce runs one attempt on acc. delivered reports whether any part
// reached the sink.
func (g *Gateway) chatOnce(ctx context.Context, acc *account.Account, key string, req ChatRequest, sink Sink) (delivered bool, err error) {
	sess, err := g.sessions.GetOrCreate(ctx, acc, key)
	if err != nil {
		return false, err
	}
	g.pool.CacheSession(key, sess.Name, acc.Name())

	if err := g.uploadMessageImages(ctx, acc, sess, pendingMessages(sess, req.Messages)); err != nil {
		return false, err
	}

	body := upstream.NewAssistRequest(upstream.AssistOptions{
		ConfigID:  acc.ConfigID(),
		Session:   sess.Name,
		Prompt:    BuildChatPrompt(req.Messages),
		ToolsSpec: ToolsFor(req.Model),
		ModelID:   ModelID(req.Model),
	})

	stream, err := g.openStream(ctx, acc, body, g.chatTimeout, req.Debug)
	if err != nil {
		return false, err
	}
	defer func() { _ = stream.Close() }()
	acc.MarkSuccess()

	emit := func(part upstream.Part) error {
		delivered = true
		return sink(part)
	}

	err = g.readParts(ctx, stream, req.Debug, func(part upstream.Part) error {
		ref, ok := part.(upstream.FileRefPart)
		if !ok {
			return emit(part)
		}
		resolved, err := g.resolveFile(ctx, acc, sess, ref)
		if err != nil {
			g.logger.Warn("failed to download referenced file", "file_id", ref.FileID, "error", err)
			return nil
		}
		return emit(resolved)
	})
	if err != nil {
		return delivered, err
	}

	if IsImageModel(req.Model) || IsVideoModel(req.Model) {
		if err := g.emitGeneratedFiles(ctx, acc, sess, emit); err != nil {
			g.logger.Warn("failed to collect generated files", "session", sess.ID(), "error", err)
		}
	}
	sess.CompleteTurn()
	return delivered, nil
}

// pendingMessages returns the messages whose images the session has not
// seen yet: all of them for a fresh session, otherwise those after the last
// assistant message.
func pendingMessages(sess *session.Session, messages []openai.Message) []openai.Message {
	if sess.Turns() == 0 {
		return messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i+1:]
		}
	}
	return messages
}

// uploadMessageImages attaches every image of the messages to the session:
// data URLs are uploaded, http(s) URLs are attached by reference.
func (g *Gateway) uploadMessageImages(ctx context.Context, acc *account.Account, sess *session.Session, messages []openai.Message) error {
	for i := range messages {
		for _, u := range messages[i].ImageURLs() {
			var err error
			switch {
			case strings.HasPrefix(u, "data:"):
				mimeType, data := parseDataURL(u)
				_, err = g.sessions.UploadFile(ctx, acc, sess, mimeType, data)
			case strings.HasPrefix(u, "http"):
				_, err = g.sessions.UploadFileByURL(ctx, acc, sess, u)
			default:
				continue
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveFile downloads a referenced file into an inline part.
func (g *Gateway) resolveFile(ctx context.Context, acc *account.Account, sess *session.Session, ref upstream.FileRefPart) (upstream.InlineDataPart, error) {
	data, err := g.sessions.DownloadFile(ctx, acc, sess, ref.FileID)
	if err != nil {
		return upstream.InlineDataPart{}, err
	}
	sess.MarkDelivered(ref.FileID)
	return upstream.InlineDataPart{
		MimeType: ref.MimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// emitGeneratedFiles downloads the images and videos the session gained
// during this turn and emits them in listing order.
func (g *Gateway) emitGeneratedFiles(ctx context.Context, acc *account.Account, sess *session.Session, emit func(upstream.Part) error) error {
	if err := g.sleep(ctx, mediaSettleDelay); err != nil {
		return err
	}

	files, err := g.sessions.ListFiles(ctx, acc, sess)
	if err != nil {
		return err
	}

	var pending []upstream.FileMetadata
	for _, f := range files {
		if sess.Delivered(f.FileID) {
			continue
		}
		if strings.HasPrefix(f.MimeType, "image/") || strings.HasPrefix(f.MimeType, "video/") {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	data := make([][]byte, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelDownloads)
	for i, f := range pending {
		i, f := i, f
		eg.Go(func() error {
			b, err := g.sessions.DownloadMetadata(egCtx, acc, f)
			if err != nil {
				return err
			}
			data[i] = b
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, f := range pending {
		sess.MarkDelivered(f.FileID)
		if err := emit(upstream.InlineDataPart{
			MimeType: f.MimeType,
			Data:     base64.StdEncoding.EncodeToString(data[i]),
		}); err != nil {
			return err
		}
	}
	return nil
}

// IsNoAccounts reports whether err means no account could take the request.
func IsNoAccounts(err error) bool {
	return errors.Is(err, account.ErrNoAccounts)
}
