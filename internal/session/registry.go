package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geminibiz/gateway/internal/upstream"
)

// DefaultTTL is how long an idle session stays reusable.
const DefaultTTL = 3600 * time.Second

// ErrFileNotFound is returned when a file id is not in the session listing.
var ErrFileNotFound = errors.New("file not found in session")

// Upstream is the part of the upstream client the registry needs.
type Upstream interface {
	CreateSession(ctx context.Context, token, configID string) (string, error)
	AddContextFile(ctx context.Context, token, configID string, file upstream.ContextFile) (string, error)
	ListGeneratedFiles(ctx context.Context, token, configID, session string) ([]upstream.FileMetadata, error)
	DownloadFile(ctx context.Context, token, fullSession, fileID string) ([]byte, error)
}

// Account is the account view the registry needs. *account.Account implements it.
type Account interface {
	Name() string
	ConfigID() string
	Token(ctx context.Context) (string, error)
	MarkQuotaError(status int, detail string)
}

// Registry maps conversation keys to remote sessions.
type Registry struct {
	client Upstream
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Options configures a Registry.
type Options struct {
	Client Upstream
	// TTL defaults to DefaultTTL.
	TTL    time.Duration
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		client:   opts.Client,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		clock:    opts.Clock,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live session cached under key when acc created it,
// otherwise it drops the cached entry and creates a new remote session.
func (r *Registry) GetOrCreate(ctx context.Context, acc Account, key string) (*Session, error) {
	now := r.clock()

	r.mu.Lock()
	if sess, ok := r.sessions[key]; ok {
		switch {
		case sess.AccountName != acc.Name():
			r.logger.Debug("session bound to another account, discarding",
				"key", key, "session_account", sess.AccountName, "account", acc.Name())
			delete(r.sessions, key)
		case sess.Expired(now, r.ttl):
			r.logger.Debug("session expired, discarding", "key", key, "session", sess.ID())
			delete(r.sessions, key)
		default:
			sess.touch(now)
			r.mu.Unlock()
			return sess, nil
		}
	}
	r.mu.Unlock()

	sess, err := r.Create(ctx, acc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[key] = sess
	r.mu.Unlock()
	return sess, nil
}

// Create creates a remote session for acc without caching it.
func (r *Registry) Create(ctx context.Context, acc Account) (*Session, error) {
	token, err := acc.Token(ctx)
	if err != nil {
		return nil, err
	}

	name, err := r.client.CreateSession(ctx, token, acc.ConfigID())
	if err != nil {
		r.penalize(acc, err)
		return nil, fmt.Errorf("create session for %s: %w", acc.Name(), err)
	}

	r.logger.Info("session created", "account", acc.Name(), "session", name)
	return newSession(name, acc.Name(), acc.ConfigID(), r.clock()), nil
}

// UploadFile pushes base64 content into the session and records the file id.
func (r *Registry) UploadFile(ctx context.Context, acc Account, sess *Session, mimeType, content string) (string, error) {
	return r.addFile(ctx, acc, sess, upstream.ContextFile{
		Name:         sess.Name,
		FileName:     uploadFileName(mimeType, r.clock()),
		MimeType:     mimeType,
		FileContents: content,
	})
}

// UploadFileByURL attaches a remote file to the session by URI.
func (r *Registry) UploadFileByURL(ctx context.Context, acc Account, sess *Session, fileURL string) (string, error) {
	return r.addFile(ctx, acc, sess, upstream.ContextFile{
		Name:    sess.Name,
		FileURI: fileURL,
	})
}

func (r *Registry) addFile(ctx context.Context, acc Account, sess *Session, file upstream.ContextFile) (string, error) {
	token, err := acc.Token(ctx)
	if err != nil {
		return "", err
	}

	fileID, err := r.client.AddContextFile(ctx, token, acc.ConfigID(), file)
	if err != nil {
		r.penalize(acc, err)
		return "", fmt.Errorf("upload file to %s: %w", sess.ID(), err)
	}

	sess.addFile(fileID)
	r.logger.Debug("file uploaded", "session", sess.ID(), "file_id", fileID)
	return fileID, nil
}

// ListFiles lists the generated files of a session.
func (r *Registry) ListFiles(ctx context.Context, acc Account, sess *Session) ([]upstream.FileMetadata, error) {
	token, err := acc.Token(ctx)
	if err != nil {
		return nil, err
	}

	files, err := r.client.ListGeneratedFiles(ctx, token, acc.ConfigID(), sess.Name)
	if err != nil {
		r.penalize(acc, err)
		return nil, fmt.Errorf("list files of %s: %w", sess.ID(), err)
	}
	return files, nil
}

// DownloadFile downloads fileID. The download path is resolved from the
// session's file listing since the session name alone is not accepted.
func (r *Registry) DownloadFile(ctx context.Context, acc Account, sess *Session, fileID string) ([]byte, error) {
	files, err := r.ListFiles(ctx, acc, sess)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.FileID == fileID {
			return r.DownloadMetadata(ctx, acc, f)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
}

// DownloadMetadata downloads a file whose metadata was already listed.
func (r *Registry) DownloadMetadata(ctx context.Context, acc Account, file upstream.FileMetadata) ([]byte, error) {
	token, err := acc.Token(ctx)
	if err != nil {
		return nil, err
	}

	fullSession := file.Session
	if fullSession == "" {
		return nil, fmt.Errorf("file %s has no session path", file.FileID)
	}

	data, err := r.client.DownloadFile(ctx, token, fullSession, file.FileID)
	if err != nil {
		r.penalize(acc, err)
		return nil, fmt.Errorf("download file %s: %w", file.FileID, err)
	}
	return data, nil
}

// CleanupExpired drops idle sessions and returns how many were removed.
func (r *Registry) CleanupExpired() int {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, sess := range r.sessions {
		if sess.Expired(now, r.ttl) {
			delete(r.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("expired sessions removed", "count", removed)
	}
	return removed
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats is a serializable view of the registry.
type Stats struct {
	TotalSessions int            `json:"total_sessions"`
	Sessions      []SessionStats `json:"sessions"`
}

// SessionStats describes one cached session.
type SessionStats struct {
	SessionID  string `json:"session_id"`
	Account    string `json:"account"`
	AgeSeconds int    `json:"age_seconds"`
	FileCount  int    `json:"file_count"`
}

// Stats returns a snapshot ordered by session age, oldest first.
func (r *Registry) Stats() Stats {
	now := r.clock()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	stats := Stats{TotalSessions: len(sessions), Sessions: make([]SessionStats, 0, len(sessions))}
	for _, sess := range sessions {
		stats.Sessions = append(stats.Sessions, SessionStats{
			SessionID:  sess.ID(),
			Account:    sess.AccountName,
			AgeSeconds: int(now.Sub(sess.CreatedAt).Seconds()),
			FileCount:  len(sess.FileIDs()),
		})
	}
	return stats
}

// penalize puts acc on cooldown for auth and rate limit failures that no
// lower layer has already recorded.
func (r *Registry) penalize(acc Account, err error) {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr.Penalized || !apiErr.IsQuota() {
		return
	}
	acc.MarkQuotaError(apiErr.StatusCode, string(apiErr.Body))
	apiErr.Penalized = true
	r.logger.Warn("account penalized", "account", acc.Name(), "op", apiErr.Op, "status", apiErr.StatusCode)
}

func uploadFileName(mimeType string, now time.Time) string {
	ext := "bin"
	if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
		ext = sub
	}
	return fmt.Sprintf("upload_%d_%s.%s", now.Unix(), uuid.NewString()[:6], ext)
}
