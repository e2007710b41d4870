// Package debug provides per-request dumping of client and upstream traffic.
package debug

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultDumpDir is the default directory for debug dumps.
	DefaultDumpDir = "/tmp/gemini-gateway-debug"
)

// Dumper handles request/response dumping for debugging.
// Directory structure:
//   - {baseDir}/success/{sessionID}/ - successful requests (only when full dumping is enabled)
//   - {baseDir}/errors/{sessionID}/  - failed requests (unless error dumping is disabled)
type Dumper struct {
	enabled         bool
	errorDumpAlways bool
	baseDir         string
}

// Options configures a Dumper.
type Options struct {
	// Enabled saves every request, successful or not.
	Enabled bool
	// ErrorDump saves failed requests even when Enabled is false.
	ErrorDump bool
	// Dir defaults to DefaultDumpDir.
	Dir string
}

// Metadata contains debug metadata for a request.
type Metadata struct {
	SessionID     string    `json:"session_id"`
	RequestID     string    `json:"request_id,omitempty"`
	Account       string    `json:"account,omitempty"`
	Model         string    `json:"model,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	TriedAccounts []string  `json:"tried_accounts,omitempty"`
	Success       bool      `json:"success"`
}

// Session represents a debug session for a single request.
// A nil *Session is valid and ignores every call.
type Session struct {
	dumper    *Dumper
	sessionID string
	dir       string
	metadata  *Metadata
	mu        sync.Mutex
	closed    bool
}

// NewDumper creates a new debug dumper.
func NewDumper(opts Options) *Dumper {
	baseDir := opts.Dir
	if baseDir == "" {
		baseDir = DefaultDumpDir
	}

	if opts.Enabled || opts.ErrorDump {
		_ = os.MkdirAll(filepath.Join(baseDir, "success"), 0755)
		_ = os.MkdirAll(filepath.Join(baseDir, "errors"), 0755)
	}

	return &Dumper{
		enabled:         opts.Enabled,
		errorDumpAlways: opts.ErrorDump,
		baseDir:         baseDir,
	}
}

// Enabled returns whether full debug dumping is enabled.
func (d *Dumper) Enabled() bool {
	return d != nil && d.enabled
}

// ErrorDumpEnabled returns whether error dumping is enabled.
func (d *Dumper) ErrorDumpEnabled() bool {
	return d != nil && d.errorDumpAlways
}

// Dir returns the base dump directory.
func (d *Dumper) Dir() string {
	return d.baseDir
}

// NewSession creates a new debug session.
// Returns nil if the dumper is nil or both modes are disabled.
// The session writes to a temp directory, then moves to success/ or errors/ on completion.
func (d *Dumper) NewSession(sessionID string) *Session {
	if d == nil || (!d.enabled && !d.errorDumpAlways) {
		return nil
	}

	dir := filepath.Join(d.baseDir, "temp", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}

	return &Session{
		dumper:    d,
		sessionID: sessionID,
		dir:       dir,
		metadata: &Metadata{
			SessionID: sessionID,
			StartTime: time.Now(),
		},
	}
}

// SetRequestID sets the request ID in metadata.
func (s *Session) SetRequestID(requestID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.RequestID = requestID
}

// SetAccount records the account currently serving the request.
func (s *Session) SetAccount(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Account = name
}

// AddTriedAccount adds an account to the tried accounts list.
func (s *Session) AddTriedAccount(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.TriedAccounts = append(s.metadata.TriedAccounts, name)
}

// SetModel sets the model in metadata.
func (s *Session) SetModel(model string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Model = model
}

// SetError sets the error in metadata.
func (s *Session) SetError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Error = err.Error()
}

// SetErrorType sets the error type in metadata (e.g., "rate_limit", "auth").
func (s *Session) SetErrorType(errType string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.ErrorType = errType
}

// SetStatusCode sets the status code in metadata.
func (s *Session) SetStatusCode(code int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.StatusCode = code
}

// DumpRequestJSON writes the client request as formatted JSON.
func (s *Session) DumpRequestJSON(v interface{}) {
	s.writeJSON("request.json", v)
}

// DumpUpstreamRequest writes the upstream request body as formatted JSON.
func (s *Session) DumpUpstreamRequest(v interface{}) {
	s.writeJSON("upstream_request.json", v)
}

// DumpUpstreamError writes the body of a failed upstream call.
func (s *Session) DumpUpstreamError(body []byte) {
	if s == nil || len(body) == 0 {
		return
	}
	s.writeFile("upstream_error.txt", body)
}

// AppendUpstreamChunk appends one raw upstream stream object to upstream_chunks.jsonl.
func (s *Session) AppendUpstreamChunk(chunk []byte) {
	if s == nil {
		return
	}
	s.appendToFile("upstream_chunks.jsonl", chunk)
}

// AppendClientChunk appends one event sent to the client to client_chunks.jsonl.
func (s *Session) AppendClientChunk(v interface{}) {
	if s == nil {
		return
	}
	chunk, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.appendToFile("client_chunks.jsonl", chunk)
}

func (s *Session) writeJSON(name string, v interface{}) {
	if s == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	s.writeFile(name, data)
}

// appendToFile appends data to a file in the session directory.
func (s *Session) appendToFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(data)
	_, _ = f.Write([]byte("\n"))
}

// writeFile writes data to a file in the session directory.
func (s *Session) writeFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	_ = os.WriteFile(filepath.Join(s.dir, name), data, 0644)
}

// Success marks the session as successful.
// With full dumping enabled the files move to success/, otherwise they are removed.
func (s *Session) Success() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = true

	if s.dumper.enabled {
		s.writeMetadata()
		destDir := filepath.Join(s.dumper.baseDir, "success", s.sessionID)
		_ = os.Rename(s.dir, destDir)
	} else {
		_ = os.RemoveAll(s.dir)
	}
}

// Fail marks the session as failed and moves files to errors/.
// With only full dumping enabled and error dumping off, failures are kept too.
func (s *Session) Fail(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = false
	if err != nil {
		s.metadata.Error = err.Error()
	}

	s.writeMetadata()
	destDir := filepath.Join(s.dumper.baseDir, "errors", s.sessionID)
	_ = os.Rename(s.dir, destDir)
}

// writeMetadata writes the metadata.json file (must be called with lock held).
func (s *Session) writeMetadata() {
	data, _ := json.MarshalIndent(s.metadata, "", "  ")
	_ = os.WriteFile(filepath.Join(s.dir, "metadata.json"), data, 0644)
}

// errUnfinished is recorded for sessions closed without an outcome.
var errUnfinished = errors.New("session closed without explicit success/fail")

// Close closes the session. If not explicitly marked as success/fail,
// treats as failure and preserves files.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Fail(errUnfinished)
}
