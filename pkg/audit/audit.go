// Package audit records vault operations as a hash-chained JSONL log.
//
// Each record carries an HMAC-SHA256 over its fields and its predecessor's
// MAC. The MAC key is expanded with HKDF from a random secret kept in
// audit.key (mode 0600) beside the log, and the last sequence number and MAC
// are kept, themselves authenticated, in audit.meta. Verify therefore detects
// edited, reordered, removed and truncated records made by anyone who cannot
// read audit.key. Records never contain secret values or key material, only
// operation names and subjects such as "acme" or "acme/api_key".
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// MinAuditDiskSpace is the free space required before appending a record.
const MinAuditDiskSpace = 1024 * 1024

const (
	chainStateFile = "audit.meta"
	keyFile        = "audit.key"
	genesisHash    = "genesis"
	hkdfInfo       = "credvault-audit-v1"
	secretLength   = 32
)

// Operation types.
const (
	OpVaultInit           = "vault.init"
	OpVaultUnlock         = "vault.unlock"
	OpVaultUnlockFailed   = "vault.unlock_failed"
	OpVaultPasswordChange = "vault.password_change"
	OpVaultBackup         = "vault.backup"
	OpVaultRestore        = "vault.restore"

	OpProjectCreate = "project.create"
	OpProjectToken  = "project.token"
	OpProjectRotate = "project.rotate"
	OpProjectRename = "project.rename"
	OpProjectRemove = "project.remove"

	OpDetailSet    = "detail.set"
	OpDetailGet    = "detail.get"
	OpDetailRemove = "detail.remove"
	OpDetailImport = "detail.import"
	OpDetailLoad   = "detail.load"

	OpSessionCreate = "session.create"
	OpSessionRedeem = "session.redeem"
	OpSessionDelete = "session.delete"
)

// Sources identify the front end that drove the operation.
const (
	SourceCLI    = "cli"
	SourceMCP    = "mcp"
	SourceLoader = "loader"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Event is a single audit record.
type Event struct {
	Version   int        `json:"v"`
	ID        string     `json:"id"`
	Timestamp string     `json:"ts"`
	Operation string     `json:"op"`
	Subject   string     `json:"subject,omitempty"`
	Source    string     `json:"source"`
	ProcessID string     `json:"process_id"`
	Result    string     `json:"result"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Chain     Chain      `json:"chain"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	Hash     string `json:"hash"`
}

// ChainState is persisted in audit.meta between processes. Pruned is the
// highest sequence number removed by Prune; the first surviving record must
// follow it.
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	Pruned   int64  `json:"pruned"`
	MAC      string `json:"mac"`
}

// ErrKeyMissing is reported when records exist but audit.key does not.
var ErrKeyMissing = errors.New("audit: key file missing")

// VerifyResult contains the results of chain verification.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Logger appends events to monthly files under a directory.
type Logger struct {
	path      string
	source    string
	processID string
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	key      []byte
	sequence int64
	prevHash string
	pruned   int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithSource sets the source recorded on every event. Default is SourceCLI.
func WithSource(source string) Option {
	return func(l *Logger) { l.source = source }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// NewLogger creates a logger writing to dir. The directory is created on
// first write.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		path:      dir,
		source:    SourceCLI,
		processID: uuid.NewString(),
		now:       time.Now,
		log:       zerolog.Nop(),
		prevHash:  genesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the audit log directory.
func (l *Logger) Path() string {
	return l.path
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, subject string) error {
	return l.Log(op, subject, ResultSuccess, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, subject, code, msg string) error {
	return l.Log(op, subject, ResultError, &ErrorInfo{Code: code, Message: msg})
}

// Log appends one event and advances the chain.
func (l *Logger) Log(op, subject, result string, errInfo *ErrorInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}
	if err := l.load(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Subject:   subject,
		Source:    l.source,
		ProcessID: l.processID,
		Result:    result,
		Error:     errInfo,
		Chain: Chain{
			Sequence: l.sequence + 1,
			PrevHash: l.prevHash,
		},
	}
	event.Chain.Hash = l.mac(recordData(&event))

	if err := l.writeEvent(now, &event); err != nil {
		return err
	}

	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.Hash
	return l.saveChainState()
}

// load reads the key, creating it on first use, and the chain state. The
// state is re-read on every call so loggers in other processes that
// appended in the meantime are followed.
func (l *Logger) load() error {
	if l.key == nil {
		key, err := loadKey(l.path, true)
		if err != nil {
			return err
		}
		l.key = key
	}
	state, err := readChainState(l.path, l.key)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	l.sequence, l.prevHash, l.pruned = state.Sequence, state.PrevHash, state.Pruned
	return nil
}

// loadKey returns the HMAC key derived from audit.key. With create set a
// missing secret is generated.
func loadKey(dir string, create bool) ([]byte, error) {
	path := filepath.Join(dir, keyFile)
	secret, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && create {
		secret = make([]byte, secretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("audit: failed to generate key: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to create key file: %w", err)
		}
		_, err = f.Write(secret)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("audit: failed to write key file: %w", err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyMissing
	} else if err != nil {
		return nil, fmt.Errorf("audit: failed to read key file: %w", err)
	}
	if len(secret) != secretLength {
		return nil, fmt.Errorf("audit: key file has %d bytes, want %d", len(secret), secretLength)
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("audit: failed to derive key: %w", err)
	}
	return key, nil
}

func (l *Logger) mac(data []byte) string {
	return computeMAC(l.key, data)
}

func computeMAC(key, data []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// recordData covers every field except the MAC itself.
func recordData(e *Event) []byte {
	var errData string
	if e.Error != nil {
		errData = e.Error.Code + "|" + e.Error.Message
	}
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Subject,
		e.Source, e.ProcessID, e.Result, errData,
		e.Chain.Sequence, e.Chain.PrevHash))
}

func stateData(st *ChainState) []byte {
	return []byte(fmt.Sprintf("state|%d|%s|%d", st.Sequence, st.PrevHash, st.Pruned))
}

func (l *Logger) writeEvent(now time.Time, event *Event) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// readChainState reads audit.meta and checks its MAC.
func readChainState(dir string, key []byte) (*ChainState, error) {
	data, err := os.ReadFile(filepath.Join(dir, chainStateFile))
	if err != nil {
		return nil, err
	}

	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("audit: chain state is corrupted: %w", err)
	}
	if !hmac.Equal([]byte(state.MAC), []byte(computeMAC(key, stateData(&state)))) {
		return nil, errors.New("audit: chain state failed authentication")
	}
	return &state, nil
}

func (l *Logger) saveChainState() error {
	state := ChainState{Sequence: l.sequence, PrevHash: l.prevHash, Pruned: l.pruned}
	state.MAC = l.mac(stateData(&state))
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, chainStateFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// logFiles returns the monthly files in chronological order.
func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, sc.Err()
}

// Verify walks every record and checks sequence numbers, MACs and links,
// then checks both ends of the chain against audit.meta: the first record
// must follow the last pruned sequence and the last record must be the one
// the state names.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	key, err := loadKey(l.path, false)
	if errors.Is(err, ErrKeyMissing) {
		if len(events) > 0 {
			fail("audit key file is missing")
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	state, err := readChainState(l.path, key)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if len(events) > 0 {
			fail("chain state is missing")
		}
	case err != nil:
		fail("%v", err)
	}

	var expectedPrev string
	var expectedSeq int64
	for i := range events {
		event := &events[i]
		if i > 0 {
			if event.Chain.Sequence != expectedSeq {
				fail("sequence gap at record %s: expected %d, got %d", event.ID, expectedSeq, event.Chain.Sequence)
			}
			if event.Chain.PrevHash != expectedPrev {
				fail("chain broken at record %s", event.ID)
			}
		}

		if hmac.Equal([]byte(event.Chain.Hash), []byte(computeMAC(key, recordData(event)))) {
			result.RecordsVerified++
		} else {
			fail("MAC mismatch at record %s: possible tampering", event.ID)
		}

		expectedPrev = event.Chain.Hash
		expectedSeq = event.Chain.Sequence + 1
	}

	if state == nil {
		return result, nil
	}
	if len(events) == 0 {
		if state.Sequence != state.Pruned {
			fail("records %d to %d are missing", state.Pruned+1, state.Sequence)
		}
		return result, nil
	}
	first, last := &events[0], &events[len(events)-1]
	if first.Chain.Sequence != state.Pruned+1 {
		fail("log starts at sequence %d, expected %d", first.Chain.Sequence, state.Pruned+1)
	}
	if first.Chain.Sequence == 1 && first.Chain.PrevHash != genesisHash {
		fail("first record does not link to genesis")
	}
	if last.Chain.Sequence != state.Sequence || last.Chain.Hash != state.PrevHash {
		fail("log ends at sequence %d, expected %d: records were removed", last.Chain.Sequence, state.Sequence)
	}
	return result, nil
}

// Filter narrows ListEvents.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Operation string // prefix match, e.g. "project."
	Subject   string // prefix match
	Limit     int    // most recent N; 0 = all
}

func (f Filter) match(e *Event) bool {
	if f.Operation != "" && !strings.HasPrefix(e.Operation, f.Operation) {
		return false
	}
	if f.Subject != "" && !strings.HasPrefix(e.Subject, f.Subject) {
		return false
	}
	if f.Since.IsZero() && f.Until.IsZero() {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	return true
}

// ListEvents returns events matching f in chronological order.
func (l *Logger) ListEvents(f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var out []Event
	for i := range events {
		if f.match(&events[i]) {
			out = append(out, events[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Export renders events as "json" or "csv".
func (l *Logger) Export(format string, f Filter) ([]byte, error) {
	events, err := l.ListEvents(f)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		if events == nil {
			events = []Event{}
		}
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		var b strings.Builder
		b.WriteString("timestamp,operation,subject,source,result,error\n")
		for _, e := range events {
			code := ""
			if e.Error != nil {
				code = e.Error.Code
			}
			fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s\n",
				csvEscape(e.Timestamp), csvEscape(e.Operation), csvEscape(e.Subject),
				csvEscape(e.Source), csvEscape(e.Result), csvEscape(code))
		}
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// csvEscape quotes fields containing separators and fields starting with
// spreadsheet formula characters.
func csvEscape(field string) string {
	if field == "" {
		return field
	}
	needsQuoting := strings.ContainsAny(field[:1], "=+-@") ||
		strings.ContainsAny(field, ",\"\r\n")
	if !needsQuoting {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// Prune deletes records older than olderThan and returns how many were
// removed. Files left empty are deleted.
func (l *Logger) Prune(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	files, err := l.logFiles()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	if err := l.load(); err != nil {
		return 0, err
	}

	deleted := 0
	var firstKept int64
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return deleted, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		var keep []Event
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err == nil && ts.Before(cutoff) {
				deleted++
				continue
			}
			keep = append(keep, e)
			if firstKept == 0 || e.Chain.Sequence < firstKept {
				firstKept = e.Chain.Sequence
			}
		}

		switch {
		case len(keep) == len(events):
		case len(keep) == 0:
			if err := os.Remove(file); err != nil {
				return deleted, fmt.Errorf("audit: failed to delete %s: %w", file, err)
			}
		default:
			if err := rewriteLogFile(file, keep); err != nil {
				return deleted, fmt.Errorf("audit: failed to rewrite %s: %w", file, err)
			}
		}
	}

	if deleted > 0 {
		if firstKept > 0 {
			l.pruned = firstKept - 1
		} else {
			l.pruned = l.sequence
		}
		if err := l.saveChainState(); err != nil {
			return deleted, err
		}
		l.log.Info().Int("records", deleted).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("audit log pruned")
	}
	return deleted, nil
}

func rewriteLogFile(path string, events []Event) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, e := range events {
		data, err := json.Marshal(e)
		if err == nil {
			_, err = w.Write(append(data, '\n'))
		}
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
