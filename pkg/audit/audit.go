// Package audit provides audit logging with HMAC chain for tamper detection.
//
// Events are appended to one JSONL file per month. Every record carries the
// HMAC of its predecessor, so deleting, reordering or editing a record
// breaks the chain. The HMAC key is an HKDF subkey of the vault integrity key
// and never touches disk.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/zkvault/pkg/crypto"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

// Operation types for audit logging
const (
	// Vault lifecycle
	OpVaultSetup        = "vault.setup"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"

	// Key maintenance
	OpKDFUpgrade        = "key.kdf_upgrade"
	OpRepair            = "key.repair"
	OpIntegrityMismatch = "integrity.mismatch"

	// Duress profile
	OpDuressSetup   = "duress.setup"
	OpDuressChange  = "duress.change"
	OpDuressDisable = "duress.disable"

	// Shared collections
	OpCollectionCreate    = "collection.create"
	OpCollectionRotate    = "collection.rotate"
	OpCollectionAddMember = "collection.add_member"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const genesis = "genesis"

// ErrKeyNotSet is returned when logging or verifying before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// AuditEvent represents a single audit log record
type AuditEvent struct {
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // Event ID (UUIDv7, time-ordered)
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	// Subject is an HMAC of the object the event concerns (e.g. a
	// collection ID), never the raw identifier.
	Subject string `json:"subject,omitempty"`

	Actor Actor `json:"actor"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor represents who performed the operation
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	Source    string `json:"source"` // cli | api
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path      string
	source    string
	userID    string
	sessionID string

	mu         sync.Mutex
	hmacKey    []byte
	hmacKeySet bool
	sequence   int64
	prevHash   string
}

// NewLogger creates a new audit logger writing under path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		source:    "cli",
		prevHash:  genesis,
		sessionID: generateSessionID(),
	}
}

// WithActor sets the user and source recorded on every event.
func (l *Logger) WithActor(userID, source string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = userID
	if source != "" {
		l.source = source
	}
	return l
}

// SetHMACKey derives the chain key from a vault secret and loads the
// persisted chain position.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, err := crypto.DeriveSubkey(secret, crypto.InfoAudit)
	if err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key
	l.hmacKeySet = true

	if err := l.loadChainState(); err != nil {
		// Not fatal: first run has no chain state.
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// ClearHMACKey wipes the chain key. Logging fails until SetHMACKey is
// called again.
func (l *Logger) ClearHMACKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = nil
	l.hmacKeySet = false
}

// Log records an audit event.
func (l *Logger) Log(op, result, subject string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return ErrKeyNotSet
	}

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	event := AuditEvent{
		Version:   1,
		ID:        id.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Actor: Actor{
			UserID:    l.userID,
			Source:    l.source,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}

	if subject != "" {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(subject))
		event.Subject = hex.EncodeToString(mac.Sum(nil))
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)

	if err := l.writeEvent(&event); err != nil {
		l.sequence--
		return err
	}
	l.prevHash = event.Chain.HMAC

	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, subject string, ctx map[string]any) error {
	return l.Log(op, ResultSuccess, subject, nil, ctx)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, subject, errCode, errMsg string) error {
	return l.Log(op, ResultError, subject, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

func (l *Logger) sign(event *AuditEvent) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(buildRecordData(event))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildRecordData creates the data to be HMACed. Every field except the
// HMAC itself is covered.
func buildRecordData(event *AuditEvent) []byte {
	actorData := fmt.Sprintf("%s|%s|%s",
		event.Actor.UserID,
		event.Actor.Source,
		event.Actor.SessionID,
	)

	errorData := ""
	if event.Error != nil {
		errorData = fmt.Sprintf("%s|%s", event.Error.Code, event.Error.Message)
	}

	var contextData strings.Builder
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&contextData, "%s=%v|", k, event.Context[k])
		}
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Subject,
		actorData,
		event.Result,
		errorData,
		contextData.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	return []byte(data)
}

// writeEvent appends an event to the current month's log file
func (l *Logger) writeEvent(event *AuditEvent) error {
	name := time.Now().UTC().Format("2006-01") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(l.path, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
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

// ChainState holds the persistent chain state
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}
	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(ChainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks the integrity of the audit log chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrevHash := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrevHash {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s",
				event.ID, expectedPrevHash, event.Chain.PrevHash))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		} else {
			result.RecordsVerified++
		}

		expectedPrevHash = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}

	return result, nil
}

// ListEvents returns the most recent events (limit 0 = all), optionally
// only those after since.
func (l *Logger) ListEvents(limit int, since time.Time) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, event := range events {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// readAll reads every log file in chronological order. YYYY-MM file names
// sort chronologically.
func (l *Logger) readAll() ([]AuditEvent, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var all []AuditEvent
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []AuditEvent
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}
