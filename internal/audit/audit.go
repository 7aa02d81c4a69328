package audit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
	"gorm.io/gorm"
)

// Event types recorded in the audit trail.
const (
	EventLogin           = "login"
	EventLoginFailed     = "login_failed"
	EventLogout          = "logout"
	EventTerminalCreate  = "terminal_create"
	EventTerminalClose   = "terminal_close"
	EventTeardown        = "teardown"
	EventTeardownTimeout = "teardown_timeout"
	EventSessionExpired  = "session_expired"
	EventSessionInvalid  = "session_invalid"
	EventFileOperation   = "file_operation"
)

// DefaultRetentionDays is used when the configured retention is not positive.
const DefaultRetentionDays = 90

// Stored field limits. Usernames on failed logins come straight from the
// client.
const (
	maxUsernameLen = 128
	maxDetailsLen  = 1024
)

// AuditEntry is one persisted audit row. SessionTag is the short public tag of
// the login, never the session token itself.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionTag string    `gorm:"index;size:16" json:"session_tag"`
	Username   string    `gorm:"index;size:128" json:"username"`
	EventType  string    `gorm:"index;size:32" json:"event_type"`
	TerminalID string    `gorm:"size:16" json:"terminal_id,omitempty"`
	SourceIP   string    `gorm:"size:64" json:"source_ip,omitempty"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

// Auditor records audit events to the database and the standard logger.
// A nil *Auditor is valid and records nothing.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor migrates the audit table and returns an Auditor writing to db.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log writes e. CreatedAt is filled from the auditor clock when zero.
func (a *Auditor) Log(e AuditEntry) error {
	if a == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.nowFn()
	}
	e.ID = 0
	e.Username = logutil.Truncate(e.Username, maxUsernameLen)
	e.Details = logutil.Truncate(e.Details, maxDetailsLen)

	a.mu.Lock()
	err := a.db.Create(&e).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write audit entry: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s session=%s terminal=%s ip=%s details=%s",
		e.EventType,
		logutil.SanitizeForLog(e.Username),
		e.SessionTag,
		e.TerminalID,
		e.SourceIP,
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

type QueryOptions struct {
	Username  string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []AuditEntry `json:"entries"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// Query returns entries newest first. Limit defaults to 50 and is capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&AuditEntry{})
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []AuditEntry{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes entries older than days, or the configured retention
// when days is not positive. Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&AuditEntry{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock. Used by tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
