// Package audit implements the fire-and-forget audit trail (SPEC_FULL.md
// §4.12): a record of every authenticated session and every portmapper
// registration action, written through gorm over either SQLite (default)
// or PostgreSQL. Grounded on pkg/controlplane/store/gorm.go's
// dialector-switch-and-AutoMigrate shape.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/oncfsd/oncfsd/internal/logger"
)

// Driver selects the backing database.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config configures the Store. Enabled defaults to false: audit writes are
// opt-in, matching spec.md's "never add latency to the RPC hot path"
// posture extended to "never require a database at all unless asked."
type Config struct {
	Enabled  bool
	Driver   Driver
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	// QueueSize bounds the fire-and-forget write channel; a full queue
	// drops the record rather than blocking the caller.
	QueueSize int
}

type SQLiteConfig struct {
	Path string // default: ./oncfsd-audit.db
}

type PostgresConfig struct {
	DSN string
}

func (c Config) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return nil, fmt.Errorf("audit: postgres driver selected but DSN is empty")
		}
		return postgres.Open(c.Postgres.DSN), nil
	case DriverSQLite, "":
		path := c.SQLite.Path
		if path == "" {
			path = "oncfsd-audit.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("audit: create db directory: %w", err)
			}
		}
		return sqlite.Open(path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), nil
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", c.Driver)
	}
}

// SessionRecord is written after every successful Authenticate call.
type SessionRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	SessionKey uint64    `gorm:"index"`
	ClientAddr string    `gorm:"size:64"`
	AuthFlavor uint32
	UID        uint32
	GID        uint32
	At         time.Time `gorm:"autoCreateTime"`
}

func (SessionRecord) TableName() string { return "session_records" }

// PortmapAuditEntry is written after every successful SET/UNSET that
// oncfsd start issues through the portmapper client.
type PortmapAuditEntry struct {
	ID       string `gorm:"primaryKey;size:36"`
	Program  uint32 `gorm:"index"`
	Version  uint32
	Protocol uint32
	Port     uint32
	Action   string    `gorm:"size:8"` // SET, UNSET
	At       time.Time `gorm:"autoCreateTime"`
}

func (PortmapAuditEntry) TableName() string { return "portmap_audit_entries" }

// record is the sum type pushed through the write queue.
type record struct {
	session *SessionRecord
	portmap *PortmapAuditEntry
}

// Store records the Authenticator's sessions (through cmd/oncfsd's
// auth.AuditStore adapter) and the portmapper registrations oncfsd start
// performs. It owns a single background writer goroutine draining a
// bounded channel, so a slow or unreachable database never adds latency to
// the caller.
type Store struct {
	db     *gorm.DB
	queue  chan record
	done   chan struct{}
	closed chan struct{}
}

// DefaultQueueSize is used when Config.QueueSize is unset.
const DefaultQueueSize = 256

// Open connects to the database cfg describes, brings its schema up to
// date (embedded golang-migrate migrations for Postgres, AutoMigrate for
// SQLite), and starts the background writer. If !cfg.Enabled, Open returns a Store
// whose RecordSession/RecordPortmapAction calls are no-ops and whose DB
// connection is never opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.Enabled {
		return &Store{}, nil
	}

	if cfg.Driver == DriverPostgres {
		if err := migratePostgres(cfg.Postgres.DSN); err != nil {
			return nil, err
		}
	}

	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if cfg.Driver != DriverPostgres {
		// SQLite (the zero-config default) gets gorm's AutoMigrate, matching
		// pkg/controlplane/store/gorm.go; Postgres schema is versioned above.
		if err := db.AutoMigrate(&SessionRecord{}, &PortmapAuditEntry{}); err != nil {
			return nil, fmt.Errorf("audit: migrate: %w", err)
		}
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	s := &Store{
		db:     db,
		queue:  make(chan record, size),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer close(s.closed)
	for {
		select {
		case r, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(r)
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case r := <-s.queue:
					s.write(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(r record) {
	var err error
	switch {
	case r.session != nil:
		if r.session.ID == "" {
			r.session.ID = uuid.New().String()
		}
		err = s.db.Create(r.session).Error
	case r.portmap != nil:
		if r.portmap.ID == "" {
			r.portmap.ID = uuid.New().String()
		}
		err = s.db.Create(r.portmap).Error
	}
	if err != nil {
		logger.Debug("audit: write failed", "error", err)
	}
}

// RecordSession enqueues rec for write-behind persistence. It never blocks
// on the database: a full queue silently drops the record.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	if s.db == nil {
		return nil
	}
	select {
	case s.queue <- record{session: &rec}:
	default:
		logger.Debug("audit: session queue full, dropping record", "session_key", rec.SessionKey)
	}
	return nil
}

// RecordPortmapAction enqueues entry for write-behind persistence.
func (s *Store) RecordPortmapAction(ctx context.Context, entry PortmapAuditEntry) error {
	if s.db == nil {
		return nil
	}
	select {
	case s.queue <- record{portmap: &entry}:
	default:
		logger.Debug("audit: portmap queue full, dropping record", "program", entry.Program)
	}
	return nil
}

// Close stops the background writer after draining whatever is already
// queued. It is safe to call on a disabled (no-op) Store, and a second
// call waits for the same shutdown and returns.
func (s *Store) Close() {
	if s.db == nil {
		return
	}
	select {
	case <-s.done:
		<-s.closed
		return
	default:
	}
	close(s.done)
	<-s.closed
}
