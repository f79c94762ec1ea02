package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"formicarium/core/events"
	"formicarium/core/types"
	"formicarium/observability/logging"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000

	// sqliteBusyTimeout is how long a sqlite writer waits on another
	// connection's lock before reporting SQLITE_BUSY.
	sqliteBusyTimeout = 5 * time.Second
	recordAttempts    = 20
	recordBackoff     = 5 * time.Millisecond
)

// Entry is one persisted lifecycle event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	OrderID    string    `gorm:"index"`
	PrinterID  string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	RecordedAt time.Time `gorm:"not null"`
	// Digest chains this entry to its predecessor; see Verify.
	Digest string `gorm:"size:64;not null"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (Entry) TableName() string { return "journal_entries" }

// Event decodes the stored attributes back into the canonical event.
func (e Entry) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(e.Attributes) != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode attributes: %w", err)
		}
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

// Journal is an events.Emitter that appends every event to a SQL table,
// giving an auditable record of lifecycle transitions and dispute flags.
type Journal struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

var _ events.Emitter = (*Journal)(nil)

// Open connects to dsn. DSNs starting with postgres:// or postgresql:// use
// the postgres driver; anything else is treated as a sqlite path or URI and
// gets a busy timeout unless it sets one.
func Open(dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(withBusyTimeout(trimmed))
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", logging.MaskDSN(trimmed), err)
	}
	return New(db)
}

func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, sqliteBusyTimeout.Milliseconds())
}

// New wraps an existing gorm handle, migrating the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}, nil
}

// SetLogger overrides the logger used to report write failures from Emit.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Emit implements events.Emitter. Write failures are logged; the lifecycle
// transition has already committed by the time its event is emitted.
func (j *Journal) Emit(evt events.Event) {
	payload := events.Render(evt)
	if j == nil || payload == nil {
		return
	}
	if _, err := j.Record(context.Background(), payload); err != nil {
		j.logger.Error("journal: record event failed",
			slog.String("type", payload.Type),
			slog.String("orderId", payload.Attributes["orderId"]),
			slog.Any("error", err))
	}
}

// Record persists evt and returns the stored entry. The sequence and digest
// are derived from the last stored entry inside the insert transaction, so
// several processes may share one journal. A transaction that loses the race
// for the next sequence, or finds the database locked, is retried.
func (j *Journal) Record(ctx context.Context, evt *types.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	encoded, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := &Entry{
		ID:         uuid.New(),
		Type:       evt.Type,
		OrderID:    evt.Attributes["orderId"],
		PrinterID:  evt.Attributes[events.AttrPrinterID],
		Attributes: string(encoded),
		RecordedAt: j.now().UTC().Truncate(time.Microsecond),
	}
	for attempt := 1; ; attempt++ {
		err = j.insert(ctx, entry)
		if err == nil || attempt == recordAttempts || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * recordBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	return entry, nil
}

func (j *Journal) insert(ctx context.Context, entry *Entry) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last []Entry
		if err := tx.Order("sequence DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		prev := ""
		if len(last) == 1 {
			entry.Sequence = last[0].Sequence + 1
			prev = last[0].Digest
		} else {
			entry.Sequence = 1
		}
		entry.Digest = chainDigest(prev, entry)
		return tx.Create(entry).Error
	})
}

// retryable reports whether a failed insert lost a race with another writer.
func retryable(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"is locked", "SQLITE_BUSY", "UNIQUE constraint failed", "duplicate key value", "could not serialize"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ByOrder returns every entry for the order in sequence order.
func (j *Journal) ByOrder(ctx context.Context, orderID common.Address) ([]Entry, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("order_id = ?", orderID.Hex()).
		Order("sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query order: %w", err)
	}
	return entries, nil
}

// Since pages through entries with a sequence greater than after. A
// non-positive limit selects the default page size.
func (j *Journal) Since(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query since: %w", err)
	}
	return entries, nil
}

// Disputes returns every recorded customer dispute.
func (j *Journal) Disputes(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("type = ?", events.TypeOrderDisputed).
		Order("sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query disputes: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
