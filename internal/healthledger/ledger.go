// Package healthledger persists the "needs attention" flag for every
// configured VM across process restarts. It backs both the VM Pool's
// pre-lease health check and the Pipeline's post-cleanup write, and is
// read by the periodic health sweep (package healthsweep) and the HTTP
// gateway's health endpoint.
package healthledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sandboxlab/sandboxd/internal/config"
	"github.com/sandboxlab/sandboxd/internal/domain"
)

// vmHealthRow is the gorm model backing domain.VMHealthRecord.
type vmHealthRow struct {
	VMName               string `gorm:"primaryKey"`
	NeedsAttention       bool
	LastError            string
	LastCleanupAttemptAt *time.Time
	UpdatedAt            time.Time
}

func (vmHealthRow) TableName() string { return "vm_health_records" }

// Ledger is a gorm-backed store for one VMHealthRecord per configured VM.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured storage backend (SQLite by default,
// Postgres when selected) and runs AutoMigrate.
func Open(cfg *config.StorageConfig, logger *slog.Logger) (*Ledger, error) {
	gormLogger := gormlogger.New(slogAdapter{logger: logger}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	var dialector gorm.Dialector
	switch cfg.DriverName() {
	case "postgres":
		dialector = postgres.Open(cfg.Postgres.DSN)
	default:
		dialector = sqlite.Open(sqliteDSN(cfg))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("healthledger: opening %s database: %w", cfg.DriverName(), err)
	}

	if err := db.AutoMigrate(&vmHealthRow{}); err != nil {
		return nil, fmt.Errorf("healthledger: migrating schema: %w", err)
	}

	return &Ledger{db: db, logger: logger}, nil
}

func sqliteDSN(cfg *config.StorageConfig) string {
	path := "sandboxd.db"
	journalMode := "wal"
	if cfg.SQLite != nil {
		if cfg.SQLite.Path != "" {
			path = cfg.SQLite.Path
		}
		if cfg.SQLite.JournalMode != "" {
			journalMode = cfg.SQLite.JournalMode
		}
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
}

// NeedsAttention implements vmpool.HealthChecker.
func (l *Ledger) NeedsAttention(vmName string) bool {
	var row vmHealthRow
	if err := l.db.First(&row, "vm_name = ?", vmName).Error; err != nil {
		return false
	}
	return row.NeedsAttention
}

// MarkNeedsAttention implements pipeline.HealthRecorder.
func (l *Ledger) MarkNeedsAttention(vmName, reason string) {
	now := time.Now().UTC()
	row := vmHealthRow{
		VMName:               vmName,
		NeedsAttention:       true,
		LastError:            reason,
		LastCleanupAttemptAt: &now,
		UpdatedAt:            now,
	}
	if err := l.db.Save(&row).Error; err != nil {
		l.logger.Error("recording needs-attention", slog.String("vm", vmName), slog.Any("error", err))
	}
}

// ClearNeedsAttention implements pipeline.HealthRecorder.
func (l *Ledger) ClearNeedsAttention(vmName string) {
	now := time.Now().UTC()
	row := vmHealthRow{
		VMName:               vmName,
		NeedsAttention:       false,
		LastError:            "",
		LastCleanupAttemptAt: &now,
		UpdatedAt:            now,
	}
	if err := l.db.Save(&row).Error; err != nil {
		l.logger.Error("clearing needs-attention", slog.String("vm", vmName), slog.Any("error", err))
	}
}

// Get returns the current health record for vmName, or a healthy zero
// value if none has ever been recorded.
func (l *Ledger) Get(vmName string) domain.VMHealthRecord {
	var row vmHealthRow
	if err := l.db.First(&row, "vm_name = ?", vmName).Error; err != nil {
		return domain.VMHealthRecord{VMName: vmName}
	}
	return domain.VMHealthRecord{
		VMName:               row.VMName,
		NeedsAttention:       row.NeedsAttention,
		LastError:            row.LastError,
		LastCleanupAttemptAt: row.LastCleanupAttemptAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

// List returns the health record for every VM this ledger has ever seen.
func (l *Ledger) List() ([]domain.VMHealthRecord, error) {
	var rows []vmHealthRow
	if err := l.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("healthledger: listing records: %w", err)
	}
	out := make([]domain.VMHealthRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.VMHealthRecord{
			VMName:               row.VMName,
			NeedsAttention:       row.NeedsAttention,
			LastError:            row.LastError,
			LastCleanupAttemptAt: row.LastCleanupAttemptAt,
			UpdatedAt:            row.UpdatedAt,
		})
	}
	return out, nil
}

// slogAdapter bridges gorm's logger.Writer interface to log/slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}
