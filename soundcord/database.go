package soundcord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// recordSeparator joins role ID lists in a single column.
	recordSeparator = string(rune(30))

	columnUserID          = "user_id"
	columnGuildID         = "guild_id"
	columnSoundCommand    = "command"
	columnSoundMeanVolume = "mean_volume"
	columnGuildVolume     = "sound_volume"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DBI wraps write/update/delete operations on the database. With sqlite,
// a mutex serializes writes; reads go straight to the underlying
// [gorm.DB].
type DBI interface {
	Create(value any) (rowsAffected int64, err error)
	Save(value any) (rowsAffected int64, err error)
	Update(model any, column string, value any) (rowsAffected int64, err error)
	Updates(model any, values map[string]any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	DB() *gorm.DB
}

type database struct {
	db *gorm.DB
	mu sync.Mutex

	logger *slog.Logger

	// enableConcurrentWrites is true for databases that handle their own
	// write concurrency (postgres); false serializes writes (sqlite).
	enableConcurrentWrites bool
}

// NewDatabase wraps the given GORM connection in a DBI.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(value any) (int64, error) {
	defer d.lock()()
	tx := d.db.Create(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Save(value any) (int64, error) {
	defer d.lock()()
	tx := d.db.Save(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Update(model any, column string, value any) (int64, error) {
	defer d.lock()()
	tx := d.db.Model(model).Update(column, value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Updates(model any, values map[string]any) (int64, error) {
	defer d.lock()()
	tx := d.db.Model(model).Updates(values)
	return tx.RowsAffected, tx.Error
}

func (d *database) Delete(value any, conds ...any) (int64, error) {
	defer d.lock()()
	tx := d.db.Delete(value, conds...)
	return tx.RowsAffected, tx.Error
}

// CreateDB opens (and migrates) the bot database. databaseType must be
// 'sqlite' or 'postgres'.
func CreateDB(
	ctx context.Context,
	databaseType string,
	dsn string,
	opts ...func(*gorm.Config),
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{}
	for _, opt := range opts {
		opt(gormConfig)
	}

	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		dialector = sqlite.Open(dsn)
	case dbTypePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf(
			"unknown database type %q (expected %q or %q)",
			databaseType,
			dbTypeSQLite,
			dbTypePostgres,
		)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return nil, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&Sound{},
		&Guild{},
		&PermissionGroup{},
		&JoinSound{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}

// WithGormConfig replaces the GORM config used by CreateDB.
func WithGormConfig(c *gorm.Config) func(*gorm.Config) {
	return func(cfg *gorm.Config) {
		*cfg = *c
	}
}
