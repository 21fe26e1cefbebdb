package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	defaultGormTableName = "latch_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is the row stored for a held lock.
type gormLock struct {
	Name      string `gorm:"primaryKey;column:name"`
	Owner     string `gorm:"column:owner;not null"`
	ExpiresAt int64  `gorm:"column:expires_at;not null"` // UnixMilli
}

// Gorm implements Store on a SQL table through GORM. Acquisition is a
// single upsert that only overwrites expired rows, release a delete
// filtered by owner. The upsert syntax targets SQLite and PostgreSQL.
//
// Lease expiry compares wall clocks of the participating hosts, so they
// should be kept in sync.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a Gorm store.
type GormOption func(*Gorm)

// WithGormTableName sets the table holding lock rows.
func WithGormTableName(name string) GormOption {
	return func(g *Gorm) {
		g.tableName = name
	}
}

// WithGormTimeout sets the timeout applied to every statement.
func WithGormTimeout(d time.Duration) GormOption {
	return func(g *Gorm) {
		g.timeout = d
	}
}

// WithGormClock sets the wall clock used to stamp and check leases.
func WithGormClock(now func() time.Time) GormOption {
	return func(g *Gorm) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGorm returns a new store using the provided connection, creating the
// lock table when it does not exist.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	g := &Gorm{
		db:        db,
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if !db.Migrator().HasTable(g.tableName) {
		if err := db.Table(g.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, gormErr("migrate", err)
		}
	}
	return g, nil
}

func gormErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", latcherrors.ErrTimeout, err)
	}
	return latcherrors.Backend("sql", op, err)
}

func (g *Gorm) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	return g.db.WithContext(cctx).Table(g.tableName), cancel
}

// Acquire implements Store.Acquire.
func (g *Gorm) Acquire(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := g.now().UnixMilli()
	row := gormLock{Name: name, Owner: owner, ExpiresAt: now + leaseMillis(hold)}

	tx, cancel := g.session(ctx)
	defer cancel()
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lte{Column: clause.Column{Table: g.tableName, Name: "expires_at"}, Value: now},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, gormErr("acquire", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// The row is live. It may already be ours.
	current, err := g.currentOwner(ctx, name, now)
	if err != nil {
		return false, gormErr("acquire", err)
	}
	return current == owner, nil
}

func (g *Gorm) currentOwner(ctx context.Context, name string, now int64) (string, error) {
	tx, cancel := g.session(ctx)
	defer cancel()
	var row gormLock
	err := tx.Where("name = ? AND expires_at > ?", name, now).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Owner, nil
}

// CurrentOwner implements Store.CurrentOwner.
func (g *Gorm) CurrentOwner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, err := g.currentOwner(ctx, name, g.now().UnixMilli())
	if err != nil {
		return "", gormErr("current owner", err)
	}
	return owner, nil
}

// Release implements Store.Release.
func (g *Gorm) Release(ctx context.Context, name, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, cancel := g.session(ctx)
	defer cancel()
	if err := tx.Delete(&gormLock{}, "name = ? AND owner = ?", name, owner).Error; err != nil {
		return gormErr("release", err)
	}
	return nil
}

// Refresh implements Refresher.
func (g *Gorm) Refresh(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := g.now().UnixMilli()
	tx, cancel := g.session(ctx)
	defer cancel()
	res := tx.Where("name = ? AND owner = ? AND expires_at > ?", name, owner, now).
		Update("expires_at", now+leaseMillis(hold))
	if res.Error != nil {
		return false, gormErr("refresh", res.Error)
	}
	return res.RowsAffected == 1, nil
}
