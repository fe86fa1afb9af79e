// Package sqlstore 基于关系数据库的周汇总贡献存储，支持 PostgreSQL、MySQL 与 SQLite
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
)

// Dialect 数据库方言
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

const table = "weekly_contributions"

// Store 周汇总贡献存储
type Store struct {
	db      *sql.DB
	dialect Dialect
	metrics *metrics.Metrics
	log     *logger.Logger
}

var _ storage.ContributionRepo = (*Store)(nil)

// Open 打开数据库连接并建表
func Open(ctx context.Context, dialect Dialect, dsn string, log *logger.Logger, m *metrics.Metrics) (*Store, error) {
	switch dialect {
	case Postgres, MySQL, SQLite:
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}
	if dialect == SQLite {
		// 内存库每个连接独立
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	s := New(db, dialect, log, m)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New 使用已有连接创建存储
func New(db *sql.DB, dialect Dialect, log *logger.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, dialect: dialect, metrics: m, log: log.WithComponent("sqlstore")}
}

// Migrate 建表（已存在时跳过）
func (s *Store) Migrate(ctx context.Context) error {
	text := "VARCHAR(128)"
	if s.dialect == SQLite {
		text = "TEXT"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	execution_id %[2]s NOT NULL,
	partner_id %[2]s NOT NULL,
	driver_id %[2]s NOT NULL,
	category %[2]s NOT NULL,
	week_year INTEGER NOT NULL,
	week_num INTEGER NOT NULL,
	currency %[2]s NOT NULL,
	amount_cents BIGINT NOT NULL,
	records INTEGER NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (execution_id, driver_id, category, week_year, week_num, currency)
)`, table, text)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("创建表 %s 失败: %w", table, err)
	}

	index := fmt.Sprintf("CREATE INDEX %s_partner_week ON %s (partner_id, week_year, week_num)", table, table)
	if s.dialect != MySQL {
		index = strings.Replace(index, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
	}
	if _, err := s.db.ExecContext(ctx, index); err != nil && !duplicateIndex(err) {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	return nil
}

// duplicateIndex MySQL 不支持 IF NOT EXISTS，重复建索引报 1061
func duplicateIndex(err error) bool {
	return strings.Contains(err.Error(), "Duplicate key name")
}

// placeholders 生成第 start 个起的 n 个占位符
func (s *Store) placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if s.dialect == Postgres {
			parts[i] = fmt.Sprintf("$%d", start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Store) upsert() string {
	insert := fmt.Sprintf(`INSERT INTO %s (execution_id, partner_id, driver_id, category, week_year, week_num, currency, amount_cents, records, updated_at)
VALUES (%s)`, table, s.placeholders(1, 10))
	switch s.dialect {
	case MySQL:
		return insert + ` ON DUPLICATE KEY UPDATE amount_cents = VALUES(amount_cents), records = VALUES(records), updated_at = VALUES(updated_at)`
	default:
		return insert + ` ON CONFLICT (execution_id, driver_id, category, week_year, week_num, currency)
DO UPDATE SET amount_cents = excluded.amount_cents, records = excluded.records, updated_at = excluded.updated_at`
	}
}

// ReplaceContributions 在一个事务中替换某次执行在某周的全部贡献
func (s *Store) ReplaceContributions(ctx context.Context, executionID, partnerID string, week models.WeekKey, items []models.Contribution) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordStorageOperation("replace_contributions", string(s.dialect), start, err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	del := fmt.Sprintf("DELETE FROM %s WHERE execution_id = %s AND partner_id = %s AND week_year = %s AND week_num = %s",
		table, s.placeholders(1, 1), s.placeholders(2, 1), s.placeholders(3, 1), s.placeholders(4, 1))
	if _, err = tx.ExecContext(ctx, del, executionID, partnerID, week.Year, week.Week); err != nil {
		return fmt.Errorf("删除旧贡献失败: %w", err)
	}

	if len(items) > 0 {
		stmt, perr := tx.PrepareContext(ctx, s.upsert())
		if perr != nil {
			err = perr
			return fmt.Errorf("准备语句失败: %w", err)
		}
		defer stmt.Close()

		for _, c := range items {
			updated := c.UpdatedAt
			if updated.IsZero() {
				updated = time.Now()
			}
			_, err = stmt.ExecContext(ctx, executionID, partnerID, c.DriverID, string(c.Category),
				week.Year, week.Week, c.Currency, c.AmountCents, c.Records, updated.UnixMilli())
			if err != nil {
				return fmt.Errorf("写入贡献失败: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	s.log.Debug("贡献已替换",
		zap.String("execution_id", executionID),
		zap.String("week", week.String()),
		zap.Int("items", len(items)))
	return nil
}

// Contributions 查询合作方某周的全部贡献
func (s *Store) Contributions(ctx context.Context, partnerID string, week models.WeekKey) (out []models.Contribution, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordStorageOperation("contributions", string(s.dialect), start, err)
	}()

	query := fmt.Sprintf(`SELECT execution_id, partner_id, driver_id, category, currency, amount_cents, records, updated_at
FROM %s WHERE partner_id = %s AND week_year = %s AND week_num = %s ORDER BY driver_id, execution_id`,
		table, s.placeholders(1, 1), s.placeholders(2, 1), s.placeholders(3, 1))
	rows, err := s.db.QueryContext(ctx, query, partnerID, week.Year, week.Week)
	if err != nil {
		return nil, fmt.Errorf("查询贡献失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c        models.Contribution
			category string
			updated  int64
		)
		if err = rows.Scan(&c.ExecutionID, &c.PartnerID, &c.DriverID, &category, &c.Currency, &c.AmountCents, &c.Records, &updated); err != nil {
			return nil, fmt.Errorf("读取贡献失败: %w", err)
		}
		c.Category = models.ProviderCategory(category)
		c.Week = week
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("读取贡献失败: %w", err)
	}
	return out, nil
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}
