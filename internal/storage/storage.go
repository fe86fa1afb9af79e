package storage

import (
	"context"
	"errors"
	"time"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrConflict 并发写入冲突或版本已存在
	ErrConflict = errors.New("记录冲突")
)

// ProviderRepo 平台参考数据
type ProviderRepo interface {
	SaveProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)
}

// ModelRepo 版本化步骤模型，已保存的版本不可修改
type ModelRepo interface {
	// SaveModel 保存新版本，版本已存在时返回 ErrConflict
	SaveModel(ctx context.Context, m *step.Model) error
	// GetModel version 为 0 时返回最新版本
	GetModel(ctx context.Context, id string, version int) (*step.Model, error)
}

// CredentialRepo 加密凭据
type CredentialRepo interface {
	// ActivateCredential 保存凭据并原子地停用同一 (合作方, 平台) 下的其他凭据
	ActivateCredential(ctx context.Context, c *models.Credential) error
	// UpdateCredential 更新已存在的凭据（密文轮换、校验结果）
	UpdateCredential(ctx context.Context, c *models.Credential) error
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	ActiveCredential(ctx context.Context, partnerID, providerID string) (*models.Credential, error)
	ListCredentials(ctx context.Context) ([]*models.Credential, error)
}

// ScheduleRepo 调度
type ScheduleRepo interface {
	SaveSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	// DueSchedules 返回启用且 next_run <= now 的调度，按 next_run 升序
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
}

// ExecutionFilter 执行记录查询条件
type ExecutionFilter struct {
	ScheduleID string
	PartnerID  string
	ProviderID string
	Statuses   []models.ExecutionStatus
	Limit      int
}

// ExecutionRepo 执行记录
type ExecutionRepo interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// UpdateExecution 仅当存储中的状态仍为 expected 时写入，否则返回 ErrConflict
	UpdateExecution(ctx context.Context, e *models.Execution, expected models.ExecutionStatus) error
	// ListExecutions 按创建时间倒序
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*models.Execution, error)
}

// SessionStateRepo 已登录会话的存储状态
type SessionStateRepo interface {
	SaveSessionState(ctx context.Context, r *models.SessionRecord) error
	GetSessionState(ctx context.Context, partnerID, providerID string) (*models.SessionRecord, error)
	DeleteSessionState(ctx context.Context, partnerID, providerID string) error
}

// ContributionRepo 周汇总贡献，按 (执行, 司机, 类别, 周, 币种) 唯一
type ContributionRepo interface {
	// ReplaceContributions 在一个事务内删除该执行在该周的全部贡献并写入新值
	ReplaceContributions(ctx context.Context, executionID, partnerID string, week models.WeekKey, items []models.Contribution) error
	// Contributions 合作方某周的全部贡献
	Contributions(ctx context.Context, partnerID string, week models.WeekKey) ([]models.Contribution, error)
}

// Store 文档存储
type Store interface {
	ProviderRepo
	ModelRepo
	CredentialRepo
	ScheduleRepo
	ExecutionRepo
	SessionStateRepo
	Ping(ctx context.Context) error
	Close() error
}

// MatchExecution 判断执行记录是否满足过滤条件
func MatchExecution(e *models.Execution, f ExecutionFilter) bool {
	if f.ScheduleID != "" && e.ScheduleID != f.ScheduleID {
		return false
	}
	if f.PartnerID != "" && e.PartnerID != f.PartnerID {
		return false
	}
	if f.ProviderID != "" && e.ProviderID != f.ProviderID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// NonTerminal 非终态集合
var NonTerminal = []models.ExecutionStatus{models.StatusPending, models.StatusRunning}
