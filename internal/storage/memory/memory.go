// Package memory 内存文档存储，用于测试与单机开发
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
)

type sessionKey struct{ partner, provider string }

// Store 线程安全的内存存储，读写均复制，调用方无法修改内部状态
type Store struct {
	mu          sync.RWMutex
	providers   map[string]*models.Provider
	models      map[string]map[int]*step.Model
	credentials map[string]*models.Credential
	schedules   map[string]*models.Schedule
	executions  map[string]*models.Execution
	sessions    map[sessionKey]*models.SessionRecord

	contributions map[contributionScope][]models.Contribution
}

type contributionScope struct {
	execution, partner string
	week               models.WeekKey
}

// New 创建内存存储
func New() *Store {
	return &Store{
		providers:   map[string]*models.Provider{},
		models:      map[string]map[int]*step.Model{},
		credentials: map[string]*models.Credential{},
		schedules:   map[string]*models.Schedule{},
		executions:  map[string]*models.Execution{},
		sessions:    map[sessionKey]*models.SessionRecord{},

		contributions: map[contributionScope][]models.Contribution{},
	}
}

var (
	_ storage.Store            = (*Store)(nil)
	_ storage.ContributionRepo = (*Store)(nil)
)

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: 复制 %T 失败: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory: 复制 %T 失败: %v", v, err))
	}
	return out
}

// cloneCredential 密文字段不参与 JSON 序列化，单独复制
func cloneCredential(c *models.Credential) *models.Credential {
	out := clone(c)
	out.Secrets = make(map[string]models.SecretBlob, len(c.Secrets))
	for k, b := range c.Secrets {
		out.Secrets[k] = models.SecretBlob{
			KeyID:      b.KeyID,
			Nonce:      append([]byte(nil), b.Nonce...),
			Ciphertext: append([]byte(nil), b.Ciphertext...),
		}
	}
	return out
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) SaveProvider(ctx context.Context, p *models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = clone(p)
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("平台 %s: %w", id, storage.ErrNotFound)
	}
	return clone(p), nil
}

func (s *Store) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveModel(ctx context.Context, m *step.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.models[m.ID]
	if versions == nil {
		versions = map[int]*step.Model{}
		s.models[m.ID] = versions
	}
	if _, exists := versions[m.Version]; exists {
		return fmt.Errorf("步骤模型 %s v%d: %w", m.ID, m.Version, storage.ErrConflict)
	}
	versions[m.Version] = clone(m)
	return nil
}

func (s *Store) GetModel(ctx context.Context, id string, version int) (*step.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.models[id]
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	m, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("步骤模型 %s v%d: %w", id, version, storage.ErrNotFound)
	}
	return clone(m), nil
}

func (s *Store) ActivateCredential(ctx context.Context, c *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, other := range s.credentials {
		if id != c.ID && other.Active && other.PartnerID == c.PartnerID && other.ProviderID == c.ProviderID {
			other.Active = false
			other.UpdatedAt = now
		}
	}
	stored := cloneCredential(c)
	stored.Active = true
	s.credentials[c.ID] = stored
	return nil
}

func (s *Store) UpdateCredential(ctx context.Context, c *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return fmt.Errorf("凭据 %s: %w", c.ID, storage.ErrNotFound)
	}
	s.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("凭据 %s: %w", id, storage.ErrNotFound)
	}
	return cloneCredential(c), nil
}

func (s *Store) ActiveCredential(ctx context.Context, partnerID, providerID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Active && c.PartnerID == partnerID && c.ProviderID == providerID {
			return cloneCredential(c), nil
		}
	}
	return nil, fmt.Errorf("%s/%s 的有效凭据: %w", partnerID, providerID, storage.ErrNotFound)
}

func (s *Store) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, cloneCredential(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveSchedule(ctx context.Context, sc *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = clone(sc)
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("调度 %s: %w", id, storage.ErrNotFound)
	}
	return clone(sc), nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, clone(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Schedule
	for _, sc := range s.schedules {
		if sc.Due(now) {
			out = append(out, clone(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return fmt.Errorf("执行 %s: %w", e.ID, storage.ErrConflict)
	}
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("执行 %s: %w", id, storage.ErrNotFound)
	}
	return clone(e), nil
}

func (s *Store) UpdateExecution(ctx context.Context, e *models.Execution, expected models.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return fmt.Errorf("执行 %s: %w", e.ID, storage.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("执行 %s 状态为 %s，期望 %s: %w", e.ID, cur.Status, expected, storage.ErrConflict)
	}
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Execution
	for _, e := range s.executions {
		if storage.MatchExecution(e, f) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SaveSessionState(ctx context.Context, r *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{r.PartnerID, r.ProviderID}] = clone(r)
	return nil
}

func (s *Store) GetSessionState(ctx context.Context, partnerID, providerID string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionKey{partnerID, providerID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s 的会话状态: %w", partnerID, providerID, storage.ErrNotFound)
	}
	return clone(r), nil
}

func (s *Store) DeleteSessionState(ctx context.Context, partnerID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{partnerID, providerID})
	return nil
}

func (s *Store) ReplaceContributions(ctx context.Context, executionID, partnerID string, week models.WeekKey, items []models.Contribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := contributionScope{executionID, partnerID, week}
	if len(items) == 0 {
		delete(s.contributions, scope)
		return nil
	}
	s.contributions[scope] = append([]models.Contribution(nil), items...)
	return nil
}

func (s *Store) Contributions(ctx context.Context, partnerID string, week models.WeekKey) ([]models.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contribution
	for scope, items := range s.contributions {
		if scope.partner == partnerID && scope.week == week {
			out = append(out, items...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DriverID != out[j].DriverID {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out, nil
}
