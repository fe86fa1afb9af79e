package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
)

const (
	collProviders   = "providers"
	collModels      = "step_models"
	collCredentials = "credentials"
	collSchedules   = "schedules"
	collExecutions  = "executions"
	collSessions    = "session_states"
)

// Store MongoDB 文档存储
type Store struct {
	pool    *Pool
	config  *Config
	metrics *metrics.Metrics
	log     *logger.Logger
}

var _ storage.Store = (*Store)(nil)

// modelDoc 步骤模型以 JSON 文本保存，保留带标签的步骤联合类型
type modelDoc struct {
	ID         string    `bson:"_id"`
	ModelID    string    `bson:"model_id"`
	ProviderID string    `bson:"provider_id"`
	Version    int       `bson:"version"`
	Definition string    `bson:"definition"`
	CreatedAt  time.Time `bson:"created_at"`
}

type sessionDoc struct {
	ID                   string `bson:"_id"`
	models.SessionRecord `bson:",inline"`
}

// New 连接 MongoDB 并创建索引
func New(ctx context.Context, config *Config, log *logger.Logger, m *metrics.Metrics) (*Store, error) {
	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Store{pool: pool, config: config, metrics: m, log: log.WithComponent("mongodb")}
	if err := s.ensureIndexes(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collModels: {{
			Keys:    bson.D{{Key: "model_id", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetUnique(true),
		}},
		// 同一 (合作方, 平台) 最多一个有效凭据
		collCredentials: {{
			Keys: bson.D{{Key: "partner_id", Value: 1}, {Key: "provider_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		}},
		collSchedules: {{
			Keys: bson.D{{Key: "active", Value: 1}, {Key: "next_run_at", Value: 1}},
		}},
		collExecutions: {
			{Keys: bson.D{{Key: "schedule_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	for name, idx := range indexes {
		coll, err := s.pool.Collection(name)
		if err != nil {
			return err
		}
		created, err := coll.Indexes().CreateMany(ctx, idx)
		if err != nil {
			return fmt.Errorf("创建集合 %s 索引失败: %w", name, err)
		}
		s.log.Debug("索引已就绪", zap.String("collection", name), zap.Strings("indexes", created))
	}
	return nil
}

// op 获取集合并设置超时，结束时记录指标
func (s *Store) op(ctx context.Context, name, operation string) (*mongo.Collection, context.Context, func(error), error) {
	coll, err := s.pool.Collection(name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("获取集合失败: %w", err)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	done := func(err error) {
		cancel()
		s.metrics.RecordStorageOperation(operation, "mongodb", start, err)
	}
	return coll, ctx, done, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("查询%s失败: %w", what, err)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) SaveProvider(ctx context.Context, p *models.Provider) (err error) {
	coll, ctx, done, err := s.op(ctx, collProviders, "save_provider")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("保存平台失败: %w", err)
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (_ *models.Provider, err error) {
	coll, ctx, done, err := s.op(ctx, collProviders, "get_provider")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	var p models.Provider
	if err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return nil, notFound(err, "平台 "+id)
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context) (_ []*models.Provider, err error) {
	coll, ctx, done, err := s.op(ctx, collProviders, "list_providers")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("查询平台失败: %w", err)
	}
	var out []*models.Provider
	if err = cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	return out, nil
}

func (s *Store) SaveModel(ctx context.Context, m *step.Model) (err error) {
	coll, ctx, done, err := s.op(ctx, collModels, "save_model")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("序列化步骤模型失败: %w", err)
	}
	doc := modelDoc{
		ID:         fmt.Sprintf("%s@%d", m.ID, m.Version),
		ModelID:    m.ID,
		ProviderID: m.ProviderID,
		Version:    m.Version,
		Definition: string(data),
		CreatedAt:  m.CreatedAt,
	}
	if _, err = coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("步骤模型 %s v%d: %w", m.ID, m.Version, storage.ErrConflict)
		}
		return fmt.Errorf("保存步骤模型失败: %w", err)
	}
	return nil
}

func (s *Store) GetModel(ctx context.Context, id string, version int) (_ *step.Model, err error) {
	coll, ctx, done, err := s.op(ctx, collModels, "get_model")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	filter := bson.M{"model_id": id}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	if version > 0 {
		filter["version"] = version
	}
	var doc modelDoc
	if err = coll.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		return nil, notFound(err, fmt.Sprintf("步骤模型 %s v%d", id, version))
	}
	var m step.Model
	if err = json.Unmarshal([]byte(doc.Definition), &m); err != nil {
		return nil, fmt.Errorf("解析步骤模型 %s 失败: %w", doc.ID, err)
	}
	return &m, nil
}

func (s *Store) ActivateCredential(ctx context.Context, c *models.Credential) (err error) {
	coll, ctx, done, err := s.op(ctx, collCredentials, "activate_credential")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	// 先停用旧凭据，部分唯一索引保证并发激活时至多一个成功
	_, err = coll.UpdateMany(ctx,
		bson.M{"partner_id": c.PartnerID, "provider_id": c.ProviderID, "active": true, "_id": bson.M{"$ne": c.ID}},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("停用旧凭据失败: %w", err)
	}

	stored := *c
	stored.Active = true
	if _, err = coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, &stored, options.Replace().SetUpsert(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("凭据 %s: %w", c.ID, storage.ErrConflict)
		}
		return fmt.Errorf("保存凭据失败: %w", err)
	}
	return nil
}

func (s *Store) UpdateCredential(ctx context.Context, c *models.Credential) (err error) {
	coll, ctx, done, err := s.op(ctx, collCredentials, "update_credential")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	res, err := coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, c)
	if err != nil {
		return fmt.Errorf("更新凭据失败: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("凭据 %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (_ *models.Credential, err error) {
	return s.findCredential(ctx, "get_credential", bson.M{"_id": id}, "凭据 "+id)
}

func (s *Store) ActiveCredential(ctx context.Context, partnerID, providerID string) (*models.Credential, error) {
	return s.findCredential(ctx, "active_credential",
		bson.M{"partner_id": partnerID, "provider_id": providerID, "active": true},
		partnerID+"/"+providerID+" 的有效凭据")
}

func (s *Store) findCredential(ctx context.Context, operation string, filter bson.M, what string) (_ *models.Credential, err error) {
	coll, ctx, done, err := s.op(ctx, collCredentials, operation)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	var c models.Credential
	if err = coll.FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, notFound(err, what)
	}
	return &c, nil
}

func (s *Store) ListCredentials(ctx context.Context) (_ []*models.Credential, err error) {
	coll, ctx, done, err := s.op(ctx, collCredentials, "list_credentials")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("查询凭据失败: %w", err)
	}
	var out []*models.Credential
	if err = cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSchedule(ctx context.Context, sc *models.Schedule) (err error) {
	coll, ctx, done, err := s.op(ctx, collSchedules, "save_schedule")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	if _, err = coll.ReplaceOne(ctx, bson.M{"_id": sc.ID}, sc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("保存调度失败: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (_ *models.Schedule, err error) {
	coll, ctx, done, err := s.op(ctx, collSchedules, "get_schedule")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	var sc models.Schedule
	if err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&sc); err != nil {
		return nil, notFound(err, "调度 "+id)
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return s.findSchedules(ctx, "list_schedules", bson.M{}, bson.D{{Key: "_id", Value: 1}})
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return s.findSchedules(ctx, "due_schedules",
		bson.M{"active": true, "next_run_at": bson.M{"$lte": now}},
		bson.D{{Key: "next_run_at", Value: 1}})
}

func (s *Store) findSchedules(ctx context.Context, operation string, filter bson.M, sort bson.D) (_ []*models.Schedule, err error) {
	coll, ctx, done, err := s.op(ctx, collSchedules, operation)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("查询调度失败: %w", err)
	}
	var out []*models.Schedule
	if err = cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *models.Execution) (err error) {
	coll, ctx, done, err := s.op(ctx, collExecutions, "create_execution")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	if _, err = coll.InsertOne(ctx, e); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("执行 %s: %w", e.ID, storage.ErrConflict)
		}
		return fmt.Errorf("创建执行失败: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (_ *models.Execution, err error) {
	coll, ctx, done, err := s.op(ctx, collExecutions, "get_execution")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	var e models.Execution
	if err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		return nil, notFound(err, "执行 "+id)
	}
	return &e, nil
}

// UpdateExecution 以状态为条件整体替换，实现比较并交换
func (s *Store) UpdateExecution(ctx context.Context, e *models.Execution, expected models.ExecutionStatus) (err error) {
	coll, ctx, done, err := s.op(ctx, collExecutions, "update_execution")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	res, err := coll.ReplaceOne(ctx, bson.M{"_id": e.ID, "status": expected}, e)
	if err != nil {
		return fmt.Errorf("更新执行失败: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": e.ID})
	if err != nil {
		return fmt.Errorf("查询执行失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("执行 %s: %w", e.ID, storage.ErrNotFound)
	}
	return fmt.Errorf("执行 %s 状态已不是 %s: %w", e.ID, expected, storage.ErrConflict)
}

func executionFilter(f storage.ExecutionFilter) bson.M {
	filter := bson.M{}
	if f.ScheduleID != "" {
		filter["schedule_id"] = f.ScheduleID
	}
	if f.PartnerID != "" {
		filter["partner_id"] = f.PartnerID
	}
	if f.ProviderID != "" {
		filter["provider_id"] = f.ProviderID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	return filter
}

func (s *Store) ListExecutions(ctx context.Context, f storage.ExecutionFilter) (_ []*models.Execution, err error) {
	coll, ctx, done, err := s.op(ctx, collExecutions, "list_executions")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cursor, err := coll.Find(ctx, executionFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("查询执行失败: %w", err)
	}
	var out []*models.Execution
	if err = cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("解析查询结果失败: %w", err)
	}
	return out, nil
}

func sessionID(partnerID, providerID string) string {
	return partnerID + "/" + providerID
}

func (s *Store) SaveSessionState(ctx context.Context, r *models.SessionRecord) (err error) {
	coll, ctx, done, err := s.op(ctx, collSessions, "save_session_state")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	id := sessionID(r.PartnerID, r.ProviderID)
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": id}, sessionDoc{ID: id, SessionRecord: *r}, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("保存会话状态失败: %w", err)
	}
	return nil
}

func (s *Store) GetSessionState(ctx context.Context, partnerID, providerID string) (_ *models.SessionRecord, err error) {
	coll, ctx, done, err := s.op(ctx, collSessions, "get_session_state")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	var doc sessionDoc
	if err = coll.FindOne(ctx, bson.M{"_id": sessionID(partnerID, providerID)}).Decode(&doc); err != nil {
		return nil, notFound(err, partnerID+"/"+providerID+" 的会话状态")
	}
	return &doc.SessionRecord, nil
}

func (s *Store) DeleteSessionState(ctx context.Context, partnerID, providerID string) (err error) {
	coll, ctx, done, err := s.op(ctx, collSessions, "delete_session_state")
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	if _, err = coll.DeleteOne(ctx, bson.M{"_id": sessionID(partnerID, providerID)}); err != nil {
		return fmt.Errorf("删除会话状态失败: %w", err)
	}
	return nil
}
