package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("hireflow/storage/mysql")

// ErrNotFound 请求的记录不存在
var ErrNotFound = errors.New("记录不存在")

type spanContextKey struct{}

// GormTracingPlugin GORM插件，为数据库操作创建OpenTelemetry span
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// NewGormTracingPlugin 创建GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer: mysqlTracer,
		dbName: dbName,
	}
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	type hook struct {
		op       string
		register func() error
	}
	hooks := []hook{
		{"CREATE", func() error {
			if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
				return err
			}
			return cb.Create().After("gorm:create").Register("otel:after_create", p.after())
		}},
		{"SELECT", func() error {
			if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
				return err
			}
			return cb.Query().After("gorm:query").Register("otel:after_query", p.after())
		}},
		{"UPDATE", func() error {
			if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
				return err
			}
			return cb.Update().After("gorm:update").Register("otel:after_update", p.after())
		}},
		{"DELETE", func() error {
			if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
				return err
			}
			return cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after())
		}},
		{"RAW", func() error {
			if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
				return err
			}
			return cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after())
		}},
	}
	for _, h := range hooks {
		if err := h.register(); err != nil {
			return fmt.Errorf("注册%s追踪回调失败: %w", h.op, err)
		}
	}
	return nil
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		db.Statement.Context = context.WithValue(newCtx, spanContextKey{}, span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(spanContextKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// 未找到记录是正常业务路径，不作为错误上报
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并按需自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	var logLevel gormlogger.LogLevel
	switch cfg.LogLevel {
	case "silent":
		logLevel = gormlogger.Silent
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	default:
		logLevel = gormlogger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifeMins > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeMins) * time.Minute)
	}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}

	if cfg.AutoMigrate {
		if err := m.autoMigrateSchema(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
		}
	}

	return m, nil
}

// autoMigrateSchema 自动迁移表结构，迁移期间关闭SQL日志
func (m *MySQL) autoMigrateSchema() error {
	silentLogger := gormlogger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Silent,
			IgnoreRecordNotFoundError: true,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	return silentDB.AutoMigrate(
		&models.Job{},
		&models.Candidate{},
		&models.MatchRecord{},
		&models.OutboxMessage{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateJob 创建岗位记录，结构化要求序列化为JSON落库
func (m *MySQL) CreateJob(ctx context.Context, job *models.Job, requirement *types.JobRequirement) error {
	if requirement != nil {
		reqJSON, err := models.StructToJSON(requirement)
		if err != nil {
			return fmt.Errorf("序列化岗位要求失败: %w", err)
		}
		job.RequirementsJSON = reqJSON
	}
	return m.db.WithContext(ctx).Create(job).Error
}

// GetJobByID 按JobID读取岗位，不存在时返回ErrNotFound
func (m *MySQL) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("岗位%s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateCandidate 创建候选人记录（上传阶段，尚无结构化档案）
func (m *MySQL) CreateCandidate(ctx context.Context, candidate *models.Candidate) error {
	return m.db.WithContext(ctx).Create(candidate).Error
}

// CreateCandidateWithOutbox 同一事务内写入候选人记录和发件箱消息
func (m *MySQL) CreateCandidateWithOutbox(ctx context.Context, candidate *models.Candidate, outbox *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(candidate).Error; err != nil {
			return fmt.Errorf("写入候选人记录失败: %w", err)
		}
		if err := tx.Create(outbox).Error; err != nil {
			return fmt.Errorf("写入发件箱消息失败: %w", err)
		}
		return nil
	})
}

// GetCandidateByID 按CandidateID读取候选人，不存在时返回ErrNotFound
func (m *MySQL) GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error) {
	var candidate models.Candidate
	err := m.db.WithContext(ctx).Where("candidate_id = ?", candidateID).First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("候选人%s: %w", candidateID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

// DeleteCandidate 同一事务内删除候选人及其全部匹配记录，
// 候选人不存在时返回ErrNotFound
func (m *MySQL) DeleteCandidate(ctx context.Context, candidateID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("candidate_id = ?", candidateID).
			Delete(&models.MatchRecord{}).Error; err != nil {
			return fmt.Errorf("删除匹配记录失败: %w", err)
		}
		res := tx.Where("candidate_id = ?", candidateID).Delete(&models.Candidate{})
		if res.Error != nil {
			return fmt.Errorf("删除候选人记录失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("候选人%s: %w", candidateID, ErrNotFound)
		}
		return nil
	})
}

// ListCandidatesWithProfile 列出已完成结构化抽取的候选人，按创建时间升序
func (m *MySQL) ListCandidatesWithProfile(ctx context.Context) ([]models.Candidate, error) {
	var candidates []models.Candidate
	err := m.db.WithContext(ctx).
		Where("processing_status IN ?", []string{models.CandidateStatusParsed, models.CandidateStatusIngested}).
		Order("created_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// UpdateCandidateStatus 更新候选人处理状态
func (m *MySQL) UpdateCandidateStatus(ctx context.Context, candidateID string, status string) error {
	return m.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("candidate_id = ?", candidateID).
		Update("processing_status", status).Error
}

// SaveCandidateProfile 抽取完成后写入结构化档案和联系方式，并推进状态
func (m *MySQL) SaveCandidateProfile(ctx context.Context, candidateID string, profile *types.CandidateProfile, extractorVersion string) error {
	profileJSON, err := models.StructToJSON(profile)
	if err != nil {
		return fmt.Errorf("序列化候选人档案失败: %w", err)
	}

	updates := map[string]interface{}{
		"profile_json":      profileJSON,
		"processing_status": models.CandidateStatusParsed,
		"extractor_version": extractorVersion,
	}
	if profile.Name != "" {
		updates["name"] = profile.Name
	}
	if profile.Contact.Email != "" {
		updates["email"] = profile.Contact.Email
	}
	if profile.Contact.Phone != "" {
		updates["phone"] = profile.Contact.Phone
	}

	return m.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("candidate_id = ?", candidateID).
		Updates(updates).Error
}

// SaveMatchRecords 批量落库匹配结果。同一(岗位,候选人,类型)的旧记录按唯一索引覆盖更新。
func (m *MySQL) SaveMatchRecords(ctx context.Context, records []models.MatchRecord) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.SaveMatchRecords",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.sql.table", "match_records"),
		attribute.Int("batch.size", len(records)),
	)

	if len(records) == 0 {
		span.SetStatus(codes.Ok, "no records")
		return nil
	}

	err := m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "job_id"}, {Name: "candidate_id"}, {Name: "match_type"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"candidate_name", "score", "matching_skills_json", "updated_at"}),
		}).Create(&records).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListMatchRecords 按岗位列出匹配结果，分数降序。matchType为空时返回所有类型。
func (m *MySQL) ListMatchRecords(ctx context.Context, jobID string, matchType string) ([]models.MatchRecord, error) {
	var records []models.MatchRecord
	query := m.db.WithContext(ctx).Where("job_id = ?", jobID)
	if matchType != "" {
		query = query.Where("match_type = ?", matchType)
	}
	err := query.Order("score DESC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
