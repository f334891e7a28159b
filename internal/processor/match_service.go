package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/constants"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/matcher"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	matchCacheTTL     = 30 * time.Minute
	matchLockDuration = 2 * time.Minute
)

// MatchService 岗位-候选人匹配服务。
// 确定性技能匹配走评分引擎，语义检索走向量索引，两类结果分别落库。
type MatchService struct {
	jobs       JobRepository
	candidates CandidateRepository
	ranker     *matcher.Ranker
	semantic   SemanticSearcher
	cache      MatchCache // 可为nil，缓存和锁都是尽力而为

	defaultThreshold float64
	embeddingModel   string // JD向量缓存的版本标识，模型换了缓存即失效
}

// MatchServiceOption MatchService构造选项
type MatchServiceOption func(*MatchService)

// WithDefaultThreshold 设置默认匹配分数阈值
func WithDefaultThreshold(threshold float64) MatchServiceOption {
	return func(s *MatchService) {
		if threshold >= 0 {
			s.defaultThreshold = threshold
		}
	}
}

// WithMatchCache 挂接匹配结果缓存
func WithMatchCache(cache MatchCache) MatchServiceOption {
	return func(s *MatchService) {
		s.cache = cache
	}
}

// WithEmbeddingModel 设置嵌入模型标识，用于JD向量缓存的版本校验
func WithEmbeddingModel(model string) MatchServiceOption {
	return func(s *MatchService) {
		s.embeddingModel = model
	}
}

// NewMatchService 创建匹配服务
func NewMatchService(jobs JobRepository, candidates CandidateRepository, ranker *matcher.Ranker, semantic SemanticSearcher, opts ...MatchServiceOption) (*MatchService, error) {
	if jobs == nil || candidates == nil {
		return nil, fmt.Errorf("岗位仓储和候选人仓储不能为空")
	}
	if ranker == nil {
		return nil, fmt.Errorf("排序器不能为空")
	}
	s := &MatchService{
		jobs:       jobs,
		candidates: candidates,
		ranker:     ranker,
		semantic:   semantic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RankCandidatesForJob 对一个岗位跑确定性技能匹配。
// threshold<0时使用服务默认阈值。结果落库并缓存，按分数降序返回。
func (s *MatchService) RankCandidatesForJob(ctx context.Context, jobID string, threshold float64) ([]types.RankedCandidate, error) {
	ctx, span := tracer.Start(ctx, "MatchService.RankCandidatesForJob")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	if threshold < 0 {
		threshold = s.defaultThreshold
	}

	// 缓存只保存默认阈值下的计算结果，其他阈值直接重算
	useCache := s.cache != nil && threshold == s.defaultThreshold
	if useCache {
		if ranked, ok := s.rankingFromCache(ctx, jobID); ok {
			span.SetAttributes(
				attribute.Bool("cache_hit", true),
				attribute.Int("ranked_count", len(ranked)),
			)
			span.SetStatus(codes.Ok, "")
			return ranked, nil
		}
	}

	// 同岗位并发计算无害但浪费，锁是尽力而为的防抖
	var lockValue string
	lockKey := fmt.Sprintf(constants.KeyMatchLock, jobID)
	if s.cache != nil {
		var err error
		lockValue, err = s.cache.AcquireLock(ctx, lockKey, matchLockDuration)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("获取匹配锁失败，继续计算")
		}
		if lockValue != "" {
			defer func() {
				if _, err := s.cache.ReleaseLock(ctx, lockKey, lockValue); err != nil {
					logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("释放匹配锁失败")
				}
			}()
		}
	}

	job, err := s.loadJobRequirement(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	profiles, err := s.loadCandidateProfiles(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidate_count", len(profiles)))

	ranked, err := s.ranker.RankBySkillsMatch(ctx, job, profiles, threshold)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("候选人评分失败: %w", err)
	}

	if len(ranked) > 0 {
		records := make([]models.MatchRecord, len(ranked))
		for i, rc := range ranked {
			skillsJSON, _ := json.Marshal(rc.MatchingSkills)
			records[i] = models.MatchRecord{
				JobID:              jobID,
				CandidateID:        rc.CandidateID,
				CandidateName:      rc.CandidateName,
				MatchType:          models.MatchTypeSkills,
				Score:              rc.Score,
				MatchingSkillsJSON: skillsJSON,
			}
		}
		if err := s.jobs.SaveMatchRecords(ctx, records); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("保存匹配记录失败: %w", err)
		}

		if useCache {
			if err := s.cache.CacheMatchResults(ctx, jobID, ranked, matchCacheTTL); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("缓存匹配结果失败")
			}
		}
	}

	span.SetAttributes(attribute.Int("ranked_count", len(ranked)))
	span.SetStatus(codes.Ok, "")
	return ranked, nil
}

// rankingFromCache 用缓存的排序和已落库的SKILLS记录重建匹配结果。
// 缓存与落库不一致时放弃缓存，让调用方走重算。
func (s *MatchService) rankingFromCache(ctx context.Context, jobID string) ([]types.RankedCandidate, bool) {
	ids, total, err := s.cache.GetCachedMatchResults(ctx, jobID, 0, 0)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("读取匹配结果缓存失败")
		return nil, false
	}
	if total == 0 || len(ids) == 0 {
		return nil, false
	}

	records, err := s.jobs.ListMatchRecords(ctx, jobID, models.MatchTypeSkills)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("读取匹配记录失败，缓存不可用")
		return nil, false
	}
	byID := make(map[string]models.MatchRecord, len(records))
	for _, rec := range records {
		byID[rec.CandidateID] = rec
	}

	ranked := make([]types.RankedCandidate, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, false
		}
		var skills []string
		if len(rec.MatchingSkillsJSON) > 0 {
			if err := json.Unmarshal(rec.MatchingSkillsJSON, &skills); err != nil {
				return nil, false
			}
		}
		ranked = append(ranked, types.RankedCandidate{
			CandidateID:    rec.CandidateID,
			CandidateName:  rec.CandidateName,
			Score:          rec.Score,
			MatchingSkills: skills,
		})
	}

	logger.Ctx(ctx).Debug().
		Str("job_id", jobID).
		Int("ranked_count", len(ranked)).
		Msg("命中匹配结果缓存")
	return ranked, true
}

// SearchCandidatesByQuery 按自然语言查询做语义检索并按候选人聚合落库
func (s *MatchService) SearchCandidatesByQuery(ctx context.Context, jobID, query string, limit int, threshold float32) ([]types.SemanticMatch, error) {
	if s.semantic == nil {
		return nil, fmt.Errorf("语义索引未配置")
	}

	ctx, span := tracer.Start(ctx, "MatchService.SearchCandidatesByQuery")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.Int("limit", limit),
	)

	matches, err := s.semantic.RankByRelevance(ctx, query, limit, threshold)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// jobID非空时把语义结果也记入匹配表，便于复盘两种方式的差异
	s.saveSemanticRecords(ctx, jobID, matches)

	span.SetAttributes(attribute.Int("match_count", len(matches)))
	span.SetStatus(codes.Ok, "")
	return matches, nil
}

// SemanticMatchesForJob 用岗位描述原文做语义检索。
// 把整段JD作为查询，召回与岗位内容最相关的候选人。
// JD向量缓存命中时跳过嵌入调用，直接用缓存向量检索。
func (s *MatchService) SemanticMatchesForJob(ctx context.Context, jobID string, limit int, threshold float32) ([]types.SemanticMatch, error) {
	if s.semantic == nil {
		return nil, fmt.Errorf("语义索引未配置")
	}

	ctx, span := tracer.Start(ctx, "MatchService.SemanticMatchesForJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.Int("limit", limit),
	)

	job, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("读取岗位失败: %w", err)
	}
	if strings.TrimSpace(job.DescriptionText) == "" {
		err := fmt.Errorf("岗位 %s 缺少描述文本，无法做语义匹配", jobID)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vector, err := s.jobQueryVector(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches, err := s.semantic.RankByVector(ctx, vector, limit, threshold)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.saveSemanticRecords(ctx, jobID, matches)

	span.SetAttributes(attribute.Int("match_count", len(matches)))
	span.SetStatus(codes.Ok, "")
	return matches, nil
}

// jobQueryVector 取岗位描述的查询向量。优先读缓存，未命中或模型版本
// 不一致时重新嵌入并回填缓存。
func (s *MatchService) jobQueryVector(ctx context.Context, job *models.Job) ([]float64, error) {
	if s.cache != nil {
		vector, version, err := s.cache.GetJobVector(ctx, job.JobID)
		switch {
		case err == nil && len(vector) > 0 && (s.embeddingModel == "" || version == s.embeddingModel):
			logger.Ctx(ctx).Debug().Str("job_id", job.JobID).Msg("命中JD向量缓存")
			return vector, nil
		case err != nil && !errors.Is(err, storage.ErrCacheMiss):
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", job.JobID).Msg("读取JD向量缓存失败")
		}
	}

	vector, err := s.semantic.EmbedQuery(ctx, job.DescriptionText)
	if err != nil {
		return nil, fmt.Errorf("嵌入岗位描述失败: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJobVector(ctx, job.JobID, vector, s.embeddingModel); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", job.JobID).Msg("写入JD向量缓存失败")
		}
	}
	return vector, nil
}

// saveSemanticRecords 把语义检索结果记入匹配表，失败只告警不中断
func (s *MatchService) saveSemanticRecords(ctx context.Context, jobID string, matches []types.SemanticMatch) {
	if jobID == "" || len(matches) == 0 {
		return
	}
	records := make([]models.MatchRecord, len(matches))
	for i, m := range matches {
		records[i] = models.MatchRecord{
			JobID:         jobID,
			CandidateID:   m.CandidateID,
			CandidateName: m.CandidateName,
			MatchType:     models.MatchTypeSemantic,
			Score:         float64(m.Score),
		}
	}
	if err := s.jobs.SaveMatchRecords(ctx, records); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("保存语义匹配记录失败")
	}
}

// GetMatchRecords 读取某岗位已落库的匹配记录，按分数降序
func (s *MatchService) GetMatchRecords(ctx context.Context, jobID, matchType string) ([]models.MatchRecord, error) {
	return s.jobs.ListMatchRecords(ctx, jobID, matchType)
}

func (s *MatchService) loadJobRequirement(ctx context.Context, jobID string) (*types.JobRequirement, error) {
	job, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("读取岗位失败: %w", err)
	}
	if len(job.RequirementsJSON) == 0 {
		return nil, fmt.Errorf("岗位 %s 尚未完成结构化抽取", jobID)
	}

	var req types.JobRequirement
	if err := json.Unmarshal(job.RequirementsJSON, &req); err != nil {
		return nil, fmt.Errorf("解析岗位要求失败: %w", err)
	}
	if req.JobID == "" {
		req.JobID = job.JobID
	}
	if req.Title == "" {
		req.Title = job.Title
	}
	return &req, nil
}

func (s *MatchService) loadCandidateProfiles(ctx context.Context) ([]*types.CandidateProfile, error) {
	candidates, err := s.candidates.ListCandidatesWithProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取候选人列表失败: %w", err)
	}

	profiles := make([]*types.CandidateProfile, 0, len(candidates))
	for _, c := range candidates {
		if len(c.ProfileJSON) == 0 {
			continue
		}
		var profile types.CandidateProfile
		if err := json.Unmarshal(c.ProfileJSON, &profile); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("candidate_id", c.CandidateID).
				Msg("候选人画像JSON损坏，跳过")
			continue
		}
		if profile.CandidateID == "" {
			profile.CandidateID = c.CandidateID
		}
		if profile.Name == "" {
			profile.Name = c.Name
		}
		profiles = append(profiles, &profile)
	}
	return profiles, nil
}
