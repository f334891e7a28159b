package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/processor"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
)

// JobHandler 岗位管理与匹配相关的HTTP处理器
type JobHandler struct {
	jobs         processor.JobRepository
	extractor    processor.JobExtractor
	matchService *processor.MatchService
}

// NewJobHandler 创建岗位处理器
func NewJobHandler(jobs processor.JobRepository, extractor processor.JobExtractor, matchService *processor.MatchService) *JobHandler {
	return &JobHandler{
		jobs:         jobs,
		extractor:    extractor,
		matchService: matchService,
	}
}

type createJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// HandleCreateJob 创建岗位并同步抽取结构化要求。
// POST /api/v1/jobs
func (h *JobHandler) HandleCreateJob(ctx context.Context, c *app.RequestContext) {
	var req createJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误"})
		return
	}
	if req.Title == "" || req.Description == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "title和description不能为空"})
		return
	}

	jobID := uuid.NewString()

	requirement, err := h.extractor.ExtractJobRequirement(ctx, jobID, req.Title, req.Description)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("抽取岗位要求失败")
		c.JSON(consts.StatusBadGateway, utils.H{"error": "岗位要求抽取失败，请稍后重试"})
		return
	}

	job := &models.Job{
		JobID:           jobID,
		Title:           req.Title,
		DescriptionText: req.Description,
	}
	if err := h.jobs.CreateJob(ctx, job, requirement); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("保存岗位失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "保存岗位失败"})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"job_id":      jobID,
		"title":       req.Title,
		"requirement": requirement,
	})
}

// HandleGetJob 查询岗位详情。
// GET /api/v1/jobs/:job_id
func (h *JobHandler) HandleGetJob(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id不能为空"})
		return
	}

	job, err := h.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
			return
		}
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询岗位失败"})
		return
	}

	var requirement *types.JobRequirement
	if len(job.RequirementsJSON) > 0 {
		requirement = &types.JobRequirement{}
		if err := json.Unmarshal(job.RequirementsJSON, requirement); err != nil {
			requirement = nil
		}
	}

	c.JSON(consts.StatusOK, utils.H{
		"job_id":      job.JobID,
		"title":       job.Title,
		"description": job.DescriptionText,
		"status":      job.Status,
		"requirement": requirement,
		"created_at":  job.CreatedAt,
	})
}

type matchRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

// HandleMatchCandidates 对岗位跑确定性技能匹配，返回排序结果。
// POST /api/v1/jobs/:job_id/match
func (h *JobHandler) HandleMatchCandidates(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id不能为空"})
		return
	}

	threshold := -1.0
	var req matchRequest
	if err := c.BindJSON(&req); err == nil && req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "threshold必须在[0,1]区间"})
			return
		}
		threshold = *req.Threshold
	}

	ranked, err := h.matchService.RankCandidatesForJob(ctx, jobID, threshold)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("岗位匹配计算失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"job_id":      jobID,
		"total_count": len(ranked),
		"results":     ranked,
	})
}

// HandleSemanticMatches 用岗位描述原文做语义匹配，返回按相关度排序的候选人。
// GET /api/v1/jobs/:job_id/semantic-matches?limit=10&threshold=0.3
func (h *JobHandler) HandleSemanticMatches(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id不能为空"})
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	threshold := float32(-1)
	if thStr := c.Query("threshold"); thStr != "" {
		v, err := strconv.ParseFloat(thStr, 32)
		if err != nil || v < 0 || v > 1 {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "threshold必须在[0,1]区间"})
			return
		}
		threshold = float32(v)
	}

	matches, err := h.matchService.SemanticMatchesForJob(ctx, jobID, limit, threshold)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
			return
		}
		if errors.Is(err, parser.ErrEmbeddingService) {
			logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("嵌入服务调用失败")
			c.JSON(consts.StatusBadGateway, utils.H{"error": "嵌入服务不可用，请稍后重试"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("语义匹配失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"job_id":      jobID,
		"total_count": len(matches),
		"results":     matches,
	})
}

// HandleListMatches 查询岗位已落库的匹配记录。
// GET /api/v1/jobs/:job_id/matches?type=SKILLS&limit=20
func (h *JobHandler) HandleListMatches(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id不能为空"})
		return
	}

	matchType := c.Query("type")
	if matchType != "" && matchType != models.MatchTypeSkills && matchType != models.MatchTypeSemantic {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "type必须是SKILLS或SEMANTIC"})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	records, err := h.matchService.GetMatchRecords(ctx, jobID, matchType)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询匹配记录失败"})
		return
	}
	if len(records) > limit {
		records = records[:limit]
	}

	results := make([]utils.H, 0, len(records))
	for _, r := range records {
		var skills []string
		if len(r.MatchingSkillsJSON) > 0 {
			_ = json.Unmarshal(r.MatchingSkillsJSON, &skills)
		}
		results = append(results, utils.H{
			"candidate_id":    r.CandidateID,
			"match_type":      r.MatchType,
			"score":           r.Score,
			"matching_skills": skills,
			"updated_at":      r.UpdatedAt,
		})
	}

	c.JSON(consts.StatusOK, utils.H{
		"job_id":      jobID,
		"total_count": len(results),
		"results":     results,
	})
}
