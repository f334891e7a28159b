package handler

import (
	"context"
	"strings"

	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/processor"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// SearchHandler 语义检索的HTTP处理器
type SearchHandler struct {
	matchService *processor.MatchService
}

// NewSearchHandler 创建语义检索处理器
func NewSearchHandler(matchService *processor.MatchService) *SearchHandler {
	return &SearchHandler{matchService: matchService}
}

type semanticSearchRequest struct {
	Query     string  `json:"query"`
	JobID     string  `json:"job_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float32 `json:"threshold,omitempty"`
}

// HandleSemanticSearch 按自然语言查询检索候选人。
// POST /api/v1/search/candidates
func (h *SearchHandler) HandleSemanticSearch(ctx context.Context, c *app.RequestContext) {
	var req semanticSearchRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "query不能为空"})
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "threshold必须在[0,1]区间"})
		return
	}

	matches, err := h.matchService.SearchCandidatesByQuery(ctx, req.JobID, req.Query, req.Limit, req.Threshold)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("语义检索失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"query":       req.Query,
		"total_count": len(matches),
		"results":     matches,
	})
}
