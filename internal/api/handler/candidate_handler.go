package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/processor"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

const (
	// maxUploadBytes 单个简历文件的大小上限
	maxUploadBytes = 20 << 20

	// downloadURLExpiry 预签名下载链接的有效期
	downloadURLExpiry = time.Hour
)

// CandidateHandler 候选人上传、查询与删除的HTTP处理器
type CandidateHandler struct {
	cvProcessor *processor.CVProcessor
	repo        processor.CandidateRepository
	chunks      processor.ChunkReader // 可为nil，语义索引未配置时分块查询不可用
}

// NewCandidateHandler 创建候选人处理器
func NewCandidateHandler(cvProcessor *processor.CVProcessor, repo processor.CandidateRepository, chunks processor.ChunkReader) *CandidateHandler {
	return &CandidateHandler{
		cvProcessor: cvProcessor,
		repo:        repo,
		chunks:      chunks,
	}
}

// HandleUploadCV 接收multipart上传的简历文件。
// POST /api/v1/candidates/upload  (form: file, candidate_name)
func (h *CandidateHandler) HandleUploadCV(ctx context.Context, c *app.RequestContext) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(consts.StatusRequestEntityTooLarge, utils.H{"error": "文件超过大小限制"})
		return
	}

	candidateName := c.PostForm("candidate_name")

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "读取文件失败"})
		return
	}

	result, err := h.cvProcessor.ProcessUpload(ctx, fileHeader.Filename, candidateName, data)
	if err != nil {
		if errors.Is(err, processor.ErrUnsupportedFileType) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "仅支持PDF和TXT格式的简历"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("filename", fileHeader.Filename).Msg("简历上传处理失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	if result.Duplicate {
		c.JSON(consts.StatusOK, utils.H{
			"duplicate":    true,
			"candidate_id": result.ExistingCandidateID,
			"message":      "该简历文件已上传过",
		})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"duplicate":    false,
		"candidate_id": result.CandidateID,
		"message":      "上传成功，简历正在后台处理",
	})
}

// HandleGetCandidate 查询候选人详情与结构化画像。
// GET /api/v1/candidates/:candidate_id
func (h *CandidateHandler) HandleGetCandidate(ctx context.Context, c *app.RequestContext) {
	candidateID := c.Param("candidate_id")
	if candidateID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "candidate_id不能为空"})
		return
	}

	candidate, err := h.repo.GetCandidateByID(ctx, candidateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
			return
		}
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询候选人失败"})
		return
	}

	var profile *types.CandidateProfile
	if len(candidate.ProfileJSON) > 0 {
		profile = &types.CandidateProfile{}
		if err := json.Unmarshal(candidate.ProfileJSON, profile); err != nil {
			profile = nil
		}
	}

	// 下载链接生成失败不影响详情查询，留空即可
	downloadURL := ""
	if candidate.OriginalFileOSS != "" {
		url, err := h.cvProcessor.FileURL(ctx, candidate.OriginalFileOSS, downloadURLExpiry)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("candidate_id", candidateID).
				Msg("生成简历下载链接失败")
		} else {
			downloadURL = url
		}
	}

	c.JSON(consts.StatusOK, utils.H{
		"candidate_id":      candidate.CandidateID,
		"name":              candidate.Name,
		"original_filename": candidate.OriginalFilename,
		"processing_status": candidate.ProcessingStatus,
		"profile":           profile,
		"download_url":      downloadURL,
		"created_at":        candidate.CreatedAt,
	})
}

// HandleGetCandidateChunks 查询候选人已写入语义索引的简历分块。
// GET /api/v1/candidates/:candidate_id/chunks
func (h *CandidateHandler) HandleGetCandidateChunks(ctx context.Context, c *app.RequestContext) {
	candidateID := c.Param("candidate_id")
	if candidateID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "candidate_id不能为空"})
		return
	}
	if h.chunks == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "语义索引未配置"})
		return
	}

	// 先确认候选人存在，区分404和尚未入索引的空结果
	if _, err := h.repo.GetCandidateByID(ctx, candidateID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
			return
		}
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询候选人失败"})
		return
	}

	chunks, err := h.chunks.ChunksForCandidate(ctx, candidateID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("candidate_id", candidateID).Msg("查询候选人分块失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询候选人分块失败"})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"candidate_id": candidateID,
		"chunk_count":  len(chunks),
		"chunks":       chunks,
	})
}

// HandleDeleteCandidate 删除候选人及其文件、向量和匹配记录。
// DELETE /api/v1/candidates/:candidate_id
func (h *CandidateHandler) HandleDeleteCandidate(ctx context.Context, c *app.RequestContext) {
	candidateID := c.Param("candidate_id")
	if candidateID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "candidate_id不能为空"})
		return
	}

	if err := h.cvProcessor.DeleteCandidate(ctx, candidateID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("candidate_id", candidateID).Msg("删除候选人失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"candidate_id": candidateID,
		"deleted":      true,
	})
}
