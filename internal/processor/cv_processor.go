package processor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/constants"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hireflow/processor")

// UploadResult 简历上传处理结果
type UploadResult struct {
	CandidateID string `json:"candidate_id"`

	// Duplicate为true时表示该文件之前已上传过，
	// ExistingCandidateID指向首次上传时创建的候选人
	Duplicate           bool   `json:"duplicate"`
	ExistingCandidateID string `json:"existing_candidate_id,omitempty"`

	ParsedTextKey string `json:"parsed_text_key,omitempty"`
}

// CVProcessor 简历上传入口流水线:
// 去重 -> 原始文件入对象存储 -> 文本提取 -> 解析文本入对象存储 ->
// 候选人记录与outbox事件同事务落库。后续的画像抽取和语义摄入由
// 消息消费侧的IngestWorker异步完成。
type CVProcessor struct {
	files        CVFileStore
	dedup        FileDeduplicator
	repo         CandidateRepository
	pdfExtractor TextExtractor
	semantic     SemanticRemover // 可为nil，删除候选人时同步清理向量
}

// CVProcessorOption CVProcessor构造选项
type CVProcessorOption func(*CVProcessor)

// WithSemanticRemover 挂接语义索引，删除候选人时一并移除其分块向量
func WithSemanticRemover(remover SemanticRemover) CVProcessorOption {
	return func(p *CVProcessor) {
		p.semantic = remover
	}
}

// NewCVProcessor 创建上传处理器
func NewCVProcessor(files CVFileStore, dedup FileDeduplicator, repo CandidateRepository, pdfExtractor TextExtractor, opts ...CVProcessorOption) (*CVProcessor, error) {
	if files == nil || repo == nil {
		return nil, fmt.Errorf("对象存储和候选人仓储不能为空")
	}
	if pdfExtractor == nil {
		return nil, fmt.Errorf("PDF文本提取器不能为空")
	}
	p := &CVProcessor{
		files:        files,
		dedup:        dedup,
		repo:         repo,
		pdfExtractor: pdfExtractor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ProcessUpload 处理一次简历上传。
// 重复文件不报错，返回Duplicate=true和已存在的候选人ID。
func (p *CVProcessor) ProcessUpload(ctx context.Context, originalFilename, candidateName string, data []byte) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "CVProcessor.ProcessUpload",
		trace.WithAttributes(
			attribute.String("cv.filename", originalFilename),
			attribute.Int("cv.size_bytes", len(data)),
		))
	defer span.End()

	if len(data) == 0 {
		err := fmt.Errorf("上传文件内容为空")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	fileExt := strings.ToLower(filepath.Ext(originalFilename))
	if fileExt != ".pdf" && fileExt != ".txt" {
		err := newProcessError("", "upload", ErrUnsupportedFileType, fileExt)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candidateID := uuid.NewString()
	span.SetAttributes(attribute.String("candidate_id", candidateID))

	sum := md5.Sum(data)
	md5Hex := hex.EncodeToString(sum[:])

	// MD5去重先行，命中时直接短路返回
	if p.dedup != nil {
		exists, existingID, err := p.dedup.CheckAndSetFileMD5(ctx, md5Hex, candidateID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, NewDatabaseError(candidateID, fmt.Sprintf("MD5去重检查失败: %v", err))
		}
		if exists {
			span.SetAttributes(attribute.Bool("cv.duplicate", true))
			logger.Ctx(ctx).Info().
				Str("md5", md5Hex).
				Str("existing_candidate_id", existingID).
				Msg("简历文件重复上传，跳过处理")
			return &UploadResult{
				CandidateID:         candidateID,
				Duplicate:           true,
				ExistingCandidateID: existingID,
			}, nil
		}
	}

	result, err := p.storeAndRegister(ctx, candidateID, candidateName, originalFilename, fileExt, md5Hex, data)
	if err != nil {
		// 登记过的MD5回滚，用户修正后可以重新上传同一文件
		if p.dedup != nil {
			if rbErr := p.dedup.RemoveFileMD5(ctx, md5Hex); rbErr != nil {
				logger.Ctx(ctx).Error().Err(rbErr).Str("md5", md5Hex).Msg("回滚MD5登记失败")
			}
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (p *CVProcessor) storeAndRegister(ctx context.Context, candidateID, candidateName, originalFilename, fileExt, md5Hex string, data []byte) (*UploadResult, error) {
	originalKey, err := p.files.UploadCVFile(ctx, candidateID, fileExt, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, NewStoreFileError(candidateID, err.Error())
	}

	text, err := p.extractText(ctx, fileExt, data, originalFilename)
	if err != nil {
		return nil, NewExtractError(candidateID, err.Error())
	}
	if strings.TrimSpace(text) == "" {
		return nil, NewExtractError(candidateID, "提取结果为空文本")
	}

	parsedKey, err := p.files.UploadParsedText(ctx, candidateID, text)
	if err != nil {
		return nil, NewStoreTextError(candidateID, err.Error())
	}

	event := types.CVUploadedEvent{
		CandidateID:      candidateID,
		CandidateName:    candidateName,
		OriginalFilename: originalFilename,
		ParsedTextKey:    parsedKey,
		RawTextMD5:       md5Hex,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, NewDatabaseError(candidateID, fmt.Sprintf("序列化上传事件失败: %v", err))
	}

	candidate := &models.Candidate{
		CandidateID:      candidateID,
		Name:             candidateName,
		OriginalFilename: originalFilename,
		OriginalFileOSS:  originalKey,
		ParsedTextOSS:    parsedKey,
		RawTextMD5:       md5Hex,
		ProcessingStatus: models.CandidateStatusPendingParsing,
	}
	outboxMsg := &models.OutboxMessage{
		AggregateID:      candidateID,
		EventType:        "cv.uploaded",
		Payload:          string(payload),
		TargetExchange:   constants.CVEventsExchange,
		TargetRoutingKey: constants.CVUploadedRoutingKey,
		Status:           models.OutboxStatusPending,
	}

	if err := p.repo.CreateCandidateWithOutbox(ctx, candidate, outboxMsg); err != nil {
		return nil, NewDatabaseError(candidateID, err.Error())
	}

	logger.Ctx(ctx).Info().
		Str("candidate_id", candidateID).
		Str("original_key", originalKey).
		Str("parsed_key", parsedKey).
		Msg("简历上传处理完成，等待异步摄入")

	return &UploadResult{
		CandidateID:   candidateID,
		ParsedTextKey: parsedKey,
	}, nil
}

// DeleteCandidate 删除候选人的全部痕迹: 语义索引分块、对象存储中的
// 原始文件和解析文本、MD5去重登记、数据库记录及匹配记录。
// 数据库删除放在最后，前面任何一步失败都可以重试整个删除。
func (p *CVProcessor) DeleteCandidate(ctx context.Context, candidateID string) error {
	ctx, span := tracer.Start(ctx, "CVProcessor.DeleteCandidate",
		trace.WithAttributes(attribute.String("candidate_id", candidateID)))
	defer span.End()

	candidate, err := p.repo.GetCandidateByID(ctx, candidateID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if p.semantic != nil {
		if err := p.semantic.RemoveCandidate(ctx, candidateID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return NewIngestError(candidateID, fmt.Sprintf("清理语义索引失败: %v", err))
		}
	}

	if candidate.OriginalFileOSS != "" {
		if err := p.files.DeleteCVFile(ctx, candidate.OriginalFileOSS); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return NewStoreFileError(candidateID, fmt.Sprintf("删除原始文件失败: %v", err))
		}
	}
	if candidate.ParsedTextOSS != "" {
		if err := p.files.DeleteParsedText(ctx, candidate.ParsedTextOSS); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return NewStoreTextError(candidateID, fmt.Sprintf("删除解析文本失败: %v", err))
		}
	}

	// MD5登记清掉之后同一文件可以重新上传
	if p.dedup != nil && candidate.RawTextMD5 != "" {
		if err := p.dedup.RemoveFileMD5(ctx, candidate.RawTextMD5); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return NewDatabaseError(candidateID, fmt.Sprintf("移除MD5登记失败: %v", err))
		}
	}

	if err := p.repo.DeleteCandidate(ctx, candidateID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger.Ctx(ctx).Info().
		Str("candidate_id", candidateID).
		Msg("候选人已删除")
	span.SetStatus(codes.Ok, "")
	return nil
}

// FileURL 生成对象存储中原始简历的预签名下载链接
func (p *CVProcessor) FileURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return p.files.GetPresignedURL(ctx, objectKey, expiry)
}

func (p *CVProcessor) extractText(ctx context.Context, fileExt string, data []byte, uri string) (string, error) {
	switch fileExt {
	case ".pdf":
		return p.pdfExtractor.ExtractFromBytes(ctx, data, uri)
	case ".txt":
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, fileExt)
	}
}
