package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/constants"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultEventTimeout = 5 * time.Minute

// IngestWorker 消费cv.uploaded事件，完成候选人画像抽取和语义索引摄入。
// 处理链: 取解析文本 -> LLM结构化抽取 -> 画像落库 -> 语义索引 -> 状态INGESTED。
type IngestWorker struct {
	mq        *storage.RabbitMQ
	files     CVFileStore
	repo      CandidateRepository
	extractor ProfileExtractor
	index     SemanticIngestor

	prefetchCount    int
	extractorVersion string
}

// IngestWorkerOption IngestWorker构造选项
type IngestWorkerOption func(*IngestWorker)

// WithPrefetchCount 设置消费者预取数量
func WithPrefetchCount(count int) IngestWorkerOption {
	return func(w *IngestWorker) {
		if count > 0 {
			w.prefetchCount = count
		}
	}
}

// WithExtractorVersion 设置落库时记录的抽取器版本号
func WithExtractorVersion(version string) IngestWorkerOption {
	return func(w *IngestWorker) {
		if version != "" {
			w.extractorVersion = version
		}
	}
}

// NewIngestWorker 创建摄入消费者
func NewIngestWorker(mq *storage.RabbitMQ, files CVFileStore, repo CandidateRepository, extractor ProfileExtractor, index SemanticIngestor, opts ...IngestWorkerOption) (*IngestWorker, error) {
	if mq == nil {
		return nil, fmt.Errorf("消息队列客户端不能为空")
	}
	if files == nil || repo == nil || extractor == nil || index == nil {
		return nil, fmt.Errorf("摄入消费者依赖不完整")
	}
	w := &IngestWorker{
		mq:               mq,
		files:            files,
		repo:             repo,
		extractor:        extractor,
		index:            index,
		prefetchCount:    4,
		extractorVersion: constants.DefaultExtractorVer,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start 声明拓扑并启动消费。关闭返回的stopCh停止消费。
func (w *IngestWorker) Start(ctx context.Context) (chan struct{}, error) {
	if err := w.mq.EnsureExchange(constants.CVEventsExchange, "topic", true); err != nil {
		return nil, fmt.Errorf("声明简历事件交换机失败: %w", err)
	}
	if err := w.mq.EnsureQueue(constants.CVIngestQueue, true); err != nil {
		return nil, fmt.Errorf("声明摄入队列失败: %w", err)
	}
	if err := w.mq.BindQueue(constants.CVIngestQueue, constants.CVEventsExchange, constants.CVUploadedRoutingKey); err != nil {
		return nil, fmt.Errorf("绑定摄入队列失败: %w", err)
	}

	return w.mq.StartConsumer(constants.CVIngestQueue, w.prefetchCount, w.handleDelivery)
}

// handleDelivery 返回true确认消息，false则重新入队
func (w *IngestWorker) handleDelivery(body []byte) bool {
	var event types.CVUploadedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// 畸形消息重试也不会成功，确认后丢弃
		logger.Error().Err(err).Msg("解析cv.uploaded事件失败，丢弃消息")
		return true
	}
	if event.CandidateID == "" || event.ParsedTextKey == "" {
		logger.Error().
			Str("candidate_id", event.CandidateID).
			Msg("cv.uploaded事件缺少必要字段，丢弃消息")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultEventTimeout)
	defer cancel()

	if err := w.processEvent(ctx, event); err != nil {
		var procErr *CVProcessError
		if errors.As(err, &procErr) && errors.Is(err, ErrProfileExtractFailed) {
			// 抽取彻底失败已标记PARSE_FAILED，重试无意义
			logger.Error().Err(err).
				Str("candidate_id", event.CandidateID).
				Msg("候选人画像抽取失败，消息不再重试")
			return true
		}
		logger.Error().Err(err).
			Str("candidate_id", event.CandidateID).
			Msg("处理cv.uploaded事件失败，消息重新入队")
		return false
	}
	return true
}

func (w *IngestWorker) processEvent(ctx context.Context, event types.CVUploadedEvent) error {
	ctx, span := tracer.Start(ctx, "IngestWorker.ProcessEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("candidate_id", event.CandidateID),
		attribute.String("parsed_text_key", event.ParsedTextKey),
	)

	text, err := w.files.GetParsedText(ctx, event.ParsedTextKey)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return NewExtractError(event.CandidateID, fmt.Sprintf("下载解析文本失败: %v", err))
	}

	profile, err := w.extractor.ExtractCandidateProfile(ctx, event.CandidateID, event.CandidateName, text)
	if err != nil {
		var parseErr *parser.ParseError
		if errors.As(err, &parseErr) {
			// LLM输出无法恢复为结构化画像时把候选人标记为失败态
			if stErr := w.repo.UpdateCandidateStatus(ctx, event.CandidateID, models.CandidateStatusFailed); stErr != nil {
				logger.Ctx(ctx).Error().Err(stErr).
					Str("candidate_id", event.CandidateID).
					Msg("标记候选人抽取失败状态时出错")
			}
			span.SetStatus(codes.Error, err.Error())
			return NewProfileError(event.CandidateID, err.Error())
		}
		span.SetStatus(codes.Error, err.Error())
		return NewExtractError(event.CandidateID, fmt.Sprintf("调用抽取器失败: %v", err))
	}

	if err := w.repo.SaveCandidateProfile(ctx, event.CandidateID, profile, w.extractorVersion); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return NewDatabaseError(event.CandidateID, fmt.Sprintf("保存候选人画像失败: %v", err))
	}

	chunkCount, err := w.index.IngestCandidate(ctx, event.CandidateID, profile.Name, text)
	if err != nil {
		// 画像已落库(状态PARSED)，语义摄入失败重试时会覆盖写入
		span.SetStatus(codes.Error, err.Error())
		return NewIngestError(event.CandidateID, err.Error())
	}

	if err := w.repo.UpdateCandidateStatus(ctx, event.CandidateID, models.CandidateStatusIngested); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return NewUpdateError(event.CandidateID, err.Error())
	}

	logger.Ctx(ctx).Info().
		Str("candidate_id", event.CandidateID).
		Int("chunk_count", chunkCount).
		Msg("候选人摄入完成")
	span.SetStatus(codes.Ok, "")
	return nil
}
