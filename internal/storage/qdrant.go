package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/tracing"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var qdrantTracer = otel.Tracer("hireflow/storage/qdrant")

// ChunkPointIDNamespace 生成确定性Qdrant点ID的专用命名空间。
// 同一候选人的同一分块始终得到同一个点ID。
var ChunkPointIDNamespace = uuid.Must(uuid.FromString("8d4a1c92-7f36-4e0b-9a2d-3c5b61e84f07"))

// ChunkPointID 由候选人ID和分块序号生成确定性的点ID
func ChunkPointID(candidateID string, chunkIndex int) string {
	idSource := fmt.Sprintf("%s_chunk_%d", candidateID, chunkIndex)
	return uuid.NewV5(ChunkPointIDNamespace, idSource).String()
}

// ChunkPoint 待写入向量库的一个简历分块
type ChunkPoint struct {
	CandidateID   string
	CandidateName string
	ChunkIndex    int
	Content       string
	Vector        []float64
}

// ScoredChunk 检索返回的分块及其相似度
type ScoredChunk struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// VectorStore 向量库接口，语义索引通过它读写分块向量
type VectorStore interface {
	// UpsertChunks 写入（或按确定性ID覆盖）分块向量
	UpsertChunks(ctx context.Context, points []ChunkPoint) ([]string, error)

	// SearchChunks 按向量检索分块，过滤掉相似度低于scoreThreshold的结果
	SearchChunks(ctx context.Context, queryVector []float64, limit int, scoreThreshold float32) ([]ScoredChunk, error)

	// GetChunksByCandidate 取某候选人的全部分块
	GetChunksByCandidate(ctx context.Context, candidateID string) ([]ScoredChunk, error)

	// DeletePointsByCandidate 删除某候选人的全部分块向量
	DeletePointsByCandidate(ctx context.Context, candidateID string) error
}

var _ VectorStore = (*Qdrant)(nil)

// Qdrant 通过HTTP API访问Qdrant向量数据库
type Qdrant struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	httpClient     *http.Client
}

// QdrantOption Qdrant构造选项
type QdrantOption func(*Qdrant)

// WithDistanceMetric 设置距离度量
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) {
		q.distanceMetric = metric
	}
}

// WithHTTPTimeout 设置HTTP客户端超时
func WithHTTPTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// NewQdrant 创建Qdrant客户端并确保集合存在
func NewQdrant(ctx context.Context, cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:6333"
	}
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = "cv_chunks"
	}
	vectorSize := cfg.Dimension
	if vectorSize <= 0 {
		vectorSize = 768
	}

	q := &Qdrant{
		endpoint:       endpoint,
		collectionName: collectionName,
		vectorSize:     vectorSize,
		distanceMetric: "Cosine",
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(ctx); err != nil {
		return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", collectionName, err)
	}

	logger.Info().
		Str("endpoint", endpoint).
		Str("collection", collectionName).
		Int("dimension", vectorSize).
		Msg("Qdrant客户端初始化完成")
	return q, nil
}

// ensureCollectionExists 检查集合，不存在则创建
func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "check_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
	)

	url := fmt.Sprintf("%s/collections/%s", q.endpoint, q.collectionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("创建检查集合请求失败: %w", err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("发送检查集合请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		span.AddEvent("collection_not_found")
		return q.createCollection(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("检查集合失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return err
	}

	var collectionInfo struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("读取集合信息响应失败: %w", err)
	}
	if err := json.Unmarshal(body, &collectionInfo); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("解析集合信息失败: %w", err)
	}

	existingSize := collectionInfo.Result.Config.Params.Vectors.Size
	existingDistance := collectionInfo.Result.Config.Params.Vectors.Distance
	if existingSize != q.vectorSize || existingDistance != q.distanceMetric {
		logger.Warn().
			Int("existing_size", existingSize).
			Str("existing_distance", existingDistance).
			Int("expected_size", q.vectorSize).
			Str("expected_distance", q.distanceMetric).
			Msg("现有Qdrant集合配置与当前配置不匹配")
		span.AddEvent("collection_config_mismatch")
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// createCollection 创建向量集合
func (q *Qdrant) createCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CreateCollection",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "create_collection"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("db.vector_size", q.vectorSize),
		attribute.String("db.vector.distance", q.distanceMetric),
	)

	createReqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
		"optimizers_config": map[string]interface{}{
			"default_segment_number": 2,
		},
	}

	if err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", q.collectionName), createReqBody, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	logger.Info().
		Str("collection", q.collectionName).
		Int("dimension", q.vectorSize).
		Msg("已创建Qdrant集合")
	return nil
}

// UpsertChunks 写入分块向量。点ID由(candidate_id, chunk_index)确定性生成，
// 重复摄入同一候选人时同序号的分块被覆盖而不是重复累积。
func (q *Qdrant) UpsertChunks(ctx context.Context, points []ChunkPoint) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.UpsertChunks",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "upsert_points"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("points.count", len(points)),
	)

	if len(points) == 0 {
		span.SetStatus(codes.Ok, "no points to store")
		return []string{}, nil
	}

	qdrantPoints := make([]interface{}, 0, len(points))
	ids := make([]string, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != q.vectorSize {
			err := fmt.Errorf("向量维度(%d)与配置维度(%d)不匹配", len(p.Vector), q.vectorSize)
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, err
		}

		pointID := ChunkPointID(p.CandidateID, p.ChunkIndex)
		ids = append(ids, pointID)

		payload := map[string]interface{}{
			"candidate_id": p.CandidateID,
			"chunk_index":  p.ChunkIndex,
			"content_text": p.Content,
			"source":       "cv",
		}
		if p.CandidateName != "" {
			payload["candidate_name"] = p.CandidateName
		}

		qdrantPoints = append(qdrantPoints, map[string]interface{}{
			"id":      pointID,
			"vector":  p.Vector,
			"payload": payload,
		})
	}

	reqBody := map[string]interface{}{
		"points": qdrantPoints,
	}
	var response struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
		Status string  `json:"status"`
		Time   float64 `json:"time"`
	}
	err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", q.collectionName), reqBody, &response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("qdrant.response_status", response.Status),
		attribute.Float64("qdrant.response_time", response.Time),
	)
	span.SetStatus(codes.Ok, "")
	return ids, nil
}

// SearchChunks 向量检索。score_threshold由Qdrant端过滤，
// 返回结果保证相似度不低于阈值，按相似度降序。
func (q *Qdrant) SearchChunks(ctx context.Context, queryVector []float64, limit int, scoreThreshold float32) ([]ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.SearchChunks",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "search_points"),
		attribute.String("db.collection", q.collectionName),
		attribute.Int("search.limit", limit),
		attribute.Float64("search.score_threshold", float64(scoreThreshold)),
	)

	if len(queryVector) != q.vectorSize {
		err := fmt.Errorf("查询向量维度(%d)与配置维度(%d)不匹配", len(queryVector), q.vectorSize)
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	searchReq := map[string]interface{}{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		searchReq["score_threshold"] = scoreThreshold
	}

	var result struct {
		Result []struct {
			ID      string                 `json:"id"`
			Score   float32                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
		Status string  `json:"status"`
		Time   float64 `json:"time"`
	}
	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", q.collectionName), searchReq, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	chunks := make([]ScoredChunk, 0, len(result.Result))
	for _, point := range result.Result {
		chunks = append(chunks, ScoredChunk{
			ID:      point.ID,
			Score:   point.Score,
			Payload: point.Payload,
		})
	}

	span.SetAttributes(
		attribute.Int("search.results.count", len(chunks)),
		attribute.String("qdrant.response_status", result.Status),
	)
	span.SetStatus(codes.Ok, "")
	return chunks, nil
}

// GetChunksByCandidate 用scroll取某候选人的全部分块
func (q *Qdrant) GetChunksByCandidate(ctx context.Context, candidateID string) ([]ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.GetChunksByCandidate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "qdrant"),
			attribute.String("db.operation", "scroll"),
			attribute.String("db.collection", q.collectionName),
			attribute.String("candidate_id", candidateID),
		),
	)
	defer span.End()

	scrollReq := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key": "candidate_id",
					"match": map[string]interface{}{
						"value": candidateID,
					},
				},
			},
		},
		"with_payload": true,
		// 一份简历的分块数远小于这个上限
		"limit": 100,
	}

	var scrollResp struct {
		Result struct {
			Points []struct {
				ID      string                 `json:"id"`
				Payload map[string]interface{} `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", q.collectionName), scrollReq, &scrollResp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	chunks := make([]ScoredChunk, 0, len(scrollResp.Result.Points))
	for _, point := range scrollResp.Result.Points {
		chunks = append(chunks, ScoredChunk{
			ID:      point.ID,
			Payload: point.Payload,
		})
	}

	span.SetAttributes(attribute.Int("retrieved_points_count", len(chunks)))
	span.SetStatus(codes.Ok, "")
	return chunks, nil
}

// DeletePointsByCandidate 删除某候选人的所有分块向量
func (q *Qdrant) DeletePointsByCandidate(ctx context.Context, candidateID string) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.DeletePointsByCandidate",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "delete_points"),
		attribute.String("db.collection", q.collectionName),
		attribute.String("candidate_id", candidateID),
	)

	reqBody := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key": "candidate_id",
					"match": map[string]interface{}{
						"value": candidateID,
					},
				},
			},
		},
	}
	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", q.collectionName), reqBody, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// CountPoints 集合中的点数量
func (q *Qdrant) CountPoints(ctx context.Context) (int64, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CountPoints",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "count_points"),
		attribute.String("db.collection", q.collectionName),
	)

	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", q.collectionName), map[string]interface{}{"exact": true}, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int64("qdrant.points.count", result.Result.Count))
	span.SetStatus(codes.Ok, "")
	return result.Result.Count, nil
}

// doRequest 发送HTTP请求并解析JSON响应，注入追踪上下文
func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", path),
	)

	var req *http.Request
	var err error
	if body != nil {
		jsonBody, merr := json.Marshal(body)
		if merr != nil {
			tracing.RecordError(span, merr, tracing.ErrorTypeVectorDB)
			return merr
		}
		req, err = http.NewRequestWithContext(ctx, method, q.endpoint+path, bytes.NewBuffer(jsonBody))
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		span.SetAttributes(attribute.Int("http.request.body.size", len(jsonBody)))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, q.endpoint+path, nil)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, string(respBody))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
