package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/cloudwego/eino/components/embedding"
)

const (
	// DefaultSearchLimit 未指定时单次检索返回的分块上限
	DefaultSearchLimit = 10
)

// Index 简历语义索引。简历文本切分成块后嵌入向量库，
// 支持按自然语言查询检索并按候选人聚合。
type Index struct {
	embedder embedding.Embedder
	store    storage.VectorStore
	splitter *parser.TextSplitter

	defaultLimit   int
	scoreThreshold float32
}

// IndexOption Index构造选项
type IndexOption func(*Index)

// WithDefaultSearchLimit 设置默认检索上限
func WithDefaultSearchLimit(limit int) IndexOption {
	return func(idx *Index) {
		if limit > 0 {
			idx.defaultLimit = limit
		}
	}
}

// WithScoreThreshold 设置默认相似度阈值
func WithScoreThreshold(threshold float32) IndexOption {
	return func(idx *Index) {
		idx.scoreThreshold = threshold
	}
}

// NewIndex 创建语义索引
func NewIndex(embedder embedding.Embedder, store storage.VectorStore, splitter *parser.TextSplitter, cfg *config.QdrantConfig, opts ...IndexOption) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("嵌入器不能为空")
	}
	if store == nil {
		return nil, fmt.Errorf("向量存储不能为空")
	}
	if splitter == nil {
		splitter = parser.NewTextSplitter()
	}

	idx := &Index{
		embedder:     embedder,
		store:        store,
		splitter:     splitter,
		defaultLimit: DefaultSearchLimit,
	}
	if cfg != nil {
		if cfg.DefaultSearchLimit > 0 {
			idx.defaultLimit = cfg.DefaultSearchLimit
		}
		idx.scoreThreshold = cfg.ScoreThreshold
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// IngestCandidate 将一份简历文本切分、嵌入并写入向量库。
// 返回写入的分块数。重复摄入同一候选人会覆盖旧分块而不是累积。
func (idx *Index) IngestCandidate(ctx context.Context, candidateID, candidateName, text string) (int, error) {
	if candidateID == "" {
		return 0, fmt.Errorf("候选人ID不能为空")
	}

	chunks := idx.splitter.Split(text)
	if len(chunks) == 0 {
		logger.Ctx(ctx).Debug().
			Str("candidate_id", candidateID).
			Msg("简历文本为空，跳过语义索引")
		return 0, nil
	}

	vectors, err := idx.embedder.EmbedStrings(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("嵌入简历分块失败: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("嵌入结果数量(%d)与分块数量(%d)不匹配", len(vectors), len(chunks))
	}

	points := make([]storage.ChunkPoint, len(chunks))
	for i, chunk := range chunks {
		points[i] = storage.ChunkPoint{
			CandidateID:   candidateID,
			CandidateName: candidateName,
			ChunkIndex:    i,
			Content:       chunk,
			Vector:        vectors[i],
		}
	}

	if _, err := idx.store.UpsertChunks(ctx, points); err != nil {
		return 0, fmt.Errorf("写入向量库失败: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("candidate_id", candidateID).
		Int("chunk_count", len(chunks)).
		Msg("简历已写入语义索引")
	return len(chunks), nil
}

// EmbedQuery 将查询文本嵌入为单个向量
func (idx *Index) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("查询文本不能为空")
	}
	vectors, err := idx.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("嵌入查询文本失败: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("嵌入服务未返回查询向量")
	}
	return vectors[0], nil
}

// Search 按自然语言查询检索简历分块，按相似度降序。
// limit<=0时使用默认上限；threshold<0时使用默认阈值。
// 返回结果的相似度不低于生效的阈值。
func (idx *Index) Search(ctx context.Context, query string, limit int, threshold float32) ([]types.EmbeddedChunk, error) {
	vector, err := idx.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return idx.SearchByVector(ctx, vector, limit, threshold)
}

// SearchByVector 直接用查询向量检索分块，调用方负责提供向量。
// 配合EmbedQuery使用，可以复用缓存的查询向量省掉一次嵌入调用。
func (idx *Index) SearchByVector(ctx context.Context, vector []float64, limit int, threshold float32) ([]types.EmbeddedChunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("查询向量不能为空")
	}
	if limit <= 0 {
		limit = idx.defaultLimit
	}
	if threshold < 0 {
		threshold = idx.scoreThreshold
	}

	scored, err := idx.store.SearchChunks(ctx, vector, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	chunks := make([]types.EmbeddedChunk, 0, len(scored))
	for _, sc := range scored {
		chunks = append(chunks, chunkFromPayload(sc))
	}
	return chunks, nil
}

// RankByRelevance 语义检索并按候选人聚合。
// 候选人得分取其所有命中分块的最大相似度；
// 结果顺序按候选人在检索结果中首次出现的位置，即按最高分块相似度降序。
func (idx *Index) RankByRelevance(ctx context.Context, query string, limit int, threshold float32) ([]types.SemanticMatch, error) {
	chunks, err := idx.Search(ctx, query, limit, threshold)
	if err != nil {
		return nil, err
	}
	return idx.aggregateByCandidate(ctx, chunks), nil
}

// RankByVector 用已有的查询向量做语义检索并按候选人聚合，
// 聚合规则与RankByRelevance相同
func (idx *Index) RankByVector(ctx context.Context, vector []float64, limit int, threshold float32) ([]types.SemanticMatch, error) {
	chunks, err := idx.SearchByVector(ctx, vector, limit, threshold)
	if err != nil {
		return nil, err
	}
	return idx.aggregateByCandidate(ctx, chunks), nil
}

func (idx *Index) aggregateByCandidate(ctx context.Context, chunks []types.EmbeddedChunk) []types.SemanticMatch {
	matches := make([]types.SemanticMatch, 0)
	position := make(map[string]int)
	for _, chunk := range chunks {
		pos, seen := position[chunk.CandidateID]
		if !seen {
			position[chunk.CandidateID] = len(matches)
			matches = append(matches, types.SemanticMatch{
				CandidateID:   chunk.CandidateID,
				CandidateName: chunk.CandidateName,
				Score:         chunk.Similarity,
				Chunks:        []string{chunk.Text},
			})
			continue
		}
		matches[pos].Chunks = append(matches[pos].Chunks, chunk.Text)
		if chunk.Similarity > matches[pos].Score {
			matches[pos].Score = chunk.Similarity
		}
	}

	logger.Ctx(ctx).Debug().
		Int("chunk_count", len(chunks)).
		Int("candidate_count", len(matches)).
		Msg("语义检索聚合完成")
	return matches
}

// ChunksForCandidate 取某候选人已写入索引的全部分块，按分块序号升序
func (idx *Index) ChunksForCandidate(ctx context.Context, candidateID string) ([]types.EmbeddedChunk, error) {
	if candidateID == "" {
		return nil, fmt.Errorf("候选人ID不能为空")
	}
	scored, err := idx.store.GetChunksByCandidate(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("读取候选人分块失败: %w", err)
	}

	chunks := make([]types.EmbeddedChunk, 0, len(scored))
	for _, sc := range scored {
		chunks = append(chunks, chunkFromPayload(sc))
	}
	// scroll返回顺序不保证，按切分顺序还原
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

// RemoveCandidate 从向量库中删除某候选人的全部分块
func (idx *Index) RemoveCandidate(ctx context.Context, candidateID string) error {
	if candidateID == "" {
		return fmt.Errorf("候选人ID不能为空")
	}
	if err := idx.store.DeletePointsByCandidate(ctx, candidateID); err != nil {
		return fmt.Errorf("删除候选人向量失败: %w", err)
	}
	logger.Ctx(ctx).Debug().
		Str("candidate_id", candidateID).
		Msg("候选人已从语义索引移除")
	return nil
}

// chunkFromPayload 将向量库payload还原为EmbeddedChunk
func chunkFromPayload(sc storage.ScoredChunk) types.EmbeddedChunk {
	chunk := types.EmbeddedChunk{Similarity: sc.Score}
	if sc.Payload == nil {
		return chunk
	}
	if v, ok := sc.Payload["candidate_id"].(string); ok {
		chunk.CandidateID = v
	}
	if v, ok := sc.Payload["candidate_name"].(string); ok {
		chunk.CandidateName = v
	}
	if v, ok := sc.Payload["chunk_index"].(float64); ok {
		chunk.ChunkIndex = int(v)
	}
	if v, ok := sc.Payload["content_text"].(string); ok {
		chunk.Text = v
	}
	return chunk
}
