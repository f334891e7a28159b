package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/storage"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder 每个文本返回固定维度的向量，可注入错误
type fakeEmbedder struct {
	err       error
	callCount int
	lastTexts []string
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	f.callCount++
	f.lastTexts = texts
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{float64(i), 0.5, 0.5}
	}
	return vectors, nil
}

// fakeVectorStore 记录写入的点，检索返回预设结果
type fakeVectorStore struct {
	upserted        []storage.ChunkPoint
	searchResults   []storage.ScoredChunk
	searchErr       error
	candidateChunks map[string][]storage.ScoredChunk
	deleted         []string
	deleteErr       error

	lastLimit     int
	lastThreshold float32
	lastVector    []float64
}

func (f *fakeVectorStore) UpsertChunks(ctx context.Context, points []storage.ChunkPoint) ([]string, error) {
	f.upserted = append(f.upserted, points...)
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = storage.ChunkPointID(p.CandidateID, p.ChunkIndex)
	}
	return ids, nil
}

func (f *fakeVectorStore) SearchChunks(ctx context.Context, queryVector []float64, limit int, scoreThreshold float32) ([]storage.ScoredChunk, error) {
	f.lastLimit = limit
	f.lastThreshold = scoreThreshold
	f.lastVector = queryVector
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults, nil
}

func (f *fakeVectorStore) GetChunksByCandidate(ctx context.Context, candidateID string) ([]storage.ScoredChunk, error) {
	return f.candidateChunks[candidateID], nil
}

func (f *fakeVectorStore) DeletePointsByCandidate(ctx context.Context, candidateID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, candidateID)
	return nil
}

func scoredChunk(candidateID, candidateName string, chunkIndex int, text string, score float32) storage.ScoredChunk {
	return storage.ScoredChunk{
		ID:    storage.ChunkPointID(candidateID, chunkIndex),
		Score: score,
		Payload: map[string]interface{}{
			"candidate_id":   candidateID,
			"candidate_name": candidateName,
			"chunk_index":    float64(chunkIndex),
			"content_text":   text,
		},
	}
}

func newTestIndex(t *testing.T, emb *fakeEmbedder, store *fakeVectorStore) *Index {
	t.Helper()
	splitter := parser.NewTextSplitter(parser.WithChunkSize(100), parser.WithChunkOverlap(20))
	idx, err := NewIndex(emb, store, splitter, nil)
	require.NoError(t, err)
	return idx
}

func TestIngestCandidate(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{}
	idx := newTestIndex(t, emb, store)

	count, err := idx.IngestCandidate(context.Background(), "cand-001", "张三", "Go developer with five years of backend experience.")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "cand-001", store.upserted[0].CandidateID)
	assert.Equal(t, "张三", store.upserted[0].CandidateName)
	assert.Equal(t, 0, store.upserted[0].ChunkIndex)
	assert.Len(t, store.upserted[0].Vector, 3)
}

func TestIngestCandidateEmptyText(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{}
	idx := newTestIndex(t, emb, store)

	count, err := idx.IngestCandidate(context.Background(), "cand-001", "张三", "   ")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, emb.callCount, "空文本不应调用嵌入服务")
	assert.Empty(t, store.upserted)
}

func TestIngestCandidateChunkIndexing(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{}
	idx := newTestIndex(t, emb, store)

	// 长文本切成多个分块，序号连续
	long := ""
	for i := 0; i < 40; i++ {
		long += "backend engineering experience "
	}
	count, err := idx.IngestCandidate(context.Background(), "cand-002", "李四", long)
	require.NoError(t, err)
	require.Greater(t, count, 1)
	require.Len(t, store.upserted, count)
	for i, p := range store.upserted {
		assert.Equal(t, i, p.ChunkIndex)
	}
}

func TestIngestCandidateEmbedderError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("连接超时")}
	store := &fakeVectorStore{}
	idx := newTestIndex(t, emb, store)

	_, err := idx.IngestCandidate(context.Background(), "cand-001", "", "some resume text")
	require.Error(t, err)
	assert.Empty(t, store.upserted)
}

func TestSearchMapsPayload(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{
		searchResults: []storage.ScoredChunk{
			scoredChunk("cand-001", "张三", 0, "Go microservices", 0.92),
			scoredChunk("cand-002", "李四", 1, "Python data pipelines", 0.81),
		},
	}
	idx := newTestIndex(t, emb, store)

	chunks, err := idx.Search(context.Background(), "golang backend", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "cand-001", chunks[0].CandidateID)
	assert.Equal(t, "张三", chunks[0].CandidateName)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "Go microservices", chunks[0].Text)
	assert.InDelta(t, 0.92, float64(chunks[0].Similarity), 1e-6)

	assert.Equal(t, 5, store.lastLimit)
	assert.InDelta(t, 0.7, float64(store.lastThreshold), 1e-6)
}

func TestSearchEmptyQuery(t *testing.T) {
	idx := newTestIndex(t, &fakeEmbedder{}, &fakeVectorStore{})

	_, err := idx.Search(context.Background(), "  ", 5, 0)
	require.Error(t, err)
}

func TestSearchDefaultLimitAndThreshold(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{}
	splitter := parser.NewTextSplitter()
	idx, err := NewIndex(emb, store, splitter, nil,
		WithDefaultSearchLimit(7), WithScoreThreshold(0.65))
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), "query", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 7, store.lastLimit)
	assert.InDelta(t, 0.65, float64(store.lastThreshold), 1e-6)
}

func TestRankByRelevanceAggregatesByCandidate(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{
		searchResults: []storage.ScoredChunk{
			scoredChunk("cand-a", "张三", 0, "chunk a0", 0.95),
			scoredChunk("cand-b", "李四", 2, "chunk b2", 0.90),
			scoredChunk("cand-a", "张三", 3, "chunk a3", 0.85),
			scoredChunk("cand-c", "王五", 0, "chunk c0", 0.80),
			scoredChunk("cand-b", "李四", 1, "chunk b1", 0.78),
		},
	}
	idx := newTestIndex(t, emb, store)

	matches, err := idx.RankByRelevance(context.Background(), "distributed systems", 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	// 按首次出现顺序聚合
	assert.Equal(t, "cand-a", matches[0].CandidateID)
	assert.Equal(t, "cand-b", matches[1].CandidateID)
	assert.Equal(t, "cand-c", matches[2].CandidateID)

	// 候选人得分取最大分块相似度
	assert.InDelta(t, 0.95, float64(matches[0].Score), 1e-6)
	assert.InDelta(t, 0.90, float64(matches[1].Score), 1e-6)
	assert.InDelta(t, 0.80, float64(matches[2].Score), 1e-6)

	// 命中分块按检索顺序归属到各候选人
	assert.Equal(t, []string{"chunk a0", "chunk a3"}, matches[0].Chunks)
	assert.Equal(t, []string{"chunk b2", "chunk b1"}, matches[1].Chunks)
}

func TestRankByRelevanceEmptyResults(t *testing.T) {
	idx := newTestIndex(t, &fakeEmbedder{}, &fakeVectorStore{})

	matches, err := idx.RankByRelevance(context.Background(), "nobody matches this", 10, 0.99)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRankByRelevanceSearchError(t *testing.T) {
	store := &fakeVectorStore{searchErr: errors.New("qdrant不可用")}
	idx := newTestIndex(t, &fakeEmbedder{}, store)

	_, err := idx.RankByRelevance(context.Background(), "query", 10, 0.5)
	require.Error(t, err)
}

func TestEmbedQuery(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := newTestIndex(t, emb, &fakeVectorStore{})

	vector, err := idx.EmbedQuery(context.Background(), "golang backend")
	require.NoError(t, err)
	assert.Len(t, vector, 3)
	assert.Equal(t, []string{"golang backend"}, emb.lastTexts)

	_, err = idx.EmbedQuery(context.Background(), "   ")
	require.Error(t, err)
}

func TestRankByVectorSkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeVectorStore{
		searchResults: []storage.ScoredChunk{
			scoredChunk("cand-a", "张三", 0, "chunk a0", 0.95),
			scoredChunk("cand-a", "张三", 1, "chunk a1", 0.85),
		},
	}
	idx := newTestIndex(t, emb, store)

	vector := []float64{0.4, 0.5, 0.6}
	matches, err := idx.RankByVector(context.Background(), vector, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "cand-a", matches[0].CandidateID)
	assert.InDelta(t, 0.95, float64(matches[0].Score), 1e-6)

	// 直接用传入向量检索，不经过嵌入服务
	assert.Zero(t, emb.callCount)
	assert.Equal(t, vector, store.lastVector)
}

func TestSearchByVectorEmptyVector(t *testing.T) {
	idx := newTestIndex(t, &fakeEmbedder{}, &fakeVectorStore{})

	_, err := idx.SearchByVector(context.Background(), nil, 5, 0)
	require.Error(t, err)
}

func TestChunksForCandidateSortedByIndex(t *testing.T) {
	store := &fakeVectorStore{
		candidateChunks: map[string][]storage.ScoredChunk{
			"cand-001": {
				scoredChunk("cand-001", "张三", 2, "third", 0),
				scoredChunk("cand-001", "张三", 0, "first", 0),
				scoredChunk("cand-001", "张三", 1, "second", 0),
			},
		},
	}
	idx := newTestIndex(t, &fakeEmbedder{}, store)

	chunks, err := idx.ChunksForCandidate(context.Background(), "cand-001")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "first", chunks[0].Text)
	assert.Equal(t, "second", chunks[1].Text)
	assert.Equal(t, "third", chunks[2].Text)
}

func TestChunksForCandidateEmpty(t *testing.T) {
	idx := newTestIndex(t, &fakeEmbedder{}, &fakeVectorStore{})

	chunks, err := idx.ChunksForCandidate(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = idx.ChunksForCandidate(context.Background(), "")
	require.Error(t, err)
}

func TestRemoveCandidate(t *testing.T) {
	store := &fakeVectorStore{}
	idx := newTestIndex(t, &fakeEmbedder{}, store)

	require.NoError(t, idx.RemoveCandidate(context.Background(), "cand-001"))
	assert.Equal(t, []string{"cand-001"}, store.deleted)

	require.Error(t, idx.RemoveCandidate(context.Background(), ""))
}

func TestRemoveCandidateStoreError(t *testing.T) {
	store := &fakeVectorStore{deleteErr: errors.New("qdrant不可用")}
	idx := newTestIndex(t, &fakeEmbedder{}, store)

	require.Error(t, idx.RemoveCandidate(context.Background(), "cand-001"))
}
