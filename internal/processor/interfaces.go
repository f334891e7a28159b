package processor

import (
	"context"
	"io"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"
)

// TextExtractor 从原始文件字节提取纯文本
type TextExtractor interface {
	ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, error)
}

// ProfileExtractor 从简历文本抽取结构化候选人画像
type ProfileExtractor interface {
	ExtractCandidateProfile(ctx context.Context, candidateID, candidateName, text string) (*types.CandidateProfile, error)
}

// JobExtractor 从JD文本抽取结构化岗位要求
type JobExtractor interface {
	ExtractJobRequirement(ctx context.Context, jobID, title, description string) (*types.JobRequirement, error)
}

// SemanticIngestor 把简历文本写入语义索引
type SemanticIngestor interface {
	IngestCandidate(ctx context.Context, candidateID, candidateName, text string) (int, error)
}

// SemanticSearcher 按自然语言查询做语义检索。
// EmbedQuery和RankByVector把嵌入与检索拆开，便于复用缓存的查询向量。
type SemanticSearcher interface {
	RankByRelevance(ctx context.Context, query string, limit int, threshold float32) ([]types.SemanticMatch, error)
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
	RankByVector(ctx context.Context, vector []float64, limit int, threshold float32) ([]types.SemanticMatch, error)
}

// SemanticRemover 从语义索引中移除候选人的全部分块
type SemanticRemover interface {
	RemoveCandidate(ctx context.Context, candidateID string) error
}

// ChunkReader 读取候选人已写入语义索引的分块
type ChunkReader interface {
	ChunksForCandidate(ctx context.Context, candidateID string) ([]types.EmbeddedChunk, error)
}

// FileDeduplicator 基于文件MD5的上传去重
type FileDeduplicator interface {
	CheckAndSetFileMD5(ctx context.Context, md5Hex string, candidateID string) (bool, string, error)
	RemoveFileMD5(ctx context.Context, md5Hex string) error
}

// CVFileStore 简历文件与解析文本的对象存储操作
type CVFileStore interface {
	UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	UploadParsedText(ctx context.Context, candidateID string, text string) (string, error)
	GetParsedText(ctx context.Context, objectKey string) (string, error)
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	DeleteCVFile(ctx context.Context, objectKey string) error
	DeleteParsedText(ctx context.Context, objectKey string) error
}

// CandidateRepository 候选人持久化操作
type CandidateRepository interface {
	CreateCandidateWithOutbox(ctx context.Context, candidate *models.Candidate, outbox *models.OutboxMessage) error
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	ListCandidatesWithProfile(ctx context.Context) ([]models.Candidate, error)
	UpdateCandidateStatus(ctx context.Context, candidateID string, status string) error
	SaveCandidateProfile(ctx context.Context, candidateID string, profile *types.CandidateProfile, extractorVersion string) error
	DeleteCandidate(ctx context.Context, candidateID string) error
}

// JobRepository 岗位与匹配记录的持久化操作
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job, requirement *types.JobRequirement) error
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)
	SaveMatchRecords(ctx context.Context, records []models.MatchRecord) error
	ListMatchRecords(ctx context.Context, jobID string, matchType string) ([]models.MatchRecord, error)
}

// MatchCache 匹配结果缓存、JD查询向量缓存与分布式锁
type MatchCache interface {
	CacheMatchResults(ctx context.Context, jobID string, results []types.RankedCandidate, ttl time.Duration) error
	GetCachedMatchResults(ctx context.Context, jobID string, offset, limit int64) ([]string, int64, error)
	SetJobVector(ctx context.Context, jobID string, vector []float64, modelVersion string) error
	GetJobVector(ctx context.Context, jobID string) ([]float64, string, error)
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}
