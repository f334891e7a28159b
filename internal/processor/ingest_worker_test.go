package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Blackbird-3/HireFlow/internal/constants"
	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProfileExtractor struct {
	profile *types.CandidateProfile
	err     error
}

func (f *fakeProfileExtractor) ExtractCandidateProfile(ctx context.Context, candidateID, candidateName, text string) (*types.CandidateProfile, error) {
	if f.err != nil {
		return f.profile, f.err
	}
	return f.profile, nil
}

type fakeSemanticIngestor struct {
	ingested map[string]string // candidateID -> text
	err      error
}

func newFakeSemanticIngestor() *fakeSemanticIngestor {
	return &fakeSemanticIngestor{ingested: make(map[string]string)}
}

func (f *fakeSemanticIngestor) IngestCandidate(ctx context.Context, candidateID, candidateName, text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.ingested[candidateID] = text
	return 1, nil
}

func newTestIngestWorker(files *fakeFileStore, repo *fakeCandidateRepo, extractor ProfileExtractor, index SemanticIngestor) *IngestWorker {
	return &IngestWorker{
		files:            files,
		repo:             repo,
		extractor:        extractor,
		index:            index,
		prefetchCount:    1,
		extractorVersion: constants.DefaultExtractorVer,
	}
}

func uploadedEventBody(t *testing.T, candidateID, parsedKey string) []byte {
	t.Helper()
	body, err := json.Marshal(types.CVUploadedEvent{
		CandidateID:   candidateID,
		CandidateName: "张三",
		ParsedTextKey: parsedKey,
	})
	require.NoError(t, err)
	return body
}

func TestIngestWorkerHappyPath(t *testing.T) {
	files := newFakeFileStore()
	files.parsedTexts["cv/cand-1/parsed_text.txt"] = "Go developer resume text"
	repo := newFakeCandidateRepo()
	index := newFakeSemanticIngestor()
	extractor := &fakeProfileExtractor{profile: &types.CandidateProfile{
		CandidateID: "cand-1",
		Name:        "张三",
		Skills:      []string{"Go"},
	}}
	w := newTestIngestWorker(files, repo, extractor, index)

	ack := w.handleDelivery(uploadedEventBody(t, "cand-1", "cv/cand-1/parsed_text.txt"))
	assert.True(t, ack)

	require.Contains(t, repo.profiles, "cand-1")
	assert.Equal(t, "Go developer resume text", index.ingested["cand-1"])
	assert.Equal(t, models.CandidateStatusIngested, repo.statuses["cand-1"])
}

func TestIngestWorkerMalformedMessageAcked(t *testing.T) {
	w := newTestIngestWorker(newFakeFileStore(), newFakeCandidateRepo(), &fakeProfileExtractor{}, newFakeSemanticIngestor())

	assert.True(t, w.handleDelivery([]byte("{broken json")), "畸形消息应被确认丢弃")
	assert.True(t, w.handleDelivery([]byte(`{"candidate_id":""}`)), "缺字段消息应被确认丢弃")
}

func TestIngestWorkerParseFailureMarksCandidate(t *testing.T) {
	files := newFakeFileStore()
	files.parsedTexts["cv/cand-2/parsed_text.txt"] = "gibberish"
	repo := newFakeCandidateRepo()
	extractor := &fakeProfileExtractor{
		profile: &types.CandidateProfile{CandidateID: "cand-2"},
		err:     &parser.ParseError{Stage: "json", Err: errors.New("无法解析LLM输出")},
	}
	w := newTestIngestWorker(files, repo, extractor, newFakeSemanticIngestor())

	ack := w.handleDelivery(uploadedEventBody(t, "cand-2", "cv/cand-2/parsed_text.txt"))
	assert.True(t, ack, "抽取彻底失败的消息不应重试")
	assert.Equal(t, models.CandidateStatusFailed, repo.statuses["cand-2"])
}

func TestIngestWorkerTransientErrorRequeues(t *testing.T) {
	files := newFakeFileStore() // 解析文本不存在，下载失败
	repo := newFakeCandidateRepo()
	w := newTestIngestWorker(files, repo, &fakeProfileExtractor{}, newFakeSemanticIngestor())

	ack := w.handleDelivery(uploadedEventBody(t, "cand-3", "cv/cand-3/parsed_text.txt"))
	assert.False(t, ack, "瞬时失败的消息应重新入队")
}

func TestIngestWorkerSemanticFailureRequeues(t *testing.T) {
	files := newFakeFileStore()
	files.parsedTexts["cv/cand-4/parsed_text.txt"] = "resume text"
	repo := newFakeCandidateRepo()
	index := newFakeSemanticIngestor()
	index.err = errors.New("qdrant不可用")
	extractor := &fakeProfileExtractor{profile: &types.CandidateProfile{CandidateID: "cand-4", Name: "李四"}}
	w := newTestIngestWorker(files, repo, extractor, index)

	ack := w.handleDelivery(uploadedEventBody(t, "cand-4", "cv/cand-4/parsed_text.txt"))
	assert.False(t, ack)
	// 画像已保存，重试从语义摄入继续
	assert.Contains(t, repo.profiles, "cand-4")
	assert.Equal(t, models.CandidateStatusParsed, repo.statuses["cand-4"])
}
