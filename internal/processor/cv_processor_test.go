package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/storage/models"
	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFileStore struct {
	parsedTexts   map[string]string
	uploadErr     error
	parsedErr     error
	deleted       []string
	deletedParsed []string
	deleteErr     error
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{parsedTexts: make(map[string]string)}
}

func (f *fakeFileStore) UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return fmt.Sprintf("cv/%s/original%s", candidateID, fileExt), nil
}

func (f *fakeFileStore) UploadParsedText(ctx context.Context, candidateID string, text string) (string, error) {
	if f.parsedErr != nil {
		return "", f.parsedErr
	}
	key := fmt.Sprintf("cv/%s/parsed_text.txt", candidateID)
	f.parsedTexts[key] = text
	return key, nil
}

func (f *fakeFileStore) GetParsedText(ctx context.Context, objectKey string) (string, error) {
	text, ok := f.parsedTexts[objectKey]
	if !ok {
		return "", errors.New("对象不存在")
	}
	return text, nil
}

func (f *fakeFileStore) DeleteCVFile(ctx context.Context, objectKey string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, objectKey)
	return nil
}

func (f *fakeFileStore) DeleteParsedText(ctx context.Context, objectKey string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedParsed = append(f.deletedParsed, objectKey)
	delete(f.parsedTexts, objectKey)
	return nil
}

func (f *fakeFileStore) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return "https://minio.local/presigned/" + objectKey, nil
}

type fakeDedup struct {
	seen    map[string]string // md5 -> first candidateID
	removed []string
	err     error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]string)}
}

func (f *fakeDedup) CheckAndSetFileMD5(ctx context.Context, md5Hex string, candidateID string) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	if existing, ok := f.seen[md5Hex]; ok {
		return true, existing, nil
	}
	f.seen[md5Hex] = candidateID
	return false, "", nil
}

func (f *fakeDedup) RemoveFileMD5(ctx context.Context, md5Hex string) error {
	f.removed = append(f.removed, md5Hex)
	delete(f.seen, md5Hex)
	return nil
}

type fakeCandidateRepo struct {
	candidates map[string]*models.Candidate
	outbox     []*models.OutboxMessage
	profiles   map[string]*types.CandidateProfile
	statuses   map[string]string
	createErr  error
	saveErr    error
	deleteErr  error
}

func newFakeCandidateRepo() *fakeCandidateRepo {
	return &fakeCandidateRepo{
		candidates: make(map[string]*models.Candidate),
		profiles:   make(map[string]*types.CandidateProfile),
		statuses:   make(map[string]string),
	}
}

func (f *fakeCandidateRepo) CreateCandidateWithOutbox(ctx context.Context, candidate *models.Candidate, outbox *models.OutboxMessage) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.candidates[candidate.CandidateID] = candidate
	f.outbox = append(f.outbox, outbox)
	f.statuses[candidate.CandidateID] = candidate.ProcessingStatus
	return nil
}

func (f *fakeCandidateRepo) GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error) {
	c, ok := f.candidates[candidateID]
	if !ok {
		return nil, fmt.Errorf("候选人%s: %w", candidateID, storage.ErrNotFound)
	}
	return c, nil
}

func (f *fakeCandidateRepo) DeleteCandidate(ctx context.Context, candidateID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.candidates[candidateID]; !ok {
		return fmt.Errorf("候选人%s: %w", candidateID, storage.ErrNotFound)
	}
	delete(f.candidates, candidateID)
	delete(f.statuses, candidateID)
	return nil
}

func (f *fakeCandidateRepo) ListCandidatesWithProfile(ctx context.Context) ([]models.Candidate, error) {
	var out []models.Candidate
	for _, c := range f.candidates {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCandidateRepo) UpdateCandidateStatus(ctx context.Context, candidateID string, status string) error {
	f.statuses[candidateID] = status
	return nil
}

func (f *fakeCandidateRepo) SaveCandidateProfile(ctx context.Context, candidateID string, profile *types.CandidateProfile, extractorVersion string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.profiles[candidateID] = profile
	f.statuses[candidateID] = models.CandidateStatusParsed
	return nil
}

type fakeTextExtractor struct {
	text string
	err  error
}

func (f *fakeTextExtractor) ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeSemanticRemover struct {
	removed []string
	err     error
}

func (f *fakeSemanticRemover) RemoveCandidate(ctx context.Context, candidateID string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, candidateID)
	return nil
}

func newTestCVProcessor(t *testing.T, files *fakeFileStore, dedup *fakeDedup, repo *fakeCandidateRepo, pdfText string, opts ...CVProcessorOption) *CVProcessor {
	t.Helper()
	p, err := NewCVProcessor(files, dedup, repo, &fakeTextExtractor{text: pdfText}, opts...)
	require.NoError(t, err)
	return p
}

func TestProcessUploadTxt(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	repo := newFakeCandidateRepo()
	p := newTestCVProcessor(t, files, dedup, repo, "")

	data := []byte("张三\n技能: Go, MySQL, Kubernetes\n五年后端开发经验")
	result, err := p.ProcessUpload(context.Background(), "zhangsan_resume.txt", "张三", data)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.CandidateID)
	assert.NotEmpty(t, result.ParsedTextKey)

	candidate, ok := repo.candidates[result.CandidateID]
	require.True(t, ok, "应创建候选人记录")
	assert.Equal(t, "张三", candidate.Name)
	assert.Equal(t, models.CandidateStatusPendingParsing, candidate.ProcessingStatus)
	assert.NotEmpty(t, candidate.RawTextMD5)
	assert.Equal(t, "zhangsan_resume.txt", candidate.OriginalFilename)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, result.CandidateID, repo.outbox[0].AggregateID)
	assert.Equal(t, "cv.uploaded", repo.outbox[0].EventType)
	assert.Equal(t, models.OutboxStatusPending, repo.outbox[0].Status)
	assert.Contains(t, repo.outbox[0].Payload, result.ParsedTextKey)

	// 解析文本原样入对象存储
	text, err := files.GetParsedText(context.Background(), result.ParsedTextKey)
	require.NoError(t, err)
	assert.Equal(t, string(data), text)
}

func TestProcessUploadPDFUsesExtractor(t *testing.T) {
	files := newFakeFileStore()
	repo := newFakeCandidateRepo()
	p := newTestCVProcessor(t, files, newFakeDedup(), repo, "extracted pdf resume text")

	result, err := p.ProcessUpload(context.Background(), "resume.pdf", "李四", []byte("%PDF-1.4 fake"))
	require.NoError(t, err)

	text, err := files.GetParsedText(context.Background(), result.ParsedTextKey)
	require.NoError(t, err)
	assert.Equal(t, "extracted pdf resume text", text)
}

func TestProcessUploadDuplicate(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	repo := newFakeCandidateRepo()
	p := newTestCVProcessor(t, files, dedup, repo, "")

	data := []byte("same resume content")
	first, err := p.ProcessUpload(context.Background(), "a.txt", "张三", data)
	require.NoError(t, err)

	second, err := p.ProcessUpload(context.Background(), "b.txt", "张三", data)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CandidateID, second.ExistingCandidateID)

	// 重复上传不应新建候选人
	assert.Len(t, repo.candidates, 1)
	assert.Len(t, repo.outbox, 1)
}

func TestProcessUploadUnsupportedType(t *testing.T) {
	p := newTestCVProcessor(t, newFakeFileStore(), newFakeDedup(), newFakeCandidateRepo(), "")

	_, err := p.ProcessUpload(context.Background(), "resume.docx", "", []byte("doc bytes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestProcessUploadEmptyFile(t *testing.T) {
	p := newTestCVProcessor(t, newFakeFileStore(), newFakeDedup(), newFakeCandidateRepo(), "")

	_, err := p.ProcessUpload(context.Background(), "resume.pdf", "", nil)
	require.Error(t, err)
}

func TestProcessUploadRollsBackMD5OnFailure(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	repo := newFakeCandidateRepo()
	repo.createErr = errors.New("数据库不可用")
	p := newTestCVProcessor(t, files, dedup, repo, "")

	data := []byte("resume content for rollback test")
	_, err := p.ProcessUpload(context.Background(), "resume.txt", "", data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabaseFailed)
	require.Len(t, dedup.removed, 1, "失败时应回滚MD5登记")

	// 回滚后同一文件可以重新上传
	repo.createErr = nil
	result, err := p.ProcessUpload(context.Background(), "resume.txt", "", data)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
}

func TestProcessUploadEmptyExtractedText(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	p := newTestCVProcessor(t, files, dedup, newFakeCandidateRepo(), "   \n  ")

	_, err := p.ProcessUpload(context.Background(), "scan.pdf", "", []byte("%PDF fake scanned image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTextExtractFailed)
	assert.Len(t, dedup.removed, 1)
}

func TestCVProcessErrorWrapping(t *testing.T) {
	err := NewDatabaseError("cand-001", "连接被拒绝")

	assert.ErrorIs(t, err, ErrDatabaseFailed)
	var procErr *CVProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "cand-001", procErr.CandidateID)
	assert.Equal(t, "database", procErr.Op)
	assert.Contains(t, err.Error(), "连接被拒绝")
}

func TestDeleteCandidateRemovesAllTraces(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	repo := newFakeCandidateRepo()
	remover := &fakeSemanticRemover{}
	p := newTestCVProcessor(t, files, dedup, repo, "", WithSemanticRemover(remover))

	data := []byte("resume to be deleted")
	result, err := p.ProcessUpload(context.Background(), "resume.txt", "张三", data)
	require.NoError(t, err)
	candidate := repo.candidates[result.CandidateID]
	require.NotNil(t, candidate)

	require.NoError(t, p.DeleteCandidate(context.Background(), result.CandidateID))

	// 向量、文件、MD5登记、数据库记录全部清理
	assert.Equal(t, []string{result.CandidateID}, remover.removed)
	assert.Contains(t, files.deleted, candidate.OriginalFileOSS)
	assert.Contains(t, files.deletedParsed, candidate.ParsedTextOSS)
	require.Len(t, dedup.removed, 1)
	assert.NotContains(t, repo.candidates, result.CandidateID)

	// MD5登记清掉后同一文件可以重新上传
	again, err := p.ProcessUpload(context.Background(), "resume.txt", "张三", data)
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestDeleteCandidateNotFound(t *testing.T) {
	p := newTestCVProcessor(t, newFakeFileStore(), newFakeDedup(), newFakeCandidateRepo(), "")

	err := p.DeleteCandidate(context.Background(), "no-such-candidate")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteCandidateKeepsRowOnFileError(t *testing.T) {
	files := newFakeFileStore()
	dedup := newFakeDedup()
	repo := newFakeCandidateRepo()
	p := newTestCVProcessor(t, files, dedup, repo, "")

	result, err := p.ProcessUpload(context.Background(), "resume.txt", "", []byte("some resume"))
	require.NoError(t, err)

	// 文件删除失败时中止，数据库记录保留以便重试
	files.deleteErr = errors.New("minio不可用")
	err = p.DeleteCandidate(context.Background(), result.CandidateID)
	require.Error(t, err)
	assert.Contains(t, repo.candidates, result.CandidateID)

	files.deleteErr = nil
	require.NoError(t, p.DeleteCandidate(context.Background(), result.CandidateID))
	assert.NotContains(t, repo.candidates, result.CandidateID)
}

func TestDeleteCandidateWithoutSemanticIndex(t *testing.T) {
	files := newFakeFileStore()
	repo := newFakeCandidateRepo()
	p := newTestCVProcessor(t, files, newFakeDedup(), repo, "")

	result, err := p.ProcessUpload(context.Background(), "resume.txt", "", []byte("plain resume"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteCandidate(context.Background(), result.CandidateID))
	assert.NotContains(t, repo.candidates, result.CandidateID)
}

func TestFileURL(t *testing.T) {
	files := newFakeFileStore()
	p := newTestCVProcessor(t, files, newFakeDedup(), newFakeCandidateRepo(), "")

	url, err := p.FileURL(context.Background(), "cv/cand-1/original.pdf", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://minio.local/presigned/cv/cand-1/original.pdf", url)
}
