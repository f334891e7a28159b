package processor

import (
	"errors"
	"fmt"
)

// 处理流程各阶段的基础错误
var (
	ErrDuplicateUpload      = errors.New("重复上传的简历文件")
	ErrUnsupportedFileType  = errors.New("不支持的文件类型")
	ErrTextExtractFailed    = errors.New("提取简历文本失败")
	ErrStoreFileFailed      = errors.New("上传简历文件失败")
	ErrStoreTextFailed      = errors.New("上传解析文本失败")
	ErrProfileExtractFailed = errors.New("抽取候选人画像失败")
	ErrSemanticIngestFailed = errors.New("写入语义索引失败")
	ErrDatabaseFailed       = errors.New("数据库操作失败")
	ErrUpdateStatusFailed   = errors.New("更新候选人状态失败")
)

// CVProcessError 携带候选人和阶段信息的处理错误
type CVProcessError struct {
	CandidateID string
	Op          string
	BaseErr     error
	Detail      string
}

func (e *CVProcessError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 候选人:%s): %s", e.BaseErr, e.Op, e.CandidateID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 候选人:%s)", e.BaseErr, e.Op, e.CandidateID)
}

func (e *CVProcessError) Unwrap() error {
	return e.BaseErr
}

// Is 支持errors.Is按基础错误比较
func (e *CVProcessError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func newProcessError(candidateID, op string, base error, detail string) error {
	return &CVProcessError{
		CandidateID: candidateID,
		Op:          op,
		BaseErr:     base,
		Detail:      detail,
	}
}

func NewExtractError(candidateID, detail string) error {
	return newProcessError(candidateID, "extract", ErrTextExtractFailed, detail)
}

func NewStoreFileError(candidateID, detail string) error {
	return newProcessError(candidateID, "store_file", ErrStoreFileFailed, detail)
}

func NewStoreTextError(candidateID, detail string) error {
	return newProcessError(candidateID, "store_text", ErrStoreTextFailed, detail)
}

func NewProfileError(candidateID, detail string) error {
	return newProcessError(candidateID, "profile", ErrProfileExtractFailed, detail)
}

func NewIngestError(candidateID, detail string) error {
	return newProcessError(candidateID, "ingest", ErrSemanticIngestFailed, detail)
}

func NewDatabaseError(candidateID, detail string) error {
	return newProcessError(candidateID, "database", ErrDatabaseFailed, detail)
}

func NewUpdateError(candidateID, detail string) error {
	return newProcessError(candidateID, "update", ErrUpdateStatusFailed, detail)
}
