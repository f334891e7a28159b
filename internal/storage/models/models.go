package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 候选人处理状态
const (
	CandidateStatusPendingParsing = "PENDING_PARSING"
	CandidateStatusParsed         = "PARSED"
	CandidateStatusIngested       = "INGESTED"
	CandidateStatusFailed         = "PARSE_FAILED"
)

// Job 岗位表
type Job struct {
	JobID            string         `gorm:"type:char(36);primaryKey"`
	Title            string         `gorm:"type:varchar(255);not null"`
	DescriptionText  string         `gorm:"type:text;not null"`
	RequirementsJSON datatypes.JSON `gorm:"type:json"` // 抽取出的结构化岗位要求
	Status           string         `gorm:"type:varchar(50);default:'ACTIVE';index:idx_jobs_status"`
	CreatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Job) TableName() string {
	return "jobs"
}

// Candidate 候选人表，一行对应一份上传的简历
type Candidate struct {
	CandidateID      string         `gorm:"type:char(36);primaryKey"`
	Name             string         `gorm:"type:varchar(255)"`
	Email            string         `gorm:"type:varchar(255);index:idx_candidates_email"`
	Phone            string         `gorm:"type:varchar(50)"`
	OriginalFilename string         `gorm:"type:varchar(255)"`
	OriginalFileOSS  string         `gorm:"type:varchar(1024)"` // 原始PDF在MinIO中的对象路径
	ParsedTextOSS    string         `gorm:"type:varchar(1024)"` // 解析文本在MinIO中的对象路径
	RawTextMD5       string         `gorm:"type:char(32);index:idx_candidates_raw_text_md5"`
	ProfileJSON      datatypes.JSON `gorm:"type:json"` // 抽取出的结构化候选人档案
	ProcessingStatus string         `gorm:"type:varchar(50);default:'PENDING_PARSING';index:idx_candidates_processing_status"`
	ExtractorVersion string         `gorm:"type:varchar(50)"`
	CreatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// 匹配记录的评估方式
const (
	MatchTypeSkills   = "SKILLS"
	MatchTypeSemantic = "SEMANTIC"
)

// MatchRecord 岗位-候选人匹配结果表
type MatchRecord struct {
	MatchID            uint64         `gorm:"primaryKey;autoIncrement"`
	JobID              string         `gorm:"type:char(36);not null;index:idx_mr_job_id_score,priority:1;uniqueIndex:idx_mr_job_candidate_type,priority:1"`
	CandidateID        string         `gorm:"type:char(36);not null;index:idx_mr_candidate_id;uniqueIndex:idx_mr_job_candidate_type,priority:2"`
	CandidateName      string         `gorm:"type:varchar(255)"` // 冗余存储，从缓存重建结果时免查候选人表
	MatchType          string         `gorm:"type:varchar(20);not null;uniqueIndex:idx_mr_job_candidate_type,priority:3"`
	Score              float64        `gorm:"type:double;not null;index:idx_mr_job_id_score,priority:2"`
	MatchingSkillsJSON datatypes.JSON `gorm:"type:json"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Job       *Job       `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Candidate *Candidate `gorm:"foreignKey:CandidateID;references:CandidateID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (MatchRecord) TableName() string {
	return "match_records"
}

// StringToJSON 字符串转datatypes.JSON
func StringToJSON(s string) datatypes.JSON {
	return datatypes.JSON(s)
}

// StructToJSON 任意结构体序列化为datatypes.JSON
func StructToJSON(v interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
