package types

// EducationLevel 表示标准化后的学历层级
type EducationLevel string

const (
	// EducationNone 未识别出任何学历
	EducationNone EducationLevel = "none"
	// EducationBachelor 本科层级
	EducationBachelor EducationLevel = "bachelor"
	// EducationMaster 硕士层级
	EducationMaster EducationLevel = "master"
	// EducationPhD 博士层级
	EducationPhD EducationLevel = "phd"
)

// JobExperience 岗位对工作经验的要求
type JobExperience struct {
	// 最少年限，0表示未明确要求
	MinimumYears int `json:"minimum_years"`

	// 自由文本描述
	Description string `json:"description,omitempty"`
}

// JobRequirement 岗位的结构化要求，由抽取器从JD文本生成
type JobRequirement struct {
	JobID string `json:"job_id,omitempty"`
	Title string `json:"title,omitempty"`

	// 必备技能标签，大小写不敏感；可以为空但不应为nil
	Skills []string `json:"skills"`

	// 经验要求；nil表示JD未提及
	Experience *JobExperience `json:"experience,omitempty"`

	// 学历/证书等资格要求的原始文本列表，按JD中出现顺序
	Qualifications []string `json:"qualifications"`

	// 岗位职责描述（仅透传，评分不使用）
	Responsibilities []string `json:"responsibilities,omitempty"`
}

// ExperienceEntry 候选人的一段工作经历
type ExperienceEntry struct {
	Title            string   `json:"title"`
	Company          string   `json:"company"`
	Dates            string   `json:"dates"`
	Responsibilities []string `json:"responsibilities,omitempty"`
}

// EducationEntry 候选人的一条教育经历
type EducationEntry struct {
	Degree      string `json:"degree"`
	Institution string `json:"institution"`
	Dates       string `json:"dates"`
}

// Contact 候选人联系方式
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// CandidateProfile 候选人的结构化画像，由抽取器从简历文本生成。
// 抽取不完整时各字段退化为空切片，评分引擎按中性规则处理。
type CandidateProfile struct {
	CandidateID    string            `json:"candidate_id,omitempty"`
	Name           string            `json:"name,omitempty"`
	Contact        Contact           `json:"contact,omitempty"`
	Skills         []string          `json:"skills"`
	Experience     []ExperienceEntry `json:"experience"`
	Education      []EducationEntry  `json:"education"`
	Certifications []string          `json:"certifications,omitempty"`
}

// MatchResult 单个(岗位,候选人)对的评分结果，临时对象，不由核心持久化
type MatchResult struct {
	Score          float64  `json:"score"`
	MatchingSkills []string `json:"matching_skills"`
}

// RankedCandidate 按技能匹配排序后的一条结果
type RankedCandidate struct {
	CandidateID    string   `json:"candidate_id"`
	CandidateName  string   `json:"candidate_name,omitempty"`
	Score          float64  `json:"score"`
	MatchingSkills []string `json:"matching_skills"`
}

// EmbeddedChunk 语义索引中的一个简历分块，入库后不可变
type EmbeddedChunk struct {
	CandidateID   string  `json:"candidate_id"`
	CandidateName string  `json:"candidate_name"`
	ChunkIndex    int     `json:"chunk_index"`
	Text          string  `json:"text"`
	Similarity    float32 `json:"similarity,omitempty"` // 查询时由检索层填充
}

// SemanticMatch 语义检索按候选人聚合后的一条结果
type SemanticMatch struct {
	CandidateID   string   `json:"candidate_id"`
	CandidateName string   `json:"candidate_name"`
	Score         float32  `json:"score"` // 该候选人所有命中分块的最大相似度
	Chunks        []string `json:"chunks"`
}

// CVUploadedEvent 简历上传事件，经outbox中继投递到消息队列
type CVUploadedEvent struct {
	CandidateID      string `json:"candidate_id"`
	CandidateName    string `json:"candidate_name,omitempty"`
	OriginalFilename string `json:"original_filename"`
	ParsedTextKey    string `json:"parsed_text_key"`
	RawTextMD5       string `json:"raw_text_md5"`
}
