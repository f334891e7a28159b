package matcher

import (
	"math"
	"strings"

	"github.com/Blackbird-3/HireFlow/internal/types"
)

// 默认的综合评分权重
const (
	DefaultSkillsWeight     = 0.5
	DefaultExperienceWeight = 0.3
	DefaultEducationWeight  = 0.2

	// NeutralScore 信息不足时的中性分，表示"无法判断"而非"不匹配"
	NeutralScore = 0.5
)

// educationKeywords 学历级别关键词表，用于从自由文本中识别学历要求和候选人学历
var educationKeywords = map[types.EducationLevel][]string{
	types.EducationBachelor: {"bachelor", "bs", "ba", "undergraduate", "college"},
	types.EducationMaster:   {"master", "ms", "ma", "graduate"},
	types.EducationPhD:      {"phd", "doctorate", "doctoral"},
}

// educationLevelRank 学历级别的优先级，用于取候选人的最高学历
var educationLevelRank = map[types.EducationLevel]int{
	types.EducationNone:     0,
	types.EducationBachelor: 1,
	types.EducationMaster:   2,
	types.EducationPhD:      3,
}

// admissibleLevels 满足某一学历要求的候选人学历集合
var admissibleLevels = map[types.EducationLevel][]types.EducationLevel{
	types.EducationNone:     {types.EducationNone, types.EducationBachelor, types.EducationMaster, types.EducationPhD},
	types.EducationBachelor: {types.EducationBachelor, types.EducationMaster, types.EducationPhD},
	types.EducationMaster:   {types.EducationMaster, types.EducationPhD},
	types.EducationPhD:      {types.EducationPhD},
}

// absoluteEducationScore 学历不满足要求时按候选人学历给出的绝对分
var absoluteEducationScore = map[types.EducationLevel]float64{
	types.EducationNone:     0.0,
	types.EducationBachelor: 0.7,
	types.EducationMaster:   0.9,
	types.EducationPhD:      1.0,
}

// Scorer 岗位与候选人的确定性加权评分器。
// 纯计算，无I/O和共享状态，可以在多个goroutine中并发调用。
type Scorer struct {
	skillsWeight     float64
	experienceWeight float64
	educationWeight  float64
}

// ScorerOption 评分器的配置选项
type ScorerOption func(*Scorer)

// WithWeights 覆盖默认的三项权重
func WithWeights(skills, experience, education float64) ScorerOption {
	return func(s *Scorer) {
		s.skillsWeight = skills
		s.experienceWeight = experience
		s.educationWeight = education
	}
}

// NewScorer 创建评分器，默认权重为 技能0.5 / 经验0.3 / 学历0.2
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{
		skillsWeight:     DefaultSkillsWeight,
		experienceWeight: DefaultExperienceWeight,
		educationWeight:  DefaultEducationWeight,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score 计算候选人对岗位的综合匹配分（保留两位小数）及命中的技能列表。
// 缺失字段按中性规则降级，对结构完整的输入不会失败。
func (s *Scorer) Score(job *types.JobRequirement, candidate *types.CandidateProfile) types.MatchResult {
	skillsScore, matched := s.scoreSkills(job.Skills, candidate.Skills)
	experienceScore := s.scoreExperience(job.Experience, candidate.Experience)
	educationScore := s.scoreEducation(job.Qualifications, candidate.Education)

	composite := s.skillsWeight*skillsScore +
		s.experienceWeight*experienceScore +
		s.educationWeight*educationScore

	return types.MatchResult{
		Score:          round2(composite),
		MatchingSkills: matched,
	}
}

// MatchingSkills 返回候选人技能中命中岗位要求的条目，保持候选人技能的原始顺序和大小写
func (s *Scorer) MatchingSkills(job *types.JobRequirement, candidate *types.CandidateProfile) []string {
	_, matched := s.scoreSkills(job.Skills, candidate.Skills)
	return matched
}

// scoreSkills 技能子分：任一侧技能为空时为0。
// 匹配规则是小写后的子串包含，岗位技能必须是候选人技能的子串
// （如岗位"sql"命中候选人"PostgreSQL"）。
// 分值 = 命中的候选人技能数 / 岗位技能数，与参照行为保持一致不做上限截断，
// 候选人技能数量多时可能超过1.0。
func (s *Scorer) scoreSkills(jobSkills, candidateSkills []string) (float64, []string) {
	matched := make([]string, 0, len(candidateSkills))
	if len(jobSkills) == 0 || len(candidateSkills) == 0 {
		return 0.0, matched
	}

	loweredJob := make([]string, len(jobSkills))
	for i, js := range jobSkills {
		loweredJob[i] = strings.ToLower(js)
	}

	for _, cs := range candidateSkills {
		lowered := strings.ToLower(cs)
		for _, js := range loweredJob {
			if js != "" && strings.Contains(lowered, js) {
				matched = append(matched, cs)
				break
			}
		}
	}

	return float64(len(matched)) / float64(len(jobSkills)), matched
}

// scoreExperience 经验子分：岗位无要求或候选人无经历记录时取中性分。
// 候选人年限用经历条目数近似（一条经历记一年），不做日期区间计算。
func (s *Scorer) scoreExperience(required *types.JobExperience, entries []types.ExperienceEntry) float64 {
	if required == nil || len(entries) == 0 {
		return NeutralScore
	}
	if required.MinimumYears == 0 {
		return NeutralScore
	}

	candidateYears := float64(len(entries))
	requiredYears := float64(required.MinimumYears)
	if candidateYears >= requiredYears {
		return 1.0
	}
	return candidateYears / requiredYears
}

// scoreEducation 学历子分：任一侧列表为空时取中性分。
// 岗位要求级别取第一条命中关键词的资格描述（首次命中即停止扫描），
// 候选人级别取所有学历条目中的最高级别。
// 候选人级别满足要求时得1.0，否则按候选人级别的绝对分兜底。
func (s *Scorer) scoreEducation(qualifications []string, education []types.EducationEntry) float64 {
	if len(qualifications) == 0 || len(education) == 0 {
		return NeutralScore
	}

	requiredLevel := classifyRequirement(qualifications)
	candidateLevel := classifyCandidate(education)

	for _, lvl := range admissibleLevels[requiredLevel] {
		if candidateLevel == lvl {
			return 1.0
		}
	}
	return absoluteEducationScore[candidateLevel]
}

// requirementScanOrder 要求侧的级别扫描顺序。低级别优先，
// 避免master的"graduate"关键词吞掉"undergraduate"/"college graduate"这类本科描述。
var requirementScanOrder = []types.EducationLevel{
	types.EducationBachelor, types.EducationMaster, types.EducationPhD,
}

// candidateScanOrder 候选人侧的级别扫描顺序。高级别优先，
// 单条学历描述同时命中多个级别时取其中最高的。
var candidateScanOrder = []types.EducationLevel{
	types.EducationPhD, types.EducationMaster, types.EducationBachelor,
}

// classifyRequirement 按列表顺序扫描资格描述，第一条命中任何级别关键词的描述决定要求级别
func classifyRequirement(qualifications []string) types.EducationLevel {
	for _, q := range qualifications {
		lowered := strings.ToLower(q)
		if lvl, ok := matchEducationLevel(lowered, requirementScanOrder); ok {
			return lvl
		}
	}
	return types.EducationNone
}

// classifyCandidate 取候选人所有学历条目的最高级别，后出现的条目只升不降
func classifyCandidate(education []types.EducationEntry) types.EducationLevel {
	highest := types.EducationNone
	for _, e := range education {
		lowered := strings.ToLower(e.Degree)
		if lvl, ok := matchEducationLevel(lowered, candidateScanOrder); ok {
			if educationLevelRank[lvl] > educationLevelRank[highest] {
				highest = lvl
			}
		}
	}
	return highest
}

// matchEducationLevel 在一段小写文本中按给定的级别顺序查找学历关键词，返回第一个命中的级别
func matchEducationLevel(lowered string, scanOrder []types.EducationLevel) (types.EducationLevel, bool) {
	for _, lvl := range scanOrder {
		for _, kw := range educationKeywords[lvl] {
			if containsKeyword(lowered, kw) {
				return lvl, true
			}
		}
	}
	return types.EducationNone, false
}

// containsKeyword 关键词匹配。短缩写（bs/ba/ms/ma）要求词边界，
// 避免"mathematics"之类的普通单词被误判为学历缩写。
func containsKeyword(text, keyword string) bool {
	if len(keyword) > 2 {
		return strings.Contains(text, keyword)
	}

	idx := 0
	for {
		pos := strings.Index(text[idx:], keyword)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(keyword)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// round2 四舍五入保留两位小数
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
