package matcher

import (
	"context"
	"sort"
	"sync"

	"github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/types"
)

// DefaultRankWorkers 默认的并发评分worker数
const DefaultRankWorkers = 8

// Ranker 将一个岗位与一批候选人并发评分并按分数排序。
// 评分彼此独立，只有最终排序是串行的。
type Ranker struct {
	scorer  *Scorer
	workers int
}

// NewRanker 创建排序器，workers小于等于0时使用默认值
func NewRanker(scorer *Scorer, workers int) *Ranker {
	if workers <= 0 {
		workers = DefaultRankWorkers
	}
	return &Ranker{scorer: scorer, workers: workers}
}

// RankBySkillsMatch 对候选人逐一评分，过滤掉综合分低于threshold的候选人，
// 按分数降序返回；同分保持输入顺序（稳定排序）。
// ctx被取消时丢弃已算出的部分结果并返回ctx.Err()。
func (r *Ranker) RankBySkillsMatch(ctx context.Context, job *types.JobRequirement, candidates []*types.CandidateProfile, threshold float64) ([]types.RankedCandidate, error) {
	if len(candidates) == 0 {
		return []types.RankedCandidate{}, nil
	}

	results := make([]types.MatchResult, len(candidates))

	workers := r.workers
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = r.scorer.Score(job, candidates[idx])
			}
		}()
	}

	for i := range candidates {
		select {
		case <-ctx.Done():
			// 评分是纯计算且有界，取消时停止派发剩余任务即可
			close(jobs)
			wg.Wait()
			logger.Ctx(ctx).Warn().
				Str("job_id", job.JobID).
				Msg("排序在评分阶段被取消")
			return nil, ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	ranked := make([]types.RankedCandidate, 0, len(candidates))
	for i, c := range candidates {
		if results[i].Score < threshold {
			continue
		}
		ranked = append(ranked, types.RankedCandidate{
			CandidateID:    c.CandidateID,
			CandidateName:  c.Name,
			Score:          results[i].Score,
			MatchingSkills: results[i].MatchingSkills,
		})
	}

	// 稳定排序保证同分候选人维持输入顺序
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	logger.Ctx(ctx).Debug().
		Str("job_id", job.JobID).
		Int("candidate_count", len(candidates)).
		Int("above_threshold", len(ranked)).
		Float64("threshold", threshold).
		Msg("技能匹配排序完成")

	return ranked, nil
}
