package matcher

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/Blackbird-3/HireFlow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankBySkillsMatchEmptyCandidates(t *testing.T) {
	r := NewRanker(NewScorer(), 4)

	ranked, err := r.RankBySkillsMatch(context.Background(), jobWithSkills("go"), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestRankBySkillsMatchThresholdFilter(t *testing.T) {
	r := NewRanker(NewScorer(), 4)

	job := &types.JobRequirement{
		JobID:  "job-1",
		Skills: []string{"go", "mysql"},
	}
	candidates := []*types.CandidateProfile{
		{CandidateID: "strong", Name: "强匹配", Skills: []string{"Golang", "MySQL"}},
		{CandidateID: "weak", Name: "弱匹配", Skills: []string{"Photoshop"}},
	}

	// strong: skills=1.0 → 0.5*1.0+0.3*0.5+0.2*0.5 = 0.75
	// weak:   skills=0.0 → 0.25
	ranked, err := r.RankBySkillsMatch(context.Background(), job, candidates, 0.5)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "strong", ranked[0].CandidateID)
	assert.Equal(t, 0.75, ranked[0].Score)
	assert.Equal(t, []string{"Golang", "MySQL"}, ranked[0].MatchingSkills)
}

func TestRankBySkillsMatchDescendingStableOrder(t *testing.T) {
	r := NewRanker(NewScorer(), 4)

	job := &types.JobRequirement{JobID: "job-1", Skills: []string{"go"}}
	candidates := []*types.CandidateProfile{
		{CandidateID: "tie-a", Skills: []string{"Photoshop"}}, // 0.25
		{CandidateID: "top", Skills: []string{"Golang"}},      // 0.75
		{CandidateID: "tie-b", Skills: []string{"Excel"}},     // 0.25
	}

	ranked, err := r.RankBySkillsMatch(context.Background(), job, candidates, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "top", ranked[0].CandidateID)
	// 同分候选人保持输入顺序
	assert.Equal(t, "tie-a", ranked[1].CandidateID)
	assert.Equal(t, "tie-b", ranked[2].CandidateID)
}

func TestRankBySkillsMatchManyCandidatesSorted(t *testing.T) {
	r := NewRanker(NewScorer(), 4)

	job := &types.JobRequirement{
		JobID:      "job-1",
		Skills:     []string{"go"},
		Experience: &types.JobExperience{MinimumYears: 10},
	}

	// 经历条目数不同的候选人产生一组互不相同的分数
	candidates := make([]*types.CandidateProfile, 0, 10)
	for i := 0; i < 10; i++ {
		entries := make([]types.ExperienceEntry, i+1)
		candidates = append(candidates, &types.CandidateProfile{
			CandidateID: fmt.Sprintf("cand-%d", i),
			Skills:      []string{"Golang"},
			Experience:  entries,
		})
	}

	ranked, err := r.RankBySkillsMatch(context.Background(), job, candidates, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 10)
	assert.True(t, sort.SliceIsSorted(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	}))
	assert.Equal(t, "cand-9", ranked[0].CandidateID)
	assert.Equal(t, "cand-0", ranked[9].CandidateID)
}

func TestRankBySkillsMatchCancelledContext(t *testing.T) {
	r := NewRanker(NewScorer(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	candidates := make([]*types.CandidateProfile, 100)
	for i := range candidates {
		candidates[i] = &types.CandidateProfile{CandidateID: fmt.Sprintf("cand-%d", i)}
	}

	ranked, err := r.RankBySkillsMatch(ctx, jobWithSkills("go"), candidates, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ranked, "取消时不应返回部分结果")
}

func TestNewRankerDefaultsWorkers(t *testing.T) {
	r := NewRanker(NewScorer(), 0)
	assert.Equal(t, DefaultRankWorkers, r.workers)
}
