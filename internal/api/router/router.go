package router

import (
	"context"
	"crypto/subtle"

	"github.com/Blackbird-3/HireFlow/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册API路由。apiKey非空时对业务路由启用API Key鉴权，
// 健康检查不走鉴权。
func RegisterRoutes(
	h *server.Hertz,
	apiKey string,
	jobHandler *handler.JobHandler,
	candidateHandler *handler.CandidateHandler,
	searchHandler *handler.SearchHandler,
) {
	h.GET("/api/v1/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")
	if apiKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
			}),
		))
	}

	api.POST("/jobs", jobHandler.HandleCreateJob)
	api.GET("/jobs/:job_id", jobHandler.HandleGetJob)
	api.POST("/jobs/:job_id/match", jobHandler.HandleMatchCandidates)
	api.GET("/jobs/:job_id/matches", jobHandler.HandleListMatches)
	api.GET("/jobs/:job_id/semantic-matches", jobHandler.HandleSemanticMatches)

	api.POST("/candidates/upload", candidateHandler.HandleUploadCV)
	api.GET("/candidates/:candidate_id", candidateHandler.HandleGetCandidate)
	api.GET("/candidates/:candidate_id/chunks", candidateHandler.HandleGetCandidateChunks)
	api.DELETE("/candidates/:candidate_id", candidateHandler.HandleDeleteCandidate)

	api.POST("/search/candidates", searchHandler.HandleSemanticSearch)
}
