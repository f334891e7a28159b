package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/api/handler"
	"github.com/Blackbird-3/HireFlow/internal/api/router"
	"github.com/Blackbird-3/HireFlow/internal/config"
	applogger "github.com/Blackbird-3/HireFlow/internal/logger"
	"github.com/Blackbird-3/HireFlow/internal/matcher"
	"github.com/Blackbird-3/HireFlow/internal/outbox"
	"github.com/Blackbird-3/HireFlow/internal/parser"
	"github.com/Blackbird-3/HireFlow/internal/processor"
	"github.com/Blackbird-3/HireFlow/internal/semantic"
	"github.com/Blackbird-3/HireFlow/internal/storage"
	"github.com/Blackbird-3/HireFlow/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hzconfig "github.com/cloudwego/hertz/pkg/common/config"
	hlog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzzerolog "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		applogger.Fatal().Err(err).Msg("加载配置失败")
	}

	applogger.Init(cfg.Logger)
	hlog.SetLogger(hertzzerolog.From(applogger.Logger))
	applogger.Info().Str("address", cfg.Server.Address).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.InitTracerProvider(ctx, cfg.Tracing)
		if err != nil {
			applogger.Fatal().Err(err).Msg("初始化链路追踪失败")
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := shutdownTracer(shutdownCtx); err != nil {
				applogger.Error().Err(err).Msg("关闭链路追踪失败")
			}
		}()
		applogger.Info().Str("endpoint", cfg.Tracing.OTLPEndpoint).Msg("链路追踪初始化成功")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil {
		applogger.Fatal().Msg("MySQL未配置，服务无法启动")
	}
	if storageManager.MinIO == nil || storageManager.Redis == nil {
		applogger.Fatal().Msg("MinIO和Redis是简历上传链路的必需依赖，请检查配置")
	}
	applogger.Info().Msg("存储服务初始化成功")

	// 文本解析与抽取组件
	pdfExtractor, err := parser.NewPDFTextExtractor(ctx)
	if err != nil {
		applogger.Fatal().Err(err).Msg("创建PDF提取器失败")
	}

	embedder, err := parser.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化Embedder失败")
	}

	chatModel, err := parser.NewOpenAIChatModel(cfg.LLM)
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化聊天模型失败")
	}

	extractor, err := parser.NewStructuredExtractor(chatModel,
		parser.WithExtractorQPMLimit(cfg.LLM.QPMLimit))
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化结构化抽取器失败")
	}

	splitter := parser.NewTextSplitter(
		parser.WithChunkSize(cfg.Splitter.ChunkSize),
		parser.WithChunkOverlap(cfg.Splitter.ChunkOverlap),
	)

	// 语义索引依赖Qdrant，未配置时只关闭语义检索，不影响其余功能
	var semanticIndex *semantic.Index
	if storageManager.Qdrant != nil {
		semanticIndex, err = semantic.NewIndex(embedder, storageManager.Qdrant, splitter, &cfg.Qdrant)
		if err != nil {
			applogger.Fatal().Err(err).Msg("初始化语义索引失败")
		}
		if count, err := storageManager.Qdrant.CountPoints(ctx); err != nil {
			applogger.Warn().Err(err).Msg("查询向量集合点数失败")
		} else {
			applogger.Info().
				Str("collection", cfg.Qdrant.Collection).
				Int64("points", count).
				Msg("语义索引初始化成功")
		}
	} else {
		applogger.Warn().Msg("Qdrant未配置，语义检索功能不可用")
	}

	// 上传与匹配服务
	var cvOpts []processor.CVProcessorOption
	if semanticIndex != nil {
		cvOpts = append(cvOpts, processor.WithSemanticRemover(semanticIndex))
	}
	cvProcessor, err := processor.NewCVProcessor(
		storageManager.MinIO, storageManager.Redis, storageManager.MySQL, pdfExtractor, cvOpts...)
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化简历处理器失败")
	}

	scorer := matcher.NewScorer(matcher.WithWeights(
		cfg.Matcher.SkillsWeight, cfg.Matcher.ExperienceWeight, cfg.Matcher.EducationWeight))
	ranker := matcher.NewRanker(scorer, cfg.Matcher.RankWorkers)

	matchOpts := []processor.MatchServiceOption{
		processor.WithDefaultThreshold(cfg.Matcher.DefaultThreshold),
		processor.WithMatchCache(storageManager.Redis),
		processor.WithEmbeddingModel(cfg.Embedding.Model),
	}
	var searcher processor.SemanticSearcher
	if semanticIndex != nil {
		searcher = semanticIndex
	}
	matchService, err := processor.NewMatchService(
		storageManager.MySQL, storageManager.MySQL, ranker, searcher, matchOpts...)
	if err != nil {
		applogger.Fatal().Err(err).Msg("初始化匹配服务失败")
	}

	// 发件箱中继和摄取消费者依赖RabbitMQ
	var messageRelay *outbox.MessageRelay
	var workerStop chan struct{}
	if storageManager.RabbitMQ != nil {
		messageRelay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ)
		messageRelay.Start()
		applogger.Info().Msg("消息中继服务已启动")

		if semanticIndex != nil {
			ingestWorker, err := processor.NewIngestWorker(
				storageManager.RabbitMQ, storageManager.MinIO, storageManager.MySQL,
				extractor, semanticIndex,
				processor.WithPrefetchCount(cfg.RabbitMQ.PrefetchCount))
			if err != nil {
				applogger.Fatal().Err(err).Msg("初始化摄取消费者失败")
			}
			workerStop, err = ingestWorker.Start(ctx)
			if err != nil {
				applogger.Fatal().Err(err).Msg("启动摄取消费者失败")
			}
			applogger.Info().Int("prefetch", cfg.RabbitMQ.PrefetchCount).Msg("简历摄取消费者已启动")
		} else {
			applogger.Warn().Msg("Qdrant未配置，摄取消费者未启动")
		}
	} else {
		applogger.Warn().Msg("RabbitMQ未配置，异步解析链路不可用")
	}

	serverOpts := []hzconfig.Option{
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	}
	var tracingCfg *hertztracing.Config
	if cfg.Tracing.Enabled {
		tracer, tcfg := hertztracing.NewServerTracer()
		serverOpts = append(serverOpts, tracer)
		tracingCfg = tcfg
	}

	h := server.New(serverOpts...)
	if tracingCfg != nil {
		h.Use(hertztracing.ServerMiddleware(tracingCfg))
	}
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		hlog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		hlog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	jobHandler := handler.NewJobHandler(storageManager.MySQL, extractor, matchService)
	var chunkReader processor.ChunkReader
	if semanticIndex != nil {
		chunkReader = semanticIndex
	}
	candidateHandler := handler.NewCandidateHandler(cvProcessor, storageManager.MySQL, chunkReader)
	searchHandler := handler.NewSearchHandler(matchService)
	router.RegisterRoutes(h, cfg.Server.APIKey, jobHandler, candidateHandler, searchHandler)
	applogger.Info().Msg("HTTP路由注册成功")

	go func() {
		applogger.Info().Str("address", cfg.Server.Address).Msg("HTTP服务器启动中")
		if err := h.Run(); err != nil {
			applogger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	applogger.Info().Msg("接收到终止信号，正在优雅退出")

	if messageRelay != nil {
		messageRelay.Stop()
		applogger.Info().Msg("消息中继服务已停止")
	}
	if workerStop != nil {
		close(workerStop)
		applogger.Info().Msg("摄取消费者已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		applogger.Error().Err(err).Msg("服务器关闭失败")
	}
	applogger.Info().Msg("优雅退出完成")
}
