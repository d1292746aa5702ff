package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"linsight/backend/go/internal/linsight/bootstrap"
	"linsight/backend/go/internal/linsight/fileparse"
	"linsight/backend/go/internal/linsight/queue"
	"linsight/backend/go/internal/linsight/supervisor"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	appLogger := logger.New("linsight_worker", "", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(models.ErrorInfoFrom(err)).Fatal("组件初始化失败")
	}
	defer comps.Close()

	lc := cfg.Linsight
	registryOpts := comps.KnowledgeOptions(appLogger)
	if b := lc.ToolBreaker; b.Enabled {
		registryOpts = append(registryOpts, tools.WithToolBreaker(b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout.Std()))
	}
	registry := tools.NewRegistry(comps.Store, comps.Library, lc.ToolTimeout.Std(), appLogger, registryOpts...)

	sup := supervisor.New(comps.Store, comps.Bus, comps.Engine, registry, comps.Blobs,
		supervisor.ConfigFrom(lc), appLogger, supervisor.WithParser(fileparse.New()))

	pool := queue.NewPool(comps.Queue, sup, lc.WorkerConcurrency, lc.JanitorInterval.Std(), appLogger)
	appLogger.WithPayload(map[string]interface{}{"concurrency": lc.WorkerConcurrency}).Info("worker 已启动")
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		appLogger.WithError(models.ErrorInfoFrom(err)).Error("worker 池异常退出")
	}
	appLogger.Info("worker 已停止")
}
