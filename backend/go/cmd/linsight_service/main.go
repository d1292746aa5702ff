package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/linsight/api"
	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/internal/linsight/bootstrap"
	"linsight/backend/go/internal/linsight/bridge"
	"linsight/backend/go/internal/linsight/service"
	"linsight/backend/go/internal/models"
	linsighthttp "linsight/backend/go/pkg/http"
	"linsight/backend/go/pkg/logger"
	"linsight/backend/go/pkg/ratelimiter"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	appLogger := logger.New("linsight_service", "", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(models.ErrorInfoFrom(err)).Fatal("组件初始化失败")
	}
	defer comps.Close()

	svc := service.New(comps.Store, comps.Bus, comps.Engine, comps.Queue, comps.Library, appLogger)
	verifier := auth.NewVerifier(cfg.Auth.JwtSecret)
	stream := bridge.New(comps.Store, comps.Bus, verifier, appLogger)

	checks := make([]api.HealthCheck, 0, len(comps.Checks))
	for _, c := range comps.Checks {
		checks = append(checks, api.HealthCheck{Name: c.Name, Check: c.Fn})
	}
	handler := api.NewHandler(svc, stream.Handle, appLogger, checks...)

	var routerOpts []api.RouterOption
	if rl := cfg.Server.RateLimit; rl.Enabled {
		routerOpts = append(routerOpts, api.WithRateLimit(ratelimiter.NewKeyedTokenBucket(rl.Rate, rl.Burst)))
	}
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(handler, verifier, appLogger, routerOpts...)

	server := linsighthttp.NewServer(router, appLogger,
		linsighthttp.WithAddress(cfg.Server.Address),
		linsighthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	)
	if err := server.Run(ctx); err != nil {
		appLogger.WithError(models.ErrorInfoFrom(err)).Error("HTTP 服务异常退出")
	}

	// 等待后台的 SOP 改写写完再断开连接。
	svc.Wait()
	appLogger.Info("服务已停止")
}
