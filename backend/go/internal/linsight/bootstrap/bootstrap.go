// Package bootstrap 按配置连接各个存储并组装服务进程与 worker 进程共用的组件。
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"linsight/backend/go/internal/config"
	"linsight/backend/go/internal/database/kafka"
	"linsight/backend/go/internal/database/milvus"
	"linsight/backend/go/internal/database/minio"
	"linsight/backend/go/internal/database/mysql"
	"linsight/backend/go/internal/database/redis"
	"linsight/backend/go/internal/embedding"
	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/blob"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/linsight/knowledge"
	"linsight/backend/go/internal/linsight/queue"
	"linsight/backend/go/internal/linsight/sop"
	"linsight/backend/go/internal/linsight/store"
	"linsight/backend/go/internal/linsight/tools"
	"linsight/backend/go/internal/llm"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// Check 是一个依赖的健康检查函数。
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Components 是两个进程共用的组件。
type Components struct {
	Config  *config.AppConfig
	Store   *store.Store
	Bus     *bus.Bus
	Blobs   blob.Store
	Library *sop.Library
	Engine  *agent.Engine
	Queue   *queue.Queue
	Checks  []Check

	// Milvus 与 Embedder 不可用时为 nil。
	Milvus   *milvus.MilvusClient
	Embedder embedding.Embedding

	closers []func()
}

// LoadConfig 读取配置文件, 校验后初始化全局日志。
func LoadConfig(path string) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	return cfg, nil
}

// Build 连接 MySQL, Redis, MinIO, Milvus 与 Kafka 并组装组件。
// MySQL 与 Redis 是必需的; 其余依赖未配置或不可用时降级运行并记录告警。
func Build(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (*Components, error) {
	c := &Components{Config: cfg}

	db, err := mysql.GetDB(&cfg.Databases.MySQL)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = mysql.Close() })
	c.Checks = append(c.Checks, Check{Name: "mysql", Fn: mysql.HealthCheck})
	c.Store = store.New(db)
	if cfg.Databases.MySQL.AutoMigrate {
		if err := c.Store.AutoMigrate(ctx); err != nil {
			c.Close()
			return nil, err
		}
		log.Info("数据库迁移完成")
	}

	rdb, err := redis.GetClient(&cfg.Databases.Redis)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = redis.Close() })
	c.Checks = append(c.Checks, Check{Name: "redis", Fn: redis.HealthCheck})

	var busOpts []bus.Option
	if kcfg := cfg.Databases.Kafka; kcfg.EventsTopic != "" && len(kcfg.Brokers) > 0 {
		kc, err := kafka.GetClient(&cfg.Databases.Kafka)
		if err != nil {
			log.WithError(models.ErrorInfoFrom(err)).Warn("Kafka 不可用, 事件不做镜像")
		} else {
			c.closers = append(c.closers, func() { _ = kc.Close() })
			c.Checks = append(c.Checks, Check{Name: "kafka", Fn: kc.HealthCheck})
			busOpts = append(busOpts, bus.WithSink(kafka.NewEventPublisher(kc, kcfg.EventsTopic)))
		}
	}
	c.Bus = bus.New(rdb, c.Store, cfg.Linsight.StreamTTL.Std(), log, busOpts...)
	c.Queue = queue.New(rdb, cfg.Linsight.VisibilityTimeout.Std(), log)

	c.Blobs = buildBlobs(cfg, log, c)
	c.Library = buildLibrary(ctx, cfg, log, c)

	model, err := llm.NewClient(cfg.LLM)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("创建执行模型失败: %w", err)
	}
	c.Engine = agent.NewEngine(model, c.Store, c.Bus, c.Library, c.Blobs, agent.ConfigFrom(cfg.Linsight), log)
	return c, nil
}

func buildBlobs(cfg *config.AppConfig, log *logger.Logger, c *Components) blob.Store {
	mcfg := cfg.Databases.MinIO
	if mcfg.Endpoint != "" && mcfg.Bucket != "" {
		client, err := minio.GetClient(&cfg.Databases.MinIO)
		if err == nil {
			c.Checks = append(c.Checks, Check{Name: "minio", Fn: minio.HealthCheck})
			return blob.NewMinIOStore(client, mcfg.Bucket)
		}
		log.WithError(models.ErrorInfoFrom(err)).Warn("MinIO 不可用, 文件改存本地目录")
	}
	return blob.NewDirStore(filepath.Join(cfg.Linsight.ScratchRoot, "blobs"))
}

func buildLibrary(ctx context.Context, cfg *config.AppConfig, log *logger.Logger, c *Components) *sop.Library {
	keyword, err := sop.NewBleveIndex(cfg.Linsight.KeywordIndexPath)
	if err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Warn("关键词索引不可用")
		keyword = nil
	} else {
		c.closers = append(c.closers, func() { _ = keyword.Close() })
	}

	embedder, err := embedding.NewFromConfig(ctx, cfg.Embedding)
	if err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Warn("embedding 模型不可用, SOP 库只读")
		embedder = nil
	}
	c.Embedder = embedder

	var vector sop.VectorIndex
	if cfg.Databases.Milvus.Address != "" {
		mc, err := milvus.GetClient(ctx, &cfg.Databases.Milvus)
		if err != nil {
			log.WithError(models.ErrorInfoFrom(err)).Warn("Milvus 不可用, 只使用关键词检索")
		} else {
			c.closers = append(c.closers, mc.Close)
			c.Checks = append(c.Checks, Check{Name: "milvus", Fn: mc.HealthCheck})
			c.Milvus = mc
			vector = sop.NewMilvusIndex(mc)
		}
	}

	var kw sop.KeywordIndex
	if keyword != nil {
		kw = keyword
	}
	return sop.NewLibrary(c.Store, vector, kw, embedder, sop.OptionsFromConfig(cfg.Linsight), log)
}

// KnowledgeOptions 返回个人与组织知识库后端对应的工具注册表选项。
func (c *Components) KnowledgeOptions(log *logger.Logger) []tools.RegistryOption {
	kcfg := c.Config.Knowledge
	if kcfg.PersonalCollection == "" && kcfg.OrgCollection == "" {
		return nil
	}
	if c.Milvus == nil {
		log.Warn("已配置知识库集合但 Milvus 不可用, 知识检索只使用 SOP 库")
		return nil
	}
	personal, org, err := knowledge.FromConfig(kcfg, c.Milvus, c.Embedder)
	if err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Warn("知识库后端不可用")
		return nil
	}
	var opts []tools.RegistryOption
	if personal != nil {
		opts = append(opts, tools.WithPersonalKnowledge(personal))
	}
	if org != nil {
		opts = append(opts, tools.WithOrgKnowledge(org))
	}
	return opts
}

// Close 按创建的逆序释放连接。
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
