package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"linsight/backend/go/internal/models"
)

// Duration 是可以从 YAML 字符串 (例如 "30s", "1m") 解析的时间间隔。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("时间间隔必须是字符串: %w", err)
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无法解析时间间隔 '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MilvusConfig 定义了 Milvus 数据库的连接和 SOP 向量集合的配置。
type MilvusConfig struct {
	Address        string                 `yaml:"address"`        // Milvus 服务地址
	CollectionName string                 `yaml:"collectionName"` // SOP 向量集合名称
	IndexType      string                 `yaml:"indexType"`      // 索引类型 (例如: "HNSW", "IVF_FLAT", "AUTOINDEX")
	MetricType     string                 `yaml:"metricType"`     // 相似度度量类型 (例如: "COSINE", "L2")
	Params         map[string]interface{} `yaml:"params"`         // 索引参数
	TextMaxLength  int                    `yaml:"textMaxLength"`  // text 字段的最大长度
}

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address     string   `yaml:"address"`     // Redis 服务器地址 (例如: "localhost:6379")
	Password    string   `yaml:"password"`    // Redis 密码
	DB          int      `yaml:"db"`          // Redis 数据库编号
	PoolSize    int      `yaml:"poolSize"`    // 连接池大小, 0 表示按并发数推算
	DialTimeout Duration `yaml:"dialTimeout"` // 建连超时
	ReadTimeout Duration `yaml:"readTimeout"` // 读超时, 必须大于阻塞出队与订阅的等待时间
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
	AutoMigrate     bool   `yaml:"autoMigrate"`     // 启动时是否自动建表
}

// MinIOConfig 定义了 MinIO 对象存储的连接配置。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`  // MinIO 服务端点
	AccessKey string `yaml:"accessKey"` // 访问密钥
	SecretKey string `yaml:"secretKey"` // Secret 密钥
	Bucket    string `yaml:"bucket"`    // 默认存储桶名称
	Secure    bool   `yaml:"secure"`    // 是否使用HTTPS
	Region    string `yaml:"region"`    // 存储桶所在区域, 可为空
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`           // Kafka Broker 地址列表
	Topics            []string `yaml:"topics"`            // 启动时需要确保存在的主题
	EventsTopic       string   `yaml:"eventsTopic"`       // 事件镜像主题, 为空时不镜像
	Partitions        int      `yaml:"partitions"`        // 自动建主题时的分区数
	ReplicationFactor int      `yaml:"replicationFactor"` // 自动建主题时的副本数
}

// AuthConfig 用于配置调用方的认证。
type AuthConfig struct {
	JwtSecret string `yaml:"jwtSecret"` // JWT 密钥
	TokenTTL  int    `yaml:"tokenTTL"`  // JWT 令牌的有效期（秒）
}

// DatabaseConfigs 包含所有数据库的配置。
type DatabaseConfigs struct {
	Milvus MilvusConfig `yaml:"milvus"` // Milvus 数据库配置
	Redis  RedisConfig  `yaml:"redis"`  // Redis 数据库配置
	MySQL  MySQLConfig  `yaml:"mysql"`  // MySQL 数据库配置
	MinIO  MinIOConfig  `yaml:"minio"`  // MinIO 对象存储配置
	Kafka  KafkaConfig  `yaml:"kafka"`  // Kafka 消息队列配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// RateLimitConfig 配置按用户的令牌桶限流。
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // 每秒补充的令牌数
	Burst   int     `yaml:"burst"` // 桶容量
}

// BreakerConfig 配置外部工具调用的熔断器。
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold uint32   `yaml:"failureThreshold"` // 连续失败多少次后熔断
	SuccessThreshold uint32   `yaml:"successThreshold"` // 半开状态下连续成功多少次后恢复
	OpenTimeout      Duration `yaml:"openTimeout"`      // 熔断持续时间
}

// ServerConfig 定义了 HTTP 服务的监听配置。
type ServerConfig struct {
	Address         string          `yaml:"address"`         // 监听地址 (例如: ":8080")
	ShutdownTimeout Duration        `yaml:"shutdownTimeout"` // 优雅关闭的等待时间
	RateLimit       RateLimitConfig `yaml:"rateLimit"`       // 工作台接口限流
}

// LLMConfig 描述执行模型 (chat completion) 的提供商配置。
type LLMConfig struct {
	Provider string   `yaml:"provider"` // LLM提供商, 目前支持 "openai" 兼容接口
	APIKey   string   `yaml:"apiKey"`   // API 密钥
	BaseURL  string   `yaml:"baseURL"`  // 兼容 OpenAI 协议的服务地址 (可选)
	Model    string   `yaml:"model"`    // 执行模型名称
	Timeout  Duration `yaml:"timeout"`  // 单次调用超时
}

// EmbeddingConfig 描述 SOP 检索使用的 embedding 模型。
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai", "ollama", "gemini"
	APIKey   string `yaml:"apiKey"`   // API 密钥
	BaseURL  string `yaml:"baseURL"`  // 服务地址 (ollama 必填)
	Model    string `yaml:"model"`    // 模型名称
	Dim      int    `yaml:"dim"`      // 向量维度
}

// KnowledgeConfig 描述外部知识库的 Milvus 集合。集合名为空时对应的知识库不启用。
type KnowledgeConfig struct {
	PersonalCollection string   `yaml:"personalCollection"` // 个人知识库集合, 按 user_id 过滤
	OrgCollection      string   `yaml:"orgCollection"`      // 组织知识库集合
	TextField          string   `yaml:"textField"`          // 文本字段名
	SourceField        string   `yaml:"sourceField"`        // 来源字段名
	UserField          string   `yaml:"userField"`          // 用户字段名
	QueryCacheSize     int      `yaml:"queryCacheSize"`     // 查询向量缓存条目数
	QueryCacheTTL      Duration `yaml:"queryCacheTTL"`      // 查询向量缓存时间
}

// LinsightConfig 包含任务执行核心的所有可调参数。
type LinsightConfig struct {
	ScratchRoot           string        `yaml:"scratchRoot"`           // 临时工作目录的根路径
	WorkerConcurrency     int           `yaml:"workerConcurrency"`     // 单进程内的并发 worker 数
	MaxTurns              int           `yaml:"maxTurns"`              // 单个任务的最大推理轮数
	LLMRetries            int           `yaml:"llmRetries"`            // LLM 调用失败的重试次数
	Temperature           float32       `yaml:"temperature"`           // 执行模型温度
	ToolTimeout           Duration      `yaml:"toolTimeout"`           // 单次工具调用超时
	MonitorInterval       Duration      `yaml:"monitorInterval"`       // 终止监控的轮询间隔, 限制在 [0.5s, 2s]
	UserInputMaxWait      Duration      `yaml:"userInputMaxWait"`      // 等待用户输入的最长时间, 0 表示不限
	VisibilityTimeout     Duration      `yaml:"visibilityTimeout"`     // 队列租约的可见性窗口
	JanitorInterval       Duration      `yaml:"janitorInterval"`       // 队列清理协程的运行间隔
	StreamTTL             Duration      `yaml:"streamTTL"`             // 事件流与状态镜像的过期时间
	RetrievalK            int           `yaml:"retrievalK"`            // SOP 生成时检索的候选数量
	RetrievalCandidates   int           `yaml:"retrievalCandidates"`   // 每个检索器返回的候选上限
	VectorWeight          float64       `yaml:"vectorWeight"`          // 向量检索权重
	KeywordWeight         float64       `yaml:"keywordWeight"`         // 关键词检索权重
	RebuildBatchSize      int           `yaml:"rebuildBatchSize"`      // 重建向量库时的批大小
	ContinueOnTaskFailure bool          `yaml:"continueOnTaskFailure"` // 任务失败后是否继续执行后续顶层任务
	DeductToolErrors      *bool         `yaml:"deductToolErrors"`      // 工具报错是否计入轮数, 默认计入
	RequireInviteCode     bool          `yaml:"requireInviteCode"`     // 用户终止时是否退还邀请码
	KeywordIndexPath      string        `yaml:"keywordIndexPath"`      // bleve 索引目录, 为空时使用内存索引
	DownloadConcurrency   int           `yaml:"downloadConcurrency"`   // 输入文件下载并发数
	ToolBreaker           BreakerConfig `yaml:"toolBreaker"`           // OpenAPI 工具熔断
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App       AppInfo         `yaml:"app"`       // 应用程序信息
	Auth      AuthConfig      `yaml:"auth"`      // 认证配置
	LLM       LLMConfig       `yaml:"llm"`       // 执行模型配置
	Embedding EmbeddingConfig `yaml:"embedding"` // Embedding 配置
	Logger    LoggerConfig    `yaml:"logger"`    // 日志记录器配置
	Databases DatabaseConfigs `yaml:"databases"` // 数据库配置
	Server    ServerConfig    `yaml:"server"`    // HTTP 服务配置
	Linsight  LinsightConfig  `yaml:"linsight"`  // 任务执行核心配置
	Knowledge KnowledgeConfig `yaml:"knowledge"` // 外部知识库
}

// SOPCollection 是 SOP 向量集合与关键词索引共用的名称。
const SOPCollection = "col_linsight_sop"

// Defaults 为未设置的字段填充默认值。
func (c *AppConfig) Defaults() {
	r := &c.Databases.Redis
	if r.DialTimeout == 0 {
		r.DialTimeout = Duration(5 * time.Second)
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = Duration(10 * time.Second)
	}
	k := &c.Databases.Kafka
	if k.Partitions <= 0 {
		k.Partitions = 1
	}
	if k.ReplicationFactor <= 0 {
		k.ReplicationFactor = 1
	}

	l := &c.Linsight
	if l.ScratchRoot == "" {
		l.ScratchRoot = os.TempDir()
	}
	if l.WorkerConcurrency <= 0 {
		l.WorkerConcurrency = 2
	}
	if l.MaxTurns <= 0 {
		l.MaxTurns = 20
	}
	if l.LLMRetries <= 0 {
		l.LLMRetries = 3
	}
	if l.Temperature == 0 {
		l.Temperature = 0.2
	}
	if l.ToolTimeout == 0 {
		l.ToolTimeout = Duration(60 * time.Second)
	}
	if l.MonitorInterval == 0 {
		l.MonitorInterval = Duration(time.Second)
	}
	if l.MonitorInterval < Duration(500*time.Millisecond) {
		l.MonitorInterval = Duration(500 * time.Millisecond)
	}
	if l.MonitorInterval > Duration(2*time.Second) {
		l.MonitorInterval = Duration(2 * time.Second)
	}
	if l.VisibilityTimeout == 0 {
		l.VisibilityTimeout = Duration(30 * time.Minute)
	}
	if l.JanitorInterval == 0 {
		l.JanitorInterval = Duration(time.Minute)
	}
	if l.StreamTTL == 0 {
		l.StreamTTL = Duration(24 * time.Hour)
	}
	if l.RetrievalK <= 0 {
		l.RetrievalK = 3
	}
	if l.RetrievalCandidates <= 0 {
		l.RetrievalCandidates = 100
	}
	if l.VectorWeight == 0 && l.KeywordWeight == 0 {
		l.VectorWeight, l.KeywordWeight = 0.5, 0.5
	}
	if l.RebuildBatchSize <= 0 {
		l.RebuildBatchSize = 16
	}
	if l.DeductToolErrors == nil {
		deduct := true
		l.DeductToolErrors = &deduct
	}
	if l.DownloadConcurrency <= 0 {
		l.DownloadConcurrency = 4
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(120 * time.Second)
	}
	if c.Databases.Milvus.CollectionName == "" {
		c.Databases.Milvus.CollectionName = SOPCollection
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if rl := &c.Server.RateLimit; rl.Enabled {
		if rl.Rate <= 0 {
			rl.Rate = 5
		}
		if rl.Burst <= 0 {
			rl.Burst = 10
		}
	}
	if b := &l.ToolBreaker; b.Enabled {
		if b.FailureThreshold == 0 {
			b.FailureThreshold = 5
		}
		if b.SuccessThreshold == 0 {
			b.SuccessThreshold = 1
		}
		if b.OpenTimeout == 0 {
			b.OpenTimeout = Duration(30 * time.Second)
		}
	}
	kn := &c.Knowledge
	if kn.TextField == "" {
		kn.TextField = "text"
	}
	if kn.UserField == "" {
		kn.UserField = "user_id"
	}
	if kn.QueryCacheSize <= 0 {
		kn.QueryCacheSize = 512
	}
	if kn.QueryCacheTTL == 0 {
		kn.QueryCacheTTL = Duration(10 * time.Minute)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// ToolErrorsDeduct 返回工具报错是否消耗轮数。
func (l LinsightConfig) ToolErrorsDeduct() bool {
	return l.DeductToolErrors == nil || *l.DeductToolErrors
}

// Validate 检查执行所需的模型配置是否齐全。
func (c *AppConfig) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("未配置执行模型 (llm.model): %w", models.ErrConfigMissing)
	}
	return nil
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件，并填充默认值。
//
// 参数:
//
//	path: YAML 配置文件的路径。
//
// 返回值:
//
//	*AppConfig: 解析后的应用程序配置结构体。
//	error: 如果文件读取或解析失败，则返回错误。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.Defaults()
	return &cfg, nil
}
