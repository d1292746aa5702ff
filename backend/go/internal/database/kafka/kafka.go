// Package kafka 把状态总线事件镜像到 Kafka。
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"linsight/backend/go/internal/config"
)

// KafkaClient 持有生产者和一个用于健康检查的管理连接。
type KafkaClient struct {
	Writer *kafka.Writer
	Conn   *kafka.Conn
	Config *config.KafkaConfig
}

var (
	client  *KafkaClient
	once    sync.Once
	initErr error
)

const dialTimeout = 5 * time.Second

// missingTopics 返回配置中需要存在但集群里还没有的主题, 已去重。
func missingTopics(existing []kafka.Partition, cfg *config.KafkaConfig) []kafka.TopicConfig {
	seen := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		seen[p.Topic] = struct{}{}
	}
	wanted := append([]string{}, cfg.Topics...)
	if cfg.EventsTopic != "" {
		wanted = append(wanted, cfg.EventsTopic)
	}
	var out []kafka.TopicConfig
	for _, topic := range wanted {
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     max(cfg.Partitions, 1),
			ReplicationFactor: max(cfg.ReplicationFactor, 1),
		})
	}
	return out
}

// newWriter 创建事件生产者。
// 同一个 session_version 的事件 key 相同, Hash 均衡让它们落在同一分区并保持顺序。
func newWriter(cfg *config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		WriteTimeout: 10 * time.Second,
	}
}

// ensureTopics 连到 controller 创建缺失的主题。
func ensureTopics(ctx context.Context, conn *kafka.Conn, cfg *config.KafkaConfig) error {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("读取 Kafka 分区信息失败: %w", err)
	}
	topics := missingTopics(partitions, cfg)
	if len(topics) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("获取 Kafka controller 失败: %w", err)
	}
	dialer := &kafka.Dialer{Timeout: dialTimeout}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("连接 Kafka controller 失败: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(topics...); err != nil {
		return fmt.Errorf("创建 Kafka 主题失败: %w", err)
	}
	log.Printf("已创建 %d 个 Kafka 主题", len(topics))
	return nil
}

// GetClient 首次调用时连接集群, 补齐缺失主题并创建生产者, 之后返回同一个实例。
func GetClient(cfg *config.KafkaConfig) (*KafkaClient, error) {
	once.Do(func() {
		if len(cfg.Brokers) == 0 {
			initErr = errors.New("未配置 Kafka brokers")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*dialTimeout)
		defer cancel()

		dialer := &kafka.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
		if err != nil {
			initErr = fmt.Errorf("连接 Kafka %s 失败: %w", cfg.Brokers[0], err)
			return
		}
		if err := ensureTopics(ctx, conn, cfg); err != nil {
			_ = conn.Close()
			initErr = err
			return
		}
		log.Printf("Kafka 已连接: %v", cfg.Brokers)
		client = &KafkaClient{Writer: newWriter(cfg), Conn: conn, Config: cfg}
	})
	return client, initErr
}

// Close 关闭生产者与管理连接。
func (c *KafkaClient) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Writer != nil {
		errs = append(errs, c.Writer.Close())
	}
	if c.Conn != nil {
		errs = append(errs, c.Conn.Close())
	}
	return errors.Join(errs...)
}

// HealthCheck 通过查询 controller 判断集群是否可达。
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if c == nil || c.Conn == nil {
		return errors.New("Kafka 客户端未初始化")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetDeadline(deadline)
		defer c.Conn.SetDeadline(time.Time{})
	}
	_, err := c.Conn.Controller()
	return err
}
