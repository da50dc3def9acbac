// Package notify 运行结果通知
//
// 运行结束后把结果摘要写入 Redis Stream，由下游消费者（看板、批量调度）订阅。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// DefaultStream 未配置时使用的 Stream
const DefaultStream = "lean-task:outcomes"

// maxStreamLength Stream 近似最大长度
const maxStreamLength = 10000

// EventType 事件类型
const EventType = "run.finished"

// Publisher 写入 Redis Stream 的通知器
type Publisher struct {
	client *redis.Client
	stream string
	logger *logging.Logger
}

// NewPublisher 根据配置创建通知器
//
// url 形如 redis://host:6379/0；密码只从配置的 Password 字段（环境变量）读取。
func NewPublisher(cfg config.RedisConfig, logger *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return NewPublisherWithClient(redis.NewClient(opts), cfg.Stream, logger), nil
}

// NewPublisherWithClient 使用已有客户端创建通知器
func NewPublisherWithClient(client *redis.Client, stream string, logger *logging.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{client: client, stream: stream, logger: logger.Named("notify")}
}

// Close 关闭连接
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Values 结果对应的 Stream 字段
func Values(o *report.Outcome) (map[string]interface{}, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return map[string]interface{}{
		"type":         EventType,
		"task_id":      o.ID,
		"ok":           boolString(o.OK),
		"timed_out":    boolString(o.TimedOut),
		"exit_code":    o.ExitCode.String(),
		"process_exit": report.ExitCode(o),
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		"data":         string(data),
	}, nil
}

// Publish 发布运行结果，返回 Stream 消息 ID
func (p *Publisher) Publish(ctx context.Context, o *report.Outcome) (string, error) {
	values, err := Values(o)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish outcome: %w", err)
	}
	p.logger.WithTaskID(o.ID).Debug("Published outcome", "stream", p.stream, "id", id)
	return id, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
