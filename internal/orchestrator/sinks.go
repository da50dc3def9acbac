package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/history"
	"github.com/66Tracy/claude-lean4/internal/metrics"
	"github.com/66Tracy/claude-lean4/internal/notify"
	"github.com/66Tracy/claude-lean4/internal/objstore"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// HistorySink 写入运行历史账本
type HistorySink struct {
	Store *history.Store
}

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Publish(ctx context.Context, _ report.Paths, o *report.Outcome) error {
	_, err := s.Store.Record(ctx, o)
	return err
}

// ArchiveSink 归档运行文件到对象存储
type ArchiveSink struct {
	Archiver *objstore.Archiver
	Ensure   func(ctx context.Context) error
}

func (s *ArchiveSink) Name() string { return "objstore" }

func (s *ArchiveSink) Publish(ctx context.Context, paths report.Paths, o *report.Outcome) error {
	if s.Ensure != nil {
		if err := s.Ensure(ctx); err != nil {
			return err
		}
	}
	_, err := s.Archiver.Archive(ctx, paths, o)
	return err
}

// NotifySink 发布结果到 Redis Stream
type NotifySink struct {
	Publisher *notify.Publisher
}

func (s *NotifySink) Name() string { return "notify" }

func (s *NotifySink) Publish(ctx context.Context, _ report.Paths, o *report.Outcome) error {
	_, err := s.Publisher.Publish(ctx, o)
	return err
}

// MetricsSink 写出或推送运行指标
type MetricsSink struct {
	Textfile    string
	Pushgateway string
	Job         string
	Instance    string
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Publish(ctx context.Context, _ report.Paths, o *report.Outcome) error {
	m := metrics.New(o.ID)
	m.Observe(o, time.Now())
	if s.Textfile != "" {
		if err := m.WriteTextfile(s.Textfile); err != nil {
			return err
		}
	}
	if s.Pushgateway != "" {
		return m.Push(ctx, s.Pushgateway, s.Job, s.Instance)
	}
	return nil
}

// SinkTimeout 单个旁路输出的超时
const SinkTimeout = 30 * time.Second

// timeoutSink 为旁路输出加超时
type timeoutSink struct {
	Sink
	d time.Duration
}

func (s timeoutSink) Publish(ctx context.Context, paths report.Paths, o *report.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.Sink.Publish(ctx, paths, o)
}

// BuildSinks 根据配置创建旁路输出，返回释放资源的函数
//
// 未配置的输出被跳过；初始化失败的输出记录日志后跳过，不影响运行。
func BuildSinks(cfg *config.Config, logger *logging.Logger) ([]Sink, func()) {
	if logger == nil {
		logger = logging.Discard()
	}
	var (
		sinks   []Sink
		closers []func()
	)
	add := func(s Sink) { sinks = append(sinks, timeoutSink{Sink: s, d: SinkTimeout}) }

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.WithError(err).Warn("History disabled")
		} else {
			add(&HistorySink{Store: store})
			closers = append(closers, func() { store.Close() })
		}
	}

	if cfg.MinIO.Endpoint != "" {
		client, err := objstore.NewClient(cfg.MinIO, logger)
		if err != nil {
			logger.WithError(err).Warn("Artifact upload disabled")
		} else {
			add(&ArchiveSink{Archiver: objstore.NewArchiver(client), Ensure: client.EnsureBucket})
		}
	}

	if cfg.Redis.URL != "" {
		pub, err := notify.NewPublisher(cfg.Redis, logger)
		if err != nil {
			logger.WithError(err).Warn("Notification disabled")
		} else {
			add(&NotifySink{Publisher: pub})
			closers = append(closers, func() { pub.Close() })
		}
	}

	if cfg.Metrics.Textfile != "" || cfg.Metrics.Pushgateway != "" {
		host, _ := os.Hostname()
		add(&MetricsSink{
			Textfile:    cfg.Metrics.Textfile,
			Pushgateway: cfg.Metrics.Pushgateway,
			Job:         cfg.Metrics.Job,
			Instance:    host,
		})
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
