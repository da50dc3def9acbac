// Package metrics 运行指标
//
// 单次运行的进程生命周期很短，不暴露 HTTP 端点：指标写入 node_exporter
// textfile 目录，或推送到 Pushgateway。
//
// 计数器跨运行累加：写 textfile 前读取已有文件，把同一 task_id 的计数
// 累加到本次运行上，其他 task_id 的序列原样保留。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/66Tracy/claude-lean4/internal/report"
)

// Namespace 指标命名空间
const Namespace = "lean_task"

// DefaultJob Pushgateway 默认 job 名
const DefaultJob = "lean-task"

// TaskLabel 任务标签名
const TaskLabel = "task_id"

// Metrics 运行指标
type Metrics struct {
	registry *prometheus.Registry
	taskID   string

	// 累计计数
	RunsTotal         *prometheus.CounterVec
	RunSecondsTotal   prometheus.Counter
	MarkerExtractions *prometheus.CounterVec
	SupervisionErrors prometheus.Counter

	// 最近一次运行
	LastRunDuration prometheus.Gauge
	RunIssues       prometheus.Gauge
	LastRunSuccess  prometheus.Gauge
	LastRunFinished prometheus.Gauge
	ArtifactBytes   *prometheus.GaugeVec
}

// New 创建独立注册表上的指标
func New(taskID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{TaskLabel: taskID}

	return &Metrics{
		registry: reg,
		taskID:   taskID,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Name:        "runs_total",
				Help:        "Total task runs by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		RunSecondsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Name:        "run_duration_seconds_total",
				Help:        "Total seconds spent in task runs",
				ConstLabels: labels,
			},
		),
		MarkerExtractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Name:        "marker_extractions_total",
				Help:        "Artifacts written from the submission markers",
				ConstLabels: labels,
			},
			[]string{"artifact"},
		),
		SupervisionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Name:        "supervision_errors_total",
				Help:        "Failed supervision steps (poll, stop, inspect, remove)",
				ConstLabels: labels,
			},
		),
		LastRunDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   Namespace,
				Name:        "last_run_duration_seconds",
				Help:        "Duration of the last run in seconds",
				ConstLabels: labels,
			},
		),
		RunIssues: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   Namespace,
				Name:        "run_issues",
				Help:        "Number of issues in the last run",
				ConstLabels: labels,
			},
		),
		LastRunSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   Namespace,
				Name:        "last_run_success",
				Help:        "1 if the last run completed without issues",
				ConstLabels: labels,
			},
		),
		LastRunFinished: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   Namespace,
				Name:        "last_run_finished_timestamp_seconds",
				Help:        "Unix time the last run finished",
				ConstLabels: labels,
			},
		),
		ArtifactBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   Namespace,
				Name:        "artifact_bytes",
				Help:        "Artifact size in bytes after the last run",
				ConstLabels: labels,
			},
			[]string{"artifact"},
		),
	}
}

// OutcomeLabel 结果分类
func OutcomeLabel(o *report.Outcome) string {
	switch report.ExitCode(o) {
	case report.ExitInterrupted:
		return "interrupted"
	case report.ExitTimeout:
		return "timeout"
	case report.ExitIssues:
		return "issues"
	default:
		return "ok"
	}
}

// Observe 记录一次运行结果
func (m *Metrics) Observe(o *report.Outcome, finished time.Time) {
	m.RunsTotal.WithLabelValues(OutcomeLabel(o)).Inc()
	if o.DurationSeconds > 0 {
		m.RunSecondsTotal.Add(o.DurationSeconds)
	}
	m.LastRunDuration.Set(o.DurationSeconds)
	m.RunIssues.Set(float64(len(o.Issues)))
	if o.OK && !o.TimedOut && !o.Interrupted {
		m.LastRunSuccess.Set(1)
	} else {
		m.LastRunSuccess.Set(0)
	}
	m.LastRunFinished.Set(float64(finished.Unix()))
	for name, a := range o.Artifacts {
		m.ArtifactBytes.WithLabelValues(name).Set(float64(a.Size))
		if a.ExtractedFromMarker {
			m.MarkerExtractions.WithLabelValues(name).Inc()
		}
	}
	m.SupervisionErrors.Add(float64(len(o.SupervisionErrors)))
}

// counters 累计计数器，按完整指标名索引
func (m *Metrics) counters() map[string]func(prometheus.Labels) (prometheus.Counter, error) {
	single := func(c prometheus.Counter) func(prometheus.Labels) (prometheus.Counter, error) {
		return func(prometheus.Labels) (prometheus.Counter, error) { return c, nil }
	}
	return map[string]func(prometheus.Labels) (prometheus.Counter, error){
		Namespace + "_runs_total":                 m.RunsTotal.GetMetricWith,
		Namespace + "_run_duration_seconds_total": single(m.RunSecondsTotal),
		Namespace + "_marker_extractions_total":   m.MarkerExtractions.GetMetricWith,
		Namespace + "_supervision_errors_total":   single(m.SupervisionErrors),
	}
}

// Restore 把之前写出的同一任务的计数累加到当前计数器
func (m *Metrics) Restore(prior map[string]*dto.MetricFamily) error {
	for name, get := range m.counters() {
		mf, ok := prior[name]
		if !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels, mine := splitTaskLabel(metric, m.taskID)
			if !mine {
				continue
			}
			v := metric.GetCounter().GetValue()
			if v <= 0 {
				continue
			}
			c, err := get(labels)
			if err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
			c.Add(v)
		}
	}
	return nil
}

// splitTaskLabel 拆出 task_id，返回其余标签及是否属于该任务
func splitTaskLabel(metric *dto.Metric, taskID string) (prometheus.Labels, bool) {
	labels := prometheus.Labels{}
	mine := false
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == TaskLabel {
			mine = lp.GetValue() == taskID
			continue
		}
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels, mine
}

// ReadTextfile 解析已有的 textfile，文件不存在时返回空集合
func ReadTextfile(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*dto.MetricFamily{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metrics textfile: %w", err)
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, fmt.Errorf("parse metrics textfile %s: %w", path, err)
	}
	return families, nil
}

// othersGatherer 返回 prior 中不属于 taskID 的序列
func othersGatherer(prior map[string]*dto.MetricFamily, taskID string) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		var out []*dto.MetricFamily
		for _, mf := range prior {
			var kept []*dto.Metric
			for _, metric := range mf.GetMetric() {
				if _, mine := splitTaskLabel(metric, taskID); !mine {
					kept = append(kept, metric)
				}
			}
			if len(kept) == 0 {
				continue
			}
			out = append(out, &dto.MetricFamily{
				Name:   mf.Name,
				Help:   mf.Help,
				Type:   mf.Type,
				Unit:   mf.Unit,
				Metric: kept,
			})
		}
		return out, nil
	})
}

// WriteTextfile 以 node_exporter textfile 格式写出指标
//
// 已有文件中同一任务的计数被累加，其他任务的序列保留。
// 多个进程同时写同一文件时后写者胜出。
func (m *Metrics) WriteTextfile(path string) error {
	prior, err := ReadTextfile(path)
	if err != nil {
		return err
	}
	if err := m.Restore(prior); err != nil {
		return err
	}
	g := prometheus.Gatherers{othersGatherer(prior, m.taskID), m.registry}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// withoutTaskLabel 去掉 task_id 标签，由 Pushgateway 分组键携带
func withoutTaskLabel(g prometheus.Gatherer) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		mfs, err := g.Gather()
		if err != nil {
			return nil, err
		}
		for _, mf := range mfs {
			for _, metric := range mf.GetMetric() {
				kept := metric.Label[:0]
				for _, lp := range metric.GetLabel() {
					if lp.GetName() != TaskLabel {
						kept = append(kept, lp)
					}
				}
				metric.Label = kept
			}
		}
		return mfs, nil
	})
}

// Push 推送指标到 Pushgateway
//
// 按 task_id（及可选的 instance）分组，使用 POST 只替换本组内同名指标，
// 不影响其他任务的分组。
func (m *Metrics) Push(ctx context.Context, url, job, instance string) error {
	if job == "" {
		job = DefaultJob
	}
	p := push.New(url, job).
		Gatherer(withoutTaskLabel(m.registry)).
		Grouping(TaskLabel, m.taskID)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
