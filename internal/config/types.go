// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 命令行参数（由 cmd 层写入 Overrides）
//  2. 环境变量（通过 .env 文件或 shell 注入）
//  3. YAML 配置文件（common.yaml → {env}.yaml）
//  4. 代码硬编码默认值
//
// 配置在进程入口解析一次，得到不可变的 Config 值，
// 之后以参数形式显式传递给各组件；组件不读取工作目录或环境变量。
//
// 凭据单一数据源：
//
//	MinIO/Redis 密码只存在于环境变量（或 .env 文件），YAML 中不存储任何密码。
package config

import (
	"time"

	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// 等待模式
const (
	WaitModePoll   = "poll"   // 固定间隔轮询运行状态
	WaitModeNative = "native" // 运行时原生等待（带超时）
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	RepoRoot   string           `yaml:"repo_root"`   // 仓库根目录（只读挂载到 /workspace）
	Image      string           `yaml:"image"`       // 运行任务的镜像
	TasksRoot  string           `yaml:"tasks_root"`  // 任务工作空间根目录
	ElanCache  string           `yaml:"elan_cache"`  // 工具链缓存目录
	JSONL      string           `yaml:"jsonl"`       // 任务来源 JSONL
	Template   string           `yaml:"template"`    // 任务模板
	EnvFile    string           `yaml:"env_file"`    // 注入容器的 .env 文件
	Supervisor SupervisorConfig `yaml:"supervisor"`  // 容器监督
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`   // 产物策略
	Agent      AgentConfig      `yaml:"agent"`       // 容器内 Agent
	History    HistoryConfig    `yaml:"history"`     // 运行记录
	MinIO      MinIOConfig      `yaml:"minio"`       // 产物上传
	Redis      RedisConfig      `yaml:"redis"`       // 结果通知
	Metrics    MetricsConfig    `yaml:"metrics"`     // Prometheus 指标
	Log        logging.Config   `yaml:"log"`         // 日志
}

// SupervisorConfig 容器监督配置
type SupervisorConfig struct {
	Timeout        time.Duration `yaml:"timeout"`         // 运行时长上限
	PollInterval   time.Duration `yaml:"poll_interval"`   // 轮询间隔
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"` // stop/inspect/remove 单步超时
	StopTimeout    int           `yaml:"stop_timeout"`    // docker stop 宽限秒数，0 使用运行时默认值
	WaitMode       string        `yaml:"wait_mode"`       // poll 或 native
}

// ArtifactsConfig 产物策略
type ArtifactsConfig struct {
	MinBytes int64 `yaml:"min_bytes"` // 低于该大小视为空
	Require  *bool `yaml:"require"`   // 是否要求两个产物都非空
}

// AgentConfig 容器内 Agent 配置
type AgentConfig struct {
	Shell        []string `yaml:"shell"`         // 入口命令前缀，如 ["-lc"]
	Command      string   `yaml:"command"`       // 入口命令模板，{id} 替换为任务 ID
	Binary       string   `yaml:"binary"`        // agent 子命令调用的 CLI
	SystemPrompt string   `yaml:"system_prompt"` // 追加的系统提示
}

// HistoryConfig 运行记录配置
type HistoryConfig struct {
	Path string `yaml:"path"` // SQLite 文件路径，为空则不记录
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000，为空则不上传
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// RedisConfig Redis 通知配置
type RedisConfig struct {
	URL      string `yaml:"url"`    // 为空则不通知
	Password string `yaml:"-"`      // 只从 REDIS_PASSWORD 环境变量读取
	Stream   string `yaml:"stream"` // 结果写入的 Stream
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Textfile    string `yaml:"textfile"`    // node_exporter textfile 路径
	Pushgateway string `yaml:"pushgateway"` // Pushgateway 地址
	Job         string `yaml:"job"`
}

// Config 应用配置（最终使用的配置）
//
// 所有路径均已解析为绝对路径。
type Config struct {
	Env              Environment
	RepoRoot         string
	Image            string
	TasksRoot        string
	ElanCache        string
	JSONL            string
	Template         string
	EnvFile          string
	Supervisor       SupervisorConfig
	MinArtifactBytes int64
	RequireArtifacts bool
	Agent            AgentConfig
	History          HistoryConfig
	MinIO            MinIOConfig
	Redis            RedisConfig
	Metrics          MetricsConfig
	Log              logging.Config
	ConfigFilePath   string // 实际加载的配置文件路径
}

// Overrides 命令行覆盖项，零值表示不覆盖
type Overrides struct {
	Image            string
	JSONL            string
	Template         string
	Timeout          time.Duration
	MinArtifactBytes *int64
	RequireArtifacts *bool
	WaitMode         string
}

// LoadOptions 加载选项
type LoadOptions struct {
	ConfigDir string // --config 指定的目录
	RepoRoot  string // 进程入口解析出的仓库根目录
	Overrides Overrides
}

func loggingDefaults() logging.Config {
	return logging.Config{Level: "info", Format: "text", Output: "stderr"}
}
