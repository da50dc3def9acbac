package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultImage        = "leanprovercommunity/lean4:claude"
	DefaultJSONL        = "miniF2F-benchmark/test-example.jsonl"
	DefaultTemplate     = "miniF2F-benchmark/task-template.md"
	DefaultTasksRoot    = ".scratch/tasks"
	DefaultElanCache    = ".elan-cache"
	DefaultTimeout      = 600 * time.Second
	DefaultPollInterval = 2 * time.Second

	DefaultAgentCommand = "/workspace/bin/lean-task agent /task/task-{id}.md /task/claude.out"
	DefaultSystemPrompt = "You are running in a read-only workspace. Do NOT run lake update/build. " +
		"All writable work must go under /task. " +
		"To run Lean with Mathlib, use: cd /workspace && lake env lean /task/submit.lean " +
		"or cd /workspace && lake env lean /task/scratch/scratch.lean."
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Load 加载配置
//  1. 加载 .env.{env} 与仓库根目录下的 .env.local（不覆盖已有环境变量）
//  2. 加载 common.yaml 和 {env}.yaml
//  3. 环境变量与命令行覆盖
//  4. 校验并解析路径
func Load(opts LoadOptions) (*Config, error) {
	env := parseEnv(os.Getenv("APP_ENV"))
	loadEnvFiles(env, opts.RepoRoot)

	yamlCfg, loadedFrom, err := loadYAMLConfig(env, configPaths(env, opts))
	if err != nil {
		return nil, err
	}
	applyEnv(yamlCfg)

	root := firstNonEmpty(opts.RepoRoot, yamlCfg.RepoRoot)
	if root == "" {
		return nil, fmt.Errorf("%w: repo root is required", ErrInvalidConfig)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}

	cfg := &Config{
		Env:              env,
		RepoRoot:         root,
		Image:            yamlCfg.Image,
		TasksRoot:        ResolvePath(root, yamlCfg.TasksRoot),
		ElanCache:        ResolvePath(root, yamlCfg.ElanCache),
		JSONL:            ResolvePath(root, yamlCfg.JSONL),
		Template:         ResolvePath(root, yamlCfg.Template),
		EnvFile:          ResolvePath(root, yamlCfg.EnvFile),
		Supervisor:       yamlCfg.Supervisor,
		MinArtifactBytes: yamlCfg.Artifacts.MinBytes,
		RequireArtifacts: yamlCfg.Artifacts.Require == nil || *yamlCfg.Artifacts.Require,
		Agent:            yamlCfg.Agent,
		History:          yamlCfg.History,
		MinIO:            yamlCfg.MinIO,
		Redis:            yamlCfg.Redis,
		Metrics:          yamlCfg.Metrics,
		Log:              yamlCfg.Log,
		ConfigFilePath:   loadedFrom,
	}
	if cfg.History.Path != "" {
		cfg.History.Path = ResolvePath(root, cfg.History.Path)
	}
	if cfg.Metrics.Textfile != "" {
		cfg.Metrics.Textfile = ResolvePath(root, cfg.Metrics.Textfile)
	}

	cfg.applyOverrides(opts.Overrides)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults 代码硬编码默认值
func defaults() *YAMLConfig {
	return &YAMLConfig{
		Image:     DefaultImage,
		TasksRoot: DefaultTasksRoot,
		ElanCache: DefaultElanCache,
		JSONL:     DefaultJSONL,
		Template:  DefaultTemplate,
		EnvFile:   ".env",
		Supervisor: SupervisorConfig{
			Timeout:        DefaultTimeout,
			PollInterval:   DefaultPollInterval,
			CleanupTimeout: time.Minute,
			WaitMode:       WaitModePoll,
		},
		Artifacts: ArtifactsConfig{MinBytes: 1},
		Agent: AgentConfig{
			Shell:        []string{"-lc"},
			Command:      DefaultAgentCommand,
			Binary:       "claude",
			SystemPrompt: DefaultSystemPrompt,
		},
		MinIO:   MinIOConfig{Bucket: "lean-tasks"},
		Redis:   RedisConfig{Stream: "lean-task:runs"},
		Metrics: MetricsConfig{Job: "lean_task"},
		Log:     loggingDefaults(),
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment, paths []string) (*YAMLConfig, string, error) {
	cfg := defaults()
	var loadedFrom string

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range paths {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, "", fmt.Errorf("parse %s: %w", path, err)
			}
			loadedFrom = path
			break
		}
	}
	return cfg, loadedFrom, nil
}

// configPaths 配置文件搜索路径
//
// 优先级：
//  1. --config 命令行参数
//  2. CONFIG_DIR 环境变量
//  3. 生产环境 /etc/lean-task，否则 {repo}/configs
func configPaths(env Environment, opts LoadOptions) []string {
	if opts.ConfigDir != "" {
		return []string{opts.ConfigDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	if env == EnvProduction {
		return []string{"/etc/lean-task"}
	}
	if opts.RepoRoot != "" {
		return []string{filepath.Join(opts.RepoRoot, "configs")}
	}
	return []string{"configs"}
}

// loadEnvFiles 加载 .env 文件
//
// godotenv.Load 不覆盖已有环境变量，优先级低于 shell 环境变量。
// 生产环境不搜索 .env 文件。
func loadEnvFiles(env Environment, root string) {
	if env == EnvProduction || root == "" {
		return
	}
	for _, name := range []string{fmt.Sprintf(".env.%s", env), ".env.local"} {
		_ = godotenv.Load(filepath.Join(root, name))
	}
}

// applyEnv 环境变量覆盖 YAML 配置
func applyEnv(cfg *YAMLConfig) {
	cfg.RepoRoot = firstNonEmpty(os.Getenv("REPO_ROOT"), cfg.RepoRoot)
	cfg.Image = firstNonEmpty(os.Getenv("LEAN_IMAGE"), cfg.Image)
	cfg.TasksRoot = firstNonEmpty(os.Getenv("TASKS_ROOT"), cfg.TasksRoot)
	cfg.ElanCache = firstNonEmpty(os.Getenv("ELAN_CACHE"), cfg.ElanCache)
	if v := os.Getenv("TASK_TIMEOUT"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			cfg.Supervisor.Timeout = d
		}
	}
	cfg.History.Path = firstNonEmpty(os.Getenv("HISTORY_PATH"), cfg.History.Path)

	cfg.MinIO.Endpoint = firstNonEmpty(os.Getenv("MINIO_ENDPOINT"), cfg.MinIO.Endpoint)
	cfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	cfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")

	cfg.Redis.URL = firstNonEmpty(os.Getenv("REDIS_URL"), cfg.Redis.URL)
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	cfg.Metrics.Pushgateway = firstNonEmpty(os.Getenv("PUSHGATEWAY_URL"), cfg.Metrics.Pushgateway)

	cfg.Log.Level = firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(os.Getenv("LOG_FORMAT"), cfg.Log.Format)
}

// applyOverrides 命令行覆盖
func (c *Config) applyOverrides(o Overrides) {
	if o.Image != "" {
		c.Image = o.Image
	}
	if o.JSONL != "" {
		c.JSONL = ResolvePath(c.RepoRoot, o.JSONL)
	}
	if o.Template != "" {
		c.Template = ResolvePath(c.RepoRoot, o.Template)
	}
	if o.Timeout > 0 {
		c.Supervisor.Timeout = o.Timeout
	}
	if o.MinArtifactBytes != nil {
		c.MinArtifactBytes = *o.MinArtifactBytes
	}
	if o.RequireArtifacts != nil {
		c.RequireArtifacts = *o.RequireArtifacts
	}
	if o.WaitMode != "" {
		c.Supervisor.WaitMode = o.WaitMode
	}
}

// validate 校验配置并填充缺省值
func (c *Config) validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	if c.Supervisor.Timeout <= 0 {
		return fmt.Errorf("%w: supervisor.timeout must be positive", ErrInvalidConfig)
	}
	if c.Supervisor.PollInterval <= 0 {
		c.Supervisor.PollInterval = DefaultPollInterval
	}
	if c.Supervisor.CleanupTimeout <= 0 {
		c.Supervisor.CleanupTimeout = time.Minute
	}
	switch c.Supervisor.WaitMode {
	case "":
		c.Supervisor.WaitMode = WaitModePoll
	case WaitModePoll, WaitModeNative:
	default:
		return fmt.Errorf("%w: unknown wait_mode %q", ErrInvalidConfig, c.Supervisor.WaitMode)
	}
	if c.MinArtifactBytes < 0 {
		return fmt.Errorf("%w: artifacts.min_bytes must not be negative", ErrInvalidConfig)
	}
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultAgentCommand
	}
	return nil
}

// ResolvePath 相对路径基于仓库根目录解析
func ResolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// TaskDir 返回任务工作空间目录
func (c *Config) TaskDir(id string) string {
	return filepath.Join(c.TasksRoot, id)
}

// AgentCommand 渲染容器入口命令
func (c *Config) AgentCommand(id string) []string {
	cmd := strings.ReplaceAll(c.Agent.Command, "{id}", id)
	return append(append([]string(nil), c.Agent.Shell...), cmd)
}

// String 返回配置摘要（隐藏凭据）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Root: %s, Image: %s, Timeout: %s, Wait: %s}",
		c.Env, c.RepoRoot, c.Image, c.Supervisor.Timeout, c.Supervisor.WaitMode)
}

// ParseBool 解析布尔参数，支持 1/0、true/false、yes/no、on/off
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value: %s", value)
}

// parseSeconds 支持纯数字秒数或 Go duration 字符串
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
