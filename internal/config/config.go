package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ADB       ADBConfig       `mapstructure:"adb"`
	Device    DeviceConfig    `mapstructure:"device"`
	Dropbox   DropboxConfig   `mapstructure:"dropbox"`
	Recording RecordingConfig `mapstructure:"recording"`
	Launch    LaunchConfig    `mapstructure:"launch"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Artifacts ArtifactConfig  `mapstructure:"artifacts"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type ADBConfig struct {
	Path           string `mapstructure:"path"`            // adb 可执行文件
	Serial         string `mapstructure:"serial"`          // 设备序列号或 host:port
	Timeout        int    `mapstructure:"timeout"`         // seconds, 单条 shell 命令超时
	ConnectRetries int    `mapstructure:"connect_retries"` // 网络设备 adb connect 重试次数
}

// DeviceConfig 设备等待配置
type DeviceConfig struct {
	WaitTimeout  int `mapstructure:"wait_timeout"`  // seconds
	PollInterval int `mapstructure:"poll_interval"` // milliseconds
}

// DropboxConfig dropbox 崩溃提取配置
type DropboxConfig struct {
	ProtoDumpTimeout int      `mapstructure:"proto_dump_timeout"` // seconds, 每个 tag 的 proto dump
	PullTimeout      int      `mapstructure:"pull_timeout"`       // seconds, 列目录 / 打包 / 拉取
	HostToolTimeout  int      `mapstructure:"host_tool_timeout"`  // seconds, 主机 tar
	TempDir          string   `mapstructure:"temp_dir"`           // 空则使用系统临时目录
	Tags             []string `mapstructure:"tags"`               // 崩溃检测使用的 tag 集合
	Strategies       []string `mapstructure:"strategies"`         // proto / pull / stdout，按优先级
	MaxReportLines   int      `mapstructure:"max_report_lines"`   // 失败信息中每条记录保留的行数
}

// RecordingConfig 录屏配置
type RecordingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RemotePath   string `mapstructure:"remote_path"`
	PidTimeout   int    `mapstructure:"pid_timeout"`   // seconds
	PollInterval int    `mapstructure:"poll_interval"` // milliseconds
	StopTimeout  int    `mapstructure:"stop_timeout"`  // seconds
	TimeLimit    int    `mapstructure:"time_limit"`    // seconds, 0 表示不传 --time-limit
}

// LaunchConfig 启动测试配置
type LaunchConfig struct {
	WaitSeconds   int  `mapstructure:"wait_seconds"` // 启动后等待时间
	ClearLogcat   bool `mapstructure:"clear_logcat"`
	CollectLogcat bool `mapstructure:"collect_logcat"`
	Screenshot    bool `mapstructure:"screenshot"`
	ResetPackage  bool `mapstructure:"reset_package"` // 测试前 pm clear
}

// CrawlConfig 外部爬虫配置
type CrawlConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`         // 支持 {package} {serial} {output} 占位符
	Timeout     int      `mapstructure:"timeout"`      // seconds, 爬取时长
	GracePeriod int      `mapstructure:"grace_period"` // seconds, 进程额外允许的时间
}

type ArtifactConfig struct {
	Dir string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件
}

type RabbitMQConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	VHost        string `mapstructure:"vhost"`
	RequestQueue string `mapstructure:"request_queue"`
	VerdictQueue string `mapstructure:"verdict_queue"`
	Heartbeat    int    `mapstructure:"heartbeat"` // seconds
}

// WatcherConfig 包列表收件箱监听配置
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InboxDir string `mapstructure:"inbox_dir"`
	Kind     string `mapstructure:"kind"` // launch, crawl
}

type WorkerConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type ServerConfig struct {
	Port                int    `mapstructure:"port"`
	Mode                string `mapstructure:"mode"`                  // debug, release
	APIToken            string `mapstructure:"api_token"`             // 为空时不校验写接口
	MemoryStatsInterval int    `mapstructure:"memory_stats_interval"` // seconds
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时输出到 stdout
}

// CommandTimeout 单条 adb 命令超时
func (c ADBConfig) CommandTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c RecordingConfig) PidTimeoutDuration() time.Duration {
	return time.Duration(c.PidTimeout) * time.Second
}

func (c RecordingConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c RecordingConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// ProcessTimeout 爬虫进程总超时 = 爬取时长 + 宽限期（至少 3 分钟）
func (c CrawlConfig) ProcessTimeout() time.Duration {
	grace := c.GracePeriod
	if grace < minCrawlGracePeriod {
		grace = minCrawlGracePeriod
	}
	return time.Duration(c.Timeout+grace) * time.Second
}

const minCrawlGracePeriod = 180

// SetDefaults 写入默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.timeout", 60)
	v.SetDefault("adb.connect_retries", 3)

	v.SetDefault("device.wait_timeout", 60)
	v.SetDefault("device.poll_interval", 1000)

	v.SetDefault("dropbox.proto_dump_timeout", 240)
	v.SetDefault("dropbox.pull_timeout", 60)
	v.SetDefault("dropbox.host_tool_timeout", 60)
	v.SetDefault("dropbox.tags", []string{
		"SYSTEM_TOMBSTONE",
		"system_app_anr",
		"system_app_native_crash",
		"system_app_crash",
		"data_app_anr",
		"data_app_native_crash",
		"data_app_crash",
	})
	v.SetDefault("dropbox.strategies", []string{"proto", "pull", "stdout"})
	v.SetDefault("dropbox.max_report_lines", 60)

	v.SetDefault("recording.enabled", true)
	v.SetDefault("recording.remote_path", "/sdcard/screenrecord.mp4")
	v.SetDefault("recording.pid_timeout", 10)
	v.SetDefault("recording.poll_interval", 500)
	v.SetDefault("recording.stop_timeout", 10)

	v.SetDefault("launch.wait_seconds", 15)
	v.SetDefault("launch.collect_logcat", true)
	v.SetDefault("launch.screenshot", true)

	v.SetDefault("crawl.timeout", 900)
	v.SetDefault("crawl.grace_period", 180)

	v.SetDefault("artifacts.dir", "./results")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/harness.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.request_queue", "harness.requests")
	v.SetDefault("rabbitmq.verdict_queue", "harness.verdicts")
	v.SetDefault("rabbitmq.heartbeat", 10)

	v.SetDefault("watcher.inbox_dir", "./inbox")
	v.SetDefault("watcher.kind", "launch")

	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.memory_stats_interval", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 从文件加载配置（path 为空时只使用默认值和环境变量）
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith 使用指定的 viper 实例加载（命令行 flag 已绑定到该实例）
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	// 环境变量覆盖, 如 HARNESS_ADB_SERIAL
	v.SetEnvPrefix("HARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("adb.serial", "ANDROID_SERIAL")
	v.BindEnv("database.password", "HARNESS_DB_PASSWORD", "MYSQL_PASS")
	v.BindEnv("rabbitmq.password", "HARNESS_RABBITMQ_PASSWORD", "RABBITMQ_PASS")
	v.BindEnv("server.api_token", "HARNESS_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ADB.Timeout <= 0 {
		return fmt.Errorf("adb.timeout must be positive, got %d", c.ADB.Timeout)
	}
	if c.Dropbox.MaxReportLines <= 0 {
		return fmt.Errorf("dropbox.max_report_lines must be positive, got %d", c.Dropbox.MaxReportLines)
	}
	for _, s := range c.Dropbox.Strategies {
		switch s {
		case "proto", "pull", "stdout":
		default:
			return fmt.Errorf("unknown dropbox strategy %q", s)
		}
	}
	if len(c.Dropbox.Strategies) == 0 {
		return fmt.Errorf("dropbox.strategies must not be empty")
	}
	if c.Recording.PollInterval <= 0 {
		return fmt.Errorf("recording.poll_interval must be positive, got %d", c.Recording.PollInterval)
	}
	switch c.Watcher.Kind {
	case "launch", "crawl":
	default:
		return fmt.Errorf("unknown watcher.kind %q", c.Watcher.Kind)
	}
	return nil
}
