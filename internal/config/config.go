// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
// 只有 main 读取它，各组件通过构造函数接收自己需要的配置段。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Identifiers   IdentifierConfig    `mapstructure:"identifiers"`
	Validator     ValidatorConfig     `mapstructure:"validator"`
	Cluster       ClusterConfig       `mapstructure:"cluster"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Revisions     RevisionConfig      `mapstructure:"revisions"`
	Search        SearchConfig        `mapstructure:"search"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// EmbeddedWorkers 为 true 时，HTTP 进程内同时运行所有队列的 worker。
	EmbeddedWorkers bool `mapstructure:"embedded_workers"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储短期签名 token 的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
// 每个 worker 池对应一个 topic：<topic_prefix><pool>。
type KafkaConfig struct {
	Brokers           string `mapstructure:"brokers"`
	TopicPrefix       string `mapstructure:"topic_prefix"`
	GroupID           string `mapstructure:"group_id"`
	NotificationTopic string `mapstructure:"notification_topic"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储下游数据归档（对象存储）的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// StorageConfig 描述研究目录所在的各个存储层。
type StorageConfig struct {
	StudyMetadataRoot string `mapstructure:"study_metadata_root"`
	DataRoot          string `mapstructure:"data_root"`
	AuditRoot         string `mapstructure:"audit_root"`
	InternalRoot      string `mapstructure:"internal_root"`
	PublicMirrorRoot  string `mapstructure:"public_mirror_root"`
	PrivateFTPRoot    string `mapstructure:"private_ftp_root"`
	RecycleBinRoot    string `mapstructure:"recycle_bin_root"`
	// 权限位是不透明的整数 ACL 代码。
	FTPReadWriteMode int `mapstructure:"ftp_read_write_mode"`
	FTPReadOnlyMode  int `mapstructure:"ftp_read_only_mode"`
	// OwnerUID / OwnerGID 小于 0 时不执行 chown。
	OwnerUID int `mapstructure:"owner_uid"`
	OwnerGID int `mapstructure:"owner_gid"`
	// HashWorkers 控制并行计算 SHA-256 的文件数。
	HashWorkers int `mapstructure:"hash_workers"`
}

// IdentifierConfig 存储提交号与 accession 的固定前缀。
type IdentifierConfig struct {
	SubmissionPrefix string `mapstructure:"submission_prefix"`
	AccessionPrefix  string `mapstructure:"accession_prefix"`
}

// ValidatorConfig 存储外部验证服务的配置。
type ValidatorConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIToken     string        `mapstructure:"api_token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
}

// ClusterConfig 存储批处理集群作业提交的配置。
type ClusterConfig struct {
	SubmitCommand   string   `mapstructure:"submit_command"`
	SubmitArgs      []string `mapstructure:"submit_args"`
	RsyncCommand    string   `mapstructure:"rsync_command"`
	CallbackBaseURL string   `mapstructure:"callback_base_url"`
	CallbackToken   string   `mapstructure:"callback_token"`
}

// JobsConfig 存储作业运行时的超时与重试策略。
type JobsConfig struct {
	SoftTimeLimit  time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit  time.Duration `mapstructure:"hard_time_limit"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

// RevisionConfig 存储修订巡检的配置。
type RevisionConfig struct {
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SearchConfig 存储索引对账的配置。
type SearchConfig struct {
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// NotificationConfig 存储通知的收件地址。
type NotificationConfig struct {
	TechnicalIssueAddress string `mapstructure:"technical_issue_address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("kafka.topic_prefix", "study-lifecycle.")
	v.SetDefault("kafka.group_id", "study-lifecycle-worker")
	v.SetDefault("kafka.notification_topic", "study-lifecycle.notifications")
	v.SetDefault("elasticsearch.index_name", "studies")
	v.SetDefault("storage.ftp_read_write_mode", 0o770)
	v.SetDefault("storage.ftp_read_only_mode", 0o750)
	v.SetDefault("storage.owner_uid", -1)
	v.SetDefault("storage.owner_gid", -1)
	v.SetDefault("storage.hash_workers", 4)
	v.SetDefault("identifiers.submission_prefix", "REQ")
	v.SetDefault("identifiers.accession_prefix", "MTBLS")
	v.SetDefault("validator.poll_interval", "5s")
	v.SetDefault("validator.max_polls", 60)
	v.SetDefault("cluster.submit_command", "sbatch")
	v.SetDefault("cluster.submit_args", []string{"--parsable"})
	v.SetDefault("cluster.rsync_command", "rsync")
	v.SetDefault("jobs.soft_time_limit", "10m")
	v.SetDefault("jobs.hard_time_limit", "15m")
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.initial_backoff", "2s")
	v.SetDefault("jobs.max_backoff", "1m")
	v.SetDefault("jobs.result_ttl", "168h")
	v.SetDefault("revisions.grace_period", "30m")
	v.SetDefault("revisions.mirror_timeout", "24h")
	v.SetDefault("revisions.max_retries", 3)
	v.SetDefault("revisions.sweep_interval", "10m")
	v.SetDefault("search.sync_interval", "6h")
}

// Load 从指定路径读取 YAML 配置并返回解析后的结构体。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
