package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"port" validate:"min=1,max=65535"`
	} `mapstructure:"running"`
	Store struct {
		// mysql | memory
		Driver string `mapstructure:"driver" validate:"oneof=mysql memory"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时在线状态只保存在进程内
		Addrs    []string `mapstructure:"addrs" validate:"dive,hostname_port"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发送操作事件
		Brokers []string `mapstructure:"brokers" validate:"dive,hostname_port"`
		Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
	} `mapstructure:"kafka"`
	Auth struct {
		// HS256 密钥，为空时 /ws 不做鉴权
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Collab struct {
		HistoryLimit   int           `mapstructure:"historyLimit" validate:"min=1"`
		SendBuffer     int           `mapstructure:"sendBuffer" validate:"min=1"`
		PersistTimeout time.Duration `mapstructure:"persistTimeout" validate:"gt=0"`
		OpsPerSecond   float64       `mapstructure:"opsPerSecond" validate:"gte=0"`
		OpBurst        int           `mapstructure:"opBurst" validate:"gte=0"`
	} `mapstructure:"collab"`
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=json console"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8000)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab.doc-ops")
	v.SetDefault("auth.secret", "")
	v.SetDefault("collab.historyLimit", 100)
	v.SetDefault("collab.sendBuffer", 256)
	v.SetDefault("collab.persistTimeout", 3*time.Second)
	v.SetDefault("collab.opsPerSecond", 0)
	v.SetDefault("collab.opBurst", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load 读取 collabConfig.yaml（可以不存在），再用 COLLAB_ 前缀的环境变量覆盖，
// 例如 COLLAB_RUNNING_PORT、COLLAB_MYSQL_DSN、COLLAB_KAFKA_BROKERS=a:9092,b:9092。
// paths 为空时按默认目录查找。
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CollabConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Driver == "mysql" && c.Mysql.DSN == "" {
		return errors.New("invalid config: mysql.dsn is required when store.driver is mysql")
	}
	return nil
}
