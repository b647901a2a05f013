package config

import (
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const envPrefix = "allocation"

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

type Config struct {
	HTTPAddress string `envconfig:"http_address" default:":8080"`
	GRPCAddress string `envconfig:"grpc_address" default:":50051"`

	DBUser            string        `envconfig:"db_user" default:"root"`
	DBPassword        string        `envconfig:"db_password" default:"root"`
	DBHost            string        `envconfig:"db_host" default:"localhost:3306"`
	DBName            string        `envconfig:"db_name" default:"allocation"`
	DBMaxOpenConns    int           `envconfig:"db_max_open_conns" default:"50"`
	DBMaxIdleConns    int           `envconfig:"db_max_idle_conns" default:"25"`
	DBConnMaxLifetime time.Duration `envconfig:"db_conn_max_lifetime" default:"5m"`

	// RedisAddress enables the allocation cache when set.
	RedisAddress string        `envconfig:"redis_address"`
	CacheTTL     time.Duration `envconfig:"cache_ttl" default:"24h"`

	RequestTimeout time.Duration `envconfig:"request_timeout" default:"5s"`
	Storage        string        `envconfig:"storage" default:"mysql"`

	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"json"`
}

func Load() (*Config, error) {
	c := new(Config)
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse env")
	}
	if c.Storage != StorageMySQL && c.Storage != StorageMemory {
		return nil, errors.Errorf("unknown storage %q", c.Storage)
	}
	return c, nil
}

// MySQLDSN builds a go-sql-driver DSN that scans DATE columns into time.Time in UTC.
func (c *Config) MySQLDSN() string {
	dsn := mysql.NewConfig()
	dsn.User = c.DBUser
	dsn.Passwd = c.DBPassword
	dsn.Net = "tcp"
	dsn.Addr = c.DBHost
	dsn.DBName = c.DBName
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	return dsn.FormatDSN()
}

func NewLogger(c *Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}

	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(level)
	switch c.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format %q", c.LogFormat)
	}
	return log, nil
}
