package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

// Config is the service configuration. Values come from an optional JSON
// config file with ORDERS_-prefixed environment variables layered on top.
type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	MetricsPort string    `mapstructure:"metrics_port"`
	Database    Database  `mapstructure:"database"`
	Temporal    Temporal  `mapstructure:"temporal"`
	Saga        Saga      `mapstructure:"saga"`
	AWS         AWS       `mapstructure:"aws"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
}

// Database holds the ledger connection settings.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// Temporal locates the durable-execution engine and names the execution lanes.
type Temporal struct {
	HostPort          string `mapstructure:"host_port"`
	Namespace         string `mapstructure:"namespace"`
	OrderTaskQueue    string `mapstructure:"order_task_queue"`
	ShippingTaskQueue string `mapstructure:"shipping_task_queue"`
}

// Saga carries the per-step timeout/retry knobs and the approval timer.
type Saga struct {
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	MaxAttempts        int32         `mapstructure:"max_attempts"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	ApprovalTimer      time.Duration `mapstructure:"approval_timer"`
	ShippingRetryCap   int           `mapstructure:"shipping_retry_cap"`
}

// AWS configures the optional messaging adapters.
type AWS struct {
	Region      string `mapstructure:"region"`
	EndpointSNS string `mapstructure:"endpoint_sns"`
	EndpointSQS string `mapstructure:"endpoint_sqs"`
	SNSTopicArn string `mapstructure:"sns_topic_arn"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
}

// Telemetry configures the otel exporters.
type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ReadConfig loads defaults, an optional config file, then the environment.
func ReadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("orders")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ORDERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "order-lifecycle")
	v.SetDefault("env", "local")
	v.SetDefault("port", "8000")
	v.SetDefault("metrics_port", "9090")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "orderdb")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.order_task_queue", workflows.TaskQueueOrders)
	v.SetDefault("temporal.shipping_task_queue", workflows.TaskQueueShipping)

	def := workflows.DefaultPolicies()
	v.SetDefault("saga.step_timeout", def.StepTimeout)
	v.SetDefault("saga.max_attempts", def.MaxAttempts)
	v.SetDefault("saga.backoff_initial", def.BackoffInitial)
	v.SetDefault("saga.backoff_coefficient", def.BackoffCoefficient)
	v.SetDefault("saga.backoff_max", def.BackoffMax)
	v.SetDefault("saga.approval_timer", def.ApprovalTimer)
	v.SetDefault("saga.shipping_retry_cap", def.ShippingRetryCap)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint_sns", "")
	v.SetDefault("aws.endpoint_sqs", "")
	v.SetDefault("aws.sns_topic_arn", "")
	v.SetDefault("aws.sqs_queue_url", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
}

// Policies converts the saga section into the workflow's policy struct.
func (c *Config) Policies() workflows.StepPolicies {
	return workflows.StepPolicies{
		StepTimeout:        c.Saga.StepTimeout,
		MaxAttempts:        c.Saga.MaxAttempts,
		BackoffInitial:     c.Saga.BackoffInitial,
		BackoffCoefficient: c.Saga.BackoffCoefficient,
		BackoffMax:         c.Saga.BackoffMax,
		ApprovalTimer:      c.Saga.ApprovalTimer,
		ShippingRetryCap:   c.Saga.ShippingRetryCap,
	}
}

// Validate enforces the global time budget as a static design constraint:
// the analytic worst case of the configured timers and retries must fit the
// budget. This is checked here, once, not at runtime.
func (c *Config) Validate() error {
	worst := c.Policies().WorstCase()
	if worst > workflows.Budget {
		return errors.Errorf(
			"saga configuration busts the %s budget: worst case %s (approval timer + step timeout × attempts across all steps)",
			workflows.Budget, worst)
	}
	if c.Temporal.OrderTaskQueue == c.Temporal.ShippingTaskQueue {
		return errors.New("order and shipping task queues must be distinct execution lanes")
	}
	return nil
}

// DatabaseURL renders the ledger DSN.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
