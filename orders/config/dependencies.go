package config

import (
	"context"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.temporal.io/sdk/client"

	"github.com/trellis-commerce/order-lifecycle/orders/infrastructure"
	"github.com/trellis-commerce/order-lifecycle/shared/telemetry"
)

// Dependencies holds the shared collaborators the binaries assemble at boot.
type Dependencies struct {
	DB             *sqlx.DB
	Ledger         *infrastructure.PostgresLedger
	TemporalClient client.Client
	Engine         *infrastructure.TemporalEngine
	Notifier       *infrastructure.SNSNotifier
	Telemetry      *telemetry.Telemetry

	shutdowns []func()
}

// BuildDependencies opens the ledger database, dials the workflow engine, and
// wires the optional SNS notifier and telemetry exporters.
func BuildDependencies(ctx context.Context, cfg *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, errors.Wrap(err, "connect to ledger database")
	}
	deps.DB = db

	deps.Ledger = infrastructure.NewPostgresLedger(db)
	if err := deps.Ledger.InitSchema(ctx); err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "initialize ledger schema")
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "dial workflow engine")
	}
	deps.TemporalClient = temporalClient
	deps.Engine = infrastructure.NewTemporalEngine(
		temporalClient,
		cfg.Temporal.OrderTaskQueue,
		cfg.Temporal.ShippingTaskQueue,
		cfg.Policies(),
	)

	if cfg.AWS.SNSTopicArn != "" {
		snsClient, err := newSNSClient(ctx, cfg)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Notifier = infrastructure.NewSNSNotifier(snsClient, cfg.AWS.SNSTopicArn)
	}

	if cfg.Telemetry.Enabled {
		tel, shutdown, err := telemetry.Init(ctx, telemetry.NewConfig(
			cfg.ServiceName, cfg.Env, cfg.Telemetry.OTLPEndpoint))
		if err != nil {
			deps.Close()
			return nil, errors.Wrap(err, "initialize telemetry")
		}
		deps.Telemetry = tel
		deps.shutdowns = append(deps.shutdowns, shutdown)
	}

	return deps, nil
}

// NewSQSClient builds an SQS client for the signal relay binary.
func NewSQSClient(ctx context.Context, cfg *Config) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointSQS != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointSQS)
		}
	}), nil
}

func newSNSClient(ctx context.Context, cfg *Config) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWS.EndpointSNS != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointSNS)
		}
	}), nil
}

// Close releases the database and engine connections and flushes telemetry.
func (d *Dependencies) Close() {
	for _, shutdown := range d.shutdowns {
		shutdown()
	}
	if d.TemporalClient != nil {
		d.TemporalClient.Close()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			log.Printf("closing ledger database: %v", err)
		}
	}
}
