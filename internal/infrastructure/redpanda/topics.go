package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names
const (
	TopicCalculations        = "ndc.calculations"
	TopicCalculationRequests = "ndc.calculation.requests"
	TopicCalculationResults  = "ndc.calculation.results"
	TopicDeadLetter          = "ndc.dead-letter"
)

// TopicConfig describes a topic to create
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the engine's topics with the given replication factor
func DefaultTopicConfigs(replication int16) []TopicConfig {
	if replication <= 0 {
		replication = 1
	}
	ptr := func(s string) *string { return &s }
	day := ptr("86400000")
	week := ptr("604800000")

	return []TopicConfig{
		{
			Name:              TopicCalculations,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs:           map[string]*string{"retention.ms": week, "cleanup.policy": ptr("delete")},
		},
		{
			Name:              TopicCalculationRequests,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs:           map[string]*string{"retention.ms": day, "cleanup.policy": ptr("delete")},
		},
		{
			Name:              TopicCalculationResults,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs:           map[string]*string{"retention.ms": day, "cleanup.policy": ptr("delete")},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs:           map[string]*string{"retention.ms": ptr("2592000000")},
		},
	}
}

// Admin manages topics
type Admin struct {
	kc     *kgo.Client
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kc, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{kc: kc, client: kadm.NewClient(kc), logger: logger}, nil
}

// EnsureTopics creates any missing topics; existing ones are left alone
func (a *Admin) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	for _, t := range topics {
		resp, err := a.client.CreateTopics(ctx, t.Partitions, t.ReplicationFactor, t.Configs, t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		for _, r := range resp {
			switch {
			case r.Err == nil:
				a.logger.Info("topic created", zap.String("topic", r.Topic), zap.Int32("partitions", t.Partitions))
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			default:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
	}
	return nil
}

// Lag returns per-partition lag of a consumer group
func (a *Admin) Lag(ctx context.Context, group string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("group lag: %w", err)
	}
	out := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if out[topic] == nil {
				out[topic] = make(map[int32]int64)
			}
			for p, lag := range partitions {
				out[topic][p] = lag.Lag
			}
		}
	})
	return out, nil
}

// Close closes the client
func (a *Admin) Close() {
	a.kc.Close()
}

// HealthCheck pings the brokers
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
