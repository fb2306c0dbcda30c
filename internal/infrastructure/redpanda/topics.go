// Package redpanda carries the event plumbing for the medication pipeline:
// topic provisioning, the outbox-fed producer and the reconciliation
// consumer.
package redpanda

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the administration and reconciliation pipeline
const (
	TopicAdministrations = "mar.administrations"
	TopicSafetyDenials   = "mar.safety.denials"
	TopicCareTransitions = "care.transitions"
	TopicDiscrepancies   = "reconciliation.discrepancies"
	TopicClinicalAlerts  = "clinical.alerts"
	TopicAuditTrail      = "audit.trail"
	TopicDeadLetter      = "dead.letter"
)

// topicSpec declares one topic's shape. Partition counts follow the keying:
// administrations key by prescription, transitions and alerts by resident.
type topicSpec struct {
	name       string
	partitions int32
	retention  time.Duration
}

// pipelineTopics is the full topic set. The audit trail keeps 90 days for
// regulatory retention; everything else is operational.
var pipelineTopics = []topicSpec{
	{TopicAdministrations, 12, 30 * 24 * time.Hour},
	{TopicSafetyDenials, 6, 7 * 24 * time.Hour},
	{TopicCareTransitions, 12, 7 * 24 * time.Hour},
	{TopicDiscrepancies, 6, 30 * 24 * time.Hour},
	{TopicClinicalAlerts, 6, 7 * 24 * time.Hour},
	{TopicAuditTrail, 6, 90 * 24 * time.Hour},
	{TopicDeadLetter, 3, 7 * 24 * time.Hour},
}

// replicationFactor is 1 for development; production clusters override the
// topic config out of band
const replicationFactor = 1

// Admin provisions and inspects the pipeline topics
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to the brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kc, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kc), logger: logger}, nil
}

// EnsureTopics creates every pipeline topic that does not exist yet
func (a *Admin) EnsureTopics(ctx context.Context) error {
	ptr := func(s string) *string { return &s }

	for _, spec := range pipelineTopics {
		configs := map[string]*string{
			"retention.ms":     ptr(strconv.FormatInt(spec.retention.Milliseconds(), 10)),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}

		resp, err := a.client.CreateTopics(ctx, spec.partitions, replicationFactor, configs, spec.name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Debug("topic exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", spec.partitions),
				zap.Duration("retention", spec.retention))
		}
	}
	return nil
}

// Close releases the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a short deadline
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("broker client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}
