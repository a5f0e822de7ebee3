package supervisor

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// saramaAdmin lists topics via a cluster admin connection.
type saramaAdmin struct {
	admin sarama.ClusterAdmin
}

func NewSaramaAdmin(brokers []string) (BrokerAdmin, error) {
	admin, err := sarama.NewClusterAdmin(brokers, sarama.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("connecting cluster admin: %w", err)
	}
	return &saramaAdmin{admin: admin}, nil
}

func (a *saramaAdmin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.admin.ListTopics()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(topics))
	for name := range topics {
		out = append(out, name)
	}
	return out, nil
}
