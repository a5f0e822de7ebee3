// consumer.go adapts sarama's consumer-group API to a synchronous,
// poll()-style interface: one call returns either a message, a "no
// message" outcome, or an end-of-partition signal once a partition has
// been drained to its high-water mark.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"go.alertstream.build/go/sklog"
)

var (
	// ErrNoMessage means poll() found nothing new; the caller should log
	// and continue.
	ErrNoMessage = errors.New("no message")
	// ErrEndOfPartition means a partition reached its high-water mark;
	// the caller counts these and exits once every partition has
	// reported one.
	ErrEndOfPartition = errors.New("end of partition")
)

// Message is one decoded-to-bytes broker record.
type Message struct {
	Partition int32
	Offset    int64
	Value     []byte
}

// BrokerConsumer is the synchronous interface the worker drives.
type BrokerConsumer interface {
	// Poll blocks up to the implementation's own internal timeout and
	// returns exactly one of: a Message, ErrNoMessage, ErrEndOfPartition
	// (with Message.Partition set), or a fatal error.
	Poll(ctx context.Context) (Message, error)
	NumPartitions() int
	Close() error
}

const pollTimeout = 1 * time.Second

type saramaConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	msgCh chan Message
	eofCh chan int32
	errCh chan error

	mu            sync.Mutex
	numPartitions int
}

// NewSaramaConsumer subscribes to topic under groupID, starting every
// assigned partition at its oldest offset when the group has no committed
// offset for it.
func NewSaramaConsumer(brokers []string, groupID, topic string) (BrokerConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Version = sarama.V2_8_0_0

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &saramaConsumer{
		group:  group,
		topic:  topic,
		cancel: cancel,
		msgCh:  make(chan Message, 64),
		eofCh:  make(chan int32, 16),
		errCh:  make(chan error, 16),
	}

	c.wg.Add(1)
	go c.run(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			sklog.Errorf("consumer group error: %v", err)
			select {
			case c.errCh <- err:
			default:
			}
		}
	}()

	return c, nil
}

func (c *saramaConsumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case c.errCh <- err:
			default:
			}
			time.Sleep(time.Second)
		}
	}
}

// Setup records how many partitions this member was assigned.
func (c *saramaConsumer) Setup(session sarama.ConsumerGroupSession) error {
	c.mu.Lock()
	c.numPartitions = len(session.Claims()[c.topic])
	c.mu.Unlock()
	return nil
}

func (c *saramaConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *saramaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.msgCh <- Message{Partition: msg.Partition, Offset: msg.Offset, Value: msg.Value}
		session.MarkMessage(msg, "")
		if msg.Offset+1 >= claim.HighWaterMarkOffset() {
			select {
			case c.eofCh <- msg.Partition:
			default:
			}
		}
	}
	return nil
}

func (c *saramaConsumer) NumPartitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numPartitions
}

func (c *saramaConsumer) Poll(ctx context.Context) (Message, error) {
	select {
	case m := <-c.msgCh:
		return m, nil
	case p := <-c.eofCh:
		return Message{Partition: p}, ErrEndOfPartition
	case err := <-c.errCh:
		return Message{}, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-time.After(pollTimeout):
		return Message{}, ErrNoMessage
	}
}

func (c *saramaConsumer) Close() error {
	c.cancel()
	err := c.group.Close()
	c.wg.Wait()
	return err
}
