// Package stream wraps the Kafka consumer the siphon reads from. The
// rest of the service only sees Poll / Commit / RefreshTopics, so tests can
// run against an in-memory fake.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/open-afc-project/als-siphon/libs/kafkax"
)

// Position is the (topic, partition, offset) address of one record.
type Position struct {
	Topic     string
	Partition int
	Offset    int64
}

func (p Position) String() string {
	return fmt.Sprintf("%s[%d]@%d", p.Topic, p.Partition, p.Offset)
}

// Record is one fetched record plus where it came from.
type Record struct {
	Position Position
	Key      []byte
	Value    []byte
}

type Config struct {
	Brokers      string
	GroupID      string
	AlsTopic     string
	TopicPattern string // regex for additional JSON-log topics; empty disables discovery
	MinBytes     int
	MaxBytes     int
}

type Client struct {
	brokers  []string
	groupID  string
	alsTopic string
	pattern  *regexp.Regexp
	minBytes int
	maxBytes int
	logger   *slog.Logger

	reader *kafka.Reader
	topics []string
}

func NewClient(logger *slog.Logger, cfg Config) (*Client, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.AlsTopic == "" {
		return nil, errors.New("als topic not configured")
	}
	var pattern *regexp.Regexp
	if cfg.TopicPattern != "" {
		var err error
		pattern, err = regexp.Compile(cfg.TopicPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", cfg.TopicPattern, err)
		}
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	c := &Client{
		brokers:  brokers,
		groupID:  cfg.GroupID,
		alsTopic: cfg.AlsTopic,
		pattern:  pattern,
		minBytes: cfg.MinBytes,
		maxBytes: cfg.MaxBytes,
		logger:   logger,
	}
	c.subscribe([]string{cfg.AlsTopic})
	return c, nil
}

// subscribe (re)builds the group reader over the given topic set.
func (c *Client) subscribe(topics []string) {
	if c.reader != nil {
		_ = c.reader.Close()
	}
	c.topics = topics
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		GroupTopics: topics,
		MinBytes:    c.minBytes,
		MaxBytes:    c.maxBytes,
	})
}

// Poll fetches up to max records, waiting at most timeout for the first
// one. A zero timeout still drains whatever the reader has buffered; the
// floor keeps the deadline context from firing before the first select.
func (c *Client) Poll(ctx context.Context, timeout time.Duration, max int) ([]Record, error) {
	if max <= 0 {
		max = 1
	}
	if timeout < 10*time.Millisecond {
		timeout = 10 * time.Millisecond
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var recs []Record
	for len(recs) < max {
		msg, err := c.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return recs, err
		}
		recs = append(recs, Record{
			Position: Position{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
			Key:      msg.Key,
			Value:    msg.Value,
		})
	}
	return recs, ctx.Err()
}

// Commit advances the consumer group to the given watermark offsets.
// CommitMessages commits offset+1, i.e. the next record to deliver, so the
// watermark itself is never redelivered.
func (c *Client) Commit(ctx context.Context, offsets map[string]map[int]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	var msgs []kafka.Message
	for topic, parts := range offsets {
		for partition, offset := range parts {
			msgs = append(msgs, kafka.Message{
				Topic:     topic,
				Partition: partition,
				Offset:    offset,
			})
		}
	}
	return c.reader.CommitMessages(ctx, msgs...)
}

// RefreshTopics re-lists cluster topics and resubscribes when the set of
// pattern-matched JSON-log topics changed. Returns true when the
// subscription was rebuilt.
func (c *Client) RefreshTopics(ctx context.Context) (bool, error) {
	if c.pattern == nil {
		return false, nil
	}
	all, err := kafkax.ListTopics(ctx, c.brokers)
	if err != nil {
		return false, err
	}
	topics := []string{c.alsTopic}
	for _, t := range all {
		if t != c.alsTopic && c.pattern.MatchString(t) {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	if equalTopics(topics, c.topics) {
		return false, nil
	}
	c.logger.Info("kafka subscription changed", "topics", topics)
	c.subscribe(topics)
	return true, nil
}

func (c *Client) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

func equalTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
