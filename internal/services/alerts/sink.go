package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/HazardBox/internal/broker/messages"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
)

// Alert is one banner or notification emitted for a region entry.
type Alert struct {
	Decision Decision            `json:"decision"`
	Hazard   models.HazardRecord `json:"hazard"`
	At       time.Time           `json:"at"`
}

type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// ChanSink hands alerts to an in-process reader. A full buffer drops the alert.
type ChanSink struct {
	ch chan Alert
}

func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 16
	}
	return &ChanSink{ch: make(chan Alert, size)}
}

func (s *ChanSink) C() <-chan Alert { return s.ch }

func (s *ChanSink) Deliver(ctx context.Context, a Alert) error {
	select {
	case s.ch <- a:
		return nil
	default:
		return errors.New("alert channel full")
	}
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// KafkaSink publishes alerts as messages.HazardAlert keyed by hazard id.
type KafkaSink struct {
	pub   Publisher
	topic string
}

func NewKafkaSink(pub Publisher, topic string) *KafkaSink {
	if topic == "" {
		topic = messages.TopicHazardAlerts
	}
	return &KafkaSink{pub: pub, topic: topic}
}

func (s *KafkaSink) Deliver(ctx context.Context, a Alert) error {
	msg := messages.HazardAlert{
		HazardID:  a.Hazard.ID,
		Kind:      string(a.Hazard.Kind),
		Severity:  a.Hazard.Severity,
		Lat:       a.Hazard.Coordinate.Lat,
		Lng:       a.Hazard.Coordinate.Lng,
		Delivery:  string(a.Decision),
		EmittedAt: a.At,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal hazard alert")
	}
	return s.pub.Publish(ctx, s.topic, []byte(a.Hazard.ID), b)
}
