package models

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventType discriminates event payloads on the wire.
type EventType string

const (
	ArticlesEvent EventType = "articles_event"
	MetricsEvent  EventType = "metrics_event"
)

// Event is the self-describing envelope pushed onto broker queues. Content
// stays raw until a handler picks the payload type from EventType.
type Event struct {
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// NewEvent wraps a payload into an envelope stamped with the current time.
func NewEvent(eventType EventType, content any) (Event, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s content: %w", eventType, err)
	}
	return Event{EventType: eventType, Timestamp: time.Now().UTC(), Content: raw}, nil
}

// ArticlePayload is the content of an ArticlesEvent. Title and Description
// may each be absent.
type ArticlePayload struct {
	ID          ArticleID `json:"id"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
}

// MetricPayload is the content of a MetricsEvent.
type MetricPayload struct {
	MetricName  string            `json:"metric_name"`
	MetricValue float64           `json:"metric_value"`
	Tags        map[string]string `json:"tags"`
	Description string            `json:"description,omitempty"`
}

// NewMetricEvent builds a MetricsEvent envelope.
func NewMetricEvent(name string, value float64, tags map[string]string) (Event, error) {
	return NewEvent(MetricsEvent, MetricPayload{MetricName: name, MetricValue: value, Tags: tags})
}

// ArticleID accepts the two id encodings the crawler emits: a plain hex
// string or Mongo extended JSON ({"$oid":"..."}). A null id is rejected.
type ArticleID struct {
	primitive.ObjectID
}

func (id ArticleID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

func (id *ArticleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		oid, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return fmt.Errorf("article id %q: %w", s, err)
		}
		id.ObjectID = oid
		return nil
	}
	var ext struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(data, &ext); err != nil || ext.OID == "" {
		return fmt.Errorf("article id %s: unsupported encoding", data)
	}
	oid, err := primitive.ObjectIDFromHex(ext.OID)
	if err != nil {
		return fmt.Errorf("article id %q: %w", ext.OID, err)
	}
	id.ObjectID = oid
	return nil
}
