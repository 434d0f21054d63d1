package billing

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

var errMissingPublisher = errors.New("billing: message publisher required")

// Publisher forwards validated billing notifications onto the event bus.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher wraps a watermill publisher.
func NewPublisher(publisher message.Publisher) (*Publisher, error) {
	if publisher == nil {
		return nil, errMissingPublisher
	}
	return &Publisher{publisher: publisher}, nil
}

// Publish validates the event and emits it on TopicSubscriptionStatusChanged.
// The billing event id doubles as the message uuid so duplicates stay recognizable downstream.
func (p *Publisher) Publish(event SubscriptionStatusChanged) error {
	validated, err := event.Validate()
	if err != nil {
		return err
	}
	event.EventID = validated.EventID
	event.UserID = validated.UserID
	event.Status = validated.Status.String()

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(validated.EventID, payload)
	return p.publisher.Publish(TopicSubscriptionStatusChanged, msg)
}
