// Package queue carries work items from the submission gateway to the
// supervisors with at-least-once delivery.
//
// A received item stays invisible to other consumers until its visibility
// deadline. If it is not deleted by then it becomes receivable again. Each
// receive mints a new receipt and the previous receipt of that item stops
// working.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imalyk/go-video-converter/pkg/job"
)

var (
	ErrReceiptInvalid   = errors.New("receipt is unknown or expired")
	ErrMalformedMessage = errors.New("malformed work item")
)

// Delivery is one receipt of a work item.
type Delivery struct {
	ID           string
	Receipt      string
	Body         job.Message
	ReceiveCount int
	ReceivedAt   time.Time
}

type Queue interface {
	Publish(ctx context.Context, msg job.Message) (string, error)
	// Receive waits up to wait for an item and hides it for visibility.
	// It returns nil, nil when nothing arrived in time. A body that does not
	// decode is returned together with ErrMalformedMessage so the caller can
	// delete it.
	Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error)
	Delete(ctx context.Context, receipt string) error
	Close() error
}

func encodeMessage(msg job.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return body, nil
}

// decodeInto fills d.Body from raw, reporting ErrMalformedMessage when the
// payload is not a valid work item.
func decodeInto(d *Delivery, raw []byte) error {
	var msg job.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("message %s: %w: %v", d.ID, ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("message %s: %w: %v", d.ID, ErrMalformedMessage, err)
	}
	d.Body = msg
	return nil
}
