package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/ppiankov/secdash/internal/models"
)

const (
	// SubjectPrefix is prepended to the event type to form the subject
	SubjectPrefix = "secdash.events."

	// CompressThreshold is the payload size above which events are zstd-compressed
	CompressThreshold = 4 * 1024

	headerEncoding  = "Content-Encoding"
	headerEventType = "X-Event-Type"
	headerRawSize   = "X-Raw-Size"
)

// Publisher is the subset of *nats.Conn the sink uses
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes events on secdash.events.<type>
type NATSSink struct {
	conn    Publisher
	encoder *zstd.Encoder
}

// NewNATSSink creates a sink over an established connection
func NewNATSSink(conn Publisher) (*NATSSink, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &NATSSink{conn: conn, encoder: enc}, nil
}

// Publish encodes the event as JSON and publishes it
func (s *NATSSink) Publish(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := nats.Header{}
	headers.Set(headerEventType, string(event.Type))
	if len(data) > CompressThreshold {
		headers.Set(headerEncoding, "zstd")
		headers.Set(headerRawSize, strconv.Itoa(len(data)))
		data = s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	msg := &nats.Msg{
		Subject: SubjectPrefix + string(event.Type),
		Data:    data,
		Header:  headers,
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close releases the encoder
func (s *NATSSink) Close() error {
	return s.encoder.Close()
}

// DecodeEvent reverses Publish for subscribers
func DecodeEvent(msg *nats.Msg) (models.Event, error) {
	var event models.Event
	data := msg.Data

	if msg.Header.Get(headerEncoding) == "zstd" {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return event, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()

		data, err = dec.DecodeAll(msg.Data, nil)
		if err != nil {
			return event, fmt.Errorf("failed to decompress event: %w", err)
		}
	}

	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}
