package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishSecurityEventKeysByIdentifier(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w}

	err := p.PublishSecurityEvent(context.Background(), models.SecurityEvent{
		Type:       models.EventRateLimitExceeded,
		Identifier: "ip:203.0.113.9",
		Action:     "redemption",
		Severity:   models.SeverityHigh,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ip:203.0.113.9", string(w.msgs[0].Key))

	var ev models.SecurityEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, models.EventRateLimitExceeded, ev.Type)
}

func TestPublishBatchAndFailure(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w}
	require.NoError(t, p.PublishBatch(context.Background(), []models.SecurityEvent{
		{Type: models.EventEntityBlocked, Identifier: "ip:1.2.3.4"},
		{Type: models.EventEntityUnblocked, Identifier: "ip:1.2.3.4"},
	}))
	assert.Len(t, w.msgs, 2)

	w.err = errors.New("broker down")
	err := p.PublishSecurityEvent(context.Background(), models.SecurityEvent{Type: models.EventAssessment})
	assert.ErrorIs(t, err, w.err)
}

func TestDecodeReport(t *testing.T) {
	r, err := DecodeReport([]byte(`{"activity_type":"code_farming","ip_address":"203.0.113.9","severity":"high","timestamp":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "code_farming", r.ActivityType)
	assert.Equal(t, models.SeverityHigh, r.Severity)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r.ReportedAt)

	r, err = DecodeReport([]byte(`{"activity_type":"x","email":"a@b.com"}`))
	require.NoError(t, err)
	assert.True(t, r.ReportedAt.IsZero())

	_, err = DecodeReport([]byte(`{not json`))
	assert.Error(t, err)
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

type recordingHandler struct {
	mu      sync.Mutex
	reports []models.SuspiciousActivityReport
	done    chan struct{}
}

func (h *recordingHandler) ReportSuspiciousActivity(ctx context.Context, r models.SuspiciousActivityReport) (*engine.ReportReceipt, error) {
	defer func() { h.done <- struct{}{} }()
	if r.ActivityType == "" {
		return nil, &engine.ValidationError{Field: "activity_type", Reason: "must not be empty"}
	}
	h.mu.Lock()
	h.reports = append(h.reports, r)
	h.mu.Unlock()
	return &engine.ReportReceipt{ReportID: "r1", Accepted: true}, nil
}

func TestConsumerSkipsBadMessages(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	handler := &recordingHandler{done: make(chan struct{}, 3)}
	c := &Consumer{reader: reader, handler: handler, logger: logging.Discard()}

	reader.msgs <- kafka.Message{Value: []byte(`garbage`)}
	reader.msgs <- kafka.Message{Value: []byte(`{"ip_address":"203.0.113.9"}`)}
	reader.msgs <- kafka.Message{Value: []byte(`{"activity_type":"scraping","ip_address":"203.0.113.9","severity":"critical"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-handler.done:
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
	cancel()
	<-stopped

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.reports, 1)
	assert.Equal(t, "scraping", handler.reports[0].ActivityType)
	assert.Equal(t, models.SeverityCritical, handler.reports[0].Severity)
}
