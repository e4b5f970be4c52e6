package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefresh/quote-engine/pkg/eventbus"
	"github.com/tradefresh/quote-engine/pkg/model"
)

type mockJetStream struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	err     error
	delay   time.Duration
	streams map[string]*nats.StreamConfig
}

func newMockJetStream() *mockJetStream {
	return &mockJetStream{streams: map[string]*nats.StreamConfig{}}
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.msgs = append(m.msgs, msg)
	return &nats.PubAck{Stream: StreamName, Sequence: uint64(len(m.msgs))}, nil
}

func (m *mockJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJetStream) published() []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nats.Msg(nil), m.msgs...)
}

func acceptedEvent() model.Event {
	at := time.Date(2025, 3, 1, 9, 12, 0, 0, time.UTC)
	return model.NewEvent(model.EventQuoteAccepted, "rfq-1", "q-1", map[string]string{"status": "accepted"}, at)
}

func TestPublishEvent_SubjectHeadersAndEnvelope(t *testing.T) {
	js := newMockJetStream()
	p := NewWithJetStream(js, "quote-engine")
	ev := acceptedEvent()

	require.NoError(t, p.PublishEvent(context.Background(), ev))

	msgs := js.published()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "evt.marketplace.quote_accepted.v1", msg.Subject)
	assert.Equal(t, ev.ID.String(), msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "QuoteAccepted", msg.Header.Get("event_type"))
	assert.Equal(t, "rfq-1", msg.Header.Get("rfq_id"))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, ev.ID, env.ID)
	assert.Equal(t, "quote-engine", env.Source)
	assert.Equal(t, "q-1", env.QuoteID)
	assert.JSONEq(t, `{"status":"accepted"}`, string(env.Payload))
	assert.True(t, env.OccurredAt.Equal(ev.OccurredAt))
}

func TestPublishEvent_ReturnsPublishError(t *testing.T) {
	js := newMockJetStream()
	js.err = errors.New("no responders")
	p := NewWithJetStream(js, "quote-engine")

	err := p.PublishEvent(context.Background(), acceptedEvent())
	require.Error(t, err)
	assert.Empty(t, js.published())
}

func TestEnsureStream_CreatesOnce(t *testing.T) {
	js := newMockJetStream()
	p := NewWithJetStream(js, "quote-engine")

	require.NoError(t, p.EnsureStream())
	require.NoError(t, p.EnsureStream())

	cfg, ok := js.streams[StreamName]
	require.True(t, ok)
	assert.Equal(t, []string{StreamSubjects}, cfg.Subjects)
}

func TestBridge_ForwardsBusEvents(t *testing.T) {
	js := newMockJetStream()
	p := NewWithJetStream(js, "quote-engine")
	bus := eventbus.New(nil)

	stop := p.Bridge(bus, time.Second)
	defer stop()

	inbox := model.NewEvent(model.EventNotification, "rfq-1", "q-1", nil, time.Now())
	bus.Publish(inbox, model.InboxTopic("b1"))
	ev := acceptedEvent()
	bus.Publish(ev, model.RFQTopic(ev.RFQID))

	require.Eventually(t, func() bool { return len(js.published()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, js.published(), 1)
	assert.Equal(t, ev.ID.String(), js.published()[0].Header.Get(nats.MsgIdHdr))
}

func TestBridge_SlowStreamLosesNothing(t *testing.T) {
	js := newMockJetStream()
	js.delay = time.Millisecond
	p := NewWithJetStream(js, "quote-engine")
	bus := eventbus.New(nil)

	stop := p.Bridge(bus, time.Second)
	for i := 0; i < 150; i++ {
		bus.Publish(acceptedEvent(), model.RFQTopic("rfq-1"))
	}
	stop()

	assert.Len(t, js.published(), 150)
}

func TestHealthy_WithoutConnection(t *testing.T) {
	p := NewWithJetStream(newMockJetStream(), "quote-engine")
	assert.True(t, p.Healthy())
	p.Close()
}
