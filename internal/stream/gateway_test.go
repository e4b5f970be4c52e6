package stream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/eventbus"
	"github.com/tradefresh/quote-engine/pkg/model"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTopics(t *testing.T) {
	q := url.Values{
		"buyer_id":     {"b1"},
		"vendor_id":    {"v1"},
		"rfq_id":       {"r1"},
		"recipient_id": {"b1"},
	}
	assert.Equal(t, []string{"buyer.b1", "vendor.v1", "vendors", "rfq.r1", "inbox.b1"}, Topics(q))
	assert.Empty(t, Topics(url.Values{}))
}

func TestGateway_RelaysSubscribedTopics(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	gw := NewGateway(bus, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "buyer_id=b1")
	require.Eventually(t, func() bool { return bus.HasSubscribers(model.BuyerTopic("b1")) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gw.Clients())

	other := model.NewEvent(model.EventRFQOpened, "r2", "", nil, time.Now())
	bus.Publish(other, model.BuyerTopic("b2"))
	ev := model.NewEvent(model.EventQuoteSubmitted, "r1", "q1", map[string]string{"total": "88.00"}, time.Now())
	bus.Publish(ev, model.BuyerTopic("b1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, model.EventQuoteSubmitted, got.Type)
	assert.JSONEq(t, `{"total":"88.00"}`, string(got.Payload))
}

func TestGateway_UnsubscribesOnDisconnect(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	gw := NewGateway(bus, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "vendor_id=v1")
	require.Eventually(t, func() bool { return bus.HasSubscribers(model.TopicAllVendors) }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !bus.HasSubscribers(model.TopicAllVendors) && gw.Clients() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_RejectsConnectionWithoutTopics(t *testing.T) {
	gw := NewGateway(eventbus.New(zap.NewNop()), zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_CloseDisconnectsClients(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	gw := NewGateway(bus, zap.NewNop())
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dial(t, srv, "recipient_id=b1")
	require.Eventually(t, func() bool { return gw.Clients() == 1 }, time.Second, 5*time.Millisecond)

	gw.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return gw.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
