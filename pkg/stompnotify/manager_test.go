package stompnotify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, b *ConnectionManagerBuilder) *ConnectionManager {
	t.Helper()

	m, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})
	return m
}

func connectAndWait(t *testing.T, m *ConnectionManager) ConnectInfo {
	t.Helper()

	connected := make(chan ConnectInfo, 1)
	require.NoError(t, m.Connect(func(info ConnectInfo) {
		connected <- info
	}, nil))

	select {
	case info := <-connected:
		return info
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connect")
		return ConnectInfo{}
	}
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestConnectWithoutTransport(t *testing.T) {
	m := newTestManager(t, NewConnectionManager())

	errs := make(chan error, 4)
	require.NoError(t, m.Connect(nil, func(err error) {
		errs <- err
	}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTransportUnavailable)
	case <-time.After(waitFor):
		t.Fatal("error handler was not called")
	}

	require.NoError(t, m.Stop(context.Background()))
	assert.Empty(t, errs, "error handler should be called exactly once")

	status := m.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, StateDisconnected, status.State)
	assert.Equal(t, 0, status.ReconnectAttempts)
}

func TestConnect(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithConnectHeader("login", "alice"))

	info := connectAndWait(t, m)

	status := m.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, 0, status.ReconnectAttempts)
	assert.NotEmpty(t, status.SessionID)
	assert.Equal(t, info.SessionID, status.SessionID)
	assert.Equal(t, DefaultEndpoint, info.Endpoint)
	assert.Equal(t, 0, info.Attempt)

	assert.Equal(t, 1, transport.Dials())
	assert.Equal(t, map[string]string{"login": "alice"}, transport.headers)

	t.Run("second connect is rejected", func(t *testing.T) {
		err := m.Connect(nil, nil)
		assert.ErrorIs(t, err, ErrAlreadyConnected)
		assert.Equal(t, 1, transport.Dials())
	})
}

func TestReconnectBeforeLimit(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	monitor := &recordingMonitor{}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMonitor(monitor).
		WithMaxReconnectAttempts(5).
		WithReconnectDelay(10*time.Millisecond))

	var mu sync.Mutex
	var errs []error
	connected := make(chan ConnectInfo, 1)
	require.NoError(t, m.Connect(func(info ConnectInfo) {
		connected <- info
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}))

	var info ConnectInfo
	select {
	case info = <-connected:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connect")
	}

	assert.Equal(t, 3, transport.Dials())
	assert.Equal(t, 2, info.Attempt)
	assert.Equal(t, 0, m.Status().ReconnectAttempts)

	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, monitor.Delays())
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, errs)
}

func TestReconnectExhausted(t *testing.T) {
	transport := &fakeTransport{failures: 1000}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMaxReconnectAttempts(3).
		WithReconnectDelay(5*time.Millisecond))

	errs := make(chan error, 4)
	require.NoError(t, m.Connect(nil, func(err error) {
		errs <- err
	}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
		assert.ErrorIs(t, err, errConnectionRefused)
		assert.Contains(t, err.Error(), "connection failed after multiple attempts")
	case <-time.After(waitFor):
		t.Fatal("terminal error was not reported")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, transport.Dials(), "one initial dial plus three retries")
	assert.Empty(t, errs)

	status := m.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, 3, status.ReconnectAttempts)

	t.Run("manual connect resets attempts", func(t *testing.T) {
		require.NoError(t, m.Connect(nil, nil))
		assert.Eventually(t, func() bool {
			return transport.Dials() == 5
		}, waitFor, 5*time.Millisecond)
	})
}

func TestZeroReconnectAttempts(t *testing.T) {
	transport := &fakeTransport{failures: 1000}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMaxReconnectAttempts(0))

	errs := make(chan error, 1)
	require.NoError(t, m.Connect(nil, func(err error) {
		errs <- err
	}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("terminal error was not reported")
	}
	assert.Equal(t, 1, transport.Dials())
}

func TestStopCancelsPendingRetry(t *testing.T) {
	transport := &fakeTransport{failures: 1000}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithReconnectDelay(100*time.Millisecond))

	require.NoError(t, m.Connect(nil, nil))
	assert.Eventually(t, func() bool {
		return m.Status().ReconnectAttempts == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, transport.Dials())
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.ErrorIs(t, m.Connect(nil, nil), ErrManagerStopped)
}

func TestSubscribe(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		m := newTestManager(t, NewConnectionManager().WithTransport(&fakeTransport{}))

		ok := m.Subscribe("/topic/orders", func(msg *Message) {})
		assert.False(t, ok)
		assert.Empty(t, m.Status().Subscriptions)
	})

	t.Run("subscribe then unsubscribe", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))
		connectAndWait(t, m)
		session := transport.Session(0)

		require.True(t, m.Subscribe("/topic/orders", func(msg *Message) {}))
		require.True(t, m.Subscribe("/topic/chat", func(msg *Message) {}))
		assert.Equal(t, []string{"/topic/chat", "/topic/orders"}, m.Status().Subscriptions)

		m.Unsubscribe("/topic/orders")
		assert.Equal(t, []string{"/topic/chat"}, m.Status().Subscriptions)
		assert.Equal(t, []string{"/topic/chat"}, session.Destinations())

		m.Unsubscribe("/topic/orders")
		m.Unsubscribe("/never/subscribed")
		assert.Equal(t, []string{"/topic/chat"}, m.Status().Subscriptions)
	})

	t.Run("resubscribe replaces previous handle", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))
		connectAndWait(t, m)
		session := transport.Session(0)

		first := make(chan *Message, 1)
		second := make(chan *Message, 1)
		require.True(t, m.Subscribe("/topic/orders", func(msg *Message) { first <- msg }))
		require.True(t, m.Subscribe("/topic/orders", func(msg *Message) { second <- msg }))

		assert.Equal(t, []string{"/topic/orders"}, session.Destinations())

		session.Deliver("/topic/orders", `{"id":1}`)
		receive(t, second)
		assert.Empty(t, first)
	})
}

func TestMessageDecoding(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, NewConnectionManager().WithTransport(transport))
	connectAndWait(t, m)
	session := transport.Session(0)

	received := make(chan *Message, 2)
	require.True(t, m.SubscribeToOrders(func(msg *Message) { received <- msg }))

	t.Run("json", func(t *testing.T) {
		session.Deliver(TopicOrders, `{"entityId":42,"action":"SHIPPED"}`)
		msg := receive(t, received)

		assert.False(t, msg.Raw)
		assert.Equal(t, TopicOrders, msg.Destination)
		assert.Equal(t, map[string]any{"entityId": float64(42), "action": "SHIPPED"}, msg.Payload)

		var update RealTimeUpdate
		require.NoError(t, msg.Decode(&update))
		assert.Equal(t, "SHIPPED", update.Action)
	})

	t.Run("invalid json is delivered raw", func(t *testing.T) {
		session.Deliver(TopicOrders, "not json {")
		msg := receive(t, received)

		assert.True(t, msg.Raw)
		assert.Equal(t, "not json {", msg.Payload)
		assert.Error(t, msg.Decode(&map[string]any{}))
	})
}

func TestMessageTransforms(t *testing.T) {
	transport := &fakeTransport{}
	dropQuiet := func(msg *Message) (*Message, bool) {
		if p, ok := msg.Payload.(map[string]any); ok && p["quiet"] == true {
			return nil, false
		}
		return msg, true
	}
	tag := func(msg *Message) (*Message, bool) {
		msg.Headers["x-seen"] = "yes"
		return msg, true
	}

	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMessageTransforms(dropQuiet, nil, tag))
	connectAndWait(t, m)
	session := transport.Session(0)

	received := make(chan *Message, 2)
	require.True(t, m.Subscribe("/topic/products", func(msg *Message) { received <- msg }))

	session.Deliver("/topic/products", `{"quiet":true}`)
	session.Deliver("/topic/products", `{"quiet":false}`)

	msg := receive(t, received)
	assert.Equal(t, map[string]any{"quiet": false}, msg.Payload)
	assert.Equal(t, "yes", msg.Headers["x-seen"])
	assert.Empty(t, received)
}

func TestSendMessage(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))

		assert.False(t, m.SendMessage("/app/chat/message", map[string]string{"a": "b"}))
		assert.Equal(t, 0, transport.Dials())
	})

	t.Run("connected", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))
		connectAndWait(t, m)
		session := transport.Session(0)

		require.True(t, m.SendMessage("/app/orders/update", map[string]any{"entityId": 7}))

		sent := session.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "/app/orders/update", sent[0].destination)
		assert.Equal(t, "application/json", sent[0].headers["content-type"])
		assert.JSONEq(t, `{"entityId":7}`, string(sent[0].body))
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))
		connectAndWait(t, m)

		assert.False(t, m.SendMessage("/app/x", make(chan int)))
		assert.Empty(t, transport.Session(0).Sent())
	})

	t.Run("transport error", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().WithTransport(transport))
		connectAndWait(t, m)
		session := transport.Session(0)
		session.mu.Lock()
		session.sendErr = errors.New("broken pipe")
		session.mu.Unlock()

		assert.False(t, m.SendMessage("/app/x", "hello"))
	})

	t.Run("rate limited", func(t *testing.T) {
		transport := &fakeTransport{}
		m := newTestManager(t, NewConnectionManager().
			WithTransport(transport).
			WithSendRateLimit(rate.Every(time.Hour), 2))
		connectAndWait(t, m)

		assert.True(t, m.SendMessage("/app/x", 1))
		assert.True(t, m.SendMessage("/app/x", 2))
		assert.False(t, m.SendMessage("/app/x", 3))
		assert.Len(t, transport.Session(0).Sent(), 2)
	})
}

func TestDisconnect(t *testing.T) {
	transport := &fakeTransport{}
	monitor := &recordingMonitor{}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMonitor(monitor))

	t.Run("no-op when not connected", func(t *testing.T) {
		assert.NoError(t, m.Disconnect())
		assert.Equal(t, 0, transport.Dials())
	})

	connectAndWait(t, m)
	session := transport.Session(0)
	require.True(t, m.Subscribe(TopicChat, func(msg *Message) {}))

	require.NoError(t, m.Disconnect())
	assert.Equal(t, 1, session.Disconnects())

	status := m.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, StateDisconnected, status.State)
	assert.Empty(t, status.SessionID)
	assert.Equal(t, []string{TopicChat}, status.Subscriptions)

	assert.False(t, m.SendMessage(AppChatMessage, "hi"))
	assert.False(t, m.Subscribe(TopicOrders, func(msg *Message) {}))
	assert.Empty(t, session.Sent())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.Dials(), "a requested disconnect does not reconnect")
	assert.Eventually(t, func() bool {
		d := monitor.Disconnects()
		return len(d) == 1 && d[0] == nil
	}, waitFor, 5*time.Millisecond)

	t.Run("reconnect restores subscriptions", func(t *testing.T) {
		connectAndWait(t, m)
		assert.Equal(t, []string{TopicChat}, transport.Session(1).Destinations())
	})
}

func TestConnectionLoss(t *testing.T) {
	transport := &fakeTransport{}
	monitor := &recordingMonitor{}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMonitor(monitor).
		WithReconnectDelay(5*time.Millisecond))

	connects := make(chan ConnectInfo, 2)
	require.NoError(t, m.Connect(func(info ConnectInfo) { connects <- info }, nil))
	first := <-connects

	received := make(chan *Message, 1)
	require.True(t, m.SubscribeToInventory(func(msg *Message) { received <- msg }))

	lost := errors.New("read: connection reset by peer")
	transport.Session(0).Drop(lost)

	var second ConnectInfo
	select {
	case second = <-connects:
	case <-time.After(waitFor):
		t.Fatal("did not reconnect")
	}

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, 0, m.Status().ReconnectAttempts)

	session := transport.Session(1)
	assert.Equal(t, []string{TopicInventory}, session.Destinations())

	session.Deliver(TopicInventory, `{"stock":3}`)
	msg := receive(t, received)
	assert.Equal(t, map[string]any{"stock": float64(3)}, msg.Payload)

	assert.Eventually(t, func() bool {
		d := monitor.Disconnects()
		return len(d) == 1 && errors.Is(d[0], lost)
	}, waitFor, 5*time.Millisecond)
}

func TestStatusJSON(t *testing.T) {
	status := Status{
		Connected:         true,
		State:             StateConnected,
		ReconnectAttempts: 0,
		Subscriptions:     []string{TopicChat},
		SessionID:         "abc",
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"connected": true,
		"state": "connected",
		"reconnectAttempts": 0,
		"subscriptions": ["/topic/chat"],
		"sessionId": "abc"
	}`, string(data))
}

func TestStartWithDefaultHandlers(t *testing.T) {
	connected := make(chan ConnectInfo, 1)
	m := newTestManager(t, NewConnectionManager().
		WithTransport(&fakeTransport{}).
		WithOnConnect(func(info ConnectInfo) { connected <- info }))

	require.NoError(t, m.Start(context.Background()))

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("default connect handler was not called")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Start(ctx), context.Canceled)
}

func TestTerminalErrorWithFullQueue(t *testing.T) {
	transport := &fakeTransport{}
	monitor := &recordingMonitor{}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMonitor(monitor).
		WithQueueSize(2).
		WithMaxReconnectAttempts(0))

	errs := make(chan error, 2)
	connected := make(chan struct{}, 1)
	require.NoError(t, m.Connect(func(ConnectInfo) { connected <- struct{}{} }, func(err error) { errs <- err }))
	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connect")
	}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.True(t, m.Subscribe(TopicOrders, func(msg *Message) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))

	session := transport.Session(0)
	session.Deliver(TopicOrders, `{"n":1}`)
	select {
	case <-started:
	case <-time.After(waitFor):
		close(release)
		t.Fatal("handler never ran")
	}
	for i := 0; i < 4; i++ {
		session.Deliver(TopicOrders, `{"n":2}`)
	}

	session.Drop(errors.New("read: connection reset by peer"))
	assert.Eventually(t, func() bool {
		return m.Status().State == StateFailed
	}, waitFor, 5*time.Millisecond)

	close(release)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("terminal error was dropped")
	}
	assert.Eventually(t, func() bool {
		return len(monitor.Disconnects()) == 1
	}, waitFor, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, errs, "terminal error reported more than once")
}

func TestStopFromErrorHandler(t *testing.T) {
	transport := &fakeTransport{failures: 1000}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithMaxReconnectAttempts(0))

	stopped := make(chan error, 1)
	require.NoError(t, m.Connect(nil, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- m.Stop(ctx)
	}))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * waitFor):
		t.Fatal("Stop called from the error handler did not return")
	}
	assert.ErrorIs(t, m.Connect(nil, nil), ErrManagerStopped)
}

func TestStopFromConnectHandler(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, NewConnectionManager().WithTransport(transport))

	stopped := make(chan error, 1)
	require.NoError(t, m.Connect(func(ConnectInfo) {
		stopped <- m.Stop(context.Background())
	}, nil))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop called from the connect handler did not return")
	}
	assert.Equal(t, 1, transport.Session(0).Disconnects())
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestReconnectCallsOnConnectAgain(t *testing.T) {
	transport := &fakeTransport{failures: 1}
	m := newTestManager(t, NewConnectionManager().
		WithTransport(transport).
		WithReconnectDelay(5*time.Millisecond))

	connects := make(chan ConnectInfo, 3)
	require.NoError(t, m.Connect(func(info ConnectInfo) { connects <- info }, nil))

	first := <-connects
	assert.Equal(t, 1, first.Attempt, "the first successful dial came from a retry")

	transport.Session(0).Drop(errors.New("EOF"))
	select {
	case second := <-connects:
		assert.Equal(t, 1, second.Attempt)
	case <-time.After(waitFor):
		t.Fatal("onConnect was not called after the reconnect")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, connects)
}

func TestNotConnectedIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := newTestManager(t, NewConnectionManager().
		WithTransport(&fakeTransport{}).
		WithLogger(zap.New(core)))

	assert.False(t, m.Subscribe(TopicChat, func(msg *Message) {}))
	assert.False(t, m.SendMessage(AppChatMessage, "hi"))

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, ErrNotConnected.Error(), entry.ContextMap()["error"])
	}
	assert.Equal(t, "Cannot subscribe", entries[0].Message)
	assert.Equal(t, "Cannot send message", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
