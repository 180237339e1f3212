package stompws

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
)

// testBroker is a minimal STOMP server: it answers CONNECT, acknowledges
// receipts and echoes every SEND to the subscribers of its destination.
// A SEND to /app/kill drops the connection.
type testBroker struct {
	mu       sync.Mutex
	connects []*frame.Frame
	sends    []*frame.Frame
	subs     map[string]string // subscription id -> destination
	nextMsg  int
}

func newTestBroker(t *testing.T) (*testBroker, *httptest.Server) {
	t.Helper()

	b := &testBroker{subs: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"v12.stomp"},
		})
		if err != nil {
			return
		}
		defer ws.CloseNow()

		b.serve(websocket.NetConn(r.Context(), ws, websocket.MessageText))
	}))
	t.Cleanup(srv.Close)

	return b, srv
}

func (b *testBroker) serve(conn net.Conn) {
	defer conn.Close()

	reader := frame.NewReader(conn)
	writer := frame.NewWriter(conn)

	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue // heart-beat
		}

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			b.mu.Lock()
			b.connects = append(b.connects, f)
			b.mu.Unlock()
			if err := writer.Write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0",
				frame.Session, "test-session",
			)); err != nil {
				return
			}

		case frame.SUBSCRIBE:
			b.mu.Lock()
			b.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			b.mu.Unlock()

		case frame.UNSUBSCRIBE:
			b.mu.Lock()
			delete(b.subs, f.Header.Get(frame.Id))
			b.mu.Unlock()

		case frame.SEND:
			destination := f.Header.Get(frame.Destination)
			if destination == "/app/kill" {
				return
			}
			if err := b.echo(writer, f, destination); err != nil {
				return
			}
		}

		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			if err := writer.Write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)); err != nil {
				return
			}
		}

		if f.Command == frame.DISCONNECT {
			return
		}
	}
}

func (b *testBroker) echo(writer *frame.Writer, f *frame.Frame, destination string) error {
	b.mu.Lock()
	b.sends = append(b.sends, f)
	var ids []string
	for id, dest := range b.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		b.nextMsg++
		msgID := strconv.Itoa(b.nextMsg)
		b.mu.Unlock()

		msg := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, id,
			frame.MessageId, msgID,
			frame.ContentType, f.Header.Get(frame.ContentType),
		)
		msg.Body = f.Body
		if err := writer.Write(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *testBroker) Connects() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.connects...)
}

func (b *testBroker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
