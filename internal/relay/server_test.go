package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jgnickerson/wsrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

// startServer runs a relay on a random local port and returns the URL
// clients dial. The server is stopped on test cleanup.
func startServer(t *testing.T, options ...Option) (*Server, string) {
	t.Helper()

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	srv, err := NewServer(append([]Option{WithLogger(logging.Discard())}, options...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, "ws://" + ln.Addr().String() + "/chat"
}

func dial(t *testing.T, url string) *ws.Conn {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialN connects n clients one after another and waits until all are registered.
func dialN(t *testing.T, srv *Server, url string, n int) []*ws.Conn {
	t.Helper()
	conns := make([]*ws.Conn, n)
	for i := range conns {
		conns[i] = dial(t, url)
		waitForPeers(t, srv, i+1)
	}
	return conns
}

func waitForPeers(t *testing.T, srv *Server, expected int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Peers() == expected },
		readTimeout, 5*time.Millisecond, "expected %d peers", expected)
}

func send(t *testing.T, conn *ws.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(text)))
}

func readText(t *testing.T, conn *ws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, ws.TextMessage, typ)
	return string(data)
}

// expectSilence asserts nothing arrives within d. The connection is not
// usable for reading afterwards.
func expectSilence(t *testing.T, conn *ws.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected message %q (err %v)", data, err)
}

func TestServer_HelloThenPingAfterLeave(t *testing.T) {
	srv, url := startServer(t)
	clients := dialN(t, srv, url, 3)
	a, b, c := clients[0], clients[1], clients[2]

	send(t, a, "hello")
	for _, conn := range clients {
		assert.Equal(t, "hello", readText(t, conn))
	}

	require.NoError(t, b.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")))
	b.Close()
	waitForPeers(t, srv, 2)

	send(t, c, "ping")
	assert.Equal(t, "ping", readText(t, a))
	assert.Equal(t, "ping", readText(t, c))

	// Exactly one copy each.
	expectSilence(t, a, 100*time.Millisecond)
}

func TestServer_EveryClientReceivesEveryMessage(t *testing.T) {
	const n = 5
	srv, url := startServer(t)
	clients := dialN(t, srv, url, n)

	for i, conn := range clients {
		send(t, conn, fmt.Sprintf("from-%d", i))
	}

	for _, conn := range clients {
		got := make([]string, 0, n)
		for j := 0; j < n; j++ {
			got = append(got, readText(t, conn))
		}
		assert.ElementsMatch(t, []string{"from-0", "from-1", "from-2", "from-3", "from-4"}, got)
	}
}

func TestServer_PreservesSenderOrder(t *testing.T) {
	srv, url := startServer(t)
	clients := dialN(t, srv, url, 2)

	const count = 100
	for i := 0; i < count; i++ {
		send(t, clients[0], fmt.Sprintf("m%d", i))
	}
	for _, conn := range clients {
		for i := 0; i < count; i++ {
			require.Equal(t, fmt.Sprintf("m%d", i), readText(t, conn))
		}
	}
}

func TestServer_RelaysBinaryAsBinary(t *testing.T) {
	srv, url := startServer(t)
	clients := dialN(t, srv, url, 2)

	payload := []byte{0x00, 0xff, 0x10}
	require.NoError(t, clients[0].WriteMessage(ws.BinaryMessage, payload))

	for _, conn := range clients {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, ws.BinaryMessage, typ)
		assert.Equal(t, payload, data)
	}
}

func TestServer_SelfEchoDisabled(t *testing.T) {
	srv, url := startServer(t, WithSelfEcho(false))
	clients := dialN(t, srv, url, 2)

	send(t, clients[0], "hello")

	assert.Equal(t, "hello", readText(t, clients[1]))
	expectSilence(t, clients[0], 150*time.Millisecond)
}

func TestServer_AnswersPing(t *testing.T) {
	srv, url := startServer(t)
	conn := dialN(t, srv, url, 1)[0]

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})

	require.NoError(t, conn.WriteControl(ws.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)))
	send(t, conn, "after-ping")
	assert.Equal(t, "after-ping", readText(t, conn))

	select {
	case data := <-pongs:
		assert.Equal(t, "are-you-there", data)
	default:
		t.Fatal("no pong received before the echoed message")
	}
}

func TestServer_HandshakeFailureIsNeverRegistered(t *testing.T) {
	srv, url := startServer(t)
	member := dialN(t, srv, url, 1)[0]

	raw, err := net.Dial("tcp", url[len("ws://"):len(url)-len("/chat")])
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("GET /chat HTTP/1.1\r\nHost: relay\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(readTimeout)))
	resp, err := http.ReadResponse(bufio.NewReader(raw), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.GreaterOrEqual(t, resp.StatusCode, 400)

	assert.Equal(t, 1, srv.Peers())
	send(t, member, "still here")
	assert.Equal(t, "still here", readText(t, member))
}

func TestServer_RegistrationDuringBroadcast(t *testing.T) {
	srv, url := startServer(t)
	clients := dialN(t, srv, url, 2)
	sender, receiver := clients[0], clients[1]

	const count = 200
	joined := make(chan struct{})
	go func() {
		defer close(joined)
		for j := 0; j < 10; j++ {
			conn, _, err := ws.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	for i := 0; i < count; i++ {
		send(t, sender, fmt.Sprintf("m%d", i))
	}
	for i := 0; i < count; i++ {
		require.Equal(t, fmt.Sprintf("m%d", i), readText(t, receiver))
	}
	<-joined
}

func TestServer_MaxConnections(t *testing.T) {
	srv, url := startServer(t, WithMaxConnections(1))
	first := dialN(t, srv, url, 1)[0]

	blocked := ws.Dialer{HandshakeTimeout: 200 * time.Millisecond}
	_, _, err := blocked.Dial(url, nil)
	require.Error(t, err, "second connection should wait for a free slot")

	first.Close()
	waitForPeers(t, srv, 0)

	next := ws.Dialer{HandshakeTimeout: readTimeout}
	conn, _, err := next.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForPeers(t, srv, 1)
}

func TestServer_ShutdownClosesPeers(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(WithLogger(logging.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/chat"
	conn := dial(t, url)
	waitForPeers(t, srv, 1)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 0, srv.Peers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

type recordingForwarder struct {
	messages chan Message
}

func (f *recordingForwarder) Forward(msg Message) error {
	f.messages <- msg
	return nil
}

func TestServer_ForwardsLocalMessagesOnly(t *testing.T) {
	fwd := &recordingForwarder{messages: make(chan Message, 4)}
	srv, url := startServer(t, WithForwarder(fwd))
	conn := dialN(t, srv, url, 1)[0]

	send(t, conn, "local")
	assert.Equal(t, "local", readText(t, conn))
	select {
	case msg := <-fwd.messages:
		assert.Equal(t, KindText, msg.Kind)
		assert.Equal(t, "local", string(msg.Payload))
	case <-time.After(readTimeout):
		t.Fatal("local message was not forwarded")
	}

	srv.Inject(Message{Sender: "remote", Kind: KindText, Payload: []byte("remote")})
	assert.Equal(t, "remote", readText(t, conn))
	assert.Empty(t, fwd.messages)
}

func TestNewServer_InvalidOptions(t *testing.T) {
	tests := map[string]Option{
		"nil logger":        WithLogger(nil),
		"negative limit":    WithMaxConnections(-1),
		"zero outbox":       WithOutboxSize(0),
		"negative deadline": WithWriteTimeout(-time.Second),
		"negative upgrade":  WithHandshakeTimeout(-time.Second),
	}
	for name, option := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewServer(option)
			assert.Error(t, err)
		})
	}

	_, err := NewServer(WithForwarder(&recordingForwarder{}), WithForwarder(&recordingForwarder{}))
	assert.Error(t, err)
}
