package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello replob")
	go func() {
		_ = writeFrame(client, payload)
	}()

	got, err := ReadFrame(server)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOversizedFrameRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := make([]byte, 8)
	// size field alone, well above maxFrameSize, written without a body
	for i := range header {
		header[i] = 0xff
	}
	go func() {
		_, _ = client.Write(header)
	}()

	_, err := ReadFrame(server)
	assert.Error(t, err)
}

func TestPeerSendAfterDisconnectFails(t *testing.T) {
	sched := journey.NewScheduler("transport-test", 2)
	p := NewPeer(sched, membership.NodeId(1), membership.Endpoint{Host: "127.0.0.1", Port: 1})
	p.Disconnect()
	time.Sleep(10 * time.Millisecond)
	err := p.Send([]byte("x"))
	assert.IsType(t, &DisconnectedError{}, err)
}

func TestListenerDeliversFrames(t *testing.T) {
	received := make(chan []byte, 1)
	ln, err := Listen("127.0.0.1:0", journey.NewScheduler("listener-test", 2), func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte("ping")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}
