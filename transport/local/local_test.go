package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

func TestRequestResponse(t *testing.T) {
	network := NewNetwork()

	server := network.NewServer()
	require.NoError(t, server.Listen("s1", func(conn transport.Connection) {
		conn.Handle(protocol.NamePoll, func(_ context.Context, req any) (any, error) {
			poll := req.(*protocol.PollRequest)
			return &protocol.PollResponse{
				Status:   protocol.StatusOK,
				Term:     poll.Term,
				Accepted: true,
			}, nil
		})
	}))

	client := network.NewClient("c1")
	conn, err := client.Connect(context.Background(), "s1")
	require.NoError(t, err)

	raw, err := conn.SendAndReceive(context.Background(), protocol.NamePoll, &protocol.PollRequest{Term: 2})
	require.NoError(t, err)
	resp := raw.(*protocol.PollResponse)
	assert.True(t, resp.Accepted)
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	network := NewNetwork()
	client := network.NewClient("c1")
	_, err := client.Connect(context.Background(), "nowhere")
	assert.Error(t, err)
}

func TestPartitionBlocksTraffic(t *testing.T) {
	network := NewNetwork()
	server := network.NewServer()
	require.NoError(t, server.Listen("s1", func(conn transport.Connection) {
		conn.Handle(protocol.NamePoll, func(_ context.Context, req any) (any, error) {
			return &protocol.PollResponse{Status: protocol.StatusOK}, nil
		})
	}))

	client := network.NewClient("c1")
	conn, err := client.Connect(context.Background(), "s1")
	require.NoError(t, err)

	network.Partition("c1", "s1")
	_, err = conn.SendAndReceive(context.Background(), protocol.NamePoll, &protocol.PollRequest{})
	assert.Error(t, err)

	network.Heal("c1", "s1")
	_, err = conn.SendAndReceive(context.Background(), protocol.NamePoll, &protocol.PollRequest{})
	assert.NoError(t, err)
}

func TestServerPush(t *testing.T) {
	network := NewNetwork()

	var serverConn transport.Connection
	server := network.NewServer()
	require.NoError(t, server.Listen("s1", func(conn transport.Connection) {
		serverConn = conn
	}))

	client := network.NewClient("c1")
	conn, err := client.Connect(context.Background(), "s1")
	require.NoError(t, err)

	got := make(chan *protocol.PublishRequest, 1)
	conn.Handle(protocol.NamePublish, func(_ context.Context, req any) (any, error) {
		got <- req.(*protocol.PublishRequest)
		return nil, nil
	})

	require.NoError(t, serverConn.Send(protocol.NamePublish, &protocol.PublishRequest{Session: 4}))
	select {
	case pub := <-got:
		assert.Equal(t, int64(4), pub.Session)
	case <-time.After(time.Second):
		t.Fatal("publish never delivered")
	}
}

func TestCloseNotifiesBothEnds(t *testing.T) {
	network := NewNetwork()

	accepted := make(chan transport.Connection, 1)
	server := network.NewServer()
	require.NoError(t, server.Listen("s1", func(conn transport.Connection) {
		accepted <- conn
	}))

	client := network.NewClient("c1")
	conn, err := client.Connect(context.Background(), "s1")
	require.NoError(t, err)
	serverConn := <-accepted

	closed := make(chan struct{}, 2)
	conn.OnClose(func(transport.Connection) { closed <- struct{}{} })
	serverConn.OnClose(func(transport.Connection) { closed <- struct{}{} })

	require.NoError(t, conn.Close())
	for range 2 {
		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("close callback not invoked")
		}
	}
}
