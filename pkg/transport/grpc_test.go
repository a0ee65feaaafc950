package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

func TestFrameDecodeRoundTrip(t *testing.T) {
	req := &protocol.AppendRequest{
		Term:     3,
		Leader:   1,
		LogIndex: 7,
		Entries: []protocol.LogEntry{
			{Index: 8, Term: 3, Kind: protocol.EntryCommand, Payload: []byte("x")},
		},
		CommitIndex: 7,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := decodeBody(&frame{Name: protocol.NameAppend, Body: body})
	require.NoError(t, err)
	got, ok := decoded.(*protocol.AppendRequest)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestFrameUnknownName(t *testing.T) {
	_, err := decodeBody(&frame{Name: "bogus"})
	assert.Error(t, err)
}

func TestRequestResponseOverLoopback(t *testing.T) {
	server := NewServer()
	err := server.Listen("127.0.0.1:0", func(conn transport.Connection) {
		conn.Handle(protocol.NameVote, func(_ context.Context, req any) (any, error) {
			vote := req.(*protocol.VoteRequest)
			return &protocol.VoteResponse{
				Status: protocol.StatusOK,
				Term:   vote.Term,
				Voted:  true,
			}, nil
		})
	})
	require.NoError(t, err)
	defer server.Close()

	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.SendAndReceive(ctx, protocol.NameVote, &protocol.VoteRequest{Term: 4, Candidate: 2})
	require.NoError(t, err)

	resp, ok := raw.(*protocol.VoteResponse)
	require.True(t, ok)
	assert.True(t, resp.Voted)
	assert.Equal(t, int64(4), resp.Term)
}

func TestServerPushOverLoopback(t *testing.T) {
	published := make(chan *protocol.PublishRequest, 1)

	var serverConn transport.Connection
	accepted := make(chan struct{})
	server := NewServer()
	err := server.Listen("127.0.0.1:0", func(conn transport.Connection) {
		serverConn = conn
		close(accepted)
	})
	require.NoError(t, err)
	defer server.Close()

	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	conn.Handle(protocol.NamePublish, func(_ context.Context, req any) (any, error) {
		if pub, ok := req.(*protocol.PublishRequest); ok {
			published <- pub
		}
		return nil, nil
	})

	// The server only learns about the connection when a frame arrives.
	_, err = conn.SendAndReceive(ctx, protocol.NameConnect, &protocol.ConnectRequest{Client: "c"})
	// No handler registered server-side; the error response still proves
	// the stream.
	assert.Error(t, err)

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	require.NoError(t, serverConn.Send(protocol.NamePublish, &protocol.PublishRequest{
		Session:    9,
		EventIndex: 3,
	}))

	select {
	case pub := <-published:
		assert.Equal(t, int64(9), pub.Session)
		assert.Equal(t, int64(3), pub.EventIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("publish never arrived")
	}
}
