package transport

import (
	"encoding/json"
	"fmt"

	"github.com/shrtyk/raft-sessions/protocol"
)

// frame is the envelope every message travels in. Requests carry a name
// and a correlation id; responses echo the id with Resp set.
type frame struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  string          `json:"err,omitempty"`
	Resp bool            `json:"resp,omitempty"`
}

// messageFor returns a zero value of the concrete type a frame body
// decodes into.
func messageFor(name string, resp bool) (any, error) {
	if resp {
		switch name {
		case protocol.NameAppend:
			return &protocol.AppendResponse{}, nil
		case protocol.NameVote:
			return &protocol.VoteResponse{}, nil
		case protocol.NamePoll:
			return &protocol.PollResponse{}, nil
		case protocol.NameInstall:
			return &protocol.InstallResponse{}, nil
		case protocol.NameConfigure:
			return &protocol.ConfigureResponse{}, nil
		case protocol.NameCommand:
			return &protocol.CommandResponse{}, nil
		case protocol.NameQuery:
			return &protocol.QueryResponse{}, nil
		case protocol.NameConnect:
			return &protocol.ConnectResponse{}, nil
		case protocol.NameRegister:
			return &protocol.RegisterResponse{}, nil
		case protocol.NameKeepAlive:
			return &protocol.KeepAliveResponse{}, nil
		case protocol.NameUnregister:
			return &protocol.UnregisterResponse{}, nil
		case protocol.NamePublish:
			return &protocol.PublishResponse{}, nil
		}
		return nil, fmt.Errorf("transport: unknown response type %q", name)
	}

	switch name {
	case protocol.NameAppend:
		return &protocol.AppendRequest{}, nil
	case protocol.NameVote:
		return &protocol.VoteRequest{}, nil
	case protocol.NamePoll:
		return &protocol.PollRequest{}, nil
	case protocol.NameInstall:
		return &protocol.InstallRequest{}, nil
	case protocol.NameConfigure:
		return &protocol.ConfigureRequest{}, nil
	case protocol.NameCommand:
		return &protocol.CommandRequest{}, nil
	case protocol.NameQuery:
		return &protocol.QueryRequest{}, nil
	case protocol.NameConnect:
		return &protocol.ConnectRequest{}, nil
	case protocol.NameRegister:
		return &protocol.RegisterRequest{}, nil
	case protocol.NameKeepAlive:
		return &protocol.KeepAliveRequest{}, nil
	case protocol.NameUnregister:
		return &protocol.UnregisterRequest{}, nil
	case protocol.NamePublish:
		return &protocol.PublishRequest{}, nil
	case protocol.NameReset:
		return &protocol.ResetRequest{}, nil
	}
	return nil, fmt.Errorf("transport: unknown request type %q", name)
}

func decodeBody(f *frame) (any, error) {
	msg, err := messageFor(f.Name, f.Resp)
	if err != nil {
		return nil, err
	}
	if len(f.Body) > 0 {
		if err := json.Unmarshal(f.Body, msg); err != nil {
			return nil, fmt.Errorf("transport: failed to decode %q body: %w", f.Name, err)
		}
	}
	return msg, nil
}
