package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/protocol"
)

type registerInput struct {
	write bool
	value string
}

// registerModel is a single linearizable register: writes replace the
// value, reads must observe it.
var registerModel = porcupine.Model{
	Init: func() any { return "" },
	Step: func(state, input, output any) (bool, any) {
		in := input.(registerInput)
		if in.write {
			return true, in.value
		}
		return output.(string) == state.(string), state
	},
	Equal: func(a, b any) bool { return a == b },
}

// TestLinearizability drives concurrent sessions against the cluster and
// checks the observed history with porcupine.
func TestLinearizability(t *testing.T) {
	if testing.Short() {
		t.Skip("slow linearizability check")
	}

	tc := startCluster(t, 3)
	tc.waitLeader()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const clients = 3
	const opsPerClient = 8

	var mu sync.Mutex
	var ops []porcupine.Operation

	record := func(clientID int, input registerInput, call, ret time.Time, output string) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, porcupine.Operation{
			ClientId: clientID,
			Input:    input,
			Call:     call.UnixNano(),
			Output:   output,
			Return:   ret.UnixNano(),
		})
	}

	var wg sync.WaitGroup
	for clientID := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c := tc.newClientNamed(t, clientID)
			session, err := c.NewSession(ctx)
			if err != nil {
				t.Errorf("client %d failed to register: %v", clientID, err)
				return
			}
			defer session.Close(ctx)

			for op := range opsPerClient {
				if op%2 == 0 {
					value := string(rune('a'+clientID)) + string(rune('0'+op))
					call := time.Now()
					_, err := session.Submit(ctx, []byte("put:"+value))
					ret := time.Now()
					if err != nil {
						t.Errorf("client %d put failed: %v", clientID, err)
						return
					}
					record(clientID, registerInput{write: true, value: value}, call, ret, "")
				} else {
					call := time.Now()
					out, err := session.Query(ctx, []byte("get"), protocol.Linearizable)
					ret := time.Now()
					if err != nil {
						t.Errorf("client %d get failed: %v", clientID, err)
						return
					}
					record(clientID, registerInput{}, call, ret, string(out))
				}
			}
		}()
	}
	wg.Wait()

	require.True(t, porcupine.CheckOperations(registerModel, ops), "history is not linearizable")
}
