package client

import (
	"container/list"

	"github.com/shrtyk/raft-sessions/protocol"
)

// sequencer merges two streams into the single order the server produced
// them in: operation responses, identified by request sequence numbers,
// and published events, identified by event index. The guarantee is that
// all events with eventIndex at or below a command response's eventIndex
// fire before that command's callback.
//
// The sequencer is not synchronized; the owning session serializes access.
type sequencer struct {
	// requestSequence is the last request number handed out,
	// responseSequence the last one whose callback has fired.
	requestSequence  int64
	responseSequence int64

	// eventIndex is the highest event index whose callback has fired.
	eventIndex int64

	responses map[int64]*responseCallback
	events    *list.List
}

type responseCallback struct {
	response protocol.OperationResponse
	callback func()
}

type eventCallback struct {
	request  *protocol.PublishRequest
	callback func()
}

func newSequencer() *sequencer {
	return &sequencer{
		responses: make(map[int64]*responseCallback),
		events:    list.New(),
	}
}

// nextRequest allocates the sequence number for an operation about to be
// sent.
func (s *sequencer) nextRequest() int64 {
	s.requestSequence++
	return s.requestSequence
}

// sequenceEvent schedules an event callback. Contiguous events with no
// outstanding responses fire immediately; everything else queues until the
// response drain releases it.
func (s *sequencer) sequenceEvent(request *protocol.PublishRequest, callback func()) {
	if s.requestSequence == s.responseSequence && request.PreviousIndex == s.eventIndex {
		s.eventIndex = request.EventIndex
		callback()
		return
	}
	s.events.PushBack(&eventCallback{request: request, callback: callback})
	s.completeResponses()
}

// sequenceResponse schedules a response callback for the given request
// sequence number. A nil response (operation failure) still completes in
// request-sequence order but does not wait for any events.
func (s *sequencer) sequenceResponse(sequence int64, response protocol.OperationResponse, callback func()) {
	s.responses[sequence] = &responseCallback{response: response, callback: callback}
	s.completeResponses()
}

// completeResponses drains contiguous responses, interleaving pending
// events, then flushes events once no response is outstanding.
func (s *sequencer) completeResponses() {
	for {
		next, ok := s.responses[s.responseSequence+1]
		if !ok || !s.completeResponse(next) {
			break
		}
		s.responseSequence++
		delete(s.responses, s.responseSequence)
	}

	if s.requestSequence == s.responseSequence {
		s.completeEvents()
	}
}

// completeResponse fires one response if its event prerequisites are met,
// draining queued events that precede it first.
func (s *sequencer) completeResponse(rc *responseCallback) bool {
	if rc.response == nil {
		rc.callback()
		return true
	}

	// Events produced before this response must fire before it.
	if rc.response.ResponseEventIndex() > s.eventIndex {
		for front := s.events.Front(); front != nil; front = s.events.Front() {
			ec := front.Value.(*eventCallback)
			if ec.request.EventIndex > rc.response.ResponseEventIndex() {
				break
			}
			s.events.Remove(front)
			s.completeEvent(ec)
		}
	}

	if rc.response.ResponseEventIndex() <= s.eventIndex {
		rc.callback()
		return true
	}

	// The next pending event jumped past this response's event index: the
	// event the response refers to will never arrive, so the response can
	// complete.
	if front := s.events.Front(); front != nil {
		if front.Value.(*eventCallback).request.EventIndex > rc.response.ResponseEventIndex() {
			rc.callback()
			return true
		}
	}

	// Await the events the server promised.
	return false
}

// completeEvents flushes the queue while no responses are outstanding.
func (s *sequencer) completeEvents() {
	for front := s.events.Front(); front != nil; front = s.events.Front() {
		s.events.Remove(front)
		s.completeEvent(front.Value.(*eventCallback))
	}
}

func (s *sequencer) completeEvent(ec *eventCallback) {
	s.eventIndex = ec.request.EventIndex
	ec.callback()
}
