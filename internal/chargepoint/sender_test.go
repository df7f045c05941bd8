package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp"
	"drivepoint/internal/ocpp/protocol"
)

func newSenderHarness(t *testing.T) (*MessageSender, *fakeEndpoint, *memQueueStore) {
	t.Helper()
	logger := zap.NewNop()
	endpoint := newFakeEndpoint()
	queue := newMemQueueStore()
	fifo := NewRequestFIFO(queue, logger)
	if err := fifo.Load(context.Background()); err != nil {
		t.Fatalf("load fifo: %v", err)
	}
	return NewMessageSender(endpoint, fifo, logger), endpoint, queue
}

func TestMessageSenderCallClassification(t *testing.T) {
	sender, endpoint, _ := newSenderHarness(t)

	endpoint.answer(protocol.ActionHeartbeat, protocol.HeartbeatResponse{})
	result, err := sender.Call(context.Background(), protocol.ActionHeartbeat, protocol.HeartbeatRequest{}, &protocol.HeartbeatResponse{})
	if result != CallOK || err != nil {
		t.Fatalf("expected CallOK, got %v (%v)", result, err)
	}

	endpoint.answerErr(protocol.ActionHeartbeat, &ocpp.CallError{Code: "InternalError", Description: "boom"})
	result, err = sender.Call(context.Background(), protocol.ActionHeartbeat, protocol.HeartbeatRequest{}, &protocol.HeartbeatResponse{})
	if result != CallRejected {
		t.Fatalf("expected CallRejected, got %v", result)
	}
	var callErr *ocpp.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}

	endpoint.answerErr(protocol.ActionHeartbeat, ocpp.ErrNotConnected)
	result, _ = sender.Call(context.Background(), protocol.ActionHeartbeat, protocol.HeartbeatRequest{}, &protocol.HeartbeatResponse{})
	if result != CallFailed {
		t.Fatalf("expected CallFailed, got %v", result)
	}
}

func TestCallWithFIFODefersOnFailure(t *testing.T) {
	sender, endpoint, queue := newSenderHarness(t)

	var deferrals atomic.Int32
	sender.OnDeferred(func() { deferrals.Add(1) })

	endpoint.answerErr(protocol.ActionStartTransaction, ocpp.ErrNotConnected)
	req := protocol.StartTransactionRequest{ConnectorID: 1, IdTag: "TAG", MeterStart: 10}
	var conf protocol.StartTransactionResponse
	result, err := sender.CallWithFIFO(context.Background(), protocol.ActionStartTransaction, req, &conf)
	if result != CallDeferred {
		t.Fatalf("expected CallDeferred, got %v", result)
	}
	if !errors.Is(err, ocpp.ErrNotConnected) {
		t.Fatalf("expected original error preserved, got %v", err)
	}
	if got := queue.actions(); len(got) != 1 || got[0] != protocol.ActionStartTransaction {
		t.Fatalf("expected start parked in queue, got %v", got)
	}
	if deferrals.Load() != 1 {
		t.Fatalf("expected deferral hook fired once, got %d", deferrals.Load())
	}

	head, err := queue.Front(context.Background())
	if err != nil || head == nil {
		t.Fatalf("expected queued head, got %v (%v)", head, err)
	}
	var stored protocol.StartTransactionRequest
	if err := json.Unmarshal([]byte(head.Payload), &stored); err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if stored.ConnectorID != 1 || stored.IdTag != "TAG" || stored.MeterStart != 10 {
		t.Fatalf("unexpected stored request: %+v", stored)
	}
}

func TestCallWithFIFODefersOnCallError(t *testing.T) {
	sender, endpoint, queue := newSenderHarness(t)

	endpoint.answerErr(protocol.ActionStopTransaction, &ocpp.CallError{Code: "GenericError"})
	result, _ := sender.CallWithFIFO(context.Background(), protocol.ActionStopTransaction, protocol.StopTransactionRequest{TransactionID: 3}, &protocol.StopTransactionResponse{})
	if result != CallDeferred {
		t.Fatalf("expected CallDeferred, got %v", result)
	}
	if got := queue.actions(); len(got) != 1 {
		t.Fatalf("expected request parked, got %v", got)
	}
}

func TestCallWithFIFOSuccessSkipsQueue(t *testing.T) {
	sender, endpoint, queue := newSenderHarness(t)

	var deferrals atomic.Int32
	sender.OnDeferred(func() { deferrals.Add(1) })

	endpoint.answer(protocol.ActionStopTransaction, protocol.StopTransactionResponse{})
	result, err := sender.CallWithFIFO(context.Background(), protocol.ActionStopTransaction, protocol.StopTransactionRequest{TransactionID: 4}, &protocol.StopTransactionResponse{})
	if result != CallOK || err != nil {
		t.Fatalf("expected CallOK, got %v (%v)", result, err)
	}
	if got := queue.actions(); len(got) != 0 {
		t.Fatalf("expected empty queue, got %v", got)
	}
	if deferrals.Load() != 0 {
		t.Fatalf("expected no deferral hook, got %d", deferrals.Load())
	}
}

func TestCallWithFIFOReportsLostRequest(t *testing.T) {
	sender, endpoint, queue := newSenderHarness(t)

	var deferrals atomic.Int32
	sender.OnDeferred(func() { deferrals.Add(1) })

	endpoint.answerErr(protocol.ActionStopTransaction, ocpp.ErrNotConnected)
	queue.setInsertErr(errors.New("database gone"))

	result, _ := sender.CallWithFIFO(context.Background(), protocol.ActionStopTransaction, protocol.StopTransactionRequest{TransactionID: 5}, &protocol.StopTransactionResponse{})
	if result != CallFailed {
		t.Fatalf("expected CallFailed when parking fails, got %v", result)
	}
	if deferrals.Load() != 0 {
		t.Fatalf("expected no deferral hook on lost request, got %d", deferrals.Load())
	}
}
