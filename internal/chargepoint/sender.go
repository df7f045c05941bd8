package chargepoint

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp"
)

// CallResult classifies the outcome of a Central System call.
type CallResult int

const (
	// CallOK means a CALLRESULT answer was received.
	CallOK CallResult = iota
	// CallFailed means delivery failed: offline, send error or timeout.
	CallFailed
	// CallRejected means the Central System answered with CALLERROR.
	CallRejected
	// CallDeferred means delivery failed and the request was parked in
	// the durable queue for the retry pump.
	CallDeferred
)

type endpointCaller interface {
	Call(ctx context.Context, action string, request, response interface{}) error
}

// MessageSender wraps the OCPP endpoint with outcome classification and
// durable-queue fallback for transaction requests.
type MessageSender struct {
	endpoint endpointCaller
	fifo     *RequestFIFO
	logger   *zap.Logger

	mu         sync.Mutex
	onDeferred func()
}

// NewMessageSender builds the sender.
func NewMessageSender(endpoint endpointCaller, fifo *RequestFIFO, logger *zap.Logger) *MessageSender {
	return &MessageSender{
		endpoint: endpoint,
		fifo:     fifo,
		logger:   logger,
	}
}

// OnDeferred registers the hook run after a request is parked, letting
// the owner arm the retry timer.
func (s *MessageSender) OnDeferred(fn func()) {
	s.mu.Lock()
	s.onDeferred = fn
	s.mu.Unlock()
}

func (s *MessageSender) deferred() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onDeferred
}

// Call sends one request and classifies the outcome.
func (s *MessageSender) Call(ctx context.Context, action string, request, response interface{}) (CallResult, error) {
	err := s.endpoint.Call(ctx, action, request, response)
	if err == nil {
		return CallOK, nil
	}
	var callErr *ocpp.CallError
	if errors.As(err, &callErr) {
		return CallRejected, err
	}
	return CallFailed, err
}

// CallWithFIFO sends one request; when no CALLRESULT arrives the request
// is parked in the durable queue and delivery is left to the retry pump.
func (s *MessageSender) CallWithFIFO(ctx context.Context, action string, request, response interface{}) (CallResult, error) {
	result, err := s.Call(ctx, action, request, response)
	if result == CallOK {
		return CallOK, nil
	}

	s.logger.Warn("call failed, deferring request", zap.String("action", action), zap.Error(err))
	if pushErr := s.fifo.Push(ctx, action, request); pushErr != nil {
		s.logger.Error("defer request failed", zap.String("action", action), zap.Error(pushErr))
		return result, err
	}
	if fn := s.deferred(); fn != nil {
		fn()
	}
	return CallDeferred, err
}
