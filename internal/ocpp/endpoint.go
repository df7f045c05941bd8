package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

var (
	// ErrNotConnected is returned when a call is attempted without a link
	// to the Central System.
	ErrNotConnected = errors.New("ocpp: not connected")
	// ErrCallTimeout is returned when the Central System does not answer
	// a CALL within the configured window.
	ErrCallTimeout = errors.New("ocpp: call timeout")
)

var idGenerator = func() string { return uuid.NewString() }

// CallError carries a CALLERROR answer from the Central System.
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp: call error %s: %s", e.Code, e.Description)
}

// HandlerFunc processes an incoming CALL payload and returns response body.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Transport sends raw frames to the Central System.
type Transport interface {
	Send(data []byte) error
	Connected() bool
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// Endpoint is the charge point side of an OCPP-J link: it issues CALLs,
// correlates CALLRESULT/CALLERROR answers by unique id and dispatches
// incoming CALLs to registered handlers.
type Endpoint struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]chan callOutcome
}

// NewEndpoint builds Endpoint.
func NewEndpoint(transport Transport, timeout time.Duration, logger *zap.Logger) *Endpoint {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Endpoint{
		transport: transport,
		timeout:   timeout,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
		pending:   make(map[string]chan callOutcome),
	}
}

// Register attaches handler to action.
func (e *Endpoint) Register(action string, handler HandlerFunc) {
	e.mu.Lock()
	e.handlers[action] = handler
	e.mu.Unlock()
}

// Call sends a CALL frame and blocks until the answer arrives, the call
// times out, or ctx is cancelled. The CALLRESULT payload is unmarshalled
// into response when response is non-nil. A CALLERROR answer is returned
// as *CallError.
func (e *Endpoint) Call(ctx context.Context, action string, request, response interface{}) error {
	if !e.transport.Connected() {
		return ErrNotConnected
	}

	uniqueID := idGenerator()
	frame, err := BuildCall(uniqueID, action, request)
	if err != nil {
		return fmt.Errorf("ocpp: encode %s: %w", action, err)
	}

	ch := make(chan callOutcome, 1)
	e.mu.Lock()
	e.pending[uniqueID] = ch
	e.mu.Unlock()

	if err := e.transport.Send(frame); err != nil {
		e.removePending(uniqueID)
		return fmt.Errorf("ocpp: send %s: %w", action, err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return outcome.err
		}
		if response == nil {
			return nil
		}
		if err := json.Unmarshal(outcome.payload, response); err != nil {
			return fmt.Errorf("ocpp: decode %s response: %w", action, err)
		}
		return nil
	case <-timer.C:
		e.removePending(uniqueID)
		return fmt.Errorf("ocpp: %s: %w", action, ErrCallTimeout)
	case <-ctx.Done():
		e.removePending(uniqueID)
		return ctx.Err()
	}
}

// HandleIncoming processes one raw frame from the Central System.
// Malformed frames are dropped with a log entry, never answered.
func (e *Endpoint) HandleIncoming(ctx context.Context, data []byte) {
	msg, err := ParseFrame(data)
	if err != nil {
		e.logger.Warn("drop malformed frame", zap.Error(err))
		return
	}

	switch msg.MessageType {
	case protocol.MessageTypeCall:
		// Handlers may issue their own calls over the same link, so they
		// must not run on the goroutine that reads the answers.
		go e.dispatchCall(ctx, msg)
	case protocol.MessageTypeCallResult:
		e.resolve(msg.UniqueID, callOutcome{payload: msg.Payload})
	case protocol.MessageTypeCallError:
		e.resolve(msg.UniqueID, callOutcome{err: &CallError{
			Code:        msg.ErrorCode,
			Description: msg.ErrorDescription,
			Details:     msg.ErrorDetails,
		}})
	}
}

// FailPending resolves every in-flight call with err. Called when the
// underlying connection is lost so blocked callers do not wait out the
// full timeout.
func (e *Endpoint) FailPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]chan callOutcome)
	e.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
}

func (e *Endpoint) dispatchCall(ctx context.Context, msg *Message) {
	e.mu.Lock()
	handler, ok := e.handlers[msg.Action]
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("unsupported action", zap.String("action", msg.Action))
		e.reply(msg.UniqueID, func() ([]byte, error) {
			return BuildCallError(msg.UniqueID, ErrorCodeNotImplemented, "action not supported")
		})
		return
	}

	responsePayload, err := handler(ctx, msg.Payload)
	if err != nil {
		e.logger.Warn("handler failed", zap.String("action", msg.Action), zap.Error(err))
		e.reply(msg.UniqueID, func() ([]byte, error) {
			return BuildCallError(msg.UniqueID, ErrorCodeInternalError, err.Error())
		})
		return
	}

	e.reply(msg.UniqueID, func() ([]byte, error) {
		return BuildCallResult(msg.UniqueID, responsePayload)
	})
}

func (e *Endpoint) reply(uniqueID string, build func() ([]byte, error)) {
	frame, err := build()
	if err != nil {
		e.logger.Error("encode response failed", zap.String("uniqueId", uniqueID), zap.Error(err))
		return
	}
	if err := e.transport.Send(frame); err != nil {
		e.logger.Warn("send response failed", zap.String("uniqueId", uniqueID), zap.Error(err))
	}
}

func (e *Endpoint) resolve(uniqueID string, outcome callOutcome) {
	e.mu.Lock()
	ch, ok := e.pending[uniqueID]
	if ok {
		delete(e.pending, uniqueID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("no call pending", zap.String("uniqueId", uniqueID))
		return
	}
	ch <- outcome
}

func (e *Endpoint) removePending(uniqueID string) {
	e.mu.Lock()
	delete(e.pending, uniqueID)
	e.mu.Unlock()
}
