package chargepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/models"
	"drivepoint/internal/ocpp/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// memQueueStore is an in-memory QueueStore.
type memQueueStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []models.QueuedRequest

	insertErr error
	frontErr  error
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{nextID: 1}
}

func (s *memQueueStore) Insert(_ context.Context, action, payload string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	id := s.nextID
	s.nextID++
	s.rows = append(s.rows, models.QueuedRequest{ID: id, Action: action, Payload: payload, CreatedAt: time.Now()})
	return id, nil
}

func (s *memQueueStore) Front(_ context.Context) (*models.QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frontErr != nil {
		return nil, s.frontErr
	}
	if len(s.rows) == 0 {
		return nil, nil
	}
	head := s.rows[0]
	return &head, nil
}

func (s *memQueueStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memQueueStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memQueueStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.rows))
	for _, row := range s.rows {
		actions = append(actions, row.Action)
	}
	return actions
}

func (s *memQueueStore) setInsertErr(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

// memConnectorStore is an in-memory ConnectorStore.
type memConnectorStore struct {
	mu      sync.Mutex
	rows    map[int]models.ConnectorState
	saveErr error
	saves   int
}

func newMemConnectorStore() *memConnectorStore {
	return &memConnectorStore{rows: make(map[int]models.ConnectorState)}
}

func (s *memConnectorStore) EnsureConnectors(_ context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := 0; id <= count; id++ {
		if _, ok := s.rows[id]; !ok {
			s.rows[id] = models.ConnectorState{ID: id, Status: protocol.StatusAvailable}
		}
	}
	return nil
}

func (s *memConnectorStore) GetAll(_ context.Context) ([]models.ConnectorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]models.ConnectorState, 0, len(s.rows))
	for _, state := range s.rows {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}

func (s *memConnectorStore) Save(_ context.Context, state *models.ConnectorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rows[state.ID] = *state
	s.saves++
	return nil
}

func (s *memConnectorStore) saved(id int) models.ConnectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *memConnectorStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// sentCall is one request recorded by fakeEndpoint.
type sentCall struct {
	action  string
	payload []byte
}

func (c sentCall) decode(t *testing.T, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(c.payload, target); err != nil {
		t.Fatalf("decode %s request: %v", c.action, err)
	}
}

// fakeEndpoint scripts CALL answers per action. Answers are consumed in
// order; with none left, defaultErr (or success with a zero response)
// applies.
type fakeEndpoint struct {
	mu         sync.Mutex
	calls      []sentCall
	answers    map[string][]endpointAnswer
	defaultErr error
}

type endpointAnswer struct {
	response interface{}
	err      error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{answers: make(map[string][]endpointAnswer)}
}

func (f *fakeEndpoint) answer(action string, response interface{}) {
	f.mu.Lock()
	f.answers[action] = append(f.answers[action], endpointAnswer{response: response})
	f.mu.Unlock()
}

func (f *fakeEndpoint) answerErr(action string, err error) {
	f.mu.Lock()
	f.answers[action] = append(f.answers[action], endpointAnswer{err: err})
	f.mu.Unlock()
}

func (f *fakeEndpoint) setDefaultErr(err error) {
	f.mu.Lock()
	f.defaultErr = err
	f.mu.Unlock()
}

func (f *fakeEndpoint) Call(_ context.Context, action string, request, response interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.calls = append(f.calls, sentCall{action: action, payload: payload})
	var answer endpointAnswer
	if queued := f.answers[action]; len(queued) > 0 {
		answer = queued[0]
		f.answers[action] = queued[1:]
	} else {
		answer = endpointAnswer{err: f.defaultErr}
	}
	f.mu.Unlock()

	if answer.err != nil {
		return answer.err
	}
	if response == nil || answer.response == nil {
		return nil
	}
	raw, err := json.Marshal(answer.response)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, response)
}

func (f *fakeEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEndpoint) callAt(index int) sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.calls) {
		return sentCall{}
	}
	return f.calls[index]
}

func (f *fakeEndpoint) callsFor(action string) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []sentCall
	for _, call := range f.calls {
		if call.action == action {
			matched = append(matched, call)
		}
	}
	return matched
}

func (f *fakeEndpoint) lastCall() sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return sentCall{}
	}
	return f.calls[len(f.calls)-1]
}

// fakeRegistration toggles the registration gate.
type fakeRegistration struct {
	accepted atomic.Bool
}

func (f *fakeRegistration) IsAccepted() bool {
	return f.accepted.Load()
}

// fakeStatus records status transitions.
type fakeStatus struct {
	mu      sync.Mutex
	changes []string
}

func (f *fakeStatus) SetConnectorStatus(_ context.Context, connectorID int, status protocol.ChargePointStatus) {
	f.mu.Lock()
	f.changes = append(f.changes, fmt.Sprintf("%d:%s", connectorID, status))
	f.mu.Unlock()
}

func (f *fakeStatus) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return ""
	}
	return f.changes[len(f.changes)-1]
}

func (f *fakeStatus) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.changes...)
}

// fakeEvents is a scriptable EventsHandler.
type fakeEvents struct {
	mu           sync.Mutex
	meterValue   int
	acceptStart  bool
	acceptStop   bool
	deAuthorized []int
	started      []int
	stopped      []int
	remoteStarts []string
	remoteStops  []int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{acceptStart: true, acceptStop: true}
}

func (f *fakeEvents) setMeterValue(v int) {
	f.mu.Lock()
	f.meterValue = v
	f.mu.Unlock()
}

func (f *fakeEvents) setAcceptStart(v bool) {
	f.mu.Lock()
	f.acceptStart = v
	f.mu.Unlock()
}

func (f *fakeEvents) TransactionMeterValue(int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meterValue
}

func (f *fakeEvents) RemoteStartRequested(connectorID int, idTag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteStarts = append(f.remoteStarts, fmt.Sprintf("%d:%s", connectorID, idTag))
	return f.acceptStart
}

func (f *fakeEvents) RemoteStopRequested(connectorID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteStops = append(f.remoteStops, connectorID)
	return f.acceptStop
}

func (f *fakeEvents) TransactionDeAuthorized(connectorID int) {
	f.mu.Lock()
	f.deAuthorized = append(f.deAuthorized, connectorID)
	f.mu.Unlock()
}

func (f *fakeEvents) TransactionStarted(connectorID, _ int, _ string) {
	f.mu.Lock()
	f.started = append(f.started, connectorID)
	f.mu.Unlock()
}

func (f *fakeEvents) TransactionStopped(connectorID, _ int, _ protocol.Reason) {
	f.mu.Lock()
	f.stopped = append(f.stopped, connectorID)
	f.mu.Unlock()
}

func (f *fakeEvents) deAuthorizedConnectors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deAuthorized...)
}

func (f *fakeEvents) startedConnectors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.started...)
}

func (f *fakeEvents) stoppedConnectors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stopped...)
}

func (f *fakeEvents) remoteStartRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remoteStarts...)
}

func (f *fakeEvents) remoteStopRequests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.remoteStops...)
}

// fakeMeterValues records sampling control calls.
type fakeMeterValues struct {
	mu         sync.Mutex
	started    []int
	stopped    []int
	stopValues []protocol.MeterValue
}

func (f *fakeMeterValues) StartSampledMeterValues(connectorID int) {
	f.mu.Lock()
	f.started = append(f.started, connectorID)
	f.mu.Unlock()
}

func (f *fakeMeterValues) StopSampledMeterValues(connectorID int) {
	f.mu.Lock()
	f.stopped = append(f.stopped, connectorID)
	f.mu.Unlock()
}

func (f *fakeMeterValues) TxStopMeterValues(int) []protocol.MeterValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopValues
}

func (f *fakeMeterValues) setStopValues(values []protocol.MeterValue) {
	f.mu.Lock()
	f.stopValues = values
	f.mu.Unlock()
}

func (f *fakeMeterValues) samplingStarted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.started...)
}

func (f *fakeMeterValues) samplingStopped() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stopped...)
}

// fakeProfiles records smart charging calls.
type fakeProfiles struct {
	mu        sync.Mutex
	installOK bool
	installed []int
	assigned  []string
	cleared   []int
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{installOK: true}
}

func (f *fakeProfiles) InstallTxProfile(_ context.Context, connectorID int, _ protocol.ChargingProfile) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, connectorID)
	return f.installOK
}

func (f *fakeProfiles) AssignPendingTxProfiles(_ context.Context, connectorID, transactionID int) {
	f.mu.Lock()
	f.assigned = append(f.assigned, fmt.Sprintf("%d:%d", connectorID, transactionID))
	f.mu.Unlock()
}

func (f *fakeProfiles) ClearTxProfiles(_ context.Context, connectorID int) {
	f.mu.Lock()
	f.cleared = append(f.cleared, connectorID)
	f.mu.Unlock()
}

func (f *fakeProfiles) setInstallOK(v bool) {
	f.mu.Lock()
	f.installOK = v
	f.mu.Unlock()
}

func (f *fakeProfiles) installedConnectors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.installed...)
}

func (f *fakeProfiles) assignedPairs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assigned...)
}

func (f *fakeProfiles) clearedConnectors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cleared...)
}

// txHarness assembles a TransactionService over in-memory stores and a
// scripted endpoint.
type txHarness struct {
	endpoint     *fakeEndpoint
	queue        *memQueueStore
	store        *memConnectorStore
	fifo         *RequestFIFO
	connectors   *ConnectorRegistry
	sender       *MessageSender
	auth         *AuthorizationService
	tags         *MemoryTagStore
	reservations *ReservationService
	registration *fakeRegistration
	status       *fakeStatus
	events       *fakeEvents
	meterValues  *fakeMeterValues
	profiles     *fakeProfiles
	online       atomic.Bool
	svc          *TransactionService
}

func newTxHarness(t *testing.T, connectorCount int, reserveConnectorZero bool) *txHarness {
	t.Helper()
	logger := zap.NewNop()

	h := &txHarness{
		endpoint:     newFakeEndpoint(),
		queue:        newMemQueueStore(),
		store:        newMemConnectorStore(),
		registration: &fakeRegistration{},
		status:       &fakeStatus{},
		events:       newFakeEvents(),
		meterValues:  &fakeMeterValues{},
		profiles:     newFakeProfiles(),
	}

	h.fifo = NewRequestFIFO(h.queue, logger)
	if err := h.fifo.Load(context.Background()); err != nil {
		t.Fatalf("load fifo: %v", err)
	}

	h.connectors = NewConnectorRegistry(h.store, connectorCount, logger)
	if err := h.connectors.Load(context.Background()); err != nil {
		t.Fatalf("load connectors: %v", err)
	}

	h.sender = NewMessageSender(h.endpoint, h.fifo, logger)
	h.tags = NewMemoryTagStore()
	h.auth = NewAuthorizationService(h.tags, logger)
	h.reservations = NewReservationService(h.connectors, h.status, reserveConnectorZero, logger)

	pool := NewWorkerPool(2, 32)
	t.Cleanup(pool.Stop)

	h.online.Store(true)
	h.registration.accepted.Store(true)

	h.svc = newTransactionService(TransactionConfig{
		MessageAttempts:      3,
		MessageRetryInterval: 20 * time.Millisecond,
		ReserveConnectorZero: reserveConnectorZero,
	}, transactionDeps{
		connectors:    h.connectors,
		sender:        h.sender,
		fifo:          h.fifo,
		registration:  h.registration,
		reservations:  h.reservations,
		tags:          h.auth,
		meterValues:   h.meterValues,
		smartCharging: h.profiles,
		status:        h.status,
		events:        h.events,
		pool:          pool,
		connected:     h.online.Load,
	}, logger)
	t.Cleanup(h.svc.Stop)

	h.sender.OnDeferred(h.svc.armRetry)
	return h
}

func (h *txHarness) setOnline(online bool) {
	h.online.Store(online)
	if !online {
		h.endpoint.setDefaultErr(errNotConnectedForTest)
	} else {
		h.endpoint.setDefaultErr(nil)
	}
	h.svc.UpdateConnectionStatus(online)
}

var errNotConnectedForTest = fmt.Errorf("transport gone")
