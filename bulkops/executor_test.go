package bulkops

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	rondosync "github.com/migadu/rondo/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateBulkOperation(ctx context.Context, action, submittedBy string, items []db.BulkItemInput) (*db.BulkOperation, error) {
	args := m.Called(ctx, action, submittedBy, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.BulkOperation), args.Error(1)
}
func (m *mockStore) ClaimPendingBulkOperation(ctx context.Context) (*db.BulkOperation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.BulkOperation), args.Error(1)
}
func (m *mockStore) ListBulkItems(ctx context.Context, operationID uuid.UUID) ([]db.BulkItem, error) {
	args := m.Called(ctx, operationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.BulkItem), args.Error(1)
}
func (m *mockStore) SetBulkItemResult(ctx context.Context, itemID int64, state, errorMessage string) error {
	args := m.Called(ctx, itemID, state, errorMessage)
	return args.Error(0)
}
func (m *mockStore) FinishBulkOperation(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	args := m.Called(ctx, id, succeeded, failed)
	return args.Error(0)
}
func (m *mockStore) GetAccountByEmail(ctx context.Context, email string) (*db.Account, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Account), args.Error(1)
}
func (m *mockStore) EnqueuePurge(ctx context.Context, accountID, email, actor string, notBefore time.Time) (bool, error) {
	args := m.Called(ctx, accountID, email, actor, notBefore)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) WriteAudit(ctx context.Context, entry db.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) ListAccounts(ctx context.Context) ([]directory.AccountSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]directory.AccountSnapshot), args.Error(1)
}
func (m *mockDirectory) GetAccount(ctx context.Context, id string) (*directory.AccountSnapshot, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*directory.AccountSnapshot), args.Error(1)
}
func (m *mockDirectory) SetAccountStatus(ctx context.Context, id string, status directory.Status) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}
func (m *mockDirectory) DeleteAccount(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) ReconcileOne(ctx context.Context, directoryID, actor string, expectedVersion int64) (rondosync.Outcome, error) {
	args := m.Called(ctx, directoryID, actor, expectedVersion)
	return args.Get(0).(rondosync.Outcome), args.Error(1)
}

func newTestExecutor() (*Executor, *mockStore, *mockDirectory, *mockReconciler) {
	store := new(mockStore)
	dir := new(mockDirectory)
	rec := new(mockReconciler)
	exec := NewExecutor(store, dir, rec, ExecutorOptions{
		PurgeRetention: 30 * 24 * time.Hour,
		RemoteRetries:  1,
		RetryInterval:  time.Millisecond,
	})
	return exec, store, dir, rec
}

func account(id, email string) *db.Account {
	return &db.Account{DirectoryID: id, Email: email, Status: directory.StatusActive, LocalVersion: 1}
}

// --- Tests ---

func TestSubmitRejectsInvalidBatches(t *testing.T) {
	exec, store, _, _ := newTestExecutor()
	ctx := context.Background()

	store.On("GetAccountByEmail", mock.Anything, "a@example.com").Return(account("id-1", "a@example.com"), nil)
	store.On("GetAccountByEmail", mock.Anything, "ghost@example.com").Return(nil, db.ErrAccountNotFound)

	tests := []struct {
		name   string
		action string
		items  []SubmitItem
	}{
		{"no items", ActionSetStatus, nil},
		{"unknown action", "shred", []SubmitItem{{Email: "a@example.com"}}},
		{"missing email", ActionSetStatus, []SubmitItem{{Status: directory.StatusLocked}}},
		{"invalid status", ActionSetStatus, []SubmitItem{{Email: "a@example.com", Status: "frozen"}}},
		{"duplicate email", ActionDeleteRequest, []SubmitItem{
			{Email: "a@example.com"}, {Email: "a@example.com"},
		}},
		{"unknown account", ActionDeleteRequest, []SubmitItem{
			{Email: "a@example.com"}, {Email: "ghost@example.com"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Submit(ctx, tt.action, "admin", tt.items)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}

	// Nothing may be persisted when validation fails.
	store.AssertNotCalled(t, "CreateBulkOperation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitPersistsWholeBatch(t *testing.T) {
	exec, store, _, _ := newTestExecutor()

	// b sorts before a by directory ID, so the persisted order flips.
	store.On("GetAccountByEmail", mock.Anything, "a@example.com").Return(account("id-2", "a@example.com"), nil)
	store.On("GetAccountByEmail", mock.Anything, "b@example.com").Return(account("id-1", "b@example.com"), nil)

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionSetStatus, State: db.BulkStatePending, TotalItems: 2}
	store.On("CreateBulkOperation", mock.Anything, ActionSetStatus, "admin",
		[]db.BulkItemInput{
			{Email: "b@example.com", Payload: map[string]any{"status": "active"}},
			{Email: "a@example.com", Payload: map[string]any{"status": "locked"}},
		}).Return(op, nil)

	got, err := exec.Submit(context.Background(), ActionSetStatus, "admin", []SubmitItem{
		{Email: "a@example.com", Status: directory.StatusLocked},
		{Email: "b@example.com", Status: directory.StatusActive},
	})
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	store.AssertExpectations(t)
}

func TestProcessSetStatus(t *testing.T) {
	exec, store, dir, rec := newTestExecutor()
	ctx := context.Background()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionSetStatus, State: db.BulkStateRunning, TotalItems: 2}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 1, OperationID: op.ID, Position: 0, Email: "a@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStatePending},
		{ID: 2, OperationID: op.ID, Position: 1, Email: "b@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStatePending},
	}, nil)

	store.On("GetAccountByEmail", mock.Anything, "a@example.com").Return(account("id-1", "a@example.com"), nil)
	store.On("GetAccountByEmail", mock.Anything, "b@example.com").Return(account("id-2", "b@example.com"), nil)
	dir.On("SetAccountStatus", mock.Anything, "id-1", directory.StatusLocked).Return(nil)
	dir.On("SetAccountStatus", mock.Anything, "id-2", directory.StatusLocked).Return(nil)
	rec.On("ReconcileOne", mock.Anything, "id-1", "bulk", int64(1)).Return(rondosync.OutcomeUpdated, nil)
	rec.On("ReconcileOne", mock.Anything, "id-2", "bulk", int64(1)).Return(rondosync.OutcomeUpdated, nil)

	store.On("SetBulkItemResult", mock.Anything, int64(1), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("SetBulkItemResult", mock.Anything, int64(2), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 2, 0).Return(nil)

	processed, err := exec.Process(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	store.AssertExpectations(t)
	dir.AssertExpectations(t)
}

func TestProcessDeleteRequestEnqueuesPurge(t *testing.T) {
	exec, store, dir, rec := newTestExecutor()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionDeleteRequest, State: db.BulkStateRunning, TotalItems: 1}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 7, OperationID: op.ID, Email: "a@example.com", Payload: map[string]any{}, State: db.BulkItemStatePending},
	}, nil)

	store.On("GetAccountByEmail", mock.Anything, "a@example.com").Return(account("id-1", "a@example.com"), nil)
	dir.On("SetAccountStatus", mock.Anything, "id-1", directory.StatusClosed).Return(nil)
	store.On("EnqueuePurge", mock.Anything, "id-1", "a@example.com", "bulk", mock.MatchedBy(func(notBefore time.Time) bool {
		return notBefore.After(time.Now().Add(29 * 24 * time.Hour))
	})).Return(true, nil)
	rec.On("ReconcileOne", mock.Anything, "id-1", "bulk", int64(1)).Return(rondosync.OutcomeUpdated, nil)

	store.On("SetBulkItemResult", mock.Anything, int64(7), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 1, 0).Return(nil)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	store.AssertExpectations(t)
}

func TestProcessDeleteRequestTreatsRemoteMissingAsSuccess(t *testing.T) {
	exec, store, dir, rec := newTestExecutor()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionDeleteRequest, State: db.BulkStateRunning, TotalItems: 1}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 3, OperationID: op.ID, Email: "gone@example.com", Payload: map[string]any{}, State: db.BulkItemStatePending},
	}, nil)

	store.On("GetAccountByEmail", mock.Anything, "gone@example.com").Return(account("id-gone", "gone@example.com"), nil)
	dir.On("SetAccountStatus", mock.Anything, "id-gone", directory.StatusClosed).Return(directory.ErrNotFound)
	store.On("EnqueuePurge", mock.Anything, "id-gone", "gone@example.com", "bulk", mock.Anything).Return(true, nil)
	rec.On("ReconcileOne", mock.Anything, "id-gone", "bulk", int64(1)).Return(rondosync.OutcomeClosed, nil)

	store.On("SetBulkItemResult", mock.Anything, int64(3), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 1, 0).Return(nil)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	store.AssertExpectations(t)
}

func TestProcessIsolatesItemFailures(t *testing.T) {
	exec, store, dir, rec := newTestExecutor()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionSetStatus, State: db.BulkStateRunning, SubmittedBy: "admin", TotalItems: 2}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 1, OperationID: op.ID, Position: 0, Email: "missing@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStatePending},
		{ID: 2, OperationID: op.ID, Position: 1, Email: "ok@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStatePending},
	}, nil)

	store.On("GetAccountByEmail", mock.Anything, "missing@example.com").Return(nil, db.ErrAccountNotFound)
	store.On("GetAccountByEmail", mock.Anything, "ok@example.com").Return(account("id-2", "ok@example.com"), nil)
	dir.On("SetAccountStatus", mock.Anything, "id-2", directory.StatusLocked).Return(nil)
	rec.On("ReconcileOne", mock.Anything, "id-2", "bulk", int64(1)).Return(rondosync.OutcomeUpdated, nil)

	store.On("SetBulkItemResult", mock.Anything, int64(1), db.BulkItemStateFailed, mock.MatchedBy(func(msg string) bool {
		return msg != ""
	})).Return(nil)
	store.On("SetBulkItemResult", mock.Anything, int64(2), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 1, 1).Return(nil)

	// The failed item must leave an audit record, not just an item state.
	store.On("WriteAudit", mock.Anything, mock.MatchedBy(func(e db.AuditEntry) bool {
		return e.Action == db.AuditBulkItemFailed && e.Actor == "admin" &&
			e.Email == "missing@example.com" && e.Details["error"] != ""
	})).Return(nil)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	store.AssertExpectations(t)
}

func TestProcessRetriesTransientRemoteFailures(t *testing.T) {
	exec, store, dir, rec := newTestExecutor()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionSetStatus, State: db.BulkStateRunning, TotalItems: 1}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 1, OperationID: op.ID, Email: "a@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStatePending},
	}, nil)

	store.On("GetAccountByEmail", mock.Anything, "a@example.com").Return(account("id-1", "a@example.com"), nil)
	transient := &directory.RemoteError{Op: "set_status", AccountID: "id-1", Reason: "timeout", Transient: true}
	dir.On("SetAccountStatus", mock.Anything, "id-1", directory.StatusLocked).Return(transient).Once()
	dir.On("SetAccountStatus", mock.Anything, "id-1", directory.StatusLocked).Return(nil).Once()
	rec.On("ReconcileOne", mock.Anything, "id-1", "bulk", int64(1)).Return(rondosync.OutcomeUpdated, nil)

	store.On("SetBulkItemResult", mock.Anything, int64(1), db.BulkItemStateSucceeded, "").Return(nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 1, 0).Return(nil)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	dir.AssertNumberOfCalls(t, "SetAccountStatus", 2)
}

func TestProcessSkipsNonPendingItems(t *testing.T) {
	exec, store, _, _ := newTestExecutor()

	op := &db.BulkOperation{ID: uuid.New(), Action: ActionSetStatus, State: db.BulkStateRunning, TotalItems: 1}
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(op, nil)
	store.On("ListBulkItems", mock.Anything, op.ID).Return([]db.BulkItem{
		{ID: 1, OperationID: op.ID, Email: "done@example.com",
			Payload: map[string]any{"status": "locked"}, State: db.BulkItemStateSucceeded},
	}, nil)
	store.On("FinishBulkOperation", mock.Anything, op.ID, 0, 0).Return(nil)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	store.AssertNotCalled(t, "GetAccountByEmail", mock.Anything, mock.Anything)
}

func TestProcessEmptyQueue(t *testing.T) {
	exec, store, _, _ := newTestExecutor()
	store.On("ClaimPendingBulkOperation", mock.Anything).Return(nil, db.ErrBulkOperationNotFound)

	processed, err := exec.Process(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}
