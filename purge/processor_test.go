package purge

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AcquirePurgeLock(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) ReleasePurgeLock(ctx context.Context) {
	m.Called(ctx)
}
func (m *mockStore) ClaimDuePurgeEntries(ctx context.Context, limit int) ([]db.PurgeEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.PurgeEntry), args.Error(1)
}
func (m *mockStore) CompletePurgeEntry(ctx context.Context, entry db.PurgeEntry, actor string) error {
	args := m.Called(ctx, entry, actor)
	return args.Error(0)
}
func (m *mockStore) RequeuePurgeEntry(ctx context.Context, id int64, retryAt time.Time, lastError string) error {
	args := m.Called(ctx, id, retryAt, lastError)
	return args.Error(0)
}
func (m *mockStore) FailPurgeEntry(ctx context.Context, entry db.PurgeEntry, lastError string) error {
	args := m.Called(ctx, entry, lastError)
	return args.Error(0)
}
func (m *mockStore) CancelPurgeEntry(ctx context.Context, id int64, actor string) error {
	args := m.Called(ctx, id, actor)
	return args.Error(0)
}
func (m *mockStore) CountDuePurgeEntries(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
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

func newTestProcessor() (*Processor, *mockStore, *mockDirectory) {
	store := new(mockStore)
	dir := new(mockDirectory)
	proc := NewProcessor(store, dir, ProcessorOptions{
		WakeInterval: time.Minute,
		RetryDelay:   time.Minute,
		MaxAttempts:  3,
		BatchSize:    10,
	})
	return proc, store, dir
}

func entry(id int64, accountID string, attempts int) db.PurgeEntry {
	return db.PurgeEntry{
		ID:        id,
		AccountID: accountID,
		Email:     accountID + "@example.com",
		State:     db.PurgeStateExecuting,
		NotBefore: time.Now().Add(-time.Hour),
		Attempts:  attempts,
	}
}

// --- Tests ---

func TestProcessDueDeletesAccounts(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e1 := entry(1, "id-1", 1)
	e2 := entry(2, "id-2", 1)
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e1, e2}, nil)
	dir.On("DeleteAccount", mock.Anything, "id-1").Return(nil)
	dir.On("DeleteAccount", mock.Anything, "id-2").Return(nil)
	store.On("CompletePurgeEntry", mock.Anything, e1, "purge").Return(nil)
	store.On("CompletePurgeEntry", mock.Anything, e2, "purge").Return(nil)

	processed, err := proc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	store.AssertExpectations(t)
	dir.AssertExpectations(t)
}

func TestProcessDueRemoteMissingIsSuccess(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e := entry(1, "id-gone", 1)
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e}, nil)
	dir.On("DeleteAccount", mock.Anything, "id-gone").Return(directory.ErrNotFound)
	store.On("CompletePurgeEntry", mock.Anything, e, "purge").Return(nil)

	processed, err := proc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "FailPurgeEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDueRequeuesTransientFailure(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e := entry(1, "id-1", 2)
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e}, nil)
	dir.On("DeleteAccount", mock.Anything, "id-1").
		Return(&directory.RemoteError{Op: "delete", AccountID: "id-1", Reason: "gateway timeout", Transient: true})

	// Second attempt doubles the base delay.
	store.On("RequeuePurgeEntry", mock.Anything, int64(1), mock.MatchedBy(func(retryAt time.Time) bool {
		wait := time.Until(retryAt)
		return wait > 90*time.Second && wait <= 2*time.Minute
	}), mock.MatchedBy(func(msg string) bool { return msg != "" })).Return(nil)

	processed, err := proc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "CompletePurgeEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDueFailsAfterAttemptBudget(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e := entry(1, "id-1", 3) // at MaxAttempts
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e}, nil)
	dir.On("DeleteAccount", mock.Anything, "id-1").
		Return(&directory.RemoteError{Op: "delete", AccountID: "id-1", Reason: "unavailable", Transient: true})
	store.On("FailPurgeEntry", mock.Anything, e, mock.MatchedBy(func(msg string) bool { return msg != "" })).Return(nil)

	processed, err := proc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "RequeuePurgeEntry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDuePermanentFailureFailsImmediately(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e := entry(1, "id-1", 1)
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e}, nil)
	dir.On("DeleteAccount", mock.Anything, "id-1").
		Return(&directory.RemoteError{Op: "delete", AccountID: "id-1", Reason: "forbidden", Transient: false})
	store.On("FailPurgeEntry", mock.Anything, e, mock.Anything).Return(nil)

	processed, err := proc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	store.AssertNotCalled(t, "RequeuePurgeEntry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDueRequeuesRemainderOnCancel(t *testing.T) {
	proc, store, dir := newTestProcessor()

	e1 := entry(1, "id-1", 1)
	e2 := entry(2, "id-2", 1)
	store.On("ClaimDuePurgeEntries", mock.Anything, 10).Return([]db.PurgeEntry{e1, e2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	dir.On("DeleteAccount", mock.Anything, "id-1").Run(func(mock.Arguments) { cancel() }).Return(nil)
	store.On("CompletePurgeEntry", mock.Anything, e1, "purge").Return(nil)
	store.On("RequeuePurgeEntry", mock.Anything, int64(2), e2.NotBefore, mock.Anything).Return(nil)

	processed, err := proc.ProcessDue(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, processed)
	store.AssertExpectations(t)
	dir.AssertNotCalled(t, "DeleteAccount", mock.Anything, "id-2")
}

func TestLockSkipsPassWhenHeldElsewhere(t *testing.T) {
	proc, store, _ := newTestProcessor()

	store.On("CountDuePurgeEntries", mock.Anything).Return(int64(0), nil)
	store.On("AcquirePurgeLock", mock.Anything).Return(false, nil)

	proc.runOnce(context.Background())
	store.AssertNotCalled(t, "ClaimDuePurgeEntries", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "ReleasePurgeLock", mock.Anything)
}

func TestCancelDelegatesToStore(t *testing.T) {
	proc, store, _ := newTestProcessor()

	store.On("CancelPurgeEntry", mock.Anything, int64(9), "admin").Return(nil)
	require.NoError(t, proc.Cancel(context.Background(), 9, "admin"))

	store.On("CancelPurgeEntry", mock.Anything, int64(10), "admin").Return(db.ErrPurgeEntryNotCancellable)
	err := proc.Cancel(context.Background(), 10, "admin")
	assert.ErrorIs(t, err, db.ErrPurgeEntryNotCancellable)
}
