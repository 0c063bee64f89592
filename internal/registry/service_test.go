package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/internal/storage"
	"github.com/opencampus/registrar/pkg/mail"
)

var testBase = time.Date(2024, time.September, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var codePattern = regexp.MustCompile(`\d{6}`)

// lastCode digs the mailed verification code out of the most recent message,
// the same way a user would read it from their inbox.
func (m *recordingMailer) lastCode(t *testing.T) uint32 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no verification mail was sent")

	match := codePattern.FindString(m.sent[len(m.sent)-1].Body)
	require.NotEmpty(t, match, "mail body carries no code")
	code, err := strconv.ParseUint(match, 10, 32)
	require.NoError(t, err)
	return uint32(code)
}

func setupService(t *testing.T) (*Service, *recordingMailer, *testClock) {
	t.Helper()
	clock := &testClock{current: testBase}
	mailer := &recordingMailer{}
	svc := New(nil, nil, mailer, Config{Clock: clock.Now})
	return svc, mailer, clock
}

func defaultInput() account.AttributeInput {
	return account.AttributeInput{
		Name:     "Zhang San",
		SchoolID: 2522001,
		Password: "initial-password",
	}
}

func registerAndActivate(t *testing.T, svc *Service, mailer *recordingMailer, email string) uint64 {
	t.Helper()
	id, err := svc.Register(context.Background(), email)
	require.NoError(t, err)
	require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
	return id
}

func TestRegisterCreatesUnverifiedAccount(t *testing.T) {
	svc, mailer, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.Equal(t, account.IDFromEmail("a@pkuschool.edu.cn"), id)
	require.Equal(t, 1, svc.Len())
	require.Equal(t, 1, mailer.count())

	// Present but not yet verified.
	_, err = svc.Metadata(id)
	require.ErrorIs(t, err, account.ErrUserUnverified)

	// Identity survives activation.
	require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
	meta, err := svc.Metadata(id)
	require.NoError(t, err)
	require.Equal(t, id, meta.ID)
	require.Equal(t, "a@pkuschool.edu.cn", meta.Email)
}

func TestRegisterRejectsForeignDomain(t *testing.T) {
	svc, mailer, _ := setupService(t)

	_, err := svc.Register(context.Background(), "user@gmail.com")
	require.ErrorIs(t, err, account.ErrEmailDomainNotAllowed)
	require.Zero(t, svc.Len())
	require.Zero(t, mailer.count())
}

func TestRegisterAgainResendsFreshCode(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	firstCode := mailer.lastCode(t)

	again, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, svc.Len())
	require.Equal(t, 2, mailer.count())

	secondCode := mailer.lastCode(t)
	if firstCode != secondCode {
		require.ErrorIs(t, svc.Activate(id, firstCode, defaultInput()), account.ErrVerificationCode)
	}
	require.NoError(t, svc.Activate(id, secondCode, defaultInput()))
}

func TestRegisterVerifiedAccountFails(t *testing.T) {
	svc, mailer, _ := setupService(t)
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	_, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.ErrorIs(t, err, account.ErrUserRegistered)

	var ae *AccountError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, id, ae.ID)
}

func TestRegisterSurfacesMailFailureButKeepsAccount(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()

	mailer.fail = errors.New("connection refused")
	_, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.ErrorIs(t, err, account.ErrMailSend)

	// The pending account was not rolled back; a retry with a healthy
	// transport delivers a usable code.
	require.Equal(t, 1, svc.Len())
	mailer.fail = nil
	id, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
}

func TestActivateWrongCodeKeepsAccountPending(t *testing.T) {
	svc, mailer, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)

	code := mailer.lastCode(t)
	wrong := code + 1
	if wrong > 999999 {
		wrong = 100000
	}
	require.ErrorIs(t, svc.Activate(id, wrong, defaultInput()), account.ErrVerificationCode)

	_, err = svc.Metadata(id)
	require.ErrorIs(t, err, account.ErrUserUnverified)

	require.NoError(t, svc.Activate(id, code, defaultInput()))
}

func TestActivateTwiceFails(t *testing.T) {
	svc, mailer, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	code := mailer.lastCode(t)

	require.NoError(t, svc.Activate(id, code, defaultInput()))
	require.ErrorIs(t, svc.Activate(id, code, defaultInput()), account.ErrUserRegistered)
}

func TestActivateValidatesInput(t *testing.T) {
	svc, mailer, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	code := mailer.lastCode(t)

	input := defaultInput()
	input.Name = ""
	require.Error(t, svc.Activate(id, code, input))

	input = defaultInput()
	input.Password = "short"
	require.Error(t, svc.Activate(id, code, input))

	// Still pending after rejected payloads.
	require.NoError(t, svc.Activate(id, code, defaultInput()))
}

func TestActivateExpiredCode(t *testing.T) {
	svc, mailer, clock := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	code := mailer.lastCode(t)

	clock.Advance(account.DefaultVerificationTTL + time.Minute)
	require.ErrorIs(t, svc.Activate(id, code, defaultInput()), account.ErrVerificationCode)
}

func TestLoginLogoutSingleUseToken(t *testing.T) {
	svc, mailer, _ := setupService(t)
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	_, err := svc.Login(id, "wrong-password")
	require.ErrorIs(t, err, account.ErrPasswordIncorrect)

	token, err := svc.Login(id, "initial-password")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NoError(t, svc.Authenticate(id, token))

	require.NoError(t, svc.Logout(id, token))
	require.ErrorIs(t, svc.Logout(id, token), account.ErrTokenIncorrect)
	require.ErrorIs(t, svc.Authenticate(id, token), account.ErrTokenIncorrect)
}

func TestLoginBeforeActivationFails(t *testing.T) {
	svc, _, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)

	_, err = svc.Login(id, "initial-password")
	require.ErrorIs(t, err, account.ErrUserUnverified)
}

func TestOperationsOnUnknownIDReturnNotFound(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.Login(404, "whatever")
	require.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, uint64(404), nf.ID)

	require.ErrorIs(t, svc.Logout(404, "t"), ErrNotFound)
	require.ErrorIs(t, svc.Authenticate(404, "t"), ErrNotFound)
	_, err = svc.Metadata(404)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, svc.RequestPasswordReset(context.Background(), 404), ErrNotFound)
	require.ErrorIs(t, svc.ResetPassword(404, 123456, "new-password-1"), ErrNotFound)
	require.ErrorIs(t, svc.Remove(404), ErrNotFound)
	require.ErrorIs(t, svc.RefreshOne(404), ErrNotFound)
}

func TestAccountErrorCarriesID(t *testing.T) {
	svc, mailer, _ := setupService(t)
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	_, err := svc.Login(id, "wrong-password")
	var ae *AccountError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, id, ae.ID)
	require.ErrorIs(t, ae, account.ErrPasswordIncorrect)
}

func TestRefreshAllKeepsAccountInsideWindow(t *testing.T) {
	svc, _, clock := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)

	clock.Advance(account.DefaultVerificationTTL - time.Minute)
	svc.RefreshAll()
	require.Equal(t, 1, svc.Len())

	_, err = svc.Metadata(id)
	require.ErrorIs(t, err, account.ErrUserUnverified)
}

func TestRefreshAllRemovesExpiredUnverified(t *testing.T) {
	svc, mailer, clock := setupService(t)
	ctx := context.Background()

	expired, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	verified := registerAndActivate(t, svc, mailer, "b@pkuschool.edu.cn")

	clock.Advance(account.DefaultVerificationTTL + time.Minute)
	svc.RefreshAll()

	require.Equal(t, 1, svc.Len())
	_, err = svc.Metadata(expired)
	require.ErrorIs(t, err, ErrNotFound)

	// The verified account is untouched by the sweep.
	_, err = svc.Metadata(verified)
	require.NoError(t, err)
}

func TestRefreshAllPrunesExpiredTokens(t *testing.T) {
	svc, mailer, clock := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	input := defaultInput()
	input.TokenTTLDays = 1
	require.NoError(t, svc.Activate(id, mailer.lastCode(t), input))

	expiring, err := svc.Login(id, "initial-password")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	svc.RefreshAll()

	require.ErrorIs(t, svc.Authenticate(id, expiring), account.ErrTokenIncorrect)
	require.ErrorIs(t, svc.Logout(id, expiring), account.ErrTokenIncorrect)
}

func TestZeroTTLTokenNeverExpires(t *testing.T) {
	svc, mailer, clock := setupService(t)
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	token, err := svc.Login(id, "initial-password")
	require.NoError(t, err)

	clock.Advance(10 * 365 * 24 * time.Hour)
	svc.RefreshAll()
	require.NoError(t, svc.Authenticate(id, token))
}

func TestRefreshOne(t *testing.T) {
	svc, mailer, clock := setupService(t)
	ctx := context.Background()

	pending, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	verified := registerAndActivate(t, svc, mailer, "b@pkuschool.edu.cn")

	// Inside the window nothing changes.
	require.NoError(t, svc.RefreshOne(pending))
	require.Equal(t, 2, svc.Len())

	clock.Advance(account.DefaultVerificationTTL + time.Minute)
	require.NoError(t, svc.RefreshOne(pending))
	require.Equal(t, 1, svc.Len())
	_, err = svc.Metadata(pending)
	require.ErrorIs(t, err, ErrNotFound)

	// A verified account just gets its token sweep.
	require.NoError(t, svc.RefreshOne(verified))
	_, err = svc.Metadata(verified)
	require.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	// No prior request.
	require.ErrorIs(t, svc.ResetPassword(id, 123456, "new-password-1"), account.ErrPermissionDenied)

	require.NoError(t, svc.RequestPasswordReset(ctx, id))
	code := mailer.lastCode(t)

	wrong := code + 1
	if wrong > 999999 {
		wrong = 100000
	}
	require.ErrorIs(t, svc.ResetPassword(id, wrong, "new-password-1"), account.ErrVerificationCode)
	require.NoError(t, svc.ResetPassword(id, code, "new-password-1"))

	_, err := svc.Login(id, "initial-password")
	require.ErrorIs(t, err, account.ErrPasswordIncorrect)
	token, err := svc.Login(id, "new-password-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// The consumed context cannot be replayed.
	require.ErrorIs(t, svc.ResetPassword(id, code, "another-password"), account.ErrPermissionDenied)
}

func TestPasswordResetRequiresVerifiedAccount(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)

	require.ErrorIs(t, svc.RequestPasswordReset(ctx, id), account.ErrUserUnverified)
	require.ErrorIs(t, svc.ResetPassword(id, 123456, "new-password-1"), account.ErrUserUnverified)
}

func TestPasswordResetExpiredContextCleared(t *testing.T) {
	svc, mailer, clock := setupService(t)
	ctx := context.Background()
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	require.NoError(t, svc.RequestPasswordReset(ctx, id))
	code := mailer.lastCode(t)

	clock.Advance(account.DefaultVerificationTTL + time.Minute)
	require.ErrorIs(t, svc.ResetPassword(id, code, "new-password-1"), account.ErrVerificationCode)

	// The sweep clears the stale context; afterwards the failure mode is
	// back to PermissionDenied until a new request arrives.
	svc.RefreshAll()
	require.ErrorIs(t, svc.ResetPassword(id, code, "new-password-1"), account.ErrPermissionDenied)
}

func TestResetPasswordValidatesLength(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	require.NoError(t, svc.RequestPasswordReset(ctx, id))
	code := mailer.lastCode(t)
	require.Error(t, svc.ResetPassword(id, code, "short"))

	// The context survives the rejected input.
	require.NoError(t, svc.ResetPassword(id, code, "long-enough-password"))
}

func TestPermissionsAndMetadata(t *testing.T) {
	svc, mailer, _ := setupService(t)
	id := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")

	perms, err := svc.Permissions(id)
	require.NoError(t, err)
	require.Equal(t, []account.Permission{account.PermissionPost}, perms)

	granted, err := svc.HasPermission(id, account.PermissionPost)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = svc.HasPermission(id, account.PermissionManageAccounts)
	require.NoError(t, err)
	require.False(t, granted)

	meta, err := svc.Metadata(id)
	require.NoError(t, err)
	require.Equal(t, "Zhang San", meta.Name)
	require.Equal(t, uint32(2522001), meta.SchoolID)
}

func TestRemoveDeletesAccountForGood(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()

	first := registerAndActivate(t, svc, mailer, "a@pkuschool.edu.cn")
	second := registerAndActivate(t, svc, mailer, "b@pkuschool.edu.cn")
	third := registerAndActivate(t, svc, mailer, "c@pkuschool.edu.cn")

	require.NoError(t, svc.Remove(first))
	require.ErrorIs(t, svc.Remove(first), ErrNotFound)
	require.Equal(t, 2, svc.Len())

	// Later positions were reindexed by the removal.
	_, err := svc.Metadata(second)
	require.NoError(t, err)
	_, err = svc.Metadata(third)
	require.NoError(t, err)

	// The identity itself is free to register again.
	id, err := svc.Register(ctx, "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.Equal(t, first, id)
	_, err = svc.Metadata(id)
	require.ErrorIs(t, err, account.ErrUserUnverified)
}

func TestFullLifecycleExample(t *testing.T) {
	svc, mailer, _ := setupService(t)

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.Equal(t, account.IDFromEmail("a@pkuschool.edu.cn"), id)

	require.NoError(t, svc.Activate(id, mailer.lastCode(t), account.AttributeInput{
		Name:     "Stu Dent",
		SchoolID: 2522042,
		Password: "pw-longenough",
	}))

	token, err := svc.Login(id, "pw-longenough")
	require.NoError(t, err)
	require.NoError(t, svc.Logout(id, token))
	require.ErrorIs(t, svc.Logout(id, token), account.ErrTokenIncorrect)
}

func TestConcurrentLifecyclesOnDistinctAccounts(t *testing.T) {
	svc, mailer, _ := setupService(t)
	ctx := context.Background()

	const n = 16
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		id, err := svc.Register(ctx, fmt.Sprintf("user%02d@pkuschool.edu.cn", i))
		require.NoError(t, err)
		require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*3)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			token, err := svc.Login(id, "initial-password")
			if err != nil {
				errs <- err
				return
			}
			if err := svc.Authenticate(id, token); err != nil {
				errs <- err
				return
			}
			if err := svc.Logout(id, token); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, n, svc.Len())
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[uint64]account.Record
	deleted []uint64
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[uint64]account.Record)}
}

func (f *fakeRecordStore) LoadAll(context.Context) ([]account.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]account.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRecordStore) Save(_ context.Context, rec account.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeRecordStore) Delete(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRecordStore) Close() error { return nil }

func TestServicePersistsThroughSaver(t *testing.T) {
	store := newFakeRecordStore()
	saver := storage.NewSaver(store, 32)
	clock := &testClock{current: testBase}
	mailer := &recordingMailer{}
	svc := New(store, saver, mailer, Config{Clock: clock.Now})

	id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
	require.NoError(t, err)
	require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
	token, err := svc.Login(id, "initial-password")
	require.NoError(t, err)

	require.NoError(t, saver.Close())

	store.mu.Lock()
	rec, ok := store.records[id]
	store.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, account.StateVerified, rec.State)
	require.Contains(t, rec.Tokens, token)
}

func TestServiceLoadRestoresWorkingSet(t *testing.T) {
	store := newFakeRecordStore()
	saver := storage.NewSaver(store, 32)
	clock := &testClock{current: testBase}
	mailer := &recordingMailer{}
	first := New(store, saver, mailer, Config{Clock: clock.Now})

	id := func() uint64 {
		id, err := first.Register(context.Background(), "a@pkuschool.edu.cn")
		require.NoError(t, err)
		require.NoError(t, first.Activate(id, mailer.lastCode(t), defaultInput()))
		return id
	}()
	token, err := first.Login(id, "initial-password")
	require.NoError(t, err)
	require.NoError(t, saver.Close())

	// A fresh process over the same records picks up where we left off.
	second := New(store, nil, mailer, Config{Clock: clock.Now})
	require.NoError(t, second.Load(context.Background()))
	require.Equal(t, 1, second.Len())

	require.NoError(t, second.Authenticate(id, token))
	_, err = second.Login(id, "initial-password")
	require.NoError(t, err)
}

func TestServiceLoadSkipsCorruptRecords(t *testing.T) {
	store := newFakeRecordStore()
	good := func() account.Record {
		ctx := account.VerificationContext{Email: "a@pkuschool.edu.cn", Code: 123456, ExpiresAt: testBase.Add(15 * time.Minute)}
		return account.NewUnverified(ctx).Record()
	}()
	corrupt := account.Record{ID: 999, State: account.State("mystery")}
	require.NoError(t, store.Save(context.Background(), good))
	store.mu.Lock()
	store.records[corrupt.ID] = corrupt
	store.mu.Unlock()

	svc := New(store, nil, nil, Config{Clock: (&testClock{current: testBase}).Now})
	require.NoError(t, svc.Load(context.Background()))
	require.Equal(t, 1, svc.Len())
}

func TestRemoveDeletesDurableRecord(t *testing.T) {
	store := newFakeRecordStore()
	saver := storage.NewSaver(store, 32)
	clock := &testClock{current: testBase}
	mailer := &recordingMailer{}
	svc := New(store, saver, mailer, Config{Clock: clock.Now})

	id := func() uint64 {
		id, err := svc.Register(context.Background(), "a@pkuschool.edu.cn")
		require.NoError(t, err)
		require.NoError(t, svc.Activate(id, mailer.lastCode(t), defaultInput()))
		return id
	}()

	require.NoError(t, svc.Remove(id))
	require.NoError(t, saver.Close())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotContains(t, store.records, id)
	require.Contains(t, store.deleted, id)
}
