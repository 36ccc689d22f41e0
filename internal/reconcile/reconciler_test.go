package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/session"
	"github.com/classbook/backend/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu          sync.Mutex
	subs        map[int64][]domain.Subscription
	packages    []domain.SubscriptionPackage
	verify      *domain.VerifySessionResult
	listErr     error
	verifyErr   error
	onList      func()
	listCalls   int
	pkgCalls    int
	verifyCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subs:     make(map[int64][]domain.Subscription),
		packages: []domain.SubscriptionPackage{{ID: 10, Name: "Basic", DurationMonths: 1, Price: decimal.NewFromInt(100)}},
		verify:   &domain.VerifySessionResult{Verified: true},
	}
}

func (f *fakeSource) VerifySession(ctx context.Context, studentID, packageID int64) (*domain.VerifySessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	res := *f.verify
	return &res, nil
}

func (f *fakeSource) ListSubscriptions(ctx context.Context, studentID int64) ([]domain.Subscription, error) {
	f.mu.Lock()
	f.listCalls++
	hook := f.onList
	subs := append([]domain.Subscription(nil), f.subs[studentID]...)
	err := f.listErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (f *fakeSource) ListPackages(ctx context.Context, studentID int64) ([]domain.SubscriptionPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkgCalls++
	return append([]domain.SubscriptionPackage(nil), f.packages...), nil
}

func (f *fakeSource) calls() (list, pkgs, verify int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.pkgCalls, f.verifyCalls
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*domain.PendingCheckout
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*domain.PendingCheckout)}
}

func (s *fakeStore) Get(ctx context.Context, chatID string) (*domain.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.records[chatID]
	if !ok {
		return nil, nil
	}
	cp := *pc
	return &cp, nil
}

func (s *fakeStore) Save(ctx context.Context, pc *domain.PendingCheckout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pc
	s.records[pc.ChatID] = &cp
	return nil
}

func (s *fakeStore) Clear(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, chatID)
	return nil
}

type mapCache struct {
	entries map[int64][]domain.Subscription
}

func (c *mapCache) Get(id int64) ([]domain.Subscription, bool) {
	s, ok := c.entries[id]
	return s, ok
}
func (c *mapCache) Put(id int64, subs []domain.Subscription) { c.entries[id] = subs }
func (c *mapCache) Invalidate(id int64)                       { delete(c.entries, id) }

type fixture struct {
	src   *fakeSource
	store *fakeStore
	sched *testutil.ManualScheduler
	sess  *session.Session
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := testutil.NewManualScheduler(epoch)
	f := &fixture{
		src:   newFakeSource(),
		store: newFakeStore(),
		sched: sched,
		sess:  session.New("chat-1", sched.Now),
	}
	f.rec = New(f.src, f.store, nil, sched, Config{OverrideTTL: 10 * time.Minute, Now: sched.Now}, nil)
	t.Cleanup(f.sess.Close)
	return f
}

func activeSub(id, student int64, created time.Time) domain.Subscription {
	return domain.Subscription{
		ID: id, StudentID: student, PackageID: 10, Status: domain.StatusActive,
		StartDate: created, CreatedAt: created, EndDate: created.AddDate(0, 0, 30),
	}
}

func (f *fixture) pend(studentID int64) {
	_ = f.store.Save(context.Background(), &domain.PendingCheckout{
		TxRef: "tx-1", StudentID: studentID, ChatID: f.sess.ChatID(), PackageID: 10,
		Phase: domain.PhasePending, CreatedAt: epoch,
	})
}

func TestSelectCurrent_ActiveBeatsNewerCancelled(t *testing.T) {
	subs := []domain.Subscription{
		{ID: 1, StudentID: 5, Status: domain.StatusCancelled, CreatedAt: epoch.Add(-time.Hour), StartDate: epoch.Add(-48 * time.Hour)},
		{ID: 2, StudentID: 5, Status: domain.StatusActive, CreatedAt: epoch.Add(-2 * time.Hour), StartDate: epoch.Add(-2 * time.Hour)},
	}
	got := SelectCurrent(subs, 5, epoch)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelectCurrent_TieBreaks(t *testing.T) {
	tests := []struct {
		name string
		subs []domain.Subscription
		want int64
	}{
		{
			name: "latest createdAt",
			subs: []domain.Subscription{
				{ID: 9, Status: domain.StatusActive, CreatedAt: epoch.Add(-time.Hour)},
				{ID: 3, Status: domain.StatusActive, CreatedAt: epoch},
			},
			want: 3,
		},
		{
			name: "latest startDate on equal createdAt",
			subs: []domain.Subscription{
				{ID: 4, Status: domain.StatusCancelled, CreatedAt: epoch, StartDate: epoch.Add(time.Hour)},
				{ID: 8, Status: domain.StatusCancelled, CreatedAt: epoch, StartDate: epoch},
			},
			want: 4,
		},
		{
			name: "highest id when dates tie",
			subs: []domain.Subscription{
				{ID: 6, Status: domain.StatusActive, CreatedAt: epoch, StartDate: epoch},
				{ID: 7, Status: domain.StatusActive, CreatedAt: epoch, StartDate: epoch},
			},
			want: 7,
		},
		{
			name: "expired active ranks with cancelled",
			subs: []domain.Subscription{
				{ID: 1, Status: domain.StatusActive, CreatedAt: epoch, EndDate: epoch.Add(-time.Minute)},
				{ID: 2, Status: domain.StatusCancelled, CreatedAt: epoch.Add(time.Second)},
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectCurrent(tt.subs, 0, epoch)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestSelectCurrent_IgnoresOtherStudentsAndEmpty(t *testing.T) {
	assert.Nil(t, SelectCurrent(nil, 5, epoch))
	subs := []domain.Subscription{activeSub(1, 6, epoch)}
	assert.Nil(t, SelectCurrent(subs, 5, epoch))
}

func TestMerge(t *testing.T) {
	cancelAt := epoch.Add(-time.Minute)
	local := &session.Override{SubscriptionID: 2, Status: domain.StatusCancelled, At: cancelAt}
	server := &domain.Subscription{ID: 2, Status: domain.StatusActive, StartDate: epoch.Add(-24 * time.Hour)}

	tests := []struct {
		name   string
		server *domain.Subscription
		local  *session.Override
		resub  bool
		now    time.Time
		keep   bool
	}{
		{name: "no override", server: server, local: nil, now: epoch},
		{name: "stale active read keeps cancel", server: server, local: local, now: epoch, keep: true},
		{name: "no server row keeps cancel", server: nil, local: local, now: epoch, keep: true},
		{name: "server confirms cancel", server: &domain.Subscription{ID: 2, Status: domain.StatusCancelled}, local: local, now: epoch},
		{name: "resubscribed wins", server: server, local: local, resub: true, now: epoch},
		{name: "restarted after cancel wins", server: &domain.Subscription{ID: 2, Status: domain.StatusActive, StartDate: epoch}, local: local, now: epoch},
		{name: "different subscription", server: &domain.Subscription{ID: 3, Status: domain.StatusActive}, local: local, now: epoch},
		{name: "override older than ttl", server: server, local: local, now: cancelAt.Add(11 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.server, tt.local, tt.resub, tt.now, 10*time.Minute)
			if tt.keep {
				require.NotNil(t, got)
				assert.Equal(t, *tt.local, *got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestRefresh_AppliesServerAndCatalog(t *testing.T) {
	f := newFixture(t)
	f.src.subs[5] = []domain.Subscription{activeSub(2, 5, epoch.Add(-time.Hour))}
	f.sess.Select(5)

	out := f.rec.Refresh(context.Background(), f.sess, false)

	assert.Equal(t, OutcomeApplied, out)
	require.NotNil(t, f.sess.Current())
	assert.Equal(t, int64(2), f.sess.Current().ID)
	assert.True(t, f.sess.PackagesLoaded())
	assert.False(t, f.sess.Snapshot().Loading[session.ConcernPackages])

	f.rec.Refresh(context.Background(), f.sess, false)
	_, pkgs, _ := f.src.calls()
	assert.Equal(t, 1, pkgs, "catalog loads once per selection")
}

func TestRefresh_DiscardsResultForPreviousStudent(t *testing.T) {
	f := newFixture(t)
	f.src.subs[5] = []domain.Subscription{activeSub(2, 5, epoch)}
	f.sess.Select(5)
	f.src.onList = func() {
		f.src.onList = nil
		f.sess.Select(6)
	}

	out := f.rec.Refresh(context.Background(), f.sess, false)

	assert.Contains(t, []Outcome{OutcomeStale, OutcomeAborted}, out)
	snap := f.sess.Snapshot()
	assert.Equal(t, int64(6), snap.StudentID)
	assert.Nil(t, snap.Subscription, "student A's data must not land on B")
	assert.False(t, snap.PackagesLoaded)
}

func TestRefresh_LateResultForPreviousStudentLosesToNewer(t *testing.T) {
	f := newFixture(t)
	f.src.subs[5] = []domain.Subscription{activeSub(2, 5, epoch)}
	f.src.subs[6] = []domain.Subscription{activeSub(9, 6, epoch)}
	f.sess.Select(5)

	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.src.onList = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	outA := make(chan Outcome, 1)
	go func() { outA <- f.rec.Refresh(context.Background(), f.sess, false) }()
	<-started

	f.sess.Select(6)
	outB := f.rec.Refresh(context.Background(), f.sess, false)
	require.Equal(t, OutcomeApplied, outB)
	require.NotNil(t, f.sess.Current())
	assert.Equal(t, int64(9), f.sess.Current().ID)
	assert.True(t, f.sess.PackagesLoaded(), "catalog for B loads while A's pass is still out")

	close(release)
	assert.Contains(t, []Outcome{OutcomeStale, OutcomeAborted}, <-outA)

	snap := f.sess.Snapshot()
	assert.Equal(t, int64(6), snap.StudentID)
	require.NotNil(t, snap.Subscription)
	assert.Equal(t, int64(9), snap.Subscription.ID)
	assert.Equal(t, int64(6), snap.Subscription.StudentID)
	assert.False(t, snap.Loading[session.ConcernPackages])
}

func TestRefresh_SwallowsErrors(t *testing.T) {
	f := newFixture(t)
	f.sess.Select(5)
	f.src.listErr = errors.New("connection reset")

	assert.Equal(t, OutcomeFailed, f.rec.Refresh(context.Background(), f.sess, false))
	assert.Nil(t, f.sess.Current())

	f.src.listErr = context.Canceled
	assert.Equal(t, OutcomeAborted, f.rec.Refresh(context.Background(), f.sess, false))
}

func TestRefresh_NoSelectionIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, OutcomeNoop, f.rec.Refresh(context.Background(), f.sess, false))
	list, _, _ := f.src.calls()
	assert.Zero(t, list)
}

func TestRefresh_UsesCacheUnlessFresh(t *testing.T) {
	f := newFixture(t)
	cache := &mapCache{entries: map[int64][]domain.Subscription{5: {activeSub(4, 5, epoch)}}}
	f.rec = New(f.src, f.store, cache, f.sched, Config{Now: f.sched.Now}, nil)
	f.src.subs[5] = []domain.Subscription{activeSub(7, 5, epoch)}
	f.sess.Select(5)

	f.rec.Refresh(context.Background(), f.sess, false)
	assert.Equal(t, int64(4), f.sess.Current().ID)

	f.rec.Refresh(context.Background(), f.sess, true)
	assert.Equal(t, int64(7), f.sess.Current().ID)
	assert.Equal(t, int64(7), cache.entries[5][0].ID)
}

func TestRefresh_KeepsLocalCancelAgainstStaleRead(t *testing.T) {
	f := newFixture(t)
	f.src.subs[5] = []domain.Subscription{activeSub(2, 5, epoch.Add(-time.Hour))}
	ticket := f.sess.Select(5)
	f.rec.Refresh(context.Background(), f.sess, false)
	f.sess.SetOverride(ticket, session.Override{SubscriptionID: 2, Status: domain.StatusCancelled, At: epoch})

	f.rec.Refresh(context.Background(), f.sess, true)

	assert.Equal(t, domain.StatusCancelled, f.sess.Current().Status)
	require.NotNil(t, f.sess.Snapshot().Override)
	assert.Equal(t, domain.StatusCancelled, f.sess.Snapshot().Override.Status)
}

func TestVerify_NoPendingIsIdempotentNoop(t *testing.T) {
	f := newFixture(t)
	f.sess.Select(5)
	before := f.sess.Snapshot()

	assert.Equal(t, OutcomeNoop, f.rec.Verify(context.Background(), f.sess))
	assert.Equal(t, OutcomeNoop, f.rec.Verify(context.Background(), f.sess))

	_, _, verify := f.src.calls()
	assert.Zero(t, verify)
	assert.Equal(t, before, f.sess.Snapshot())
}

func TestVerify_IgnoresCheckoutOfOtherStudent(t *testing.T) {
	f := newFixture(t)
	f.pend(6)
	f.sess.Select(5)

	assert.Equal(t, OutcomeNoop, f.rec.Verify(context.Background(), f.sess))
	pc, _ := f.store.Get(context.Background(), "chat-1")
	assert.NotNil(t, pc)
}

func TestVerify_FinalizeClearsPendingAndBeatsLocalCancel(t *testing.T) {
	f := newFixture(t)
	f.src.subs[5] = []domain.Subscription{activeSub(2, 5, epoch.Add(-time.Hour))}
	ticket := f.sess.Select(5)
	f.rec.Refresh(context.Background(), f.sess, false)
	f.sess.SetOverride(ticket, session.Override{SubscriptionID: 2, Status: domain.StatusCancelled, At: epoch})
	f.pend(5)
	sub := activeSub(2, 5, epoch.Add(-time.Hour))
	f.src.verify = &domain.VerifySessionResult{Verified: true, Finalized: true, Subscription: &sub}

	out := f.rec.Verify(context.Background(), f.sess)

	assert.Equal(t, OutcomeFinalized, out)
	assert.Equal(t, domain.PhaseFinalized, f.sess.Phase())
	pc, err := f.store.Get(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Nil(t, pc)
	assert.Nil(t, f.sess.Snapshot().Override)
	assert.Equal(t, domain.StatusActive, f.sess.Current().Status)

	assert.Equal(t, OutcomeNoop, f.rec.Verify(context.Background(), f.sess), "second pass finds nothing pending")
}

func TestVerify_UnconfirmedStaysPending(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)

	assert.Equal(t, OutcomePending, f.rec.Verify(context.Background(), f.sess))
	assert.Equal(t, domain.PhasePending, f.sess.Phase())

	f.src.verifyErr = errors.New("boom")
	assert.Equal(t, OutcomeFailed, f.rec.Verify(context.Background(), f.sess))
	assert.Equal(t, domain.PhasePending, f.sess.Phase())
}

func TestVerify_UnconfirmedStillRefreshesList(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)
	f.src.subs[5] = []domain.Subscription{activeSub(12, 5, epoch)}

	assert.Equal(t, OutcomePending, f.rec.Verify(context.Background(), f.sess))

	require.NotNil(t, f.sess.Current(), "subscription activated out of band shows up")
	assert.Equal(t, int64(12), f.sess.Current().ID)
	list, _, verify := f.src.calls()
	assert.Equal(t, 1, list)
	assert.Equal(t, 1, verify, "catalog arriving here does not verify again")
	pc, _ := f.store.Get(context.Background(), "chat-1")
	assert.NotNil(t, pc, "record is kept until the provider confirms")
}

func TestSchedule_RunsRetryPlanThenAbandons(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)

	f.rec.Schedule(f.sess, true)
	assert.Equal(t, 3, f.sched.Pending())

	f.sched.Advance(2 * time.Second)
	_, _, verify := f.src.calls()
	assert.Equal(t, 1, verify)

	f.sched.Advance(3 * time.Second)
	_, _, verify = f.src.calls()
	assert.Equal(t, 2, verify)
	assert.Equal(t, domain.PhasePending, f.sess.Phase())

	f.sched.Advance(5 * time.Second)
	_, _, verify = f.src.calls()
	assert.Equal(t, 3, verify)
	assert.Equal(t, domain.PhaseAbandoned, f.sess.Phase())
	pc, _ := f.store.Get(context.Background(), "chat-1")
	assert.Nil(t, pc)
}

func TestSchedule_WithoutAbandonKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)

	f.rec.Schedule(f.sess, false)
	f.sched.Advance(time.Minute)

	pc, _ := f.store.Get(context.Background(), "chat-1")
	assert.NotNil(t, pc)
	assert.Equal(t, domain.PhasePending, f.sess.Phase())
}

func TestSchedule_StopsAfterFinalize(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)
	f.src.verify = &domain.VerifySessionResult{Verified: true, Finalized: true}

	f.rec.Schedule(f.sess, true)
	f.sched.Advance(time.Minute)

	_, _, verify := f.src.calls()
	assert.Equal(t, 1, verify, "later attempts find nothing pending")
	assert.Equal(t, domain.PhaseFinalized, f.sess.Phase())
}

func TestSchedule_CancelledBySelectionChange(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)
	f.rec.Schedule(f.sess, true)

	f.sess.Select(6)
	assert.Zero(t, f.sched.Pending())

	f.sched.Advance(time.Minute)
	_, _, verify := f.src.calls()
	assert.Zero(t, verify)
	pc, _ := f.store.Get(context.Background(), "chat-1")
	assert.NotNil(t, pc, "the other student's checkout is left for its own selection")
}

func TestRefreshAfter_RunsFreshPass(t *testing.T) {
	f := newFixture(t)
	f.sess.Select(5)
	f.rec.RefreshAfter(f.sess, 3*time.Second)
	f.src.subs[5] = []domain.Subscription{activeSub(9, 5, epoch)}

	f.sched.Advance(3 * time.Second)

	require.NotNil(t, f.sess.Current())
	assert.Equal(t, int64(9), f.sess.Current().ID)
}

func TestRefresh_CatalogArrivalRechecksPendingCheckout(t *testing.T) {
	f := newFixture(t)
	f.pend(5)
	f.sess.Select(5)

	f.rec.Refresh(context.Background(), f.sess, false)

	_, _, verify := f.src.calls()
	assert.Equal(t, 1, verify)
	assert.Equal(t, domain.PhasePending, f.sess.Phase())
}
