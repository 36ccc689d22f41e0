// Package reconcile converges a dashboard session on server truth after a
// checkout or plan change. Payment providers confirm through webhooks, so a
// redirect back from checkout proves nothing; the reconciler polls the
// verify-session and subscription endpoints on a fixed delay plan until the
// checkout is finalized or the plan runs out.
//
// Reconciliation is best effort: failures are logged and reported as an
// Outcome, never surfaced to the user.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/metrics"
	"github.com/classbook/backend/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome reports what a reconciliation pass did.
type Outcome string

const (
	OutcomeNoop      Outcome = "noop"      // nothing pending or nothing selected
	OutcomeStale     Outcome = "stale"     // selection changed; result discarded
	OutcomePending   Outcome = "pending"   // provider has not confirmed yet
	OutcomeFinalized Outcome = "finalized" // checkout confirmed and cleared
	OutcomeAbandoned Outcome = "abandoned" // retry plan exhausted; record cleared
	OutcomeApplied   Outcome = "applied"   // fresh server state applied
	OutcomeAborted   Outcome = "aborted"   // request cancelled
	OutcomeFailed    Outcome = "failed"    // network or upstream error, swallowed
)

// Source is the part of the student API the reconciler reads.
type Source interface {
	VerifySession(ctx context.Context, studentID, packageID int64) (*domain.VerifySessionResult, error)
	ListSubscriptions(ctx context.Context, studentID int64) ([]domain.Subscription, error)
	ListPackages(ctx context.Context, studentID int64) ([]domain.SubscriptionPackage, error)
}

// CheckoutStore persists pending checkouts per chat.
type CheckoutStore interface {
	Get(ctx context.Context, chatID string) (*domain.PendingCheckout, error)
	Save(ctx context.Context, pc *domain.PendingCheckout) error
	Clear(ctx context.Context, chatID string) error
}

// SubscriptionCache holds recent subscription lists per student.
type SubscriptionCache interface {
	Get(studentID int64) ([]domain.Subscription, bool)
	Put(studentID int64, subs []domain.Subscription)
	Invalidate(studentID int64)
}

// Config tunes the reconciler.
type Config struct {
	// Delays is the retry plan run after a checkout.
	Delays []time.Duration
	// OverrideTTL bounds how long a local override may mask the server.
	OverrideTTL time.Duration
	Now         func() time.Time
}

// Reconciler runs verification and refresh passes for sessions.
type Reconciler struct {
	src    Source
	store  CheckoutStore
	cache  SubscriptionCache
	sched  Scheduler
	cfg    Config
	logger *zap.Logger
}

// New creates a Reconciler. cache may be nil.
func New(src Source, store CheckoutStore, cache SubscriptionCache, sched Scheduler, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Delays == nil {
		cfg.Delays = DefaultDelays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		src:    src,
		store:  store,
		cache:  cache,
		sched:  sched,
		cfg:    cfg,
		logger: logger.Named("reconcile"),
	}
}

// Verify checks the session's pending checkout against verify-session. It is
// a no-op when nothing is pending for the selected student.
func (r *Reconciler) Verify(ctx context.Context, sess *session.Session) Outcome {
	out := r.verify(ctx, sess)
	metrics.ReconcilePasses.WithLabelValues("verify", string(out)).Inc()
	return out
}

func (r *Reconciler) verify(ctx context.Context, sess *session.Session) Outcome {
	t, ok := sess.Ticket()
	if !ok {
		return OutcomeNoop
	}
	ctx, cancel := t.Bind(ctx)
	defer cancel()

	pending, err := r.store.Get(ctx, sess.ChatID())
	if err != nil {
		return r.swallow("load pending checkout", sess, t, err)
	}
	// Deposits settle on the balance and have nothing to verify.
	if pending == nil || pending.StudentID != t.StudentID || pending.PackageID == 0 {
		return OutcomeNoop
	}
	if !sess.SetPhase(t, domain.PhaseVerifying) {
		return OutcomeStale
	}

	res, err := r.src.VerifySession(ctx, pending.StudentID, pending.PackageID)
	if !sess.Valid(t) {
		return OutcomeStale
	}
	if err != nil {
		sess.SetPhase(t, domain.PhasePending)
		return r.swallow("verify session", sess, t, err)
	}
	if !res.Verified || !res.Finalized {
		sess.SetPhase(t, domain.PhasePending)
		// The list may already show a subscription a webhook activated.
		r.refreshPass(ctx, sess, true, false)
		return OutcomePending
	}

	if err := r.store.Clear(ctx, sess.ChatID()); err != nil {
		r.logger.Warn("failed to clear pending checkout",
			zap.String("chat_id", sess.ChatID()), zap.Error(err))
	}
	if res.Subscription != nil {
		sess.MarkResubscribed(t, res.Subscription.ID)
	}
	sess.SetPhase(t, domain.PhaseFinalized)
	if r.cache != nil {
		r.cache.Invalidate(t.StudentID)
	}
	r.logger.Info("checkout finalized",
		zap.String("chat_id", sess.ChatID()),
		zap.Int64("student_id", t.StudentID),
		zap.String("tx_ref", pending.TxRef))

	r.Refresh(ctx, sess, true)
	return OutcomeFinalized
}

// Refresh fetches the student's subscriptions (and the package catalog until it
// has loaded), selects the current subscription and applies it if the student
// is still selected. With fresh set the subscription cache is bypassed.
func (r *Reconciler) Refresh(ctx context.Context, sess *session.Session, fresh bool) Outcome {
	return r.refreshPass(ctx, sess, fresh, true)
}

// refreshPass is Refresh; with recheck unset a catalog arriving in this pass
// does not trigger another verification.
func (r *Reconciler) refreshPass(ctx context.Context, sess *session.Session, fresh, recheck bool) Outcome {
	out := r.refresh(ctx, sess, fresh, recheck)
	metrics.ReconcilePasses.WithLabelValues("refresh", string(out)).Inc()
	return out
}

func (r *Reconciler) refresh(ctx context.Context, sess *session.Session, fresh, recheck bool) Outcome {
	t, ok := sess.Ticket()
	if !ok {
		return OutcomeNoop
	}
	ctx, cancel := t.Bind(ctx)
	defer cancel()

	var (
		subs     []domain.Subscription
		packages []domain.SubscriptionPackage
		cached   bool
	)
	if !fresh && r.cache != nil {
		subs, cached = r.cache.Get(t.StudentID)
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cached {
		g.Go(func() error {
			list, err := r.src.ListSubscriptions(gctx, t.StudentID)
			subs = list
			return err
		})
	}
	loadCatalog := !sess.PackagesLoaded()
	if loadCatalog {
		done, ok := sess.TryBegin(session.ConcernPackages)
		if ok {
			defer done()
			g.Go(func() error {
				list, err := r.src.ListPackages(gctx, t.StudentID)
				if err == nil && list == nil {
					list = []domain.SubscriptionPackage{}
				}
				packages = list
				return err
			})
		} else {
			loadCatalog = false
		}
	}
	err := g.Wait()
	if !sess.Valid(t) {
		return OutcomeStale
	}
	if err != nil {
		return r.swallow("refresh subscriptions", sess, t, err)
	}

	if r.cache != nil && !cached {
		r.cache.Put(t.StudentID, subs)
	}
	now := r.cfg.Now()
	current := SelectCurrent(subs, t.StudentID, now)
	applied := sess.ApplyServer(t, current, packages, func(local *session.Override, resubscribed bool) *session.Override {
		return Merge(current, local, resubscribed, now, r.cfg.OverrideTTL)
	})
	if !applied {
		return OutcomeStale
	}

	if recheck && loadCatalog && packages != nil {
		r.catalogLoaded(ctx, sess)
	}
	return OutcomeApplied
}

// catalogLoaded gives a pending checkout one more verification once package
// data is available, since it may arrive after the student data.
func (r *Reconciler) catalogLoaded(ctx context.Context, sess *session.Session) {
	if sess.Phase() == domain.PhaseVerifying {
		return
	}
	r.Verify(ctx, sess)
}

// Schedule runs Verify at each delay of the retry plan for the current
// selection. With abandon set, a checkout still unconfirmed after the last
// attempt is given up: its record is cleared and the phase becomes abandoned.
// Timers stop when the selection changes or the session closes.
func (r *Reconciler) Schedule(sess *session.Session, abandon bool) {
	t, ok := sess.Ticket()
	if !ok {
		return
	}
	for i, d := range r.cfg.Delays {
		last := i == len(r.cfg.Delays)-1
		timer := r.sched.AfterFunc(d, func() {
			if !sess.Valid(t) {
				return
			}
			out := r.Verify(t.Context(), sess)
			if last && abandon && (out == OutcomePending || out == OutcomeFailed) {
				r.abandon(t, sess)
			}
		})
		sess.Track(t, timer)
	}
}

// RefreshAfter runs one fresh Refresh after d for the current selection.
func (r *Reconciler) RefreshAfter(sess *session.Session, d time.Duration) {
	t, ok := sess.Ticket()
	if !ok {
		return
	}
	timer := r.sched.AfterFunc(d, func() {
		if !sess.Valid(t) {
			return
		}
		r.Refresh(t.Context(), sess, true)
	})
	sess.Track(t, timer)
}

func (r *Reconciler) abandon(t session.Ticket, sess *session.Session) {
	ctx := t.Context()
	pending, err := r.store.Get(ctx, sess.ChatID())
	if err != nil || pending == nil || pending.StudentID != t.StudentID {
		return
	}
	if err := r.store.Clear(ctx, sess.ChatID()); err != nil {
		r.logger.Warn("failed to clear abandoned checkout",
			zap.String("chat_id", sess.ChatID()), zap.Error(err))
		return
	}
	sess.SetPhase(t, domain.PhaseAbandoned)
	metrics.ReconcilePasses.WithLabelValues("verify", string(OutcomeAbandoned)).Inc()
	r.logger.Info("checkout abandoned after retry plan",
		zap.String("chat_id", sess.ChatID()),
		zap.Int64("student_id", t.StudentID),
		zap.String("tx_ref", pending.TxRef))
}

func (r *Reconciler) swallow(op string, sess *session.Session, t session.Ticket, err error) Outcome {
	if errors.Is(err, context.Canceled) || !sess.Valid(t) {
		r.logger.Debug(op+" aborted",
			zap.String("chat_id", sess.ChatID()), zap.Int64("student_id", t.StudentID))
		return OutcomeAborted
	}
	r.logger.Warn(op+" failed",
		zap.String("chat_id", sess.ChatID()),
		zap.Int64("student_id", t.StudentID),
		zap.Error(err))
	return OutcomeFailed
}
