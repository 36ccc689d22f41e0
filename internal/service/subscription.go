package service

import (
	"context"
	"errors"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/metrics"
	"github.com/classbook/backend/internal/proration"
	"github.com/classbook/backend/internal/reconcile"
	"github.com/classbook/backend/internal/session"
	"github.com/classbook/backend/pkg/payment"
	"github.com/classbook/backend/pkg/studentapi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// StudentAPI is the part of the student API the services drive.
type StudentAPI interface {
	reconcile.Source
	ListStudents(ctx context.Context) ([]domain.StudentSummary, error)
	StudentDashboard(ctx context.Context, studentID int64) (domain.Dashboard, error)
	Upgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error)
	Downgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error)
	Cancel(ctx context.Context, subscriptionID int64) error
}

// OpenMethod is a way of showing a checkout page to the user.
type OpenMethod string

const (
	OpenNative   OpenMethod = "native"   // host app's in-app browser
	OpenRedirect OpenMethod = "redirect" // full-page navigation of the webview
	OpenNewTab   OpenMethod = "new_tab"  // browser tab or window
)

// openOrder is the priority in which checkout URLs are opened.
var openOrder = []OpenMethod{OpenNative, OpenRedirect, OpenNewTab}

// HostBridge asks the webview's host to open a URL in a given way. It fails
// when the chat has no connected webview or the webview lacks the method.
type HostBridge interface {
	Open(ctx context.Context, chatID string, method OpenMethod, url string) error
}

// OrchestratorConfig tunes follow-up work after mutations.
type OrchestratorConfig struct {
	// PlanChangeFollowup is the delay of the extra refresh after a plan change.
	PlanChangeFollowup time.Duration
	// PreviewInterval is how often an open confirmation is re-quoted.
	PreviewInterval time.Duration
	Now             func() time.Time
}

// Orchestrator runs the user's subscription actions: one mutating request
// each, followed by the matching reconciliation.
type Orchestrator struct {
	api      StudentAPI
	gateway  payment.Gateway
	rec      *reconcile.Reconciler
	store    reconcile.CheckoutStore
	cache    reconcile.SubscriptionCache
	bridge   HostBridge
	cfg      OrchestratorConfig
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrchestrator creates an Orchestrator. cache may be nil.
func NewOrchestrator(
	api StudentAPI,
	gateway payment.Gateway,
	rec *reconcile.Reconciler,
	store reconcile.CheckoutStore,
	cache reconcile.SubscriptionCache,
	bridge HostBridge,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = time.Minute
	}
	return &Orchestrator{
		api:      api,
		gateway:  gateway,
		rec:      rec,
		store:    store,
		cache:    cache,
		bridge:   bridge,
		cfg:      cfg,
		validate: domain.NewValidator(),
		logger:   logger.Named("orchestrator"),
	}
}

// Subscribe starts a provider checkout for a package the student is not yet
// actively subscribed to. The pending checkout is recorded before the URL is
// handed to the host, and verification is scheduled.
func (o *Orchestrator) Subscribe(ctx context.Context, sess *session.Session, req *domain.SubscribeRequest) (*domain.CheckoutResponse, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(domain.ValidationMessage(err))
	}
	t, err := selected(sess)
	if err != nil {
		return nil, err
	}
	if cur := sess.Current(); cur.IsActive(o.cfg.Now()) && cur.PackageID == req.PackageID {
		return nil, domain.ErrConflict("already subscribed to this package")
	}

	done, ok := sess.TryBegin(session.ConcernCheckout)
	if !ok {
		return nil, domain.ErrConflict("a checkout is already in progress")
	}
	defer done()

	ctx, cancel := t.Bind(ctx)
	defer cancel()

	co, err := o.gateway.Subscribe(ctx, t.StudentID, req.PackageID)
	if err != nil {
		return nil, o.fail("subscribe", sess, err)
	}
	if !sess.Valid(t) {
		return nil, o.fail("subscribe", sess, domain.ErrAborted)
	}

	resp, err := o.beginCheckout(ctx, sess, t, co, req.PackageID)
	if err != nil {
		return nil, o.fail("subscribe", sess, err)
	}
	o.rec.Schedule(sess, false)
	o.succeed("subscribe", sess, zap.Int64("package_id", req.PackageID), zap.String("tx_ref", co.TxRef))
	return resp, nil
}

// Deposit starts a balance top-up checkout with the provider that settles
// the requested currency.
func (o *Orchestrator) Deposit(ctx context.Context, sess *session.Session, req *domain.DepositRequest) (*domain.CheckoutResponse, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(domain.ValidationMessage(err))
	}
	t, err := selected(sess)
	if err != nil {
		return nil, err
	}

	done, ok := sess.TryBegin(session.ConcernCheckout)
	if !ok {
		return nil, domain.ErrConflict("a checkout is already in progress")
	}
	defer done()

	ctx, cancel := t.Bind(ctx)
	defer cancel()

	co, err := o.gateway.Deposit(ctx, payment.DepositRequest{
		StudentID: t.StudentID,
		Provider:  payment.ForCurrency(req.Currency),
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		return nil, o.fail("deposit", sess, err)
	}
	if !sess.Valid(t) {
		return nil, o.fail("deposit", sess, domain.ErrAborted)
	}

	resp, err := o.beginCheckout(ctx, sess, t, co, 0)
	if err != nil {
		return nil, o.fail("deposit", sess, err)
	}
	o.succeed("deposit", sess, zap.String("currency", req.Currency), zap.String("tx_ref", co.TxRef))
	return resp, nil
}

func (o *Orchestrator) beginCheckout(ctx context.Context, sess *session.Session, t session.Ticket, co *payment.Checkout, packageID int64) (*domain.CheckoutResponse, error) {
	pc := &domain.PendingCheckout{
		TxRef:     co.TxRef,
		StudentID: t.StudentID,
		ChatID:    sess.ChatID(),
		PackageID: packageID,
		Phase:     domain.PhasePending,
		CreatedAt: o.cfg.Now(),
	}
	if err := o.store.Save(ctx, pc); err != nil {
		return nil, domain.ErrInternal("failed to record checkout", err)
	}
	if packageID != 0 {
		sess.SetPhase(t, domain.PhasePending)
	}

	return &domain.CheckoutResponse{
		CheckoutURL: co.URL,
		TxRef:       co.TxRef,
		OpenedVia:   string(o.open(ctx, sess.ChatID(), co.URL)),
	}, nil
}

// open tries each host method in priority order and returns the one that
// worked, or "" when the webview has to open the URL itself.
func (o *Orchestrator) open(ctx context.Context, chatID, url string) OpenMethod {
	if o.bridge == nil {
		return ""
	}
	for _, m := range openOrder {
		if err := o.bridge.Open(ctx, chatID, m, url); err == nil {
			return m
		}
	}
	return ""
}

// Upgrade moves the active subscription to a strictly higher package. On
// success the cached subscription list is dropped, since the server resets
// startDate, and the state is refreshed now and once more after a delay.
func (o *Orchestrator) Upgrade(ctx context.Context, sess *session.Session, req *domain.PlanChangeRequest) (*domain.PlanChangeResult, error) {
	return o.changePlan(ctx, sess, req, proration.ChangeUpgrade)
}

// Downgrade moves the active subscription to a strictly lower package at the
// end of the period and schedules one refresh.
func (o *Orchestrator) Downgrade(ctx context.Context, sess *session.Session, req *domain.PlanChangeRequest) (*domain.PlanChangeResult, error) {
	return o.changePlan(ctx, sess, req, proration.ChangeDowngrade)
}

func (o *Orchestrator) changePlan(ctx context.Context, sess *session.Session, req *domain.PlanChangeRequest, want proration.ChangeKind) (*domain.PlanChangeResult, error) {
	op := string(want)
	if err := o.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(domain.ValidationMessage(err))
	}
	t, err := selected(sess)
	if err != nil {
		return nil, err
	}
	cur, curPkg, target, err := o.planChangeTargets(sess, req.PackageID)
	if err != nil {
		return nil, err
	}
	if kind := proration.Classify(proration.PlanOf(curPkg), proration.PlanOf(target)); kind != want {
		if kind == proration.ChangeNone {
			return nil, domain.ErrBadRequest("the selected package matches your current plan")
		}
		return nil, domain.ErrBadRequest("the selected package is not a " + op)
	}

	done, ok := sess.TryBegin(session.ConcernPlanChange)
	if !ok {
		return nil, domain.ErrConflict("a plan change is already in progress")
	}
	defer done()

	ctx, cancel := t.Bind(ctx)
	defer cancel()

	var res *domain.PlanChangeResult
	if want == proration.ChangeUpgrade {
		res, err = o.api.Upgrade(ctx, cur.ID, target.ID)
	} else {
		res, err = o.api.Downgrade(ctx, cur.ID, target.ID)
	}
	if err != nil {
		return nil, o.fail(op, sess, err)
	}
	if !sess.Valid(t) {
		return nil, o.fail(op, sess, domain.ErrAborted)
	}

	sess.ClosePreview()
	if want == proration.ChangeUpgrade {
		if o.cache != nil {
			o.cache.Invalidate(t.StudentID)
		}
		o.rec.Refresh(ctx, sess, true)
	}
	o.rec.RefreshAfter(sess, o.cfg.PlanChangeFollowup)

	o.succeed(op, sess, zap.Int64("subscription_id", cur.ID), zap.Int64("package_id", target.ID))
	return res, nil
}

func (o *Orchestrator) planChangeTargets(sess *session.Session, packageID int64) (*domain.Subscription, *domain.SubscriptionPackage, *domain.SubscriptionPackage, error) {
	cur := sess.Current()
	if !cur.IsActive(o.cfg.Now()) {
		return nil, nil, nil, domain.ErrBadRequest("no active subscription")
	}
	curPkg := sess.Package(cur.PackageID)
	target := sess.Package(packageID)
	if curPkg == nil || target == nil {
		return nil, nil, nil, domain.ErrNotFound("package not found")
	}
	return cur, curPkg, target, nil
}

// Cancel cancels the active subscription. The local status becomes cancelled
// as soon as the server accepts, without waiting for a refresh.
func (o *Orchestrator) Cancel(ctx context.Context, sess *session.Session) (*domain.Subscription, error) {
	t, err := selected(sess)
	if err != nil {
		return nil, err
	}
	cur := sess.Current()
	if !cur.IsActive(o.cfg.Now()) {
		return nil, domain.ErrBadRequest("no active subscription to cancel")
	}

	done, ok := sess.TryBegin(session.ConcernCancel)
	if !ok {
		return nil, domain.ErrConflict("a cancellation is already in progress")
	}
	defer done()

	ctx, cancel := t.Bind(ctx)
	defer cancel()

	if err := o.api.Cancel(ctx, cur.ID); err != nil {
		return nil, o.fail("cancel", sess, err)
	}
	if !sess.SetOverride(t, session.Override{SubscriptionID: cur.ID, Status: domain.StatusCancelled, At: o.cfg.Now()}) {
		return nil, o.fail("cancel", sess, domain.ErrAborted)
	}
	if o.cache != nil {
		o.cache.Invalidate(t.StudentID)
	}

	o.succeed("cancel", sess, zap.Int64("subscription_id", cur.ID))
	return sess.Current(), nil
}

// Preview quotes switching the active subscription to packageID and marks
// the confirmation as open. Proration is anchored on the current startDate.
func (o *Orchestrator) Preview(sess *session.Session, packageID int64) (*proration.Quote, error) {
	t, err := selected(sess)
	if err != nil {
		return nil, err
	}
	q, err := o.quote(sess, packageID)
	if err != nil {
		return nil, err
	}
	sess.OpenPreview(t, packageID)
	return q, nil
}

func (o *Orchestrator) quote(sess *session.Session, packageID int64) (*proration.Quote, error) {
	cur, curPkg, target, err := o.planChangeTargets(sess, packageID)
	if err != nil {
		return nil, err
	}
	q, err := proration.Calculate(proration.PlanOf(curPkg), proration.PlanOf(target), cur.StartDate, cur.EndDate, o.cfg.Now())
	if err != nil {
		if errors.Is(err, proration.ErrInvalidPlan) {
			return nil, domain.ErrValidation(err.Error())
		}
		return nil, domain.ErrInternal("failed to calculate proration", err)
	}
	return q, nil
}

// WatchPreview emits a fresh quote for packageID right away and then every
// PreviewInterval until ctx ends, the student changes or the confirmation
// for packageID is closed.
func (o *Orchestrator) WatchPreview(ctx context.Context, sess *session.Session, packageID int64, emit func(*proration.Quote)) error {
	t, err := selected(sess)
	if err != nil {
		return err
	}
	q, err := o.Preview(sess, packageID)
	if err != nil {
		return err
	}
	emit(q)

	ctx, cancel := t.Bind(ctx)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PreviewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !sess.Valid(t) || sess.PreviewPackage() != packageID {
				return nil
			}
			q, err := o.quote(sess, packageID)
			if err != nil {
				return err
			}
			emit(q)
		}
	}
}

// ClosePreview closes the confirmation dialog.
func (o *Orchestrator) ClosePreview(sess *session.Session) {
	sess.ClosePreview()
}

// ReturnFromCheckout handles the webview coming back from a provider page.
// Subscription checkouts are verified right away and, if still unconfirmed,
// on the retry plan after which they are abandoned. Deposit records are
// simply cleared.
func (o *Orchestrator) ReturnFromCheckout(ctx context.Context, sess *session.Session) (session.Snapshot, error) {
	t, err := selected(sess)
	if err != nil {
		return session.Snapshot{}, err
	}
	pc, err := o.store.Get(ctx, sess.ChatID())
	if err != nil {
		return session.Snapshot{}, domain.ErrInternal("failed to load checkout", err)
	}
	if pc == nil || pc.StudentID != t.StudentID {
		return sess.Snapshot(), nil
	}

	if pc.PackageID == 0 {
		if err := o.store.Clear(ctx, sess.ChatID()); err != nil {
			return session.Snapshot{}, domain.ErrInternal("failed to clear checkout", err)
		}
		return sess.Snapshot(), nil
	}

	if out := o.rec.Verify(ctx, sess); out != reconcile.OutcomeFinalized {
		o.rec.Schedule(sess, true)
	}
	return sess.Snapshot(), nil
}

func selected(sess *session.Session) (session.Ticket, error) {
	t, ok := sess.Ticket()
	if !ok {
		return session.Ticket{}, domain.ErrBadRequest("no student selected")
	}
	return t, nil
}

func (o *Orchestrator) succeed(op string, sess *session.Session, fields ...zap.Field) {
	metrics.Mutations.WithLabelValues(op, "ok").Inc()
	o.logger.Info(op+" accepted", append([]zap.Field{zap.String("chat_id", sess.ChatID())}, fields...)...)
}

// fail maps a mutation error to what the user sees. Local state is never
// touched on failure.
func (o *Orchestrator) fail(op string, sess *session.Session, err error) error {
	result, mapped := userError(err)
	metrics.Mutations.WithLabelValues(op, result).Inc()
	if result == "aborted" {
		o.logger.Debug(op+" aborted", zap.String("chat_id", sess.ChatID()))
	} else {
		o.logger.Warn(op+" failed", zap.String("chat_id", sess.ChatID()), zap.Error(err))
	}
	return mapped
}

// userError classifies an upstream failure: aborts are not errors to the
// user, API rejections carry the server's message, anything else is a
// network failure.
func userError(err error) (string, error) {
	if errors.Is(err, domain.ErrAborted) || errors.Is(err, context.Canceled) {
		return "aborted", domain.ErrAborted
	}
	if appErr, ok := domain.AsAppError(err); ok {
		return "error", appErr
	}
	if apiErr, ok := studentapi.IsAPIError(err); ok {
		return "rejected", domain.ErrUpstream(apiErr.Message, err)
	}
	return "network", domain.ErrUnavailable(err)
}
