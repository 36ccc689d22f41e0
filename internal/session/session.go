// Package session holds the per-chat dashboard state the webview renders:
// which student is selected, the server-confirmed subscription, the pending
// local override, the package catalog and the per-concern loading flags.
//
// Every async flow captures a Ticket before awaiting the network and hands it
// back when applying results. A ticket is only valid while the same selection
// is current, so results that land after the user switched students are dropped.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/classbook/backend/internal/domain"
)

// Concern names an independent loading flag.
type Concern string

const (
	ConcernDashboard  Concern = "dashboard"
	ConcernPackages   Concern = "packages"
	ConcernCheckout   Concern = "checkout"
	ConcernPlanChange Concern = "plan_change"
	ConcernCancel     Concern = "cancel"
)

// Override is a local status change not yet confirmed by the server.
type Override struct {
	SubscriptionID int64                     `json:"subscriptionId"`
	Status         domain.SubscriptionStatus `json:"status"`
	At             time.Time                 `json:"at"`
}

// Timer is a cancellable delayed task.
type Timer interface {
	Stop() bool
}

// Ticket identifies one selection of one student.
type Ticket struct {
	StudentID  int64
	generation uint64
	ctx        context.Context
}

// Context is cancelled when the selection ends.
func (t Ticket) Context() context.Context { return t.ctx }

// Bind derives a context from parent that is also cancelled when the selection ends.
func (t Ticket) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Snapshot is the session state as the webview sees it.
type Snapshot struct {
	ChatID          string                       `json:"chatId"`
	StudentID       int64                        `json:"studentId,omitempty"`
	Subscription    *domain.Subscription         `json:"subscription,omitempty"`
	EffectiveStatus domain.SubscriptionStatus    `json:"effectiveStatus,omitempty"`
	Override        *Override                    `json:"override,omitempty"`
	Packages        []domain.SubscriptionPackage `json:"packages"`
	PackagesLoaded  bool                         `json:"packagesLoaded"`
	CheckoutPhase   domain.CheckoutPhase         `json:"checkoutPhase,omitempty"`
	PreviewPackage  int64                        `json:"previewPackageId,omitempty"`
	Loading         map[Concern]bool             `json:"loading"`
}

// Session is one chat's dashboard state. It is safe for concurrent use.
type Session struct {
	chatID string
	now    func() time.Time

	mu         sync.Mutex
	root       context.Context
	closeRoot  context.CancelFunc
	selCtx     context.Context
	endSel     context.CancelFunc
	generation uint64
	studentID  int64
	closed     bool

	server         *domain.Subscription
	override       *Override
	resubscribed   map[int64]bool
	packages       []domain.SubscriptionPackage
	packagesLoaded bool
	phase          domain.CheckoutPhase
	previewPackage int64
	loading        map[Concern]int
	timers         []Timer

	listeners map[int]func(Snapshot)
	nextID    int
}

// New creates an empty session for chatID.
func New(chatID string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	root, cancel := context.WithCancel(context.Background())
	return &Session{
		chatID:       chatID,
		now:          now,
		root:         root,
		closeRoot:    cancel,
		resubscribed: make(map[int64]bool),
		loading:      make(map[Concern]int),
		listeners:    make(map[int]func(Snapshot)),
	}
}

// ChatID returns the chat this session belongs to.
func (s *Session) ChatID() string { return s.chatID }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.root.Done() }

// Select makes studentID the current student. In-flight work and timers for
// the previous selection are cancelled and the subscription state is reset.
func (s *Session) Select(studentID int64) Ticket {
	s.mu.Lock()
	s.endSelectionLocked()
	s.generation++
	s.studentID = studentID
	s.selCtx, s.endSel = context.WithCancel(s.root)
	s.server = nil
	s.override = nil
	s.resubscribed = make(map[int64]bool)
	s.packages = nil
	s.packagesLoaded = false
	s.phase = ""
	s.previewPackage = 0
	s.loading = make(map[Concern]int)
	t := s.ticketLocked()
	s.mu.Unlock()

	s.notify()
	return t
}

// Ticket returns the current selection, or false when no student is selected.
func (s *Session) Ticket() (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.studentID == 0 || s.closed {
		return Ticket{}, false
	}
	return s.ticketLocked(), true
}

func (s *Session) ticketLocked() Ticket {
	return Ticket{StudentID: s.studentID, generation: s.generation, ctx: s.selCtx}
}

// Valid reports whether t still describes the current selection.
func (s *Session) Valid(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked(t)
}

func (s *Session) validLocked(t Ticket) bool {
	return !s.closed && t.generation == s.generation && t.StudentID == s.studentID && s.studentID != 0
}

// Track ties a timer to the selection in t. It is stopped when the selection
// ends; if t is already stale the timer is stopped right away.
func (s *Session) Track(t Ticket, timer Timer) {
	s.mu.Lock()
	if !s.validLocked(t) {
		s.mu.Unlock()
		timer.Stop()
		return
	}
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
}

// Close ends the session: timers are stopped and in-flight requests aborted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.endSelectionLocked()
	s.closeRoot()
	s.listeners = make(map[int]func(Snapshot))
	s.mu.Unlock()
}

func (s *Session) endSelectionLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	if s.endSel != nil {
		s.endSel()
	}
}

// ApplyServer stores a server-confirmed subscription (nil when the student
// has none) and the package catalog (ignored when nil). merge decides which
// local override survives. Nothing is written when t is stale.
func (s *Session) ApplyServer(t Ticket, server *domain.Subscription, packages []domain.SubscriptionPackage,
	merge func(local *Override, resubscribed bool) *Override) bool {
	s.mu.Lock()
	if !s.validLocked(t) {
		s.mu.Unlock()
		return false
	}
	resub := server != nil && s.resubscribed[server.ID]
	if merge != nil {
		s.override = merge(s.override, resub)
	}
	s.server = server
	if packages != nil {
		s.packages = packages
		s.packagesLoaded = true
	}
	s.mu.Unlock()

	s.notify()
	return true
}

// SetOverride records an optimistic local status for the current subscription.
func (s *Session) SetOverride(t Ticket, o Override) bool {
	s.mu.Lock()
	if !s.validLocked(t) {
		s.mu.Unlock()
		return false
	}
	s.override = &o
	s.mu.Unlock()

	s.notify()
	return true
}

// MarkResubscribed records that verify-session finalized subscriptionID, so
// an active server row for it beats a local cancelled override.
func (s *Session) MarkResubscribed(t Ticket, subscriptionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(t) {
		return false
	}
	s.resubscribed[subscriptionID] = true
	return true
}

// SetPhase updates the pending checkout phase shown to the webview.
func (s *Session) SetPhase(t Ticket, phase domain.CheckoutPhase) bool {
	s.mu.Lock()
	if !s.validLocked(t) {
		s.mu.Unlock()
		return false
	}
	s.phase = phase
	s.mu.Unlock()

	s.notify()
	return true
}

// Phase returns the checkout phase of the current selection.
func (s *Session) Phase() domain.CheckoutPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Current returns the subscription with any local override applied.
func (s *Session) Current() *domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Session) currentLocked() *domain.Subscription {
	if s.server == nil {
		return nil
	}
	cur := *s.server
	if s.override != nil && s.override.SubscriptionID == cur.ID {
		cur.Status = s.override.Status
	}
	return &cur
}

// Package looks a package up in the loaded catalog.
func (s *Session) Package(id int64) *domain.SubscriptionPackage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.packages {
		if s.packages[i].ID == id {
			p := s.packages[i]
			return &p
		}
	}
	return nil
}

// PackagesLoaded reports whether the catalog for the current selection arrived.
func (s *Session) PackagesLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packagesLoaded
}

// OpenPreview marks the confirmation dialog for packageID as open.
func (s *Session) OpenPreview(t Ticket, packageID int64) bool {
	s.mu.Lock()
	if !s.validLocked(t) {
		s.mu.Unlock()
		return false
	}
	s.previewPackage = packageID
	s.mu.Unlock()

	s.notify()
	return true
}

// ClosePreview closes the confirmation dialog.
func (s *Session) ClosePreview() {
	s.mu.Lock()
	s.previewPackage = 0
	s.mu.Unlock()

	s.notify()
}

// PreviewPackage returns the package whose confirmation is open, or 0.
func (s *Session) PreviewPackage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewPackage
}

// Begin raises the loading flag for c until the returned func is called.
// Flags belong to the selection they were raised in: Select clears them and a
// late done from an earlier selection is ignored.
func (s *Session) Begin(c Concern) func() {
	s.mu.Lock()
	s.loading[c]++
	gen := s.generation
	s.mu.Unlock()
	s.notify()

	var once sync.Once
	return func() { once.Do(func() { s.end(c, gen) }) }
}

// TryBegin is Begin for concerns that allow one operation at a time.
func (s *Session) TryBegin(c Concern) (func(), bool) {
	s.mu.Lock()
	if s.loading[c] > 0 {
		s.mu.Unlock()
		return nil, false
	}
	s.loading[c]++
	gen := s.generation
	s.mu.Unlock()
	s.notify()

	var once sync.Once
	return func() { once.Do(func() { s.end(c, gen) }) }, true
}

func (s *Session) end(c Concern, gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.loading[c] > 0 {
		s.loading[c]--
	}
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ChatID:         s.chatID,
		StudentID:      s.studentID,
		Subscription:   s.currentLocked(),
		Packages:       append([]domain.SubscriptionPackage(nil), s.packages...),
		PackagesLoaded: s.packagesLoaded,
		CheckoutPhase:  s.phase,
		PreviewPackage: s.previewPackage,
		Loading:        make(map[Concern]bool, len(s.loading)),
	}
	if snap.Subscription != nil {
		snap.EffectiveStatus = snap.Subscription.EffectiveStatus(s.now())
	}
	if s.override != nil {
		o := *s.override
		snap.Override = &o
	}
	for c, n := range s.loading {
		if n > 0 {
			snap.Loading[c] = true
		}
	}
	return snap
}

// OnChange registers fn to receive a snapshot after every state change.
// The returned func unregisters it.
func (s *Session) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
