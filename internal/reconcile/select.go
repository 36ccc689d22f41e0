package reconcile

import (
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/session"
)

// SelectCurrent picks the one subscription the dashboard treats as current for
// studentID. An active, unexpired row always beats a cancelled or expired one,
// so a resubscription is never hidden behind the row it replaced. Within the
// same rank the latest createdAt wins, then the latest startDate, then the
// highest id. Rows of other students are ignored.
func SelectCurrent(subs []domain.Subscription, studentID int64, now time.Time) *domain.Subscription {
	var best *domain.Subscription
	for i := range subs {
		s := &subs[i]
		if studentID != 0 && s.StudentID != 0 && s.StudentID != studentID {
			continue
		}
		if best == nil || outranks(s, best, now) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func rank(s *domain.Subscription, now time.Time) int {
	if s.IsActive(now) {
		return 1
	}
	return 0
}

func outranks(a, b *domain.Subscription, now time.Time) bool {
	if ra, rb := rank(a, now), rank(b, now); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.After(b.StartDate)
	}
	return a.ID > b.ID
}

// Merge decides whether the local override survives a fresh server read.
//
// A local cancel is kept while the server still reports the same subscription
// as active, unless that subscription was just finalized by a checkout or
// restarted after the cancel: both mean the user resubscribed and the server
// wins. Overrides the server has confirmed, overrides for a different
// subscription and overrides older than ttl are dropped.
func Merge(server *domain.Subscription, local *session.Override, resubscribed bool, now time.Time, ttl time.Duration) *session.Override {
	if local == nil {
		return nil
	}
	if ttl > 0 && now.Sub(local.At) > ttl {
		return nil
	}
	if server == nil {
		return local
	}
	if server.ID != local.SubscriptionID || server.Status == local.Status {
		return nil
	}
	if local.Status == domain.StatusCancelled && server.Status == domain.StatusActive {
		if resubscribed || server.StartDate.After(local.At) {
			return nil
		}
		return local
	}
	return nil
}
