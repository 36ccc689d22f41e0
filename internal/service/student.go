package service

import (
	"context"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/reconcile"
	"github.com/classbook/backend/internal/session"
	"go.uber.org/zap"
)

// StudentService lists students, switches the selected student and loads
// their dashboards.
type StudentService struct {
	api    StudentAPI
	rec    *reconcile.Reconciler
	logger *zap.Logger
}

// NewStudentService creates a new StudentService.
func NewStudentService(api StudentAPI, rec *reconcile.Reconciler, logger *zap.Logger) *StudentService {
	return &StudentService{api: api, rec: rec, logger: logger.Named("students")}
}

// List returns the students linked to the chat.
func (s *StudentService) List(ctx context.Context) ([]domain.StudentSummary, error) {
	students, err := s.api.ListStudents(ctx)
	if err != nil {
		_, mapped := userError(err)
		return nil, mapped
	}
	if students == nil {
		students = []domain.StudentSummary{}
	}
	return students, nil
}

// Select makes studentID the chat's current student. Work still running for
// the previous student is cancelled and its results will be discarded. The
// new student's subscriptions and catalog are loaded; a checkout left pending
// for this student is verified and, if still unconfirmed, put back on the
// retry plan.
func (s *StudentService) Select(ctx context.Context, sess *session.Session, studentID int64) session.Snapshot {
	sess.Select(studentID)
	s.rec.Refresh(ctx, sess, false)
	if sess.Phase() == domain.PhasePending {
		s.rec.Schedule(sess, true)
	}
	return sess.Snapshot()
}

// Dashboard loads the dashboard payload of the selected student.
func (s *StudentService) Dashboard(ctx context.Context, sess *session.Session, studentID int64) (domain.Dashboard, error) {
	t, ok := sess.Ticket()
	if !ok || t.StudentID != studentID {
		return nil, domain.ErrBadRequest("student is not selected")
	}

	done := sess.Begin(session.ConcernDashboard)
	defer done()

	ctx, cancel := t.Bind(ctx)
	defer cancel()

	d, err := s.api.StudentDashboard(ctx, studentID)
	if err == nil && !sess.Valid(t) {
		err = domain.ErrAborted
	}
	if err != nil {
		result, mapped := userError(err)
		if result != "aborted" {
			s.logger.Warn("dashboard load failed",
				zap.String("chat_id", sess.ChatID()), zap.Int64("student_id", studentID), zap.Error(err))
		}
		return nil, mapped
	}
	return d, nil
}
