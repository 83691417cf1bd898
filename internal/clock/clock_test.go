package clock

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/course-cli/internal/model"
)

var t0 = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func assignment(renewalMonths, deadlineDays int) model.AssignmentEvent {
	return model.AssignmentEvent{
		PersonID:      "p1",
		CourseID:      "HAZCOM-1910.1200",
		AssignedAt:    t0,
		Priority:      model.PriorityNormal,
		RenewalMonths: renewalMonths,
		DeadlineDays:  deadlineDays,
		AssignedBy:    model.AssignerAI,
	}
}

func TestDeadlineStatus(t *testing.T) {
	t.Parallel()

	ev := assignment(12, 30)
	tests := []struct {
		name string
		now  time.Time
		want model.DeadlineStatus
	}{
		{"fresh", t0, model.DeadlineActive},
		{"eight days left", t0.AddDate(0, 0, 22), model.DeadlineActive},
		{"seven days left", t0.AddDate(0, 0, 23), model.DeadlineDueSoon},
		{"one day left", t0.AddDate(0, 0, 29), model.DeadlineDueSoon},
		{"deadline reached", t0.AddDate(0, 0, 30), model.DeadlineOverdue},
		{"hours before deadline", t0.AddDate(0, 0, 30).Add(-2 * time.Hour), model.DeadlineOverdue},
		{"long past", t0.AddDate(0, 3, 0), model.DeadlineOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeadlineStatus(ev, tt.now))
		})
	}
}

func TestRenewalDue(t *testing.T) {
	t.Parallel()

	ev := assignment(12, 30)
	warning := RenewalWarningDate(ev, DefaultBufferDays)
	assert.Equal(t, t0.Add(330*24*time.Hour), warning)

	assert.False(t, RenewalDue(ev, t0, DefaultBufferDays))
	assert.False(t, RenewalDue(ev, warning.Add(-time.Second), DefaultBufferDays))
	assert.True(t, RenewalDue(ev, warning, DefaultBufferDays))
	assert.True(t, RenewalDue(ev, t0.AddDate(0, 11, 0), DefaultBufferDays))
	assert.False(t, RenewalDue(ev, t0.AddDate(0, 10, 0), DefaultBufferDays))
}

func TestHugeWindowsDoNotWrap(t *testing.T) {
	ev := assignment(math.MaxInt32, math.MaxInt32)

	assert.True(t, DeadlineDate(ev).After(t0))
	assert.True(t, RenewalWarningDate(ev, DefaultBufferDays).After(t0))
	assert.False(t, RenewalDue(ev, t0, DefaultBufferDays))
	assert.Equal(t, model.DeadlineActive, DeadlineStatus(ev, t0))
	assert.Positive(t, DaysLeft(ev, t0))

	st := Evaluate(&ev, nil, t0.AddDate(1, 0, 0), DefaultBufferDays)
	assert.Equal(t, model.StatusActive, st.Derived)
}

func TestRenewalDue_ZeroBufferIsNominalDate(t *testing.T) {
	ev := assignment(12, 30)
	assert.False(t, RenewalDue(ev, t0.AddDate(0, 11, 0), 0))
	assert.True(t, RenewalDue(ev, t0.Add(360*24*time.Hour), 0))
}

func TestDeadlineAndRenewalAreIndependent(t *testing.T) {
	ev := assignment(24, 7)
	now := t0.AddDate(0, 0, 10)

	assert.Equal(t, model.DeadlineOverdue, DeadlineStatus(ev, now))
	assert.False(t, RenewalDue(ev, now, DefaultBufferDays))

	st := Evaluate(&ev, nil, now, DefaultBufferDays)
	assert.Equal(t, model.DeadlineOverdue, st.Deadline)
	assert.False(t, st.RenewalDue)
	assert.Equal(t, model.StatusOverdue, st.Derived)
	assert.Equal(t, -3, st.DaysLeft)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	ev := assignment(12, 30)

	t.Run("no history", func(t *testing.T) {
		st := Evaluate(nil, nil, t0, DefaultBufferDays)
		assert.Equal(t, model.StatusNoHistory, st.Derived)
		assert.Nil(t, st.AssignedAt)
	})

	t.Run("active", func(t *testing.T) {
		st := Evaluate(&ev, nil, t0.AddDate(0, 0, 1), DefaultBufferDays)
		assert.Equal(t, model.StatusActive, st.Derived)
		require.NotNil(t, st.DeadlineAt)
		assert.Equal(t, t0.AddDate(0, 0, 30), *st.DeadlineAt)
	})

	t.Run("due soon", func(t *testing.T) {
		st := Evaluate(&ev, nil, t0.AddDate(0, 0, 25), DefaultBufferDays)
		assert.Equal(t, model.StatusDueSoon, st.Derived)
	})

	t.Run("completed overrides overdue", func(t *testing.T) {
		done := model.CompletionEvent{CompletedAt: t0.AddDate(0, 0, 40), Method: model.CompletionManual}
		st := Evaluate(&ev, &done, t0.AddDate(0, 2, 0), DefaultBufferDays)
		assert.Equal(t, model.DeadlineOverdue, st.Deadline)
		assert.True(t, st.Completed)
		assert.Equal(t, model.StatusCompleted, st.Derived)
	})

	t.Run("completion before assignment does not count", func(t *testing.T) {
		done := model.CompletionEvent{CompletedAt: t0.AddDate(0, 0, -1)}
		st := Evaluate(&ev, &done, t0.AddDate(0, 0, 1), DefaultBufferDays)
		assert.False(t, st.Completed)
		assert.Equal(t, model.StatusActive, st.Derived)
	})

	t.Run("renewal window reopens a completed course", func(t *testing.T) {
		done := model.CompletionEvent{CompletedAt: t0.AddDate(0, 0, 3)}
		st := Evaluate(&ev, &done, t0.AddDate(0, 11, 5), DefaultBufferDays)
		assert.True(t, st.Completed)
		assert.True(t, st.RenewalDue)
		assert.Equal(t, model.StatusRenewalDue, st.Derived)
	})
}

func TestEvaluateDoesNotMutateEvent(t *testing.T) {
	ev := assignment(12, 30)
	before := ev
	_ = Evaluate(&ev, nil, t0.AddDate(1, 0, 0), DefaultBufferDays)
	assert.Equal(t, before, ev)
}
