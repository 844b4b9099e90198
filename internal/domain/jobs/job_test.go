package jobs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimeProvider struct {
	now time.Time
}

func (f *fakeTimeProvider) Now() time.Time { return f.now }

func (f *fakeTimeProvider) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestJob(t *testing.T, maxRetries int) (*Job, *fakeTimeProvider) {
	t.Helper()
	tp := &fakeTimeProvider{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	job := NewJob(uuid.New(), JobTypeDownloader, "E-MTAB-3050", nil, maxRetries,
		WithTimeProvider(tp), WithSample(uuid.New()))
	return job, tp
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Minute, Cap: 10 * time.Minute}

	tests := []struct {
		name       string
		retryCount int
		expected   time.Duration
	}{
		{name: "first retry", retryCount: 0, expected: time.Minute},
		{name: "second retry doubles", retryCount: 1, expected: 2 * time.Minute},
		{name: "third retry doubles again", retryCount: 2, expected: 4 * time.Minute},
		{name: "growth is capped", retryCount: 6, expected: 10 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, b.Delay(tt.retryCount))
		})
	}
}

func TestJob_StartRecordsHandleAndTimeline(t *testing.T) {
	t.Parallel()

	job, tp := newTestJob(t, 3)
	require.Equal(t, JobStatusQueued, job.Status())

	require.NoError(t, job.Start("refinery-job-abc"))

	assert.Equal(t, JobStatusRunning, job.Status())
	assert.Equal(t, "refinery-job-abc", job.ExecutionName())
	assert.Equal(t, tp.Now(), job.LastPolledAt())
	assert.Equal(t, tp.Now(), job.Timeline().StartedAt())
}

func TestJob_CompleteIsIdempotent(t *testing.T) {
	t.Parallel()

	job, _ := newTestJob(t, 3)
	require.NoError(t, job.Start("h"))
	require.NoError(t, job.Complete())
	require.Equal(t, JobStatusSucceeded, job.Status())

	// A duplicate substrate report must not error.
	assert.NoError(t, job.Complete())
	assert.Equal(t, JobStatusSucceeded, job.Status())
}

func TestJob_FailRoutesToRetryingWhileRetriesRemain(t *testing.T) {
	t.Parallel()

	backoff := Backoff{Base: time.Minute, Cap: time.Hour}
	job, tp := newTestJob(t, 3)
	require.NoError(t, job.Start("h"))

	terminal, err := job.Fail("connection reset", backoff)
	require.NoError(t, err)

	assert.False(t, terminal)
	assert.Equal(t, JobStatusRetrying, job.Status())
	assert.Equal(t, "connection reset", job.FailureReason())
	assert.Equal(t, tp.Now().Add(time.Minute), job.NextRetryAt())
	assert.True(t, job.Timeline().CompletedAt().IsZero(), "retrying job must not be archived")
}

func TestJob_FailGoesTerminalAtRetryCeiling(t *testing.T) {
	t.Parallel()

	backoff := Backoff{Base: time.Minute, Cap: time.Hour}
	job, tp := newTestJob(t, 3)

	// With max_retries=3 the first two failures route back through RETRYING.
	for i := 0; i < 2; i++ {
		require.NoError(t, job.Start("h"))
		terminal, err := job.Fail("boom", backoff)
		require.NoError(t, err)
		require.False(t, terminal, "failure %d should still retry", i+1)

		tp.Advance(backoff.Delay(job.RetryCount()) + time.Second)
		require.True(t, job.ReadyForRetry(tp.Now()))
		require.NoError(t, job.Requeue())
	}

	require.Equal(t, 2, job.RetryCount())

	// The third failure is the last permitted attempt.
	require.NoError(t, job.Start("h"))
	terminal, err := job.Fail("boom", backoff)
	require.NoError(t, err)

	assert.True(t, terminal)
	assert.Equal(t, JobStatusFailed, job.Status())
	assert.Equal(t, 2, job.RetryCount(), "retry_count stays below max_retries")
	assert.False(t, job.Timeline().CompletedAt().IsZero())

	// Terminal FAILED permits no requeue.
	assert.Error(t, job.Requeue())
}

func TestJob_BackoffDeadlineGrowsExponentially(t *testing.T) {
	t.Parallel()

	backoff := Backoff{Base: time.Minute, Cap: time.Hour}
	job, tp := newTestJob(t, 5)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		require.NoError(t, job.Start("h"))
		_, err := job.Fail("boom", backoff)
		require.NoError(t, err)
		delays = append(delays, job.NextRetryAt().Sub(tp.Now()))

		tp.Advance(time.Hour)
		require.NoError(t, job.Requeue())
	}

	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}, delays)
}

func TestJob_HungRoutesLikeFailure(t *testing.T) {
	t.Parallel()

	backoff := Backoff{Base: time.Minute, Cap: time.Hour}
	job, _ := newTestJob(t, 3)
	require.NoError(t, job.Start("h"))

	require.NoError(t, job.MarkHung())
	require.Equal(t, JobStatusHung, job.Status())

	terminal, err := job.RetryFromHung(backoff)
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.Equal(t, JobStatusRetrying, job.Status())
}

func TestJob_HungAtCeilingGoesTerminal(t *testing.T) {
	t.Parallel()

	backoff := Backoff{Base: time.Minute, Cap: time.Hour}
	job, tp := newTestJob(t, 2)

	require.NoError(t, job.Start("h"))
	_, err := job.Fail("boom", backoff)
	require.NoError(t, err)
	tp.Advance(time.Hour)
	require.NoError(t, job.Requeue())

	require.NoError(t, job.Start("h"))
	require.NoError(t, job.MarkHung())

	terminal, err := job.RetryFromHung(backoff)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, JobStatusFailed, job.Status())
}

func TestJob_MarkHungRequiresRunning(t *testing.T) {
	t.Parallel()

	job, _ := newTestJob(t, 3)
	assert.Error(t, job.MarkHung())
}

func TestJob_RecordPollRequiresRunning(t *testing.T) {
	t.Parallel()

	job, tp := newTestJob(t, 3)
	assert.Error(t, job.RecordPoll())

	require.NoError(t, job.Start("h"))
	tp.Advance(30 * time.Second)
	require.NoError(t, job.RecordPoll())
	assert.Equal(t, tp.Now(), job.LastPolledAt())
}

func TestJob_CancelIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, job *Job)
		wantErr bool
	}{
		{
			name:    "cancel queued job",
			prepare: func(t *testing.T, job *Job) {},
			wantErr: false,
		},
		{
			name: "cancel running job",
			prepare: func(t *testing.T, job *Job) {
				require.NoError(t, job.Start("h"))
			},
			wantErr: false,
		},
		{
			name: "cancel retrying job",
			prepare: func(t *testing.T, job *Job) {
				require.NoError(t, job.Start("h"))
				_, err := job.Fail("boom", Backoff{Base: time.Minute})
				require.NoError(t, err)
			},
			wantErr: false,
		},
		{
			name: "cancel succeeded job rejected",
			prepare: func(t *testing.T, job *Job) {
				require.NoError(t, job.Start("h"))
				require.NoError(t, job.Complete())
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job, _ := newTestJob(t, 3)
			tt.prepare(t, job)

			err := job.Cancel()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, JobStatusCancelled, job.Status())
			assert.False(t, job.ReadyForRetry(time.Now().Add(time.Hour)), "cancelled jobs are retry-ineligible")
		})
	}
}

func TestJob_RequeueClearsExecutionHandle(t *testing.T) {
	t.Parallel()

	job, tp := newTestJob(t, 3)
	require.NoError(t, job.Start("refinery-job-abc"))
	_, err := job.Fail("boom", Backoff{Base: time.Minute})
	require.NoError(t, err)

	tp.Advance(2 * time.Minute)
	require.NoError(t, job.Requeue())

	assert.Equal(t, JobStatusQueued, job.Status())
	assert.Equal(t, 1, job.RetryCount())
	assert.Empty(t, job.ExecutionName())
}
