package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/account"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/execlog"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/mocks"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/vault"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPacer records waits without sleeping. failCommentAt makes the Nth
// comment wait fail with context.Canceled.
type countingPacer struct {
	mu            sync.Mutex
	commentWaits  int
	postWaits     int
	failCommentAt int
}

func (p *countingPacer) BetweenComments(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commentWaits++
	if p.failCommentAt > 0 && p.commentWaits >= p.failCommentAt {
		return context.Canceled
	}
	return nil
}

func (p *countingPacer) BetweenPosts(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postWaits++
	return nil
}

type fixture struct {
	tasks    *mocks.MockTaskStore
	accounts *mocks.MockAccountStore
	logs     *mocks.MockExecutionLogStore
	launcher *mocks.MockLauncher
	pacer    *countingPacer
	vault    *vault.Vault
	selector *account.Selector
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key, nil)
	require.NoError(t, err)

	f := &fixture{
		tasks:    mocks.NewMockTaskStore(),
		accounts: mocks.NewMockAccountStore(),
		logs:     mocks.NewMockExecutionLogStore(),
		launcher: &mocks.MockLauncher{},
		pacer:    &countingPacer{},
		vault:    v,
	}
	f.selector = account.NewSelector(f.accounts, nil)
	f.executor = NewExecutor(ExecutorDeps{
		Tasks:         f.tasks,
		Accounts:      f.accounts,
		Selector:      f.selector,
		Vault:         v,
		Launcher:      f.launcher,
		Pacer:         f.pacer,
		Audit:         execlog.NewRecorder(f.logs, nil),
		LeaseDuration: time.Hour,
	})
	return f
}

func (f *fixture) seedAccount(t *testing.T, name, region string) *domain.Account {
	t.Helper()
	a := &domain.Account{
		ID:          uuid.New(),
		DisplayName: name,
		Region:      region,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.vault.SealAccount(a, vault.AccountSecrets{
		Session: map[string]any{"c_user": "1000"},
		Token:   "aux-token",
	}))
	f.accounts.Put(a)
	return a
}

func (f *fixture) seedTask(t *testing.T, region string, posts int, status domain.TaskStatus) *domain.Task {
	t.Helper()
	targets := make([]string, posts)
	for i := range targets {
		targets[i] = fmt.Sprintf("post-%d", i+1)
	}
	comments := make([]string, domain.CommentsPerTask)
	for i := range comments {
		comments[i] = fmt.Sprintf("c%d", i+1)
	}
	task, err := domain.NewTask(uuid.New(), region, comments, targets)
	require.NoError(t, err)
	task.Status = status
	f.tasks.Put(task)
	return task
}

func (f *fixture) task(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	got, err := f.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return got
}

type progressRecorder struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progressRecorder) report(ctx context.Context, current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]int{current, total})
}

func assertMonotonic(t *testing.T, values []int, max int) {
	t.Helper()
	for i, v := range values {
		assert.LessOrEqual(t, v, max)
		if i > 0 {
			assert.GreaterOrEqual(t, v, values[i-1], "comments_posted decreased at write %d", i)
		}
	}
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	acct := f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 2, domain.TaskStatusApproved)
	progress := &progressRecorder{}

	outcome := f.executor.Execute(context.Background(), task.ID, progress.report)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 16, got.CommentsPosted)
	require.NotNil(t, got.AccountID)
	assert.Equal(t, acct.ID, *got.AccountID)
	assert.Equal(t, []domain.TaskStatus{
		domain.TaskStatusApproved, domain.TaskStatusProcessing, domain.TaskStatusCompleted,
	}, f.tasks.History(task.ID))

	assert.Equal(t, 1, f.logs.Count(task.ID, domain.StepStart, domain.LogOutcomeSuccess))
	assert.Equal(t, 16, f.logs.Count(task.ID, domain.StepComment, domain.LogOutcomeSuccess))
	assert.Equal(t, 1, f.logs.Count(task.ID, domain.StepCompletion, domain.LogOutcomeSuccess))
	assert.Zero(t, f.logs.Count(task.ID, domain.StepError, ""))

	// 7 waits between 8 comments on each post, one wait between the posts.
	assert.Equal(t, 14, f.pacer.commentWaits)
	assert.Equal(t, 1, f.pacer.postWaits)

	stored := f.accounts.Get(acct.ID)
	assert.NotNil(t, stored.LastUsed)
	assert.Nil(t, stored.ClaimedBy, "lease must be released")

	require.Len(t, f.launcher.Opened, 1)
	assert.Equal(t, "1000", f.launcher.Opened[0].Session["c_user"])
	assert.Equal(t, "aux-token", f.launcher.Opened[0].Token)
	assert.Len(t, f.launcher.Posted, 16)
	assert.Equal(t, "post-1|c1", f.launcher.Posted[0])
	assert.Equal(t, "post-2|c8", f.launcher.Posted[15])
	assert.Zero(t, f.launcher.OpenSessions())

	require.Len(t, progress.calls, 16)
	assert.Equal(t, [2]int{16, 16}, progress.calls[15])
	assertMonotonic(t, f.tasks.Progress(task.ID), 16)
}

func TestExecuteNoEligibleAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "XX", 1, domain.TaskStatusApproved)

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "capacity")
	assert.Contains(t, got.ErrorMessage, "XX")
	assert.Nil(t, got.AccountID)
	assert.Zero(t, got.CommentsPosted)
	assert.Empty(t, f.launcher.Opened)
	assert.Equal(t, 1, f.logs.Count(task.ID, domain.StepError, domain.LogOutcomeError))
}

func TestExecuteNavigationFailureSkipsPost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 3, domain.TaskStatusApproved)
	f.launcher.FailNavigation = map[string]bool{"post-2": true}

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 16, got.CommentsPosted)
	assert.Equal(t, 3, f.launcher.Count("navigate"))
	assert.Equal(t, 1, f.logs.Count(task.ID, domain.StepNavigation, domain.LogOutcomeError))
	assert.Equal(t, 2, f.logs.Count(task.ID, domain.StepNavigation, domain.LogOutcomeSuccess))
	assert.Equal(t, 2, f.pacer.postWaits)
	assert.Equal(t, 14, f.pacer.commentWaits)
	for _, p := range f.launcher.Posted {
		assert.NotContains(t, p, "post-2|")
	}
}

func TestExecuteBlockStopsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	acct := f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 2, domain.TaskStatusApproved)
	f.launcher.BlockAtComment = 3

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrAccountBlocked)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.CommentsPosted)
	assert.Contains(t, got.ErrorMessage, "account blocked")

	assert.Equal(t, 2, f.logs.Count(task.ID, domain.StepComment, domain.LogOutcomeSuccess))
	assert.Equal(t, 1, f.logs.Count(task.ID, domain.StepBlockCheck, domain.LogOutcomeError))
	assert.Equal(t, 2, f.launcher.Count("post_comment"))
	assert.Zero(t, f.launcher.OpenSessions())

	stored := f.accounts.Get(acct.ID)
	assert.True(t, stored.Blocked)
	assert.Nil(t, stored.ClaimedBy)
	assert.NotNil(t, stored.LastUsed)

	_, err := f.selector.Select(context.Background(), "BR", uuid.New(), time.Minute)
	assert.ErrorIs(t, err, account.ErrNoEligibleAccount)
}

func TestExecuteRedeliveryIsNoop(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.TaskStatus{
		domain.TaskStatusProcessing, domain.TaskStatusCompleted, domain.TaskStatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.seedAccount(t, "br-1", "BR")
			task := f.seedTask(t, "BR", 1, status)

			outcome := f.executor.Execute(context.Background(), task.ID, nil)

			assert.Equal(t, queue.OutcomeSkipped, outcome.Kind)
			assert.Equal(t, []domain.TaskStatus{status}, f.tasks.History(task.ID))
			assert.Empty(t, f.launcher.Opened)
			entries, err := f.logs.ListByTask(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestExecuteNotApproved(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.TaskStatus{domain.TaskStatusPendingApproval, domain.TaskStatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			acct := f.seedAccount(t, "br-1", "BR")
			task := f.seedTask(t, "BR", 1, status)

			outcome := f.executor.Execute(context.Background(), task.ID, nil)

			assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
			assert.ErrorIs(t, outcome.Err, ErrNotApproved)
			assert.Equal(t, []domain.TaskStatus{status}, f.tasks.History(task.ID))
			assert.Empty(t, f.launcher.Opened)
			assert.Nil(t, f.accounts.Get(acct.ID).ClaimedBy)
		})
	}
}

func TestExecuteTaskVanished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	outcome := f.executor.Execute(context.Background(), uuid.New(), nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrTaskVanished)
}

func TestExecuteStoreErrorBeforeFenceIsRetryable(t *testing.T) {
	t.Parallel()

	t.Run("fetch", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
		f.tasks.GetByIDError = errors.New("connection reset")

		outcome := f.executor.Execute(context.Background(), task.ID, nil)
		assert.Equal(t, queue.OutcomeRetryable, outcome.Kind)
	})

	t.Run("fence", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
		f.tasks.MarkProcessingError = errors.New("connection reset")

		outcome := f.executor.Execute(context.Background(), task.ID, nil)
		assert.Equal(t, queue.OutcomeRetryable, outcome.Kind)
		assert.Equal(t, []domain.TaskStatus{domain.TaskStatusApproved}, f.tasks.History(task.ID))
	})
}

func TestExecuteLostFenceIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.seedTask(t, "BR", 1, domain.TaskStatusProcessing)
	stale := *task
	stale.Status = domain.TaskStatusApproved
	f.tasks.GetByIDFn = func(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
		c := stale
		return &c, nil
	}

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeSkipped, outcome.Kind)
	assert.Empty(t, f.launcher.Opened)
}

func TestExecuteConcurrentDeliveriesRunOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	f.seedAccount(t, "br-2", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)

	outcomes := make([]queue.Outcome, 2)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.executor.Execute(context.Background(), task.ID, nil)
		}(i)
	}
	wg.Wait()

	kinds := []queue.OutcomeKind{outcomes[0].Kind, outcomes[1].Kind}
	assert.ElementsMatch(t, []queue.OutcomeKind{queue.OutcomeSuccess, queue.OutcomeSkipped}, kinds)
	assert.Len(t, f.launcher.Opened, 1)
	assert.Len(t, f.launcher.Posted, 8)
}

func TestExecuteTamperedCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	acct := f.seedAccount(t, "br-1", "BR")
	tampered := f.accounts.Get(acct.ID)
	tampered.SessionData = tampered.SessionData[:len(tampered.SessionData)-4] + "AAAA"
	f.accounts.Put(tampered)
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "credential")
	assert.NotContains(t, got.ErrorMessage, "1000")
	assert.Empty(t, f.launcher.Opened)
	assert.Nil(t, f.accounts.Get(acct.ID).ClaimedBy)
}

func TestExecuteSessionUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	acct := f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
	f.launcher.OpenError = errors.New("browser pool exhausted")

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "session unavailable")
	stored := f.accounts.Get(acct.ID)
	assert.Nil(t, stored.ClaimedBy)
	assert.Nil(t, stored.LastUsed, "an account no session ran on is not touched")
}

func TestExecuteInterruptedWhilePacing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
	f.pacer.failCommentAt = 3

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	assert.Equal(t, queue.OutcomeFatal, outcome.Kind)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 3, got.CommentsPosted)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.Zero(t, f.launcher.OpenSessions())
}

func TestExecuteRejectedCommentContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 2, domain.TaskStatusApproved)
	f.launcher.FailComments = map[string]bool{"c3": true}

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 14, got.CommentsPosted)
	assert.Equal(t, 2, f.logs.Count(task.ID, domain.StepComment, domain.LogOutcomeError))
	assertMonotonic(t, f.tasks.Progress(task.ID), 16)
}

func TestExecuteBlockCheckErrorContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
	f.launcher.DetectBlockError = errors.New("selector timeout")

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.Equal(t, 8, f.task(t, task.ID).CommentsPosted)
	assert.Equal(t, 8, f.logs.Count(task.ID, domain.StepBlockCheck, domain.LogOutcomeWarning))
}

func TestExecuteLogFailureDoesNotStopTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedAccount(t, "br-1", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)
	f.logs.AppendError = errors.New("disk full")

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.Equal(t, domain.TaskStatusCompleted, f.task(t, task.ID).Status)
}

func TestExecuteSelectsLeastRecentlyUsedAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	recent := f.seedAccount(t, "br-recent", "BR")
	used := time.Now().UTC()
	stored := f.accounts.Get(recent.ID)
	stored.LastUsed = &used
	f.accounts.Put(stored)
	fresh := f.seedAccount(t, "br-fresh", "BR")
	task := f.seedTask(t, "BR", 1, domain.TaskStatusApproved)

	outcome := f.executor.Execute(context.Background(), task.ID, nil)

	require.Equal(t, queue.OutcomeSuccess, outcome.Kind, outcome.Reason)
	require.Len(t, f.launcher.Opened, 1)
	assert.Equal(t, fresh.ID, f.launcher.Opened[0].AccountID)
}
