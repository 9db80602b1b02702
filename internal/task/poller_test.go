package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatlink/internal/chat"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/gate"
	"github.com/ashureev/chatlink/internal/offline"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	resp domain.TaskStatusResponse
	err  error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *scriptedFetcher) TaskStatus(_ context.Context, _ string) (domain.TaskStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return domain.TaskStatusResponse{Status: "pending"}, nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.resp, s.err
}

type recordingSink struct {
	mu       sync.Mutex
	progress []int
	outcomes []chat.TaskOutcome
}

func (s *recordingSink) TaskProgress(_ string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, attempt)
}

func (s *recordingSink) ResolveTask(_ string, out chat.TaskOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) > 0 {
		return false
	}
	s.outcomes = append(s.outcomes, out)
	return true
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func pending() step { return step{resp: domain.TaskStatusResponse{Status: "pending"}} }

func TestRunSuccessAfterPending(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{
		pending(),
		pending(),
		{resp: domain.TaskStatusResponse{Status: "success", Response: "Done"}},
	}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep})

	assert.True(t, p.Run(context.Background(), "T1"))
	assert.Equal(t, []int{1, 2}, sink.progress)
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskSuccess, sink.outcomes[0].Status)
	assert.Equal(t, "Done", sink.outcomes[0].Response)
	assert.Equal(t, 3, fetch.calls)
}

func TestRunFailureFromErrorMessage(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{
		{resp: domain.TaskStatusResponse{Status: "pending", ErrorMessage: "tool crashed"}},
	}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep})

	p.Run(context.Background(), "T1")
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskFailure, sink.outcomes[0].Status)
	assert.Equal(t, "tool crashed", sink.outcomes[0].Error)
}

func TestRunTimesOutAtBudget(t *testing.T) {
	fetch := &scriptedFetcher{}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep, MaxAttempts: 30})

	p.Run(context.Background(), "T1")
	assert.Equal(t, 30, fetch.calls)
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskTimeout, sink.outcomes[0].Status)
	assert.Equal(t, 30, sink.outcomes[0].Attempts)
}

func TestTransientErrorsConsumeBudget(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{
		{err: shared.Network(errors.New("connection reset"))},
		{err: shared.FromStatus(502, 0, "bad gateway")},
		{err: shared.Network(errors.New("connection reset"))},
	}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep, MaxAttempts: 3})

	p.Run(context.Background(), "T1")
	assert.Equal(t, 3, fetch.calls)
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskTimeout, sink.outcomes[0].Status)
}

func TestAuthErrorStopsWithoutFold(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{{err: shared.SessionExpired()}}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep})

	assert.False(t, p.Run(context.Background(), "T1"))
	assert.Empty(t, sink.outcomes)
	assert.Equal(t, 1, fetch.calls)
}

func TestCancelDiscards(t *testing.T) {
	fetch := &scriptedFetcher{}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Interval: 10 * time.Millisecond})

	p.Start("T1")
	p.Start("T1")
	assert.Equal(t, 1, p.Active())

	require.Eventually(t, func() bool {
		fetch.mu.Lock()
		defer fetch.mu.Unlock()
		return fetch.calls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	p.CancelAll()
	p.Wait()
	assert.Zero(t, p.Active())
	assert.Empty(t, sink.outcomes)
}

func TestResolvesOnceThroughMachine(t *testing.T) {
	m := chat.New(domain.ModeSmartRouter, nil)
	u := m.SubmitUser("q")
	m.BeginTask(u.ID, "T1", "Working on it...")

	fetch := &scriptedFetcher{steps: []step{
		pending(),
		{resp: domain.TaskStatusResponse{Status: "success", Response: "Done"}},
	}}
	p := New(fetch, m, Options{Sleep: noSleep})

	assert.True(t, p.Run(context.Background(), "T1"))
	assert.False(t, p.Run(context.Background(), "T1"))

	s := m.Snapshot()
	assert.Equal(t, "Done", s.Messages[1].Content)
	assert.False(t, s.Messages[1].Processing)
}

func TestOfflineReadsConsumeBudget(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{
		{err: shared.Offline()},
		{err: shared.Offline()},
		{resp: domain.TaskStatusResponse{Status: "success", Response: "Done"}},
	}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep, MaxAttempts: 5})

	assert.True(t, p.Run(context.Background(), "T1"))
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskSuccess, sink.outcomes[0].Status)
	assert.Equal(t, 3, sink.outcomes[0].Attempts)
}

func TestOfflineReadsTimeOutAtBudget(t *testing.T) {
	fetch := &scriptedFetcher{steps: []step{
		{err: shared.Offline()},
		{err: shared.Offline()},
	}}
	sink := &recordingSink{}
	p := New(fetch, sink, Options{Sleep: noSleep, MaxAttempts: 2})

	p.Run(context.Background(), "T1")
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, domain.TaskTimeout, sink.outcomes[0].Status)
}

type statusDoer struct {
	mu    sync.Mutex
	calls int
}

func (d *statusDoer) Call(_ context.Context, _, _ string, _ []byte) (*gate.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return &gate.Response{Status: http.StatusOK, Body: []byte(`{"status":"success","response":"Done"}`)}, nil
}

// cachedStatus reads task status through the offline client the way the
// API client does.
type cachedStatus struct{ c *offline.Client }

func (f cachedStatus) TaskStatus(ctx context.Context, taskID string) (domain.TaskStatusResponse, error) {
	res, err := f.c.GetOnce(ctx, "/chat/status/"+taskID)
	if err != nil {
		return domain.TaskStatusResponse{}, err
	}
	var out domain.TaskStatusResponse
	err = json.Unmarshal(res.Body, &out)
	return out, err
}

func TestPollingSurvivesUntilBackOnline(t *testing.T) {
	conn := offline.NewConnectivity(false)
	doer := &statusDoer{}
	oc := offline.New(doer, conn, store.NewMemory(), offline.Options{})
	t.Cleanup(oc.Close)

	m := chat.New(domain.ModeSmartRouter, nil)
	u := m.SubmitUser("q")
	m.BeginTask(u.ID, "T1", "Working on it...")

	sleeps := 0
	p := New(cachedStatus{oc}, m, Options{
		MaxAttempts: 30,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			sleeps++
			if sleeps == 3 {
				conn.SetOnline(true)
			}
			return ctx.Err()
		},
	})

	assert.True(t, p.Run(context.Background(), "T1"))

	s := m.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Done", s.Messages[1].Content)
	assert.False(t, s.Messages[1].MetaBool(domain.MetaFailed))
	assert.Nil(t, s.LastError)
	assert.Equal(t, 1, doer.calls)
}
