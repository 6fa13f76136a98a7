package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/registry"
	"github.com/ternarybob/vigil/internal/services/events"
)

// fakeStream satisfies interfaces.StreamService without a network
type fakeStream struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	onConnect []func()
}

func (f *fakeStream) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeStream) State() models.ConnState { return models.ConnConnected }

func (f *fakeStream) OnStateChange(listener interfaces.ConnStateListener) {}

func (f *fakeStream) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, fn)
}

// fireConnect simulates a successful (re)connection
func (f *fakeStream) fireConnect() {
	f.mu.Lock()
	callbacks := make([]func(), len(f.onConnect))
	copy(callbacks, f.onConnect)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// fakePlatform satisfies interfaces.PlatformClient with canned responses
type fakePlatform struct {
	mu        sync.Mutex
	jobs      []*models.JobRecord
	listErr   error
	submitID  string
	submitErr error
	deleteErr error
	deleted   []string
	listCalls int
}

func (f *fakePlatform) SubmitJob(ctx context.Context, parameters json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakePlatform) ListJobs(ctx context.Context, ownerID string) ([]*models.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.jobs, nil
}

func (f *fakePlatform) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, jobID)
	return nil
}

func pendingRecord(id string) *models.JobRecord {
	return models.NewJobRecord(id, "owner-1", json.RawMessage(`{"symbol":"BTCUSDT"}`), time.Now())
}

func newTestSession(t *testing.T, cfg common.SessionConfig, platform *fakePlatform) (*Session, *registry.Registry, *fakeStream, interfaces.EventService) {
	t.Helper()
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	reg := registry.New(eventService, logger)
	stream := &fakeStream{}
	sess := New(cfg, "owner-1", reg, stream, platform, eventService, logger)
	return sess, reg, stream, eventService
}

func TestSession_ReconnectReseedsRegistry(t *testing.T) {
	platform := &fakePlatform{jobs: []*models.JobRecord{pendingRecord("bt-1"), pendingRecord("bt-2")}}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	stream.fireConnect()

	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.Has("bt-1"))
	assert.True(t, reg.Has("bt-2"))
}

func TestSession_ReseedIsIdempotent(t *testing.T) {
	platform := &fakePlatform{jobs: []*models.JobRecord{pendingRecord("bt-1")}}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	// Repeated reconnects over the same snapshot never duplicate entries
	stream.fireConnect()
	stream.fireConnect()
	stream.fireConnect()

	assert.Equal(t, 1, reg.Len())
}

func TestSession_ReseedFailureKeepsSnapshot(t *testing.T) {
	platform := &fakePlatform{jobs: []*models.JobRecord{pendingRecord("bt-1")}}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	stream.fireConnect()
	require.Equal(t, 1, reg.Len())

	// A failed reseed keeps the last known snapshot instead of clearing
	platform.mu.Lock()
	platform.listErr = fmt.Errorf("platform down")
	platform.mu.Unlock()

	stream.fireConnect()
	assert.Equal(t, 1, reg.Len())
}

func TestSession_SubmitReturnsServerJobID(t *testing.T) {
	platform := &fakePlatform{submitID: "bt-7f3a"}
	sess, reg, _, _ := newTestSession(t, common.SessionConfig{SubmissionTimeout: "0s"}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	jobID, err := sess.Submit(context.Background(), json.RawMessage(`{"symbol":"BTCUSDT"}`))

	require.NoError(t, err)
	assert.Equal(t, "bt-7f3a", jobID)
	// The registry is populated by the started event, never by Submit
	assert.Equal(t, 0, reg.Len())
}

func TestSession_SubmitFailurePropagates(t *testing.T) {
	platform := &fakePlatform{submitErr: fmt.Errorf("queue full")}
	sess, _, _, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	_, err := sess.Submit(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestSession_SubmissionWatchdogWarns(t *testing.T) {
	platform := &fakePlatform{submitID: "bt-ghost"}
	sess, _, _, eventService := newTestSession(t, common.SessionConfig{SubmissionTimeout: "30ms"}, platform)

	var mu sync.Mutex
	var warnings []interfaces.Event
	eventService.Subscribe(interfaces.EventJobWarning, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		warnings = append(warnings, event)
		mu.Unlock()
		return nil
	})

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	_, err := sess.Submit(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	// No started event ever arrives for this job
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(warnings)
		mu.Unlock()
		if count > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watchdog never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	payload := warnings[0].Payload.(map[string]interface{})
	mu.Unlock()
	assert.Equal(t, "bt-ghost", payload["job_id"])
}

func TestSession_SubmissionWatchdogQuietWhenStartedArrives(t *testing.T) {
	platform := &fakePlatform{submitID: "bt-1"}
	sess, reg, _, eventService := newTestSession(t, common.SessionConfig{SubmissionTimeout: "30ms"}, platform)

	var mu sync.Mutex
	warned := false
	eventService.Subscribe(interfaces.EventJobWarning, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		warned = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	_, err := sess.Submit(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	// The started event lands before the timeout
	reg.InsertIfAbsent(pendingRecord("bt-1"))

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, warned, "watchdog fired even though the job started")
}

func TestSession_DeleteConfirmsServerSideFirst(t *testing.T) {
	platform := &fakePlatform{jobs: []*models.JobRecord{pendingRecord("bt-1")}}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	stream.fireConnect()
	require.True(t, reg.Has("bt-1"))

	require.NoError(t, sess.Delete(context.Background(), "bt-1"))
	assert.False(t, reg.Has("bt-1"))
	assert.Equal(t, []string{"bt-1"}, platform.deleted)
}

func TestSession_DeleteRejectionKeepsLocalRecord(t *testing.T) {
	platform := &fakePlatform{
		jobs:      []*models.JobRecord{pendingRecord("bt-1")},
		deleteErr: fmt.Errorf("job is running"),
	}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	stream.fireConnect()
	require.True(t, reg.Has("bt-1"))

	require.Error(t, sess.Delete(context.Background(), "bt-1"))
	assert.True(t, reg.Has("bt-1"), "local record must survive a rejected delete")
}

func TestSession_StopClearsRegistryAndStream(t *testing.T) {
	platform := &fakePlatform{jobs: []*models.JobRecord{pendingRecord("bt-1")}}
	sess, reg, stream, _ := newTestSession(t, common.SessionConfig{}, platform)

	require.NoError(t, sess.Start(context.Background()))
	stream.fireConnect()
	require.Equal(t, 1, reg.Len())

	sess.Stop()

	assert.Equal(t, 0, reg.Len())
	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.True(t, stream.stopped)
}

func TestSession_StartTwice(t *testing.T) {
	sess, _, _, _ := newTestSession(t, common.SessionConfig{}, &fakePlatform{})

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	assert.Error(t, sess.Start(context.Background()))
}

func TestSession_InvalidRefreshSchedule(t *testing.T) {
	sess, _, _, _ := newTestSession(t, common.SessionConfig{RefreshSchedule: "not a schedule"}, &fakePlatform{})

	assert.Error(t, sess.Start(context.Background()))
}
