package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/events"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/session/mocks"
	"github.com/mattjoyce/groupfill/internal/workload"
)

func scenarioConfig(p int) Config {
	return Config{
		Parallelism:  p,
		MemberFormat: "user%d",
		Batches: []workload.Batch{
			{Group: "G1", Size: 4, Universe: 8},
			{Group: "G2", Size: 2, Universe: 8},
		},
		Action:   testAction,
		Endpoint: session.Endpoint{URI: "mem://tenant"},
	}
}

func TestRunEndToEnd(t *testing.T) {
	opener := &session.MemoryOpener{Latency: 5 * time.Millisecond}
	feed := events.NewFeed(64)
	rec := &recorder{}

	d, err := New(scenarioConfig(2), opener, WithPublisher(feed), WithRecorder(rec), WithRunID("run-e2e"))
	require.NoError(t, err)
	assert.Equal(t, 6, d.Total())

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-e2e", summary.RunID)
	assert.Equal(t, int64(6), summary.Submitted)
	assert.Equal(t, int64(6), summary.Succeeded)
	assert.Equal(t, int64(0), summary.Failed)
	assert.LessOrEqual(t, summary.Peak, 2)

	sessions := opener.Sessions()
	require.Len(t, sessions, 1)
	ms := sessions[0]
	assert.Equal(t, 1, ms.CloseCount())
	assert.Equal(t, 0, ms.InflightAtClose())
	assert.LessOrEqual(t, ms.Peak(), 2)

	var pairs []string
	for _, c := range ms.Calls() {
		assert.Equal(t, "Add-DistributionGroupMember", c.Command)
		pairs = append(pairs, c.Params["Identity"]+"/"+c.Params["Member"])
	}
	sort.Strings(pairs)
	assert.Equal(t, []string{"G1/user2", "G1/user4", "G1/user6", "G1/user8", "G2/user4", "G2/user8"}, pairs)
	assert.Equal(t, 6, rec.len())

	st := d.Status()
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 0, st.Gate.Outstanding)
	assert.Equal(t, 2, st.Gate.Available)

	var types []events.Type
	for _, ev := range feed.Events() {
		if ev.Type != events.InvocationStarted && ev.Type != events.InvocationCompleted {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []events.Type{
		events.RunStarted, events.BatchStarted, events.BatchStarted, events.RunDraining, events.RunCompleted,
	}, types)
}

func TestRunClosesSessionOnlyAfterAllResults(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := &recorder{}
	sess := mocks.NewMockSession(ctrl)
	opener := mocks.NewMockOpener(ctrl)

	opener.EXPECT().Open(gomock.Any(), session.Endpoint{URI: "mem://tenant"}).Return(sess, nil)
	sess.EXPECT().Invoke(gomock.Any(), "Add-DistributionGroupMember", gomock.Any()).
		DoAndReturn(func(context.Context, string, map[string]string) (*session.Result, error) {
			time.Sleep(5 * time.Millisecond)
			return &session.Result{Succeeded: true}, nil
		}).Times(6)
	sess.EXPECT().Close().DoAndReturn(func() error {
		assert.Equal(t, 6, rec.len(), "all six results reported before close")
		return nil
	}).Times(1)

	d, err := New(scenarioConfig(2), opener, WithRecorder(rec))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)
}

func TestRunOpenFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	opener := mocks.NewMockOpener(ctrl)
	opener.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil, errors.New("401 unauthorized"))

	feed := events.NewFeed(8)
	d, err := New(scenarioConfig(2), opener, WithPublisher(feed))
	require.NoError(t, err)

	summary, err := d.Run(context.Background())
	assert.Nil(t, summary)

	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "mem://tenant", connErr.Endpoint)
	assert.Contains(t, err.Error(), "401 unauthorized")

	st := d.Status()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, int64(0), st.Submitted)
	assert.Equal(t, int64(0), st.Gate.Admitted)
}

func TestRunIsolatesFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := Config{
		Parallelism:  4,
		MemberFormat: "user%d",
		Batches:      []workload.Batch{{Group: "G", Size: 20, Universe: 20}},
		Action:       testAction,
		Endpoint:     session.Endpoint{URI: "mem://tenant"},
	}

	failing := map[string]bool{"user3": true, "user7": true, "user11": true}
	sess := mocks.NewMockSession(ctrl)
	opener := mocks.NewMockOpener(ctrl)
	opener.EXPECT().Open(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, params map[string]string) (*session.Result, error) {
			member := params["Member"]
			switch {
			case member == "user5":
				panic("boom")
			case member == "user9":
				return nil, errors.New("connection reset")
			case failing[member]:
				return &session.Result{Errors: []string{"recipient not found"}}, nil
			}
			time.Sleep(time.Millisecond)
			return &session.Result{Succeeded: true}, nil
		}).Times(20)
	sess.EXPECT().Close().Return(nil)

	rec := &recorder{}
	d, err := New(cfg, opener, WithRecorder(rec))
	require.NoError(t, err)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), summary.Submitted)
	assert.Equal(t, int64(5), summary.Failed)
	assert.Equal(t, int64(15), summary.Succeeded)

	results := rec.byMember()
	require.Len(t, results, 20)
	for member, res := range results {
		wantFail := failing[member] || member == "user5" || member == "user9"
		assert.Equal(t, !wantFail, res.Succeeded, member)
	}
	assert.Equal(t, 4, d.Status().Gate.Available)
}

func TestRunRespectsAdmissionBound(t *testing.T) {
	for _, p := range []int{1, 3, 8} {
		opener := &session.MemoryOpener{Latency: 2 * time.Millisecond}
		cfg := Config{
			Parallelism:  p,
			MemberFormat: "user%d",
			Batches: []workload.Batch{
				{Group: "A", Size: 15, Universe: 6000},
				{Group: "B", Size: 10, Universe: 6000},
			},
			Action:   testAction,
			Endpoint: session.Endpoint{URI: "mem://"},
		}

		var live, maxLive atomic.Int64
		pub := publisherFunc(func(eventType events.Type, _ any) {
			switch eventType {
			case events.InvocationStarted:
				n := live.Add(1)
				for {
					m := maxLive.Load()
					if n <= m || maxLive.CompareAndSwap(m, n) {
						break
					}
				}
			case events.InvocationCompleted:
				live.Add(-1)
			}
		})

		d, err := New(cfg, opener, WithPublisher(pub))
		require.NoError(t, err)
		summary, err := d.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(25), summary.Succeeded)
		assert.LessOrEqual(t, summary.Peak, p)
		assert.LessOrEqual(t, maxLive.Load(), int64(p))
		assert.LessOrEqual(t, opener.Sessions()[0].Peak(), p)
	}
}

func TestRunEmptyBatches(t *testing.T) {
	opener := &session.MemoryOpener{}
	cfg := scenarioConfig(3)
	cfg.Batches = []workload.Batch{{Group: "G", Size: 0, Universe: 10}}

	d, err := New(cfg, opener)
	require.NoError(t, err)
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Submitted)
	assert.Equal(t, 1, opener.Sessions()[0].CloseCount())
}

func TestRunCancelledStopsAdmissionButDrains(t *testing.T) {
	opener := &session.MemoryOpener{Latency: 20 * time.Millisecond}
	cfg := scenarioConfig(2)
	cfg.Batches = []workload.Batch{{Group: "G", Size: 100, Universe: 100}}

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int64
	pub := publisherFunc(func(eventType events.Type, _ any) {
		if eventType == events.InvocationStarted && started.Add(1) == 3 {
			cancel()
		}
	})

	d, err := New(cfg, opener, WithPublisher(pub))
	require.NoError(t, err)

	summary, err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Less(t, summary.Submitted, int64(100))
	assert.Equal(t, summary.Submitted, summary.Succeeded+summary.Failed, "every admitted item finished")

	ms := opener.Sessions()[0]
	assert.Equal(t, 1, ms.CloseCount())
	assert.Equal(t, 0, ms.InflightAtClose())
	assert.Equal(t, int(summary.Submitted), len(ms.Calls()))
}

func TestRunReportsCloseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sess := mocks.NewMockSession(ctrl)
	opener := mocks.NewMockOpener(ctrl)
	opener.EXPECT().Open(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).Return(&session.Result{Succeeded: true}, nil).Times(6)
	sess.EXPECT().Close().Return(errors.New("logout failed"))

	d, err := New(scenarioConfig(2), opener)
	require.NoError(t, err)
	summary, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logout failed")
	assert.Equal(t, int64(6), summary.Succeeded)
}

func TestNewValidates(t *testing.T) {
	_, err := New(scenarioConfig(0), &session.MemoryOpener{})
	assert.Error(t, err)

	_, err = New(scenarioConfig(1), nil)
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session.EndpointURI = "https://ps.example.test"
	cfg.Session.Credential = config.CredentialConfig{Username: "admin", Password: "pw"}
	cfg.Batches = []config.BatchConfig{{Group: "group1", Size: 2000, Universe: 6000}}

	dc := ConfigFrom(cfg)
	assert.Equal(t, 10, dc.Parallelism)
	assert.Equal(t, "user%d", dc.MemberFormat)
	assert.Equal(t, []workload.Batch{{Group: "group1", Size: 2000, Universe: 6000}}, dc.Batches)
	assert.Equal(t, "Identity", dc.Action.GroupParam)
	assert.Equal(t, "admin", dc.Endpoint.Credential.Username)
}

type publisherFunc func(eventType events.Type, data any)

func (f publisherFunc) Publish(eventType events.Type, data any) { f(eventType, data) }
