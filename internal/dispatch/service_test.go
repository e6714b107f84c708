package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	"RapidResponse/internal/store"
	"RapidResponse/pkg/cache"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/metrics"
	"RapidResponse/pkg/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	feed  *realtime.Feed
	store *store.GormStore
	m     *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := util.InitDatabase("", "", false)
	require.NoError(t, err)
	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	feed := realtime.NewFeed()
	t.Cleanup(feed.Close)
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics(nil)
	}
	return &fixture{svc: NewService(st, feed, opts), feed: feed, store: st, m: opts.Metrics}
}

func loc() *models.Location { return &models.Location{Lat: 4.81, Lng: 7.05} }

func nextEvent(t *testing.T, sub *realtime.Subscription) realtime.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestChestPainScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	responder := f.svc.Subscribe(realtime.Filter{Collection: models.CollectionRequests, Statuses: []string{"pending"}})
	defer responder.Close()
	patient := f.svc.Subscribe(realtime.Filter{Collection: models.CollectionRequests, UserID: "patient-1"})
	defer patient.Close()

	r1, replayed, err := f.svc.CreateRequest(ctx, CreateRequestInput{
		UserID: "patient-1", HospitalID: "H1", Location: loc(), Message: "chest pain",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, models.RequestPending, r1.Status)
	assert.Equal(t, "chest pain", r1.Message)
	assert.Contains(t, r1.HospitalName, "UPTH")

	created := nextEvent(t, responder)
	assert.Equal(t, realtime.Created, created.Kind)
	assert.Equal(t, r1.ID, created.ID)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.AcceptRequest(ctx, r1.ID, fmt.Sprintf("responder-%d", i))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if apperrors.IsConflict(err) {
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	final, err := f.svc.GetRequest(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, final.Status)
	assert.NotEmpty(t, final.AcceptedBy)
	require.NotNil(t, final.AcceptedAt)

	assert.Equal(t, realtime.Created, nextEvent(t, patient).Kind)
	updated := nextEvent(t, patient)
	assert.Equal(t, realtime.Updated, updated.Kind)
	assert.Equal(t, models.RequestAccepted, updated.Request.Status)
	assert.Equal(t, final.AcceptedBy, updated.Request.AcceptedBy)

	removal := nextEvent(t, responder)
	assert.Equal(t, "pending", removal.PrevStatus)

	series, err := testutil.GatherAndCount(f.m.Registry(), "emergency_status_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestForwardOnlyTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	r, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H2", Location: loc()})
	require.NoError(t, err)

	_, err = f.svc.UpdateRequestStatus(ctx, r.ID, models.RequestPending, "resp")
	assert.True(t, apperrors.IsConflict(err), "same status is not a transition")

	_, err = f.svc.AcceptRequest(ctx, r.ID, "resp")
	require.NoError(t, err)
	_, err = f.svc.UpdateRequestStatus(ctx, r.ID, models.RequestPending, "resp")
	assert.True(t, apperrors.IsConflict(err))
	_, err = f.svc.CancelRequest(ctx, r.ID, "p1")
	assert.True(t, apperrors.IsConflict(err))

	enroute, err := f.svc.MarkEnroute(ctx, r.ID, "resp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), enroute.Revision)

	resolved, err := f.svc.ResolveRequest(ctx, r.ID, "resp")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, resolved.Status)
	assert.Equal(t, "resp", resolved.AcceptedBy)

	for _, to := range []models.RequestStatus{models.RequestPending, models.RequestAccepted, models.RequestEnroute} {
		_, err = f.svc.UpdateRequestStatus(ctx, r.ID, to, "resp")
		assert.True(t, apperrors.IsConflict(err), "resolved -> %s", to)
	}
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.AcceptRequest(ctx, "R404", "resp")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.svc.UpdateRequestStatus(ctx, "R404", "teleported", "resp")
	assert.True(t, apperrors.IsValidation(err))

	r, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", Location: loc()})
	require.NoError(t, err)
	assert.Empty(t, r.HospitalID)

	_, err = f.svc.CancelRequest(ctx, r.ID, "someone-else")
	assert.True(t, apperrors.IsPermission(err))
	_, err = f.svc.AcceptRequest(ctx, r.ID, "p1")
	assert.True(t, apperrors.IsPermission(err))

	_, err = f.svc.AcceptRequest(ctx, r.ID, "resp-a")
	require.NoError(t, err)
	_, err = f.svc.MarkEnroute(ctx, r.ID, "resp-b")
	assert.True(t, apperrors.IsPermission(err))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1"})
	assert.True(t, apperrors.IsValidation(err))
	_, _, err = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "  ", Location: loc()})
	assert.True(t, apperrors.IsValidation(err))
	_, _, err = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", Location: &models.Location{}})
	assert.True(t, apperrors.IsValidation(err))
	_, _, err = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H9", Location: loc()})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", HospitalID: "H1", Content: "   "})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", Content: "help"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.svc.SendMessage(ctx, SendMessageInput{HospitalID: "H1", Content: "help"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", HospitalID: "H1", RequestID: "R404", Content: "help"})
	assert.True(t, apperrors.IsNotFound(err))

	n, err := f.store.CountRequests(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sub := f.svc.Subscribe(realtime.Filter{Collection: models.CollectionMessages, HospitalID: "H1"})
	defer sub.Close()

	m, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", HospitalID: "H1", Content: "  need an ambulance  "})
	require.NoError(t, err)
	assert.Equal(t, "need an ambulance", m.Content)
	assert.Equal(t, models.MessagePending, m.Status)
	assert.Equal(t, realtime.Created, nextEvent(t, sub).Kind)

	_, err = f.svc.UpdateMessageStatus(ctx, m.ID, models.MessageDelivered)
	require.NoError(t, err)
	ev := nextEvent(t, sub)
	assert.Equal(t, models.MessageDelivered, ev.Message.Status)
	assert.Equal(t, "pending", ev.PrevStatus)

	_, err = f.svc.UpdateMessageStatus(ctx, m.ID, models.MessagePending)
	assert.True(t, apperrors.IsConflict(err))
	_, err = f.svc.UpdateMessageStatus(ctx, "M404", models.MessageRead)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestIdempotentCreate(t *testing.T) {
	c := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Hour, CleanupInterval: time.Minute})
	f := newFixture(t, Options{Cache: c, IdempotencyTTL: time.Hour})
	ctx := context.Background()
	in := CreateRequestInput{UserID: "p1", HospitalID: "H3", Location: loc(), IdempotencyKey: "tap-1"}

	first, replayed, err := f.svc.CreateRequest(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := f.svc.CreateRequest(ctx, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	in.UserID = "p2"
	other, replayed, err := f.svc.CreateRequest(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEqual(t, first.ID, other.ID)

	n, err := f.store.CountRequests(ctx, models.RequestPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIdempotentCreateConcurrent(t *testing.T) {
	c := cache.NewLocalCache(cache.LocalConfig{MaxSize: 100, DefaultExpiration: time.Hour})
	f := newFixture(t, Options{Cache: c})
	ctx := context.Background()
	in := CreateRequestInput{UserID: "p1", Location: loc(), IdempotencyKey: "double-tap"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.CreateRequest(ctx, in)
			if err != nil {
				assert.True(t, apperrors.IsConflict(err), "unexpected %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := f.store.CountRequests(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type failingInsert struct{ store.Store }

func (failingInsert) InsertRequest(context.Context, *models.EmergencyRequest) error {
	return apperrors.Transport(nil, "database unavailable")
}

func TestFailedCreateReleasesIdempotencyKey(t *testing.T) {
	c := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Hour})
	f := newFixture(t, Options{Cache: c})
	ctx := context.Background()
	in := CreateRequestInput{UserID: "p1", Location: loc(), IdempotencyKey: "k"}

	broken := NewService(failingInsert{f.store}, f.feed, Options{Cache: c})
	_, _, err := broken.CreateRequest(ctx, in)
	assert.True(t, apperrors.IsTransport(err))
	assert.False(t, c.Exists(ctx, "idem:request:p1:k"))

	r, replayed, err := f.svc.CreateRequest(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "k", r.CorrelationKey)
}

func TestOpenSeedsThenMerges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H1", Location: loc()})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, _, _ = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p2", HospitalID: "H1", Location: loc()})
		}
	}()
	view, err := f.svc.Open(ctx, realtime.Filter{Collection: models.CollectionRequests, HospitalID: "H1"})
	require.NoError(t, err)
	defer view.Close()
	<-done

	require.Eventually(t, func() bool { return view.Len() == 23 }, 2*time.Second, 10*time.Millisecond)
	items := view.Items()
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].RecordCreatedAt().After(items[i-1].RecordCreatedAt()))
	}
}

func TestViewRemovesAcceptedFromPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	r, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H1", Location: loc()})
	require.NoError(t, err)

	view, err := f.svc.Open(ctx, realtime.Filter{Collection: models.CollectionRequests, Statuses: []string{"pending"}})
	require.NoError(t, err)
	defer view.Close()
	require.Equal(t, 1, view.Len())

	_, err = f.svc.AcceptRequest(ctx, r.ID, "resp")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return view.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestViewCloseStopsMutation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	view, err := f.svc.Open(ctx, realtime.Filter{})
	require.NoError(t, err)
	view.Close()

	_, _, err = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", Location: loc()})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, view.Len())
	assert.Equal(t, 0, f.feed.Len())
}

func TestViewStaleKeepsLastKnownState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", Location: loc()})
	require.NoError(t, err)

	view, err := f.svc.Open(ctx, realtime.Filter{})
	require.NoError(t, err)
	defer view.Close()

	f.feed.Fail(apperrors.Transport(nil, "connection reset"))
	require.Eventually(t, view.Stale, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, view.Len())
	assert.True(t, apperrors.IsTransport(view.Err()))
}

func TestPatientAndPendingQueries(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	f := newFixture(t, Options{Now: func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }})
	ctx := context.Background()

	a, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H1", Location: loc()})
	require.NoError(t, err)
	b, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H2", Location: loc()})
	require.NoError(t, err)
	c, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p2", Location: loc()})
	require.NoError(t, err)
	_, err = f.svc.AcceptRequest(ctx, b.ID, "resp")
	require.NoError(t, err)

	mine, err := f.svc.PatientRequests(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, a.ID, mine[0].RecordID(), "pending ranks before accepted")
	assert.Equal(t, b.ID, mine[1].RecordID())

	h1, err := f.svc.PendingRequests(ctx, "H1")
	require.NoError(t, err)
	require.Len(t, h1, 2)
	assert.Equal(t, c.ID, h1[0].RecordID(), "broadcast request visible to every hospital")
	assert.Equal(t, a.ID, h1[1].RecordID())

	all, err := f.svc.PendingRequests(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.PatientRequests(ctx, "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestThreadBadge(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", HospitalID: "H4", Content: "hello"})
	require.NoError(t, err)

	th, err := f.svc.Thread(ctx, "H4", "")
	require.NoError(t, err)
	assert.Equal(t, "pending", th.Badge)
	assert.Nil(t, th.Request)

	r, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", HospitalID: "H4", Location: loc()})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: "p1", HospitalID: "H4", RequestID: r.ID, Content: "requesting ambulance"})
	require.NoError(t, err)
	_, err = f.svc.AcceptRequest(ctx, r.ID, "resp")
	require.NoError(t, err)

	th, err = f.svc.Thread(ctx, "H4", "p1")
	require.NoError(t, err)
	assert.Len(t, th.Messages, 2)
	assert.Equal(t, "accepted", th.Badge)

	_, err = f.svc.Thread(ctx, "H9", "")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSweepPending(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-time.Hour)
	f := newFixture(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()

	old, _, err := f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p1", Location: loc()})
	require.NoError(t, err)
	clock = now
	_, _, err = f.svc.CreateRequest(ctx, CreateRequestInput{UserID: "p2", Location: loc()})
	require.NoError(t, err)

	report, err := f.svc.SweepPending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pending)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, old.ID, report.Stale[0].ID)
}
