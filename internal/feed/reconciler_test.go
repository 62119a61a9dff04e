package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/testutil"
	"github.com/npezzotti/go-community/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const channel = "community"

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id, author string, offset time.Duration) types.Message {
	return types.Message{
		Id:        id,
		ChannelId: channel,
		AuthorId:  author,
		Content:   "content " + id,
		CreatedAt: base.Add(offset),
	}
}

func waitFor(t *testing.T, r *Reconciler, kind EventKind) Event {
	t.Helper()
	for {
		ev := testutil.Receive(t, r.Events(), time.Second)
		if ev.Kind == kind {
			return ev
		}
	}
}

func assertOrdered(t *testing.T, msgs []types.AuthoredMessage) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		assert.Falsef(t, seen[m.Id], "duplicate message id %q", m.Id)
		seen[m.Id] = true
		if i > 0 {
			assert.Falsef(t, m.CreatedAt.Before(msgs[i-1].CreatedAt),
				"message %q at index %d is older than its predecessor", m.Id, i)
		}
	}
}

func TestReconcilerLoadsHistoryWithBatchedProfiles(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}
	defer messages.AssertExpectations(t)
	defer profiles.AssertExpectations(t)

	history := []types.Message{
		msgAt("m1", "u1", 0),
		msgAt("m2", "u2", time.Second),
		msgAt("m3", "u1", 2*time.Second),
	}
	inserts := make(chan types.Message)

	messages.On("ListAscending", mock.Anything, channel).Return(history, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetMany", mock.Anything, []string{"u1", "u2"}).Return(map[string]types.Profile{
		"u1": {Id: "u1", DisplayName: "ana"},
	}, nil).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, r, EventLoaded)

	got := r.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{got[0].Id, got[1].Id, got[2].Id})
	assert.True(t, got[0].Author.Resolved)
	assert.Equal(t, "ana", got[0].Author.Profile.DisplayName)
	assert.False(t, got[1].Author.Resolved, "expected missing profile to resolve to placeholder")
	assert.Equal(t, "Member", got[1].Author.Profile.DisplayName)
	assert.True(t, r.Loaded())
	assert.NoError(t, r.LoadErr())
	profiles.AssertNotCalled(t, "GetOne", mock.Anything, mock.Anything)
}

func TestReconcilerAppendsLiveInsert(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}
	defer messages.AssertExpectations(t)
	defer profiles.AssertExpectations(t)

	inserts := make(chan types.Message)
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetOne", mock.Anything, "userA").Return(types.Profile{Id: "userA", DisplayName: "A"}, nil).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, r, EventLoaded)

	hello := msgAt("m1", "userA", time.Minute)
	hello.Content = "hello"
	inserts <- hello

	ev := waitFor(t, r, EventAppended)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, "A", ev.Message.Author.Profile.DisplayName)
	assert.True(t, ev.Message.Author.Resolved)

	got := r.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Id)
	messages.AssertNumberOfCalls(t, "ListAscending", 1)
	profiles.AssertNotCalled(t, "GetMany", mock.Anything, mock.Anything)
}

func TestReconcilerDiscardsDuplicates(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	inserts := make(chan types.Message)
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{msgAt("m1", "u1", 0)}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetMany", mock.Anything, []string{"u1"}).Return(map[string]types.Profile{}, nil).Once()
	profiles.On("GetOne", mock.Anything, "u1").Return(types.Profile{Id: "u1", DisplayName: "ana"}, nil)

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, r, EventLoaded)

	// the row seen by the bulk read is delivered again by the feed
	inserts <- msgAt("m1", "u1", 0)
	inserts <- msgAt("m2", "u1", time.Second)
	inserts <- msgAt("m2", "u1", time.Second)
	inserts <- msgAt("m3", "u1", 2*time.Second)

	ev := waitFor(t, r, EventAppended)
	assert.Equal(t, "m2", ev.Message.Id)
	ev = waitFor(t, r, EventAppended)
	assert.Equal(t, "m3", ev.Message.Id)

	got := r.Messages()
	require.Len(t, got, 3)
	assertOrdered(t, got)
}

func TestReconcilerOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			messages := &store.MockMessageStore{}
			profiles := &store.MockProfileStore{}

			var all []types.Message
			for i := 0; i < 30; i++ {
				// coarse offsets force equal timestamps
				off := time.Duration(rng.Intn(10)) * time.Second
				all = append(all, msgAt(fmt.Sprintf("m%d", i), "u1", off))
			}

			var history []types.Message
			for _, m := range all {
				if rng.Intn(2) == 0 {
					history = append(history, m)
				}
			}

			inserts := make(chan types.Message, len(all)*2)
			messages.On("ListAscending", mock.Anything, channel).Return(history, nil).Once()
			messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
			profiles.On("GetMany", mock.Anything, mock.Anything).Return(map[string]types.Profile{}, nil).Maybe()
			profiles.On("GetOne", mock.Anything, "u1").Return(types.Profile{}, store.ErrNotFound).Maybe()

			// live stream overlaps the history and repeats rows
			for _, m := range all {
				inserts <- m
				if rng.Intn(4) == 0 {
					inserts <- m
				}
			}

			r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
			r.Start(context.Background())
			defer r.Close()

			assert.Eventually(t, func() bool {
				return r.Loaded() && len(r.Messages()) == len(all) && len(inserts) == 0
			}, 2*time.Second, 5*time.Millisecond)

			assertOrdered(t, r.Messages())
		})
	}
}

func TestReconcilerLoadFailureKeepsSubscription(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}
	defer messages.AssertExpectations(t)

	loadErr := errors.New("connection refused")
	inserts := make(chan types.Message)
	messages.On("ListAscending", mock.Anything, channel).Return(nil, loadErr).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetOne", mock.Anything, "u1").Return(types.Profile{Id: "u1", DisplayName: "ana"}, nil).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	ev := waitFor(t, r, EventLoadFailed)
	assert.ErrorIs(t, ev.Err, loadErr)
	assert.ErrorIs(t, r.LoadErr(), loadErr)
	assert.Empty(t, r.Messages())

	inserts <- msgAt("m9", "u1", 0)
	ev = waitFor(t, r, EventAppended)
	assert.Equal(t, "m9", ev.Message.Id)
	assert.Len(t, r.Messages(), 1)
}

func TestReconcilerProfileFailureUsesPlaceholder(t *testing.T) {
	tcases := []struct {
		name string
		err  error
	}{
		{name: "lookup error", err: errors.New("timeout")},
		{name: "profile missing", err: store.ErrNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			messages := &store.MockMessageStore{}
			profiles := &store.MockProfileStore{}

			inserts := make(chan types.Message)
			messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
			messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
			profiles.On("GetOne", mock.Anything, "ghost").Return(types.Profile{}, tc.err).Once()

			r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
			r.Start(context.Background())
			defer r.Close()

			waitFor(t, r, EventLoaded)
			inserts <- msgAt("m1", "ghost", 0)

			ev := waitFor(t, r, EventAppended)
			assert.False(t, ev.Message.Author.Resolved)
			assert.Equal(t, "ghost", ev.Message.Author.Profile.Id)
			assert.Equal(t, "Member", ev.Message.Author.Profile.DisplayName)
		})
	}
}

func TestReconcilerBatchProfileFailureUsesPlaceholders(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{msgAt("m1", "u1", 0)}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(make(chan types.Message), nil).Once()
	profiles.On("GetMany", mock.Anything, []string{"u1"}).Return(nil, errors.New("boom")).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, r, EventLoaded)
	got := r.Messages()
	require.Len(t, got, 1)
	assert.False(t, got[0].Author.Resolved)
	assert.NoError(t, r.LoadErr(), "expected partial join not to surface as a load error")
}

func TestReconcilerSubscribeFailure(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	subErr := errors.New("websocket: bad handshake")
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(nil, subErr).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	ev := testutil.Receive(t, r.Events(), time.Second)
	for ev.Kind != EventSubscribeFailed {
		ev = testutil.Receive(t, r.Events(), time.Second)
	}
	assert.ErrorIs(t, ev.Err, subErr)
	assert.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond, "expected history to load without a subscription")
}

func TestReconcilerCloseReleasesSubscription(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	subCtx := make(chan context.Context, 1)
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).
		Run(func(args mock.Arguments) { subCtx <- args.Get(0).(context.Context) }).
		Return(make(chan types.Message), nil).Once()

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())

	ctx := testutil.Receive(t, subCtx, time.Second)
	assert.NoError(t, ctx.Err())

	r.Close()
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "expected subscription context to be cancelled on close")

	// closing twice is a no-op
	r.Close()
}

func TestReconcilerSlowReaderLosesNoAppends(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	total := eventBufferSize + 44
	inserts := make(chan types.Message)
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetOne", mock.Anything, "u1").Return(types.Profile{Id: "u1", DisplayName: "ana"}, nil)

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())
	defer r.Close()

	go func() {
		for i := 0; i < total; i++ {
			inserts <- msgAt(fmt.Sprintf("m%03d", i), "u1", time.Duration(i)*time.Second)
		}
	}()

	// nobody reads until well after the buffer has filled
	time.Sleep(200 * time.Millisecond)

	appended := 0
	for appended < total {
		ev := testutil.Receive(t, r.Events(), time.Second)
		if ev.Kind == EventAppended {
			appended++
		}
	}
	assert.Len(t, r.Messages(), total)
}

func TestReconcilerCloseWithFullBuffer(t *testing.T) {
	messages := &store.MockMessageStore{}
	profiles := &store.MockProfileStore{}

	inserts := make(chan types.Message)
	messages.On("ListAscending", mock.Anything, channel).Return([]types.Message{}, nil).Once()
	messages.On("SubscribeInserts", mock.Anything, channel).Return(inserts, nil).Once()
	profiles.On("GetOne", mock.Anything, "u1").Return(types.Profile{Id: "u1"}, nil)

	r := NewReconciler(testutil.TestLogger(t), channel, messages, profiles)
	r.Start(context.Background())

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		// with the load event this is one more than the buffer holds
		for i := 0; i < eventBufferSize; i++ {
			inserts <- msgAt(fmt.Sprintf("m%03d", i), "u1", time.Duration(i)*time.Second)
		}
	}()
	testutil.Receive[struct{}](t, sent, time.Second)

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	testutil.Receive[struct{}](t, closed, time.Second)
}
