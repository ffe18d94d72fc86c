package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouter_SubscribeDispatch(t *testing.T) {
	require := require.New(t)

	r := newRouter()
	sub1 := r.subscribe(0)
	sub2 := r.subscribe(0)
	require.Less(sub1.id, sub2.id)
	require.Equal(2, r.count())

	delivered, dropped := r.dispatch(signal{kind: EventMessage})
	require.Equal(2, delivered)
	require.Zero(dropped)

	sub1.unsubscribe()
	sub1.unsubscribe()
	require.Equal(1, r.count())

	delivered, _ = r.dispatch(signal{kind: EventMessage})
	require.Equal(1, delivered)
	require.Len(sub2.ch, 2)

	sub2.drain()
	require.Empty(sub2.ch)
}

func TestRouter_FullSubscriptionDrops(t *testing.T) {
	require := require.New(t)

	r := newRouter()
	sub := r.subscribe(0)
	defer sub.unsubscribe()

	for range subscriptionBufferSize {
		delivered, _ := r.dispatch(signal{kind: EventMessage})
		require.Equal(1, delivered)
	}

	delivered, dropped := r.dispatch(signal{kind: EventMessage})
	require.Zero(delivered)
	require.Equal(1, dropped)
}

func TestAccumulateUntilOK(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyStatus("data")
		ft.replyStatus("data")
		ft.replyStatus(StatusOK)
	})

	acc, err := doValue(testContext(t), s, "accumulate", func(ctx context.Context) (*Accumulated, error) {
		return s.accumulateUntilOK(ctx, "file ls /", 0)
	})
	require.NoError(err)
	require.Len(acc.Responses, 3)
	require.True(acc.Last.IsOK())
}

func TestRawUntilOK(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyRaw("line one\nli")
		ft.replyRaw("ne two\nok")
		ft.replyRaw("\n")
	})

	out, err := doValue(testContext(t), s, "raw", func(ctx context.Context) (string, error) {
		return s.rawUntilOK(ctx, "$I", 0)
	})
	require.NoError(err)
	require.Equal("line one\nline two\nok", out)
}

func TestRawUntilOK_ErrorLine(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyRaw("error: 9\n")
	})

	_, err := doValue(testContext(t), s, "raw", func(ctx context.Context) (string, error) {
		return s.rawUntilOK(ctx, "$I", 0)
	})
	require.ErrorIs(t, err, ErrRejected)
}
