package oracletx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credixa/oracletx"
)

func TestOperationExecuteOnce(t *testing.T) {
	scope := &fakeScope{}
	calls := 0
	op := oracletx.NewOperation[*fakeScope]("feed.upsert",
		func(ctx context.Context, scope *fakeScope) error {
			calls++
			return nil
		},
		noopAction,
	)

	require.NoError(t, op.Execute(context.Background(), scope))
	assert.True(t, op.Applied())

	err := op.Execute(context.Background(), scope)
	require.ErrorIs(t, err, oracletx.ErrOperationReplayed)
	assert.Equal(t, 1, calls)
}

func TestOperationExecuteFailureLeavesUnapplied(t *testing.T) {
	scope := &fakeScope{}
	boom := errors.New("constraint violated")
	op := oracletx.NewOperation[*fakeScope]("feed.upsert",
		func(ctx context.Context, scope *fakeScope) error { return boom },
		noopAction,
	)

	err := op.Execute(context.Background(), scope)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "feed.upsert")
	assert.False(t, op.Applied())

	// An operation whose forward side never took effect has nothing to undo.
	err = op.Compensate(context.Background(), scope)
	assert.ErrorIs(t, err, oracletx.ErrOperationNotApplied)
}

func TestOperationCompensateOnce(t *testing.T) {
	scope := &fakeScope{}
	undone := 0
	op := oracletx.NewOperation[*fakeScope]("snapshot.create",
		noopAction,
		func(ctx context.Context, scope *fakeScope) error {
			undone++
			return nil
		},
	)
	require.NoError(t, op.Execute(context.Background(), scope))

	require.NoError(t, op.Compensate(context.Background(), scope))
	err := op.Compensate(context.Background(), scope)
	require.ErrorIs(t, err, oracletx.ErrOperationReplayed)
	assert.Equal(t, 1, undone)
}

func TestOperationCompensateFailureWrapped(t *testing.T) {
	scope := &fakeScope{}
	boom := errors.New("row already gone")
	op := oracletx.NewOperation[*fakeScope]("snapshot.create",
		noopAction,
		func(ctx context.Context, scope *fakeScope) error { return boom },
	)
	require.NoError(t, op.Execute(context.Background(), scope))

	err := op.Compensate(context.Background(), scope)
	require.ErrorIs(t, err, oracletx.ErrCompensation)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "snapshot.create")
}

func TestOperationNilCompensationIsNoop(t *testing.T) {
	scope := &fakeScope{}
	op := oracletx.NewOperation[*fakeScope]("audit.append", noopAction, nil)
	require.NoError(t, op.Execute(context.Background(), scope))
	assert.NoError(t, op.Compensate(context.Background(), scope))
}

func TestContextTracksExecutionOrder(t *testing.T) {
	st := &fakeStore{}
	manager, _ := newTestManager(t, st)

	err := manager.Run(context.Background(), "test.bookkeeping",
		func(ctx context.Context, txc *oracletx.Context[*fakeScope]) error {
			first := oracletx.NewOperation[*fakeScope]("first", noopAction, noopAction)
			second := oracletx.NewOperation[*fakeScope]("second", noopAction, noopAction)
			deferred := oracletx.NewOperation[*fakeScope]("deferred", noopAction, noopAction)

			txc.RegisterOperation(deferred)
			if err := txc.Apply(ctx, first); err != nil {
				return err
			}
			if err := txc.Apply(ctx, second); err != nil {
				return err
			}

			executed := txc.ExecutedOperations()
			require.Len(t, executed, 2)
			assert.Equal(t, "first", executed[0].Label())
			assert.Equal(t, "second", executed[1].Label())

			pending := txc.PendingOperations()
			require.Len(t, pending, 3)
			assert.Equal(t, "second", txc.LastOperation())
			return nil
		})
	require.NoError(t, err)
}
