package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	name    string
	started bool
	stopped bool
	fail    bool
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Start(context.Context) error {
	if m.fail {
		return errors.New("boom")
	}
	m.started = true
	return nil
}

func (m *fakeModule) Stop(context.Context) { m.stopped = true }

func TestManagerStartStop(t *testing.T) {
	a := &fakeModule{name: "a"}
	b := &fakeModule{name: "b"}
	mgr := NewManager(a, b)

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))
	require.True(t, a.started)
	require.True(t, b.started)

	require.Error(t, mgr.Add(&fakeModule{name: "late"}))

	mgr.Stop(ctx)
	require.True(t, a.stopped)
	require.True(t, b.stopped)
}

func TestManagerRollsBackOnFailure(t *testing.T) {
	a := &fakeModule{name: "a"}
	bad := &fakeModule{name: "bad", fail: true}
	mgr := NewManager(a, bad)

	err := mgr.Start(context.Background())
	require.Error(t, err)
	require.True(t, a.stopped)
}
