package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// StartTestEnv starts an in-memory env with both snapshot tiers, shut down
// when the test ends.
func StartTestEnv(
	t *testing.T,
	opts ...EnvOption,
) *TestingEnv {
	t.Helper()
	e, err := NewEnv(
		WithInMemory(),
		WithEnvOpts(opts...),
	)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return &TestingEnv{
		t:   t,
		Env: e,
	}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (t *TestingEnvAssert) Append(
	ctx context.Context,
	streamName string,
	expect Version,
	events ...any,
) {
	require.NoError(t.env.t, t.env.Append(ctx, streamName, expect, events...))
}

// Version asserts the committed version of a stream.
func (t *TestingEnvAssert) Version(ctx context.Context, streamName string, want Version) {
	agg, err := t.env.repo.TryGetByStreamNameEvenIfMissing(ctx, streamName)
	require.NoError(t.env.t, err)
	require.Equal(t.env.t, want, agg.base().GetVersion())
}

// Exists asserts whether a stream holds an existing aggregate.
func (t *TestingEnvAssert) Exists(ctx context.Context, streamName string, want bool) {
	ok, err := t.env.repo.Exists(ctx, streamName)
	require.NoError(t.env.t, err)
	require.Equal(t.env.t, want, ok)
}
