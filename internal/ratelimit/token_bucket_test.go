package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptCall struct {
	keys []string
	args []any
}

// fakeScripter answers every script invocation with a canned reply.
type fakeScripter struct {
	reply []any
	err   error
	calls []scriptCall
}

func (f *fakeScripter) reply0(ctx context.Context, keys []string, args []any) *redis.Cmd {
	f.calls = append(f.calls, scriptCall{keys: keys, args: args})
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	cmd.SetVal(f.reply)
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply0(ctx, keys, args)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply0(ctx, keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply0(ctx, keys, args)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply0(ctx, keys, args)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("sha")
	return cmd
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(&fakeScripter{}, 0, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(&fakeScripter{}, 10, 0, "")
	assert.Error(t, err)
}

func TestAllowPassesBucketParameters(t *testing.T) {
	fake := &fakeScripter{reply: []any{int64(1), int64(29), int64(0)}}
	bucket, err := NewRedisTokenBucket(fake, 30, time.Minute, "")
	require.NoError(t, err)
	bucket.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	decision, err := bucket.Allow(context.Background(), " user-1:/v1/jobs ")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 29}, decision)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"tileforge:ratelimit:user-1:/v1/jobs"}, fake.calls[0].keys)
	assert.Equal(t, int64(30), fake.calls[0].args[0])
	assert.InDelta(t, 30.0/60000.0, fake.calls[0].args[1], 1e-12)
	assert.Equal(t, int64(1_700_000_000_000), fake.calls[0].args[2])
	assert.Equal(t, int64(1), fake.calls[0].args[3])
	assert.Equal(t, int64(120_000), fake.calls[0].args[4])
}

func TestAllowReportsRetryAfter(t *testing.T) {
	fake := &fakeScripter{reply: []any{int64(0), int64(0), int64(1500)}}
	bucket, err := NewRedisTokenBucket(fake, 5, time.Second, "custom:")
	require.NoError(t, err)

	decision, err := bucket.Allow(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1500*time.Millisecond, decision.RetryAfter)
	assert.Equal(t, []string{"custom:anonymous"}, fake.calls[0].keys)
}

func TestAllowNRejectsOversizedCost(t *testing.T) {
	fake := &fakeScripter{}
	bucket, err := NewRedisTokenBucket(fake, 5, time.Second, "")
	require.NoError(t, err)

	_, err = bucket.AllowN(context.Background(), "u", 6)
	assert.Error(t, err)
	assert.Empty(t, fake.calls)

	decision, err := bucket.AllowN(context.Background(), "u", 0)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllowSurfacesRedisErrors(t *testing.T) {
	bucket, err := NewRedisTokenBucket(&fakeScripter{err: errors.New("connection refused")}, 5, time.Second, "")
	require.NoError(t, err)

	_, err = bucket.Allow(context.Background(), "u")
	assert.ErrorContains(t, err, "connection refused")
}

func TestDecisionFromReply(t *testing.T) {
	d, err := decisionFromReply([]any{"1", 3.0, 0})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 3}, d)

	_, err = decisionFromReply([]any{int64(1)})
	assert.Error(t, err)
	_, err = decisionFromReply([]any{int64(1), true, int64(0)})
	assert.Error(t, err)
}
