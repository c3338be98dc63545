package tracker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][][]string
}

func newRecorder() *recorder {
	return &recorder{calls: map[string][][]string{}}
}

func (r *recorder) finalize(seed string, images []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[seed] = append(r.calls[seed], images)
}

func TestRootWithoutChildrenFinalizesImmediately(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	tr := New([]string{"http://a"}, rec.finalize)
	require.NoError(t, tr.RootDone("http://a", []string{"http://a/x.png"}, 0))

	require.Equal(t, [][]string{{"http://a/x.png"}}, rec.calls["http://a"])
	require.True(t, tr.Finalized())
}

func TestChildrenDrainCounterAndDedupe(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	tr := New([]string{"http://a"}, rec.finalize)
	require.NoError(t, tr.RootDone("http://a", []string{"http://a/z.png", "http://a/x.png"}, 2))

	pending, err := tr.Pending("http://a")
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	require.NoError(t, tr.ChildDone("http://a", []string{"http://a/x.png"}))
	require.Empty(t, rec.calls)
	require.False(t, tr.Finalized())

	require.NoError(t, tr.ChildDone("http://a", []string{"http://b/y.gif", "http://a/z.png"}))
	require.Equal(t, [][]string{{"http://a/x.png", "http://a/z.png", "http://b/y.gif"}}, rec.calls["http://a"])
	require.True(t, tr.Finalized())
}

func TestEmptyContributionsStillCount(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	tr := New([]string{"http://a"}, rec.finalize)
	require.NoError(t, tr.RootDone("http://a", nil, 1))
	require.NoError(t, tr.ChildDone("http://a", nil))

	require.Len(t, rec.calls["http://a"], 1)
	require.NotNil(t, rec.calls["http://a"][0])
	require.Empty(t, rec.calls["http://a"][0])
}

func TestConcurrentChildrenFinalizeExactlyOnce(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 2, 16, 500} {
		var fired atomic.Int32
		var final []string
		tr := New([]string{"seed"}, func(_ string, images []string) {
			fired.Add(1)
			final = images
		})
		require.NoError(t, tr.RootDone("seed", nil, k))

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_ = tr.ChildDone("seed", []string{"img.png"})
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), fired.Load(), "k=%d", k)
		require.Equal(t, []string{"img.png"}, final)
	}
}

func TestSeedsAreIndependent(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	tr := New([]string{"a", "b"}, rec.finalize)
	require.NoError(t, tr.RootDone("a", []string{"1.png"}, 1))
	require.NoError(t, tr.RootDone("b", []string{"2.png"}, 0))

	require.Len(t, rec.calls["b"], 1)
	require.Empty(t, rec.calls["a"])
	require.False(t, tr.Finalized())

	require.NoError(t, tr.ChildDone("a", nil))
	require.Len(t, rec.calls["a"], 1)
	require.True(t, tr.Finalized())
}

func TestOutOfProtocolCalls(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	tr := New([]string{"a"}, rec.finalize)

	require.ErrorIs(t, tr.RootDone("zzz", nil, 0), ErrUnknownSeed)
	require.ErrorIs(t, tr.ChildDone("zzz", nil), ErrUnknownSeed)
	require.ErrorIs(t, tr.ChildDone("a", nil), ErrRootPending)
	_, err := tr.Pending("zzz")
	require.ErrorIs(t, err, ErrUnknownSeed)

	require.NoError(t, tr.RootDone("a", nil, 1))
	require.ErrorIs(t, tr.RootDone("a", nil, 1), ErrRootAlreadyDone)
	require.NoError(t, tr.ChildDone("a", nil))
	require.ErrorIs(t, tr.ChildDone("a", nil), ErrFinalized)
	require.ErrorIs(t, tr.RootDone("a", nil, 0), ErrFinalized)

	require.Len(t, rec.calls["a"], 1)
}
