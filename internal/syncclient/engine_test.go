package syncclient

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	etag    string
	payload []byte
	block   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, etag string) (Result, error) {
	f.mu.Lock()
	f.calls++
	current, payload, block := f.etag, f.payload, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if current == etag {
		return Result{ETag: etag}, nil
	}
	return Result{Changed: true, ETag: current, Payload: payload}, nil
}

func (f *fakeFetcher) set(etag, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etag, f.payload = etag, []byte(payload)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu  sync.Mutex
	got []Update
}

func (r *recorder) add(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.got...)
}

func fastOptions(shared Shared, f Fetcher, r *recorder) Options {
	return Options{
		Key:       "list/abc",
		Fetcher:   f,
		Shared:    shared,
		OnChange:  r.add,
		Min:       20 * time.Millisecond,
		Max:       100 * time.Millisecond,
		Boost:     10 * time.Millisecond,
		Backoff:   1.5,
		BumpDelay: 5 * time.Millisecond,
		Settle:    10 * time.Millisecond,
	}
}

func leaders(engines []*Engine) []*Engine {
	var out []*Engine
	for _, e := range engines {
		if e.IsLeader() {
			out = append(out, e)
		}
	}
	return out
}

func startEngines(t *testing.T, n int, opts func(i int) Options) []*Engine {
	engines := make([]*Engine, n)
	for i := range engines {
		engines[i] = New(opts(i))
		engines[i].Start(context.Background())
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Stop()
		}
	})
	return engines
}

func TestSingleLeaderFansOutToFollowers(t *testing.T) {
	shared := NewMemoryShared()
	fetchers := make([]*fakeFetcher, 3)
	recorders := make([]*recorder, 3)
	for i := range fetchers {
		fetchers[i] = &fakeFetcher{etag: `"1"`, payload: []byte(`{"v":1}`)}
		recorders[i] = &recorder{}
	}
	engines := startEngines(t, 3, func(i int) Options {
		return fastOptions(shared, fetchers[i], recorders[i])
	})

	require.Eventually(t, func() bool { return len(leaders(engines)) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, e := range engines {
			if e.ETag() != `"1"` {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "every engine converges on the leader's state")

	polled := 0
	for i, e := range engines {
		if fetchers[i].count() > 0 {
			polled++
			assert.True(t, e.IsLeader(), "only the leader polls")
		}
		got := recorders[i].all()
		require.Len(t, got, 1)
		if e.IsLeader() {
			assert.Equal(t, SourcePoll, got[0].Source)
		} else {
			assert.Equal(t, SourcePeer, got[0].Source)
		}
		assert.Equal(t, `{"v":1}`, string(got[0].Payload))
	}
	assert.Equal(t, 1, polled)
}

func TestStopDiscardsInFlightPoll(t *testing.T) {
	f := &fakeFetcher{etag: `"7"`, payload: []byte("late"), block: make(chan struct{})}
	r := &recorder{}
	e := New(fastOptions(NewMemoryShared(), f, r))
	e.Start(context.Background())
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)

	e.Stop()
	assert.Empty(t, r.all(), "a response that lands after Stop is not applied")
	assert.Empty(t, e.ETag())
	assert.False(t, e.IsLeader())
}

func TestBumpPollsPromptly(t *testing.T) {
	f := &fakeFetcher{etag: `"1"`}
	opts := fastOptions(NewMemoryShared(), f, &recorder{})
	opts.Min, opts.Max, opts.Boost = 5*time.Second, 10*time.Second, 5*time.Second
	engines := startEngines(t, 1, func(int) Options { return opts })
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)

	f.set(`"2"`, "next")
	engines[0].Bump()
	require.Eventually(t, func() bool { return engines[0].ETag() == `"2"` }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.count())
}

func TestFollowerBumpReachesLeader(t *testing.T) {
	shared := NewMemoryShared()
	fetchers := []*fakeFetcher{{etag: `"1"`}, {etag: `"1"`}}
	engines := startEngines(t, 2, func(i int) Options {
		opts := fastOptions(shared, fetchers[i], &recorder{})
		opts.Min, opts.Max, opts.Boost = 5*time.Second, 10*time.Second, 5*time.Second
		return opts
	})
	require.Eventually(t, func() bool { return len(leaders(engines)) == 1 }, time.Second, 5*time.Millisecond)
	leaderIdx, followerIdx := 0, 1
	if engines[1].IsLeader() {
		leaderIdx, followerIdx = 1, 0
	}
	require.Eventually(t, func() bool { return fetchers[leaderIdx].count() == 1 }, time.Second, 5*time.Millisecond)

	fetchers[leaderIdx].set(`"2"`, "bumped")
	engines[followerIdx].Bump()
	require.Eventually(t, func() bool { return engines[followerIdx].ETag() == `"2"` }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fetchers[followerIdx].count())
}

func TestHiddenEngineStopsPolling(t *testing.T) {
	f := &fakeFetcher{etag: `"1"`}
	opts := fastOptions(NewMemoryShared(), f, &recorder{})
	opts.Max = 40 * time.Millisecond
	engines := startEngines(t, 1, func(int) Options { return opts })
	e := engines[0]
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, 5*time.Millisecond)

	e.SetVisible(false)
	time.Sleep(60 * time.Millisecond)
	suspended := f.count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, suspended, f.count(), "no polls while hidden")

	e.SetVisible(true)
	require.Eventually(t, func() bool { return f.count() > suspended }, time.Second, 5*time.Millisecond)

	e.SetOnline(false)
	time.Sleep(60 * time.Millisecond)
	offline := f.count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, offline, f.count(), "no polls while offline")
}

func TestFollowerTakesOverAfterStop(t *testing.T) {
	shared := NewMemoryShared()
	engines := startEngines(t, 2, func(int) Options {
		return fastOptions(shared, &fakeFetcher{etag: `"1"`}, &recorder{})
	})
	require.Eventually(t, func() bool { return len(leaders(engines)) == 1 }, time.Second, 5*time.Millisecond)
	leader, follower := engines[0], engines[1]
	if follower.IsLeader() {
		leader, follower = follower, leader
	}

	leader.Stop()
	assert.Empty(t, shared.Get(leader.leaderKey()), "a stopping leader gives up its claim")
	require.Eventually(t, follower.IsLeader, time.Second, 5*time.Millisecond)
}

func TestFollowerTakesOverSilentLeader(t *testing.T) {
	shared := NewMemoryShared()
	engines := startEngines(t, 2, func(int) Options {
		opts := fastOptions(shared, &fakeFetcher{etag: `"1"`}, &recorder{})
		opts.Max = 50 * time.Millisecond
		return opts
	})
	require.Eventually(t, func() bool { return len(leaders(engines)) == 1 }, time.Second, 5*time.Millisecond)
	leader, follower := engines[0], engines[1]
	if follower.IsLeader() {
		leader, follower = follower, leader
	}

	// A hidden leader keeps its claim but stops its heartbeat.
	leader.SetVisible(false)
	require.Eventually(t, follower.IsLeader, time.Second, 5*time.Millisecond)
}

type fakeStream struct {
	frames []Result
}

func (s fakeStream) Run(ctx context.Context, out chan<- Result) error {
	for _, f := range s.frames {
		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func TestStreamReplacesPolling(t *testing.T) {
	f := &fakeFetcher{etag: `"1"`}
	r := &recorder{}
	opts := fastOptions(NewMemoryShared(), f, r)
	opts.Max = time.Second
	opts.Stream = fakeStream{frames: []Result{{Changed: true, ETag: `"5"`, Payload: []byte("pushed")}}}
	engines := startEngines(t, 1, func(int) Options { return opts })

	require.Eventually(t, func() bool { return engines[0].ETag() == `"5"` }, time.Second, 5*time.Millisecond)
	polls := f.count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, polls, f.count(), "the leader does not poll while the stream is up")

	var sources []Source
	for _, u := range r.all() {
		sources = append(sources, u.Source)
	}
	assert.Contains(t, sources, SourceStream)
}

// lingeringStream takes a while to wind down after cancellation, the way a
// websocket close handshake does.
type lingeringStream struct {
	mu        sync.Mutex
	runs      int
	cancelled int
	linger    time.Duration
}

func (s *lingeringStream) Run(ctx context.Context, out chan<- Result) error {
	s.mu.Lock()
	s.runs++
	n := s.runs
	s.mu.Unlock()
	select {
	case out <- Result{Changed: true, ETag: strconv.Quote(strconv.Itoa(n)), Payload: []byte("pushed")}:
	case <-ctx.Done():
	}
	<-ctx.Done()
	s.mu.Lock()
	s.cancelled++
	s.mu.Unlock()
	time.Sleep(s.linger)
	return errors.New("stream closed")
}

func (s *lingeringStream) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.cancelled
}

func TestLateEndOfOldStreamKeepsNewStream(t *testing.T) {
	stream := &lingeringStream{linger: 50 * time.Millisecond}
	opts := fastOptions(NewMemoryShared(), &fakeFetcher{etag: `"0"`}, &recorder{})
	opts.Max = time.Second
	opts.Stream = stream
	engines := startEngines(t, 1, func(int) Options { return opts })
	e := engines[0]
	require.Eventually(t, func() bool { return e.ETag() == `"1"` }, time.Second, 5*time.Millisecond)

	e.SetVisible(false)
	e.SetVisible(true)
	require.Eventually(t, func() bool { return e.ETag() == `"2"` }, time.Second, 5*time.Millisecond)

	// The first run ends well after the second one started.
	time.Sleep(150 * time.Millisecond)
	runs, cancelled := stream.counts()
	assert.Equal(t, 2, runs, "the live stream is not redialed")
	assert.Equal(t, 1, cancelled, "only the stopped stream was cancelled")
}
