// Package syncclient keeps a client's view of one record current without a
// persistent connection. Engines that share a Shared medium (tabs of one
// browser session) elect a single poll leader; the others follow its
// broadcasts.
package syncclient

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anchal00/nextup/internal/logger"
)

// Result is one poll outcome. ETag is the opaque change token.
type Result struct {
	Changed bool
	ETag    string
	Payload []byte
}

type Fetcher interface {
	// Fetch returns Changed=false when etag still names the current state.
	Fetch(ctx context.Context, etag string) (Result, error)
}

// Stream is an optional push channel. Run delivers every state it receives
// to out until ctx ends or the transport fails.
type Stream interface {
	Run(ctx context.Context, out chan<- Result) error
}

type Source string

const (
	SourcePoll   Source = "poll"
	SourceStream Source = "stream"
	SourcePeer   Source = "peer"
)

type Update struct {
	ETag    string
	Payload []byte
	Source  Source
}

type Options struct {
	Key     string
	Fetcher Fetcher
	Shared  Shared
	Stream  Stream
	// OnChange runs on the engine goroutine for every new state.
	OnChange  func(Update)
	Min       time.Duration
	Max       time.Duration
	Boost     time.Duration
	Backoff   float64
	BumpDelay time.Duration
	Settle    time.Duration
	Logger    logger.Logger
}

func (o *Options) defaults() {
	if o.Min <= 0 {
		o.Min = 4 * time.Second
	}
	if o.Max <= 0 {
		o.Max = 60 * time.Second
	}
	if o.Boost <= 0 {
		o.Boost = 3 * time.Second
	}
	if o.Backoff <= 1 {
		o.Backoff = 1.7
	}
	if o.BumpDelay <= 0 {
		o.BumpDelay = 50 * time.Millisecond
	}
	if o.Settle <= 0 {
		o.Settle = 150 * time.Millisecond
	}
	if o.Shared == nil {
		o.Shared = NewMemoryShared()
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
}

type streamFrame struct {
	gen uint64
	res Result
}

type streamEnd struct {
	gen uint64
	err error
}

type signal int

const (
	signalBump signal = iota
	signalResume
	signalSuspend
)

type Engine struct {
	opts    Options
	token   string
	backoff *Backoff
	logger  logger.Logger

	mu      sync.Mutex
	visible bool
	online  bool
	leader  bool
	etag    string

	signals      chan signal
	frames       chan streamFrame
	streamDone   chan streamEnd
	streamCancel context.CancelFunc
	streamUp     bool
	// streamGen numbers stream runs so events from a replaced run are dropped.
	streamGen uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Engine {
	opts.defaults()
	return &Engine{
		opts:  opts,
		token: uuid.NewString(),
		backoff: &Backoff{
			Min:    opts.Min,
			Max:    opts.Max,
			Boost:  opts.Boost,
			Factor: opts.Backoff,
		},
		logger:     opts.Logger.With("resource", opts.Key),
		visible:    true,
		online:     true,
		signals:    make(chan signal, 8),
		frames:     make(chan streamFrame, 8),
		streamDone: make(chan streamEnd, 1),
	}
}

func (e *Engine) leaderKey() string { return "nextup:leader:" + e.opts.Key }
func (e *Engine) beatKey() string   { return "nextup:beat:" + e.opts.Key }
func (e *Engine) channel() string   { return "nextup:sync:" + e.opts.Key }

// Start elects and begins polling or following in the background.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	msgs, unsubscribe := e.opts.Shared.Subscribe(e.channel())
	go e.loop(msgs, unsubscribe)
}

// Stop ends the engine. A poll still in flight is discarded. A leader gives
// up its claim so a follower can take over at its next check.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Bump asks for a poll right away, e.g. after this client's own write.
func (e *Engine) Bump() { e.signal(signalBump) }

// SetVisible and SetOnline suspend polling while the client is hidden or
// offline; restoring either re-runs the election.
func (e *Engine) SetVisible(visible bool) { e.setState(&e.visible, visible) }
func (e *Engine) SetOnline(online bool)   { e.setState(&e.online, online) }

func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// ETag is the last change token the engine applied.
func (e *Engine) ETag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.etag
}

func (e *Engine) setState(field *bool, value bool) {
	e.mu.Lock()
	was := e.visible && e.online
	*field = value
	now := e.visible && e.online
	e.mu.Unlock()
	switch {
	case !was && now:
		e.signal(signalResume)
	case was && !now:
		e.signal(signalSuspend)
	}
}

func (e *Engine) signal(s signal) {
	select {
	case e.signals <- s:
	default:
	}
}

func (e *Engine) active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible && e.online
}

func (e *Engine) setLeader(v bool) {
	e.mu.Lock()
	e.leader = v
	e.mu.Unlock()
}

func (e *Engine) loop(msgs <-chan Message, unsubscribe func()) {
	defer close(e.done)
	defer unsubscribe()
	defer e.resign()

	timer := time.NewTimer(e.opts.Max)
	defer timer.Stop()
	if e.active() {
		e.elect(timer)
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-msgs:
			e.onMessage(msg, timer)
		case s := <-e.signals:
			e.onSignal(s, timer)
		case f := <-e.frames:
			e.onStreamFrame(f)
		case end := <-e.streamDone:
			e.onStreamDone(end)
		case <-timer.C:
			e.tick(timer)
		}
	}
}

// elect writes a fresh token, waits the settle window and re-reads it. The
// engine whose token survives is the leader and polls right away.
func (e *Engine) elect(timer *time.Timer) {
	token := e.token
	e.opts.Shared.Set(e.leaderKey(), token)
	select {
	case <-time.After(e.opts.Settle):
	case <-e.ctx.Done():
		return
	}
	won := e.opts.Shared.Get(e.leaderKey()) == token
	e.setLeader(won)
	if won {
		e.heartbeat()
		e.logger.Debug("Elected poll leader")
		timer.Reset(0)
		return
	}
	e.stopStream()
	e.logger.Debug("Following another poll leader")
	timer.Reset(e.opts.Max)
}

func (e *Engine) heartbeat() {
	e.opts.Shared.Set(e.beatKey(), strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// leaderGone reports whether the leader key is empty or its heartbeat is
// older than two maximum intervals.
func (e *Engine) leaderGone() bool {
	if e.opts.Shared.Get(e.leaderKey()) == "" {
		return true
	}
	beat, err := strconv.ParseInt(e.opts.Shared.Get(e.beatKey()), 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.UnixMilli(beat)) > 2*e.opts.Max
}

func (e *Engine) resign() {
	e.stopStream()
	if e.IsLeader() && e.opts.Shared.Get(e.leaderKey()) == e.token {
		e.opts.Shared.Delete(e.leaderKey())
	}
	e.setLeader(false)
}

func (e *Engine) onSignal(s signal, timer *time.Timer) {
	switch s {
	case signalSuspend:
		e.logger.Debug("Polling suspended")
		e.stopStream()
		timer.Stop()
	case signalResume:
		if e.active() {
			e.logger.Debug("Polling resumed")
			e.elect(timer)
		}
	case signalBump:
		if !e.active() {
			return
		}
		if e.IsLeader() {
			timer.Reset(e.opts.BumpDelay)
			return
		}
		e.opts.Shared.Publish(e.channel(), Message{Kind: "bump", From: e.token})
	}
}

func (e *Engine) onMessage(msg Message, timer *time.Timer) {
	if msg.From == e.token {
		return
	}
	switch msg.Kind {
	case "state":
		e.apply(msg.ETag, msg.Payload, SourcePeer)
	case "bump":
		if e.IsLeader() && e.active() {
			timer.Reset(e.opts.BumpDelay)
		}
	}
}

// apply records a new state and reports whether it was new.
func (e *Engine) apply(etag string, payload []byte, source Source) bool {
	e.mu.Lock()
	if etag == e.etag {
		e.mu.Unlock()
		return false
	}
	e.etag = etag
	e.mu.Unlock()
	if e.opts.OnChange != nil {
		e.opts.OnChange(Update{ETag: etag, Payload: payload, Source: source})
	}
	return true
}

func (e *Engine) broadcast(etag string, payload []byte) {
	e.opts.Shared.Publish(e.channel(), Message{Kind: "state", From: e.token, ETag: etag, Payload: payload})
}

func (e *Engine) tick(timer *time.Timer) {
	if !e.active() {
		return
	}
	if !e.IsLeader() {
		if e.leaderGone() {
			e.elect(timer)
			return
		}
		timer.Reset(e.opts.Max)
		return
	}
	if e.opts.Shared.Get(e.leaderKey()) != e.token {
		e.logger.Debug("Lost poll leadership")
		e.setLeader(false)
		e.stopStream()
		timer.Reset(e.opts.Max)
		return
	}
	e.heartbeat()
	e.startStream()
	if e.streamUp {
		timer.Reset(e.opts.Max)
		return
	}

	res, err := e.opts.Fetcher.Fetch(e.ctx, e.ETag())
	if e.ctx.Err() != nil {
		return
	}
	changed := false
	if err != nil {
		e.logger.Warn(fmt.Sprintf("Poll failed: %v", err))
	} else if res.Changed && e.apply(res.ETag, res.Payload, SourcePoll) {
		changed = true
		e.broadcast(res.ETag, res.Payload)
	}
	e.heartbeat()
	timer.Reset(e.backoff.Next(changed))
}

func (e *Engine) startStream() {
	if e.opts.Stream == nil || e.streamCancel != nil {
		return
	}
	e.streamGen++
	gen := e.streamGen
	ctx, cancel := context.WithCancel(e.ctx)
	e.streamCancel = cancel
	out := make(chan Result)
	go func() {
		for {
			select {
			case res := <-out:
				select {
				case e.frames <- streamFrame{gen: gen, res: res}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		err := e.opts.Stream.Run(ctx, out)
		select {
		case e.streamDone <- streamEnd{gen: gen, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) stopStream() {
	if e.streamCancel != nil {
		e.streamCancel()
		e.streamCancel = nil
	}
	e.streamUp = false
}

// live reports whether gen names the stream currently running.
func (e *Engine) live(gen uint64) bool {
	return e.streamCancel != nil && gen == e.streamGen
}

func (e *Engine) onStreamFrame(f streamFrame) {
	if !e.live(f.gen) {
		return
	}
	e.streamUp = true
	if e.apply(f.res.ETag, f.res.Payload, SourceStream) {
		e.broadcast(f.res.ETag, f.res.Payload)
	}
}

// onStreamDone falls back to polling; the next leader tick redials. Ends of
// streams already replaced or stopped are ignored.
func (e *Engine) onStreamDone(end streamEnd) {
	if !e.live(end.gen) {
		return
	}
	e.stopStream()
	if end.err != nil {
		e.logger.Warn(fmt.Sprintf("Stream ended, falling back to polling: %v", end.err))
	}
}
