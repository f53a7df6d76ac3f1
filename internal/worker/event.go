package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/policy"
)

type Kind string

const (
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindFetch    Kind = "fetch"
	KindMessage  Kind = "message"
	KindPush     Kind = "push"
)

// Event 是一次宿主事件。处理函数同步产出结果，通过 WaitUntil 登记的后台工作
// 在 Wait 返回前都视为事件仍未结束。
type Event struct {
	Kind    Kind
	Request *http.Request
	Message control.Message
	Port    chan<- control.Reply
	Data    []byte

	version  string
	ctx      context.Context
	keep     *pool.ErrorPool
	waitOnce sync.Once
	waitErr  error

	mu         sync.Mutex
	result     *policy.Result
	err        error
	handlerErr error
}

func newEvent(ctx context.Context, kind Kind) *Event {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Event{
		Kind: kind,
		ctx:  ctx,
		keep: pool.New().WithErrors(),
	}
}

func NewFetchEvent(ctx context.Context, req *http.Request) *Event {
	ev := newEvent(ctx, KindFetch)
	ev.Request = req
	return ev
}

func NewMessageEvent(ctx context.Context, msg control.Message, port chan<- control.Reply) *Event {
	ev := newEvent(ctx, KindMessage)
	ev.Message = msg
	ev.Port = port
	return ev
}

func NewPushEvent(ctx context.Context, data []byte) *Event {
	ev := newEvent(ctx, KindPush)
	ev.Data = append([]byte(nil), data...)
	return ev
}

// Version names the worker version that handled the event.
func (e *Event) Version() string {
	return e.version
}

// Context is the context of the triggering request.
func (e *Event) Context() context.Context {
	return e.ctx
}

// WaitUntil keeps the event pending until fn returns. fn runs on a context
// detached from the request's cancellation.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	bg := context.WithoutCancel(e.ctx)
	e.keep.Go(func() error {
		return fn(bg)
	})
}

// Wait blocks until every WaitUntil task has finished and returns the
// handler error joined with the task errors. It is safe to call more than
// once; WaitUntil must not be called after the first Wait.
func (e *Event) Wait() error {
	e.waitOnce.Do(func() {
		err := e.keep.Wait()
		e.mu.Lock()
		e.waitErr = multierr.Combine(e.handlerErr, err)
		e.mu.Unlock()
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitErr
}

// RespondWith records the fetch outcome.
func (e *Event) RespondWith(result *policy.Result, err error) {
	e.mu.Lock()
	e.result, e.err = result, err
	e.mu.Unlock()
}

// Response returns what RespondWith recorded.
func (e *Event) Response() (*policy.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

func (e *Event) fail(err error) {
	e.mu.Lock()
	e.handlerErr = err
	e.mu.Unlock()
}
