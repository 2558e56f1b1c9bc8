package jsext

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

var (
	// ErrFunctionMissing reports a call to a function the script does not export.
	ErrFunctionMissing = errors.New("jsext: function not exported")
	// ErrClosed reports use of a closed runtime.
	ErrClosed = errors.New("jsext: runtime closed")
)

// vm owns a goja runtime and serialises every use of it onto one goroutine. The task
// queue is unbounded so that posting from inside a running task never blocks.
type vm struct {
	rt      *goja.Runtime
	exports *goja.Object

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newVM(rt *goja.Runtime, exports *goja.Object) *vm {
	v := &vm{
		rt:      rt,
		exports: exports,
		mu:      sync.Mutex{},
		queue:   nil,
		wake:    make(chan struct{}, 1),
		closed:  false,
		done:    make(chan struct{}),
	}
	go v.loop()
	return v
}

func (v *vm) loop() {
	defer close(v.done)
	for {
		v.mu.Lock()
		if len(v.queue) == 0 {
			if v.closed {
				v.mu.Unlock()
				return
			}
			v.mu.Unlock()
			<-v.wake
			continue
		}
		task := v.queue[0]
		v.queue[0] = nil
		v.queue = v.queue[1:]
		v.mu.Unlock()
		task()
	}
}

// post enqueues fn without waiting for it. It reports false once the vm is closed.
func (v *vm) post(fn func()) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	v.queue = append(v.queue, fn)
	v.mu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
	return true
}

// execute runs fn on the vm goroutine and waits for its result. It must not be called
// from the vm goroutine.
func (v *vm) execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	wait := make(chan result, 1)
	if !v.post(func() {
		val, err := v.guard(func() (goja.Value, error) { return fn(v.rt, v.exports) })
		wait <- result{value: val, err: err}
	}) {
		return nil, ErrClosed
	}
	outcome := <-wait
	return outcome.value, outcome.err
}

// invoke calls an exported function. It must run on the vm goroutine.
func (v *vm) invoke(name string, args ...any) (goja.Value, error) {
	fn := strings.TrimSpace(name)
	value := v.exports.Get(fn)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("%w: %s", ErrFunctionMissing, fn)
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("jsext: export %q not callable", fn)
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = v.rt.ToValue(arg)
	}
	return callable(goja.Undefined(), params...)
}

// call invokes an exported function from any goroutine other than the vm's.
func (v *vm) call(name string, args ...any) (goja.Value, error) {
	return v.execute(func(*goja.Runtime, *goja.Object) (goja.Value, error) {
		return v.invoke(name, args...)
	})
}

func (v *vm) guard(fn func() (goja.Value, error)) (val goja.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			val = nil
			err = fmt.Errorf("jsext: script panic: %v", rec)
		}
	}()
	return fn()
}

// close drains the queue and stops the vm goroutine.
func (v *vm) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		<-v.done
		return
	}
	v.closed = true
	v.mu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
	<-v.done
}

type result struct {
	value goja.Value
	err   error
}
