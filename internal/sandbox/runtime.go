package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/zli117/Orbit-sub000/internal/apperr"
)

// Run executes code inside a fresh goja runtime with the q/render/progress
// capability objects bound to data, and params exposed as a global holding
// a shallow copy of the caller's map: writes from the script never reach
// the caller, but the object is not frozen inside the script. One Run call
// is one isolated interpreter: nothing survives across calls.
func Run(ctx context.Context, code string, data DataProvider, params map[string]any) (Outcome, error) {
	const op = "sandbox.Run"
	lim := DefaultLimits()

	if len(code) > lim.maxCodeBytes {
		return Outcome{}, apperr.NewSub(op, apperr.KindSandbox, apperr.SubOutputTooLarge,
			fmt.Errorf("code exceeds %d byte limit", lim.maxCodeBytes))
	}

	runCtx, cancel := context.WithTimeout(ctx, lim.maxWallClock)
	defer cancel()

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var logs []string
	if err := attachConsole(rt, &logs); err != nil {
		return Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}

	var renders []RenderOp
	var progress *Progress

	if err := bindQ(rt, runCtx, data, lim); err != nil {
		return Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}
	if err := bindRender(rt, &renders, lim); err != nil {
		return Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}
	if err := bindProgress(rt, &progress); err != nil {
		return Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}
	if err := rt.Set("params", cloneParams(params)); err != nil {
		return Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-runCtx.Done():
			rt.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	stopWatchdog := make(chan struct{})
	defer close(stopWatchdog)
	go watchMemory(rt, lim.maxMemoryBytes, stopWatchdog)

	script := fmt.Sprintf(`(async function() {
	return (%s);
})();`, code)
	if _, err := goja.Compile("", script, false); err != nil {
		// Not a single expression (declarations, loops, several
		// statements): run it as a plain script, whose completion value
		// is its last expression statement.
		script = code
	}

	started := time.Now().UTC()
	val, err := rt.RunString(script)
	if err != nil {
		return Outcome{Renders: renders, Progress: progress}, scrubbedSandboxErr(op, err, runCtx, lim)
	}

	val, err = resolveValue(runCtx, val)
	if err != nil {
		return Outcome{Renders: renders, Progress: progress}, scrubbedSandboxErr(op, err, runCtx, lim)
	}

	elapsed := time.Since(started)
	return Outcome{
		ReturnValue: val.Export(),
		Renders:     renders,
		Progress:    progress,
		ElapsedMs:   elapsed.Milliseconds(),
	}, nil
}

// watchMemory is a best-effort memory cap: goja exposes no native heap
// limit, so this polls Go heap growth (runtime.MemStats.HeapAlloc) and
// interrupts the runtime if
// it looks like this one execution pushed past the cap. It can both
// under- and over-fire relative to the interpreter's actual allocation,
// since it samples the whole process rather than this goroutine alone.
func watchMemory(rt *goja.Runtime, maxBytes int64, stop chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var start runtime.MemStats
	runtime.ReadMemStats(&start)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var cur runtime.MemStats
			runtime.ReadMemStats(&cur)
			if int64(cur.HeapAlloc)-int64(start.HeapAlloc) > maxBytes {
				rt.Interrupt(errors.New("memory limit exceeded"))
				return
			}
		}
	}
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	promise, ok := exported.(*goja.Promise)
	return promise, ok
}

func resolveValue(ctx context.Context, val goja.Value) (goja.Value, error) {
	if promise, ok := exportedPromise(val); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, promiseRejectionError(promise.Result())
		case goja.PromiseStatePending:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("code returned a promise that did not settle")
		}
	}
	return val, nil
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return errors.New("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return err
		}
		return fmt.Errorf("promise rejected: %v", exported)
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}

// scrubbedSandboxErr maps a raw goja error to the Sandbox error taxonomy
// and truncates its message to the configured byte cap, stripping any
// stack trace/file path lines goja may have attached.
func scrubbedSandboxErr(op string, err error, ctx context.Context, lim limits) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.NewSub(op, apperr.KindSandbox, apperr.SubTimeout, errors.New("execution exceeded time limit"))
	}

	var msg string
	var sub string
	switch typed := err.(type) {
	case *goja.InterruptedError:
		msg = interruptedMessage(typed)
		if strings.Contains(msg, "memory limit") {
			sub = apperr.SubOutOfMemory
		} else {
			sub = apperr.SubTimeout
		}
	case *goja.Exception:
		msg = firstLine(typed.Error())
		sub = apperr.SubRuntimeError
	default:
		msg = firstLine(err.Error())
		sub = apperr.SubRuntimeError
	}

	if len(msg) > lim.maxErrorBytes {
		msg = msg[:lim.maxErrorBytes]
	}
	return apperr.NewSub(op, apperr.KindSandbox, sub, errors.New(msg))
}

func interruptedMessage(typed *goja.InterruptedError) string {
	if val := typed.Value(); val != nil {
		if inner, ok := val.(error); ok {
			return inner.Error()
		}
		return fmt.Sprint(val)
	}
	return "interrupted"
}

// firstLine drops any stack trace goja appends after the first newline.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	clone := make(map[string]any, len(params))
	for k, v := range params {
		clone[k] = v
	}
	return clone
}
