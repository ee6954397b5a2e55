// Aggregate engine: adapts host start/step/inverse/result callables into the
// engine's aggregate and window function vtable. Per-group accumulator state
// is a tagged value: the engine-owned context block carries only an opaque
// slot id, and the slot is destroyed explicitly before the engine reclaims
// the block, so no host reference ever outlives its group.
// See docs/ARCHITECTURE.md § Aggregate Engine.
package satchel

import (
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// AggregateOptions describe an aggregate or window function registration.
type AggregateOptions struct {
	// Start seeds each aggregate group. A niladic func is evaluated once at
	// registration time; any other value is stored as-is and never
	// re-evaluated.
	Start any

	// Step folds one row into the accumulator:
	// func(acc T, args...) T or (T, error). Required.
	Step any

	// Inverse removes one row from the accumulator (window support). The
	// function is registered as a window function only when Inverse is set.
	Inverse any

	// Result transforms the accumulator into the SQL result: func(acc T) T.
	// When absent the accumulator itself is the result.
	Result any

	Deterministic bool
	DirectOnly    bool
	Varargs       bool
	UseBigIntArgs bool
}

type aggregateFunc struct {
	start   accumValue
	step    reflect.Value
	inverse reflect.Value
	result  reflect.Value
	wide    bool

	// live tracks accumulator slots belonging to this registration so the
	// engine's destroy callback can reclaim groups that never reached
	// xFinal (an aborted query, a dropped registration).
	mu   sync.Mutex
	live map[int64]struct{}
}

var (
	xStepPtr    = cFuncPtr(stepTrampoline)
	xInversePtr = cFuncPtr(inverseTrampoline)
	xFinalPtr   = cFuncPtr(finalTrampoline)
	xValuePtr   = cFuncPtr(valueTrampoline)
)

// CreateAggregate registers a user-defined aggregate function. With an
// Inverse callable the registration is a window function; otherwise it is
// step/final only.
func (d *Database) CreateAggregate(name string, opts AggregateOptions) error {
	if err := d.check(); err != nil {
		return err
	}

	step, err := requireFunc(opts.Step, "step")
	if err != nil {
		return fmt.Errorf("aggregate %q: %w", name, err)
	}
	af := &aggregateFunc{
		step: step,
		wide: opts.UseBigIntArgs,
		live: make(map[int64]struct{}),
	}
	if opts.Inverse != nil {
		if af.inverse, err = requireFunc(opts.Inverse, "inverse"); err != nil {
			return fmt.Errorf("aggregate %q: %w", name, err)
		}
	}
	if opts.Result != nil {
		if af.result, err = requireFunc(opts.Result, "result"); err != nil {
			return fmt.Errorf("aggregate %q: %w", name, err)
		}
	}
	af.start, err = resolveStart(opts.Start)
	if err != nil {
		return fmt.Errorf("aggregate %q: %w", name, err)
	}

	nArg := aggregateArity(af, opts.Varargs)
	flags := functionFlags(opts.Deterministic, opts.DirectOnly)
	id := adapters.add(af)

	zName, err := cString(d.tls, name)
	if err != nil {
		adapters.remove(id)
		return err
	}
	defer libcFree(d.tls, zName)

	var rc int32
	if af.inverse.IsValid() {
		rc = sqlite3.Xsqlite3_create_window_function(d.tls, d.db, zName, nArg, flags,
			id, xStepPtr, xFinalPtr, xValuePtr, xInversePtr, xDestroyPtr)
	} else {
		rc = sqlite3.Xsqlite3_create_function_v2(d.tls, d.db, zName, nArg, flags,
			id, 0, xStepPtr, xFinalPtr, xDestroyPtr)
	}
	if rc != sqlite3.SQLITE_OK {
		adapters.remove(id)
		return fmt.Errorf("failed to register aggregate %q: %w", name, engineError(d.tls, d.db, rc))
	}
	return nil
}

func requireFunc(v any, role string) (reflect.Value, error) {
	fv := reflect.ValueOf(v)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%s must be a Go func: %w", role, ErrInvalidArgument)
	}
	return fv, nil
}

// resolveStart evaluates a niladic start func once; every other value is
// captured as a tagged accumulator seed.
func resolveStart(start any) (accumValue, error) {
	if fv := reflect.ValueOf(start); fv.IsValid() && fv.Kind() == reflect.Func {
		if fv.Type().NumIn() != 0 {
			return accumValue{}, fmt.Errorf("start func must take no arguments: %w", ErrInvalidArgument)
		}
		out, err := callHost(fv, nil)
		if err != nil {
			return accumValue{}, err
		}
		return makeAccumValue(out), nil
	}
	return makeAccumValue(start), nil
}

// aggregateArity subtracts the accumulator parameter from each callable's
// declared count and takes the maximum across step and inverse, floored at
// zero. Variadic callables register with indeterminate arity.
func aggregateArity(af *aggregateFunc, varargs bool) int32 {
	if varargs || af.step.Type().IsVariadic() ||
		(af.inverse.IsValid() && af.inverse.Type().IsVariadic()) {
		return -1
	}
	n := af.step.Type().NumIn() - 1
	if af.inverse.IsValid() {
		if m := af.inverse.Type().NumIn() - 1; m > n {
			n = m
		}
	}
	if n < 0 {
		n = 0
	}
	return int32(n)
}

func (af *aggregateFunc) trackSlot(id int64) {
	af.mu.Lock()
	af.live[id] = struct{}{}
	af.mu.Unlock()
}

func (af *aggregateFunc) untrackSlot(id int64) {
	af.mu.Lock()
	delete(af.live, id)
	af.mu.Unlock()
}

// dropLiveSlots releases every accumulator group that never reached xFinal.
// Called from the engine's destroy callback when the registration is torn
// down.
func (af *aggregateFunc) dropLiveSlots() {
	af.mu.Lock()
	defer af.mu.Unlock()
	for id := range af.live {
		if ac := accumSlots.get(id); ac != nil {
			ac.val.clear()
		}
		accumSlots.destroy(id)
	}
	af.live = make(map[int64]struct{})
}

// The engine-owned aggregate context block: {initialized int32, _ int32,
// slot int64}. The engine allocates and zeroes it per group; the binding
// must treat anything beyond these 16 bytes as off-limits.
const aggregateCtxSize = 16

// groupAccumulator returns the accumulator for the current aggregate group,
// constructing it on first touch.
func (af *aggregateFunc) groupAccumulator(tls *libc.TLS, ctx uintptr) (*accumulator, int64, bool) {
	p := sqlite3.Xsqlite3_aggregate_context(tls, ctx, aggregateCtxSize)
	if p == 0 {
		return nil, 0, false
	}
	if derefInt32(p) == 0 {
		id, ac := accumSlots.create()
		ac.firstCall = true
		*(*int32)(unsafe.Pointer(p)) = 1
		*(*int64)(unsafe.Pointer(p + 8)) = id
		af.trackSlot(id)
		return ac, id, true
	}
	id := *(*int64)(unsafe.Pointer(p + 8))
	ac := accumSlots.get(id)
	return ac, id, ac != nil
}

func stepTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	aggregateStep(tls, ctx, argc, argv, false)
}

func inverseTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	aggregateStep(tls, ctx, argc, argv, true)
}

func aggregateStep(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr, inverse bool) {
	defer func() {
		if p := recover(); p != nil {
			resultError(tls, ctx, fmt.Sprintf("aggregate step panicked: %v", p))
		}
	}()

	af, _ := adapters.get(sqlite3.Xsqlite3_user_data(tls, ctx)).(*aggregateFunc)
	if af == nil {
		resultError(tls, ctx, "unknown aggregate registration")
		return
	}
	fn := af.step
	if inverse {
		if !af.inverse.IsValid() {
			resultError(tls, ctx, "aggregate has no inverse function")
			return
		}
		fn = af.inverse
	}

	ac, _, ok := af.groupAccumulator(tls, ctx)
	if !ok {
		resultError(tls, ctx, "failed to allocate aggregate context")
		return
	}

	// Seed with the declared start value on the group's first touch.
	var current any
	if ac.firstCall {
		current = af.start.value()
		ac.val.store(current)
		ac.firstCall = false
	} else {
		current = ac.val.value()
	}

	args := make([]any, 0, int(argc)+1)
	args = append(args, current)
	args = append(args, trampolineArgs(tls, argc, argv, af.wide)...)

	out, err := callHost(fn, args)
	if err != nil {
		resultError(tls, ctx, err.Error())
		return
	}
	// Overwrite the accumulator, releasing any previously held reference.
	ac.val.store(out)
}

func finalTrampoline(tls *libc.TLS, ctx uintptr) {
	aggregateValue(tls, ctx, true)
}

func valueTrampoline(tls *libc.TLS, ctx uintptr) {
	aggregateValue(tls, ctx, false)
}

func aggregateValue(tls *libc.TLS, ctx uintptr, final bool) {
	defer func() {
		if p := recover(); p != nil {
			resultError(tls, ctx, fmt.Sprintf("aggregate result panicked: %v", p))
		}
	}()

	af, _ := adapters.get(sqlite3.Xsqlite3_user_data(tls, ctx)).(*aggregateFunc)
	if af == nil {
		resultError(tls, ctx, "unknown aggregate registration")
		return
	}

	ac, id, ok := af.groupAccumulator(tls, ctx)
	if !ok {
		sqlite3.Xsqlite3_result_null(tls, ctx)
		return
	}
	if final {
		// The engine reclaims the context block after xFinal returns;
		// destroy the slot in place no matter how conversion goes below.
		defer func() {
			ac.val.clear()
			accumSlots.destroy(id)
			af.untrackSlot(id)
		}()
	}

	// A group no step ever touched (empty input) still yields the seed.
	if ac.firstCall {
		ac.val.store(af.start.value())
		ac.firstCall = false
	}

	out := ac.val.value()
	if af.result.IsValid() {
		transformed, err := callHost(af.result, []any{out})
		if err != nil {
			resultError(tls, ctx, err.Error())
			return
		}
		out = transformed
	}
	hostResult(tls, ctx, out)
}

// accumulator is per-group aggregate state. Only the tagged value inside it
// may hold a host reference, and that reference lives exactly as long as the
// slot itself.
type accumulator struct {
	val       accumValue
	firstCall bool
}

type accumKind uint8

const (
	accumNone accumKind = iota
	accumNull
	accumBool
	accumInt
	accumFloat
	accumBig
	accumString
	accumBlob
	accumOpaque
)

// accumValue is the tagged union backing an accumulator: primitives are
// stored by value, everything else as one opaque host reference.
type accumValue struct {
	kind  accumKind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	big   *big.Int
	ref   any
}

func makeAccumValue(v any) accumValue {
	var av accumValue
	av.store(v)
	return av
}

// store overwrites the value, dropping any previously held reference first.
func (av *accumValue) store(v any) {
	av.clear()
	switch x := v.(type) {
	case nil:
		av.kind = accumNull
	case bool:
		av.kind = accumBool
		av.b = x
	case int:
		av.kind = accumInt
		av.i = int64(x)
	case int32:
		av.kind = accumInt
		av.i = int64(x)
	case int64:
		av.kind = accumInt
		av.i = x
	case float64:
		av.kind = accumFloat
		av.f = x
	case float32:
		av.kind = accumFloat
		av.f = float64(x)
	case string:
		av.kind = accumString
		av.s = x
	case []byte:
		av.kind = accumBlob
		av.bytes = x
	case *big.Int:
		av.kind = accumBig
		av.big = x
	default:
		av.kind = accumOpaque
		av.ref = v
	}
}

func (av *accumValue) value() any {
	switch av.kind {
	case accumBool:
		return av.b
	case accumInt:
		return av.i
	case accumFloat:
		return av.f
	case accumString:
		return av.s
	case accumBlob:
		return av.bytes
	case accumBig:
		return av.big
	case accumOpaque:
		return av.ref
	default:
		return nil
	}
}

func (av *accumValue) clear() {
	*av = accumValue{}
}
