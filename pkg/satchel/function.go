// Scalar callback bridge: adapts a host func into the engine's scalar
// function invocation contract. Panics and errors are contained at the
// bridge and reported as engine-level function errors; they never unwind
// across engine frames.
// See docs/ARCHITECTURE.md § Callback Bridge.
package satchel

import (
	"fmt"
	"math/big"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// FunctionOptions control how a scalar function is registered.
type FunctionOptions struct {
	// Deterministic promises the engine that equal inputs give equal
	// outputs; purely advisory to the optimizer.
	Deterministic bool

	// DirectOnly forbids use from triggers, views, and schema structures.
	DirectOnly bool

	// Varargs registers the function with indeterminate arity even when the
	// Go func declares fixed parameters.
	Varargs bool

	// UseBigIntArgs converts every integer argument to *big.Int instead of
	// int64.
	UseBigIntArgs bool
}

type scalarFunc struct {
	fn   reflect.Value
	wide bool
}

var (
	xFuncPtr    = cFuncPtr(scalarTrampoline)
	xDestroyPtr = cFuncPtr(destroyTrampoline)
)

// CreateFunction registers fn as a scalar SQL function. fn must be a func;
// its declared parameter count fixes the SQL arity unless it is variadic or
// opts.Varargs is set. fn may return (T), (T, error), or (error).
func (d *Database) CreateFunction(name string, opts *FunctionOptions, fn any) error {
	if err := d.check(); err != nil {
		return err
	}
	if opts == nil {
		opts = &FunctionOptions{}
	}
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return fmt.Errorf("function %q must be a Go func: %w", name, ErrInvalidArgument)
	}

	nArg := int32(fv.Type().NumIn())
	if fv.Type().IsVariadic() || opts.Varargs {
		nArg = -1
	}

	id := adapters.add(&scalarFunc{fn: fv, wide: opts.UseBigIntArgs})
	if err := d.registerFunction(name, nArg, functionFlags(opts.Deterministic, opts.DirectOnly),
		id, xFuncPtr, 0, 0); err != nil {
		adapters.remove(id)
		return fmt.Errorf("failed to register function %q: %w", name, err)
	}
	return nil
}

func functionFlags(deterministic, directOnly bool) int32 {
	flags := int32(sqlite3.SQLITE_UTF8)
	if deterministic {
		flags |= sqlite3.SQLITE_DETERMINISTIC
	}
	if directOnly {
		flags |= sqlite3.SQLITE_DIRECTONLY
	}
	return flags
}

// registerFunction hands a callback table to the engine. The adapter id
// rides in the user-data slot and the destroy trampoline is the engine's own
// teardown hook, so the adapter is released exactly once.
func (d *Database) registerFunction(name string, nArg, flags int32, id uintptr, xFunc, xStep, xFinal uintptr) error {
	zName, err := cString(d.tls, name)
	if err != nil {
		return err
	}
	defer libcFree(d.tls, zName)

	rc := sqlite3.Xsqlite3_create_function_v2(d.tls, d.db, zName, nArg, flags,
		id, xFunc, xStep, xFinal, xDestroyPtr)
	if rc != sqlite3.SQLITE_OK {
		return engineError(d.tls, d.db, rc)
	}
	return nil
}

func scalarTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	defer func() {
		if p := recover(); p != nil {
			resultError(tls, ctx, fmt.Sprintf("function panicked: %v", p))
		}
	}()

	f, _ := adapters.get(sqlite3.Xsqlite3_user_data(tls, ctx)).(*scalarFunc)
	if f == nil {
		resultError(tls, ctx, "unknown function registration")
		return
	}

	args := trampolineArgs(tls, argc, argv, f.wide)
	out, err := callHost(f.fn, args)
	if err != nil {
		resultError(tls, ctx, err.Error())
		return
	}
	hostResult(tls, ctx, out)
}

func destroyTrampoline(tls *libc.TLS, pApp uintptr) {
	if agg, ok := adapters.get(pApp).(*aggregateFunc); ok {
		agg.dropLiveSlots()
	}
	adapters.remove(pApp)
}

func trampolineArgs(tls *libc.TLS, argc int32, argv uintptr, wide bool) []any {
	args := make([]any, argc)
	for i := range args {
		pval := *(*uintptr)(unsafe.Pointer(argv + uintptr(i)*uintptr(ptrSize)))
		args[i] = argValue(tls, pval, wide)
	}
	return args
}

// callHost invokes a host callable with marshalled arguments, translating
// the result per the (T) / (T, error) / (error) conventions.
func callHost(fn reflect.Value, args []any) (any, error) {
	t := fn.Type()
	in, err := convertCallArgs(t, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallback, err)
	}

	results := fn.Call(in)
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if e, ok := results[0].Interface().(error); ok {
			if e != nil {
				return nil, fmt.Errorf("%w: %v", ErrCallback, e)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, fmt.Errorf("%w: %v", ErrCallback, e)
		}
		return results[0].Interface(), nil
	default:
		return nil, fmt.Errorf("%w: callable returns %d values", ErrCallback, len(results))
	}
}

func convertCallArgs(t reflect.Type, args []any) ([]reflect.Value, error) {
	want := t.NumIn()
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		switch {
		case t.IsVariadic() && i >= want-1:
			pt = t.In(want - 1).Elem()
		case i < want:
			pt = t.In(i)
		default:
			return nil, fmt.Errorf("callable takes %d arguments, engine supplied %d", want, len(args))
		}
		v, err := convertCallArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %v", i+1, err)
		}
		in[i] = v
	}
	if !t.IsVariadic() && len(args) < want {
		return nil, fmt.Errorf("callable takes %d arguments, engine supplied %d", want, len(args))
	}
	return in, nil
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

func convertCallArg(a any, pt reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch pt.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(pt), nil
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass NULL as %s", pt)
		}
	}

	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(pt) {
		return av, nil
	}
	// The engine hands integers over as int64 and booleans have no cell
	// type of their own, so a few loose conversions are supported.
	if n, ok := a.(int64); ok && pt.Kind() == reflect.Bool {
		return reflect.ValueOf(n != 0), nil
	}
	if av.Type() == bigIntType && (pt.Kind() == reflect.Int64 || pt.Kind() == reflect.Int) {
		b := a.(*big.Int)
		if b.IsInt64() {
			return reflect.ValueOf(b.Int64()).Convert(pt), nil
		}
		return reflect.Value{}, fmt.Errorf("integer argument does not fit in %s", pt)
	}
	if isNumericKind(av.Kind()) && isNumericKind(pt.Kind()) && av.Type().ConvertibleTo(pt) {
		return av.Convert(pt), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot pass %s as %s", av.Type(), pt)
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
