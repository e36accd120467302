// Package fault is the Go translation of spec.md section 4.I's
// process-wide SIGSEGV handler. A hand-rolled sigaction handler has no
// idiomatic Go equivalent, so this runtime takes the approach Open
// Question 1 settles on: Region.Load*/Store* call Guard, which proactively
// ensures the required access (fetch_for_read/fetch_for_write) *before*
// touching the page, so the expected path never faults at all. Guard still
// installs the fault-as-panic behavior and recovers from it, because a
// page's permission can be revoked by a concurrent Invalidate between the
// ensure step and the actual load/store — that race is exactly what the
// source's handler exists to catch, and here it shows up as a second,
// unexpected SIGSEGV rather than the normal first one.
package fault

import (
	"fmt"
	"runtime/debug"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// faultAddr is the interface runtime.Error implements when
// debug.SetPanicOnFault(true) turns a SIGSEGV into a recoverable panic.
type faultAddr interface {
	Addr() uintptr
}

// Guard calls ensure to obtain the access the upcoming fn needs, then runs
// fn with panic-on-fault active. If fn still faults (the access was
// revoked out from under it), ensure is retried once and fn is attempted
// again; a second fault is surfaced as ErrMemory rather than retried
// forever, matching spec.md's "no infinite fault loops" invariant.
func Guard(ensure func() error, fn func()) (err error) {
	if err := ensure(); err != nil {
		return err
	}
	return attempt(ensure, fn, true)
}

func attempt(ensure func() error, fn func(), retryOnFault bool) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(faultAddr); !ok {
			panic(r) // not a page fault; don't swallow a real bug
		}
		if !retryOnFault {
			err = fmt.Errorf("fault: page fault persisted after retry: %w", dsmtypes.ErrMemory)
			return
		}
		if rerr := ensure(); rerr != nil {
			err = rerr
			return
		}
		err = attempt(ensure, fn, false)
	}()

	fn()
	return nil
}
