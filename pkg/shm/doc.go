// Package shm provides named shared memory segments for inter-process
// coordination on Linux.
//
// Every segment starts with a fixed 32-byte Header holding its identity, a
// readiness flag, an attached-process counter and the words backing one
// shmsync.Mutex and one shmsync.Cond. The remaining bytes are payload.
//
// The creator writes the header, initializes the payload, then calls
// MarkReady. Other processes Open the same name, optionally blocking until
// the segment is ready, and coordinate through Mutex and Cond.
//
// Example usage:
//
//	seg, err := shm.Create(ctx, "demo", 4096)
//	if err != nil {
//		return err
//	}
//	defer seg.Close()
//	_ = seg.Mutex().Lock()
//	seg.Payload()[0] = 42
//	_ = seg.Mutex().Unlock()
//	_ = seg.MarkReady()
//
//	peer, err := shm.Open(ctx, "demo", shm.WithWaitReady())
//
// Names are removed explicitly with Unlink, or by the last Close when
// AutoUnlink is set. A process that dies without closing never decrements
// the counter, so automatic removal is best effort and Unlink is always
// available to operators.
//
// The package is instrumented with OpenTelemetry tracing and metrics (noop
// unless WithTracer and WithMeter are given) and with prometheus counters
// registered through RegisterMetrics.
package shm
