// Package scheduler assigns durably-queued execution requests to one
// worker goroutine per notebook session.
//
// Each session owns a single FIFO queue (types.Session.Queue) and exactly
// one worker goroutine, started by Attach and run until the session's
// context is cancelled or the shutdown sentinel is dequeued:
//
//	Submit(session, cell, code)
//	        |
//	        v
//	  store.Enqueue  ---------------------------> durable queue (pkg/store)
//	        |
//	        v
//	  session.Queue <- taskID   (or ErrBackpressure if full)
//	        |
//	        v
//	  runWorker: dequeue -> MarkRunning -> Conn.Execute -> wait for
//	             Completion (from the multiplexer) or Timeout -> MarkComplete
//	             / MarkFailed -> finalize callback -> close(Finalized)
//
// A task's terminal status always commits to the durable store before its
// ExecutionRecord.Finalized channel closes, so the finalizer (C5) and any
// caller blocked on a synchronous execute request observe a consistent
// view: durable status first, in-memory signal second.
//
// stop_on_error cancels every task still sitting in the session's queue
// once the failing task's finalize step returns; it never touches a task
// already dispatched to the kernel.
package scheduler
