/*
Package tracing times host operations and ties them to a request.

Each HTTP request gets a span; handlers open child spans around frame
operations that cross the RPC channel:

	span, ctx := tracer.StartSpan(ctx, "frame.navigate")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

Traces propagate through the X-Trace-ID and X-Span-ID headers and are
echoed on every response. Finished spans are logged by a background
collector; a full buffer drops spans rather than blocking a request.
*/
package tracing
