/*
Package worker virtualizes Worker construction inside a sandbox.

A page that creates a worker receives a stand-in. Loading it goes through
four phases:

	probing -> discovered -> running
	    \           \           \
	     +-----------+-----------+--> terminated

Probing runs the worker script in a temporary native worker with the
network disabled and a fresh worker_ identity. Its importScripts calls are
trapped and reported back as "imports" messages instead of loading
anything. The probe ends when the temporary worker errors or after
ProbeTimeout, and the temporary worker is terminated on every path.

Discovered freezes the reported URLs and fetches them concurrently. Failed
fetches are seeded as permanent misses.

Running starts the real worker from a bootstrap that seeds its cache,
enables its network and runs the script. Messages posted before that point
are delivered in order once it is up.
*/
package worker
