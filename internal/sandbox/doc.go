/*
Package sandbox runs untrusted page and worker scripts in goja runtimes.

Each Runtime owns one VM driven by a goja_nodejs event loop. Go code enters
the VM only through the loop, so scripts see a single-threaded world while
fetches, worker loads and host notifications happen on other goroutines
and settle back on the loop.

A Page is the sandbox side of one frame. It answers three host channels:

	html     push a document: rewrite meta refresh, run scripts, ack
	favicon  report the document icon
	eval     evaluate a script in the page

Scripts reach the outside world only through bindings installed by a
Scope: fetch and importScripts go through the frame's network layer,
Worker returns a probing stand-in, localStorage and history report back to
the host, and the __proxy object lets a bootstrap seed the cache, set the
document URL and identity, enable the network and run the target script.

NativeSpawner starts workers in runtimes of their own, and Container keeps
one Page attached to a hub for an in-process frame. ServeRemote does the
same from another process, dialing the host's /frames/:id/sandbox endpoint.
*/
package sandbox
