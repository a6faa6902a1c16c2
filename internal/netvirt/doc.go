// Package netvirt virtualizes the network seen by sandboxed scripts.
//
// A Layer starts Disabled: requests are reported to the host and rejected,
// which is how worker dependencies are discovered without touching the
// network. A real context enables the network before sealing. From then on
// requests are answered from the per-session cache, and only misses reach
// the transport.
//
// Cache population after a live fetch is asynchronous. A caller can observe
// its own response before the cache does.
package netvirt
