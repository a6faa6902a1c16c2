/*
Package frame is the host side of a sandboxed browsing session.

A Frame is one session: an id, the URL it currently shows and the
Container its sandbox runs in. The Registry holds every live frame; its Has
method doubles as the RPC channel's accept filter so traffic for a
destroyed frame is dropped.

The Controller navigates frames:

	f, _ := ctl.Create(frame.Callbacks{OnLoad: func(f *frame.Frame) { ... }})
	err := ctl.Navigate(ctx, f, "https://example.com")

Navigate records the URL, reboots the container while fetching the
document, then pushes {url, html, error, local_storage, version} to the
sandbox on channel html. A rejected push is retried once with the error
filled in and local storage left out. The controller also serves the
sandbox's navigate, local_storage and network-report notifications.

The Synchronizer keeps one localStorage snapshot per host, keyed by origin,
and persists it as a single JSON record through a Store (MemoryStore or
SQLiteStore).
*/
package frame
