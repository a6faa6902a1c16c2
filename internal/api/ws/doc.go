/*
Package ws serves a frame's websocket endpoints.

GET /frames/:id/events streams lifecycle events (navigate, load,
url_change, push_failure, destroyed) as JSON.

GET /frames/:id/sandbox lets a client host the frame's sandbox. The
connection speaks the RPC message format; the host closes it whenever the
frame navigates and the client is expected to reconnect with a fresh
sandbox. Frames created with a RemoteContainer wait for that reconnect
before pushing the page.
*/
package ws
