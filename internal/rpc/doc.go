/*
Package rpc implements the call/response protocol that crosses the trust
boundary between the host and a sandbox.

# Wire Format

Every message is a JSON object:

	{"frame_id": "...", "channel": "html", "call_id": "call_...", "kind": "call", "payload": {...}}

kind is one of "call", "response" or "error". A call without a call_id is
fire-and-forget and is never answered. Responses echo the call_id of the
call they answer.

# Channels

A Channel sits on top of a Conn and registers exactly one handler per
channel name. Calls are correlated by call_id, so concurrent calls may
complete in any order. Fire-and-forget calls are handled one at a time per
frame in arrival order, so a later notification always lands after an
earlier one from the same frame. Responses carrying an unknown call_id are dropped,
which also guarantees that no caller is resolved twice. Handler errors and
panics are turned into error responses; the link itself is never torn down
by a handler.

# Conns

  - Pipe: in-memory pair, used for in-process sandboxes and tests
  - Hub: host-side multiplexer routing by frame_id; traffic for detached
    frames is dropped
  - WebSocketConn: sonic-encoded text frames over gorilla/websocket for
    remote sandboxes; undecodable frames are skipped
*/
package rpc
