// Package main runs one frame's sandbox outside the host process.
//
// Start the host with -remote-sandbox, create a frame, then:
//
//	./sandbox -host http://localhost:8000 -frame frame_01J...
//
// The sandbox fetches sub-resources itself and reconnects every time the
// host navigates the frame. It exits when the frame is destroyed.
package main
