// Package types provides shared data structures for the sandbox host.
//
// Error Taxonomy:
//   - ErrorKind: InvalidURL, TransportFailure, RpcTimeout, RpcHandlerError,
//     SandboxPushFailure
//   - Error: kind-tagged error carrying the failing operation
//
// Protocol Types:
//   - PageLoad, PageAck, NavigateArgs, LocalStorageArgs: channel payloads
//     between host and sandbox
//   - EvalArgs, EvalResult, FaviconResult: inspection calls
//
// Request Types:
//   - CreateFrameRequest, NavigateRequest: host HTTP API bodies
//
// Example Usage:
//
//	if types.IsKind(err, types.KindInvalidURL) {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	}
package types
