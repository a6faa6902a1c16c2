/*
Package transport is the host's only path to the external network.

Every document and sub-resource a sandbox sees is fetched here. The Client
layers, outermost first:

  - doublestar blocklist on host+path, checked before anything is sent
  - rate.Limiter shared by all frames
  - per-host circuit breaker (resilience.Set); 5xx and network errors count
  - resty request with the configured User-Agent
  - retryablehttp round tripper retrying connection errors and 5xx
  - one pooled connection set per frame, closed by Reset on navigation

Responses are decoded before they leave the package: gzip and zstd bodies
are inflated, a missing Content-Type is sniffed with mimetype, and text
bodies in a legacy charset are converted to UTF-8. The charset comes from
the header, then an HTML meta prescan, then chardet.

Init is lazy and idempotent: the first caller builds the client, later
callers observe the same result, including a failed configuration.
*/
package transport
