/*
Package resilience provides the circuit breaker guarding external fetches.

# States

	Closed --[Trip]--> Open --[Cooldown]--> Half-Open --[Probes successes]--> Closed
	                                            |
	                                        [failure]
	                                            v
	                                          Open

A Breaker admits requests in two steps: Allow reserves a slot and returns
a done callback which records the outcome. Outcomes reported after the
breaker changed generation are discarded.

# Usage

	breakers := resilience.NewSet(resilience.DefaultSettings())

	body, err := resilience.Do(breakers.Get(host), func() ([]byte, error) {
		return fetch(ctx, url)
	}, isUpstreamFailure)

Set keys breakers by upstream host so one failing origin does not stop
traffic to the others.
*/
package resilience
