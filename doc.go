// Package wam and its sub-packages implement a wallet activity monitor for blockchains with rate limited, unreliable
// public RPC endpoints.
/*
wam provides a single microservice, the watcher (package watcher), that polls a configurable list of wallet addresses
on multiple networks and raises an alert whenever a watched wallet is involved in a confirmed transaction. Alerts fan
out to in-process subscribers and, if configured, to a message broker (package lib/msg) so any front-end can consume
them in real-time.

Architecture

The hard part of monitoring public networks is not the polling, it is the RPC access. Free endpoints throttle, fail
and degrade independently, so every chain read goes through a resilient access layer instead of a fixed node:

A health tracker (package lib/endpoint) records success rates, latency and provider throttles per endpoint and scores
each one. The endpoint pool rotates the active endpoint to the best scored candidate, keeps throttled endpoints in a
cooldown registry and guards every endpoint with its own circuit breaker (package lib/breaker).

A token bucket rate limiter (package lib/ratelimit) paces all outgoing requests of a network and backs off
exponentially while endpoints keep failing.

A priority scheduler (package lib/sched) queues every chain read, dispatches them in small batches, retries across
endpoints and falls back to a reserve endpoint list before giving up. Wallet polls are queued at normal priority while
transaction detail fetches, which produce user visible alerts, jump the queue at high priority.

A blockchain layer (package lib/block) is implemented so new chain interfaces can be developed and added. Clients are
dialed one per endpoint, which is what allows the pool to rotate between them freely. Ethereum-type and solana-type
networks are provided.

The watcher exposes an HTTP RESTful API to query balances, manage the watched wallet list, inspect endpoint health and
add or remove endpoints at runtime. The service can also be monitored via a Prometheus API by setting the flag "-m" at
startup, and is configured via a JSON config file (package lib/config) plus WAM_ environment overrides.
*/
package wam
