/*
Package metrics provides Prometheus instrumentation for the convergence
loop and the operator API.

# Overview

The package registers its metric vectors through promauto under a
configurable namespace, so callers never manage a Registry by hand.
A nil *Collector is a valid receiver for every recording method and
records nothing, which lets the engine and API treat metrics as an
optional wire.

# Core types

  - Collector: holds the Counter, Histogram and Gauge vectors, grouped
    by concern.

# Recorded metrics

  - Frame metrics: frame count and duration for the convergence loop.
  - Dispatch metrics: node dispatch count and duration, grouped by
    node_type and terminal status.
  - Usage metrics: prompt/completion token counters and accumulated
    backend cost.
  - Execution metrics: finished executions grouped by terminal status,
    durable state cell writes.
  - API metrics: HTTP request count and duration grouped by
    method/path with status classed as 2xx/3xx/4xx/5xx, plus a gauge
    of connected WebSocket clients.
*/
package metrics
