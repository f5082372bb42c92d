/*
Package sehttpd is a single-process HTTP/1.x static file server built on a
completion ring.

One goroutine owns the ring, a bitmap slot pool of connection records and a
group of receive buffers handed to the kernel. Receives select a buffer
themselves, so an idle connection holds no memory; requests are parsed in
place by resumable state machines and answered from a cache of open files.
Every receive and send carries a linked timeout.

On Linux the ring is io_uring. Elsewhere, or when the kernel refuses
io_uring, an emulated ring over epoll or kqueue provides the same
completion semantics.

Layout

  - cmd/sehttpd: the server binary
  - app: lifecycle, logging, metrics endpoint, signals
  - config: flags, SEHTTPD_* environment and JSON file
  - core: the event loop and request handler
  - core/ring: io_uring and emulated rings
  - core/poller: epoll and kqueue readiness for the emulated ring
  - core/pools: slot pool, buffer group, GC tuning
  - core/http: request-line and header parsers, response heads
  - core/static: path resolution, MIME types, open file cache
  - core/observability: prometheus metrics

Quick Start

	go run ./cmd/sehttpd -root ./www -port 8081 -metrics-addr :9090
	curl -i http://localhost:8081/

Pool statistics are served as JSON on /debug/pools of the metrics address
and logged on SIGUSR1.
*/
package sehttpd
