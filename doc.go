/*
Package relay provides an event-driven request processing server for Go.

Relay turns raw transport events into a structured request lifecycle:
each request is snapshotted into an immutable context, its body is
ingested under a hard size ceiling, and the result flows through an
onion-model middleware pipeline that commits the response exactly once.
A dual-mode file transfer engine serves small files from memory and
streams large ones, and a scaling manager fans the whole pipeline out
across processes or threads sharing one port.

Quick Start

Basic usage example:

	package main

	import (
	    "log"

	    "github.com/searchktools/relay/app"
	    "github.com/searchktools/relay/config"
	    "github.com/searchktools/relay/core/http"
	)

	func main() {
	    cfg, err := config.New()
	    if err != nil {
	        log.Fatal(err)
	    }
	    application, err := app.New(cfg)
	    if err != nil {
	        log.Fatal(err)
	    }

	    r := application.Router()
	    r.GET("/hello", func(c *http.Context) error {
	        c.String(200, "Hello, World!")
	        return nil
	    })

	    log.Fatal(application.Run())
	}

Modules

The framework is organized into several modules:

  - app: application assembly and routing
  - config: configuration loading (flags, environment, YAML)
  - core: the request lifecycle engine
  - core/http: context building, body ingestion, errors
  - core/pipeline: onion middleware pipeline with stage and request timeouts
  - core/sendfile: dual-mode file transfer
  - core/cluster: process and thread fan-out
  - core/native: raw-descriptor HTTP/1.1 transport (epoll/kqueue)
  - core/bridge: net/http transport with h2c and WebSocket upgrades
  - core/transport: the transport contract shared by both
  - core/pools: worker and buffer pooling
  - core/poller: I/O multiplexing

For more information, see https://github.com/searchktools/relay
*/
package relay
