// Package itinerd exposes the Go APIs behind the single-binary coordination
// daemon for multi-stage itinerary generation. It hands out leased
// READ/WRITE/EXCLUSIVE locks on itinerary nodes, fans progress events out to
// Server-Sent Events subscribers with short-term replay, and shields calls to
// remote agents behind retries and a circuit breaker.
//
// # Running a server
//
//	cfg := itinerd.Config{
//	    Store:       "s3://minio:9000/itinerd?insecure=1&path-style=1",
//	    Listen:      ":9351",
//	    UpstreamURL: "http://agents.internal:8080/",
//	    Agents:      []string{"planner:1:write", "pricing:2:read:v1/price"},
//	}
//	srv, err := itinerd.NewServer(cfg, itinerd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("itinerd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Stores are selected by URL scheme: mem:// keeps locks in process, disk://
// writes one record per resource under a local directory, s3:// talks to any
// S3-compatible service and aws:// to AWS S3 in a region. Lock updates use
// conditional writes, so several itinerd processes may share one bucket or
// one disk root. Transient backend failures are retried
// (--store-retry-attempts) before a lock operation fails closed.
//
// # Embedding
//
// StartServer runs the server in the background and returns a stop function.
// In-process agents are registered with WithAgents and run in stage order by
// POST /v1/runs, each stage holding its declared lock while it executes:
//
//	planner := pipeline.FuncAgent{
//	    Cap: pipeline.Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
//	    Fn:  plan,
//	}
//	srv, stop, err := itinerd.StartServer(ctx, cfg, itinerd.WithAgents(planner))
//
// # HTTP surface
//
//	GET  /v1/events/subscribe?resource=&session=   SSE stream (replay, handshake, live)
//	POST /v1/events/publish                        publish an event
//	POST /v1/locks/acquire|release|extend|release-all
//	GET  /v1/locks/status?resource=
//	POST /v1/resources/close                       complete every stream of a resource
//	POST /v1/runs                                  start a pipeline run
//	GET  /v1/agents, /v1/stats, /healthz, /readyz
package itinerd
