// Package httpserver provides the HTTP server shell shared by the fedround
// binaries: request logging, health and drain endpoints, optional CORS and
// pprof, and a separate Prometheus metrics listener.
//
// # Endpoints
//
//   - /livez reports that the process is up.
//   - /readyz reports whether the server accepts traffic.
//   - /drain and /undrain toggle readiness. While drained, routes added by
//     RouteRegistrars answer 503 so load balancers move clients elsewhere.
//
// # Usage
//
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:               ":8080",
//	    MetricsAddr:              ":8090",
//	    Log:                      log,
//	    GracefulShutdownDuration: 10 * time.Second,
//	}, handler)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
package httpserver
