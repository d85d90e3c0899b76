/*
# Services Package

The services package exposes the round coordination core over HTTP and
provides the storage backends used in deployment.

## Components

1. **RoundHandler** (`http_server.go`)
  - Serves the kernels of a `protocol.Coordinator` through a `protocol.Executor`
  - Endpoints:
  - `POST /v1/updateModel` - Submit a signed client update
  - `POST /v1/getModel` - Fetch the latest global model, signed by the server
  - `GET /v1/iteration` - Current iteration, count and deadline
  - `GET /v1/iterations` - Current iteration and recent history
  - The HTTP status mirrors the response code; rejections carry `Retry-After`

2. **Client** (`http_client.go`)
  - Signs and submits updates for one device identity
  - Verifies the server signature on global models, optionally pinned to a key
  - Non-success responses are returned as `*ResponseError` with the retry time

3. **PostgresStore** (`postgres_store.go`)
  - `protocol.DeviceRegistry` backed by PostgreSQL
  - Migrates its table on startup and evicts idle devices on request

## Usage

```go
handler := services.NewRoundHandler(coordinator, store, signingKey, log)

router := chi.NewRouter()
handler.RegisterRoutes(router)
http.ListenAndServe(":8080", router)
```

In the server binary the handler is a route registrar of `httpserver.BaseServer`,
which adds logging, health checks and metrics.
*/
package services
