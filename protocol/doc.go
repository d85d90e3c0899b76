// Package protocol implements the round coordination core of a federated
// learning aggregation server.
//
// # Iterations
//
// Training proceeds in iterations. During an iteration clients submit one
// model update each: a feature map (parameter name to values), the size of
// their local dataset and a signed freshness token. The server counts
// distinct participants and, once the configured threshold is reached,
// combines the collected updates into a global model delta and starts the
// next iteration.
//
// # Components
//
//   - DeviceRegistry stores per-client metadata (enrolled key, last data size).
//   - SignatureVerifier checks the update signature and token freshness.
//   - ThresholdCounter admits each identity at most once per iteration.
//   - Coordinator is the iteration state machine shared by all kernels.
//   - AggregationTrigger hands a closed iteration to an Aggregator and
//     publishes the result.
//
// # State Machine
//
// The Coordinator moves through Collecting, ThresholdReached or
// WindowExpired, and Resetting before returning to Collecting for the next
// iteration:
//
//	Collecting --threshold reached--> ThresholdReached --fire--> Resetting
//	Collecting --window elapsed-----> WindowExpired ----fire--> Resetting
//	Resetting  --iteration+1--------> Collecting
//
// Exactly one caller closes an iteration. The insert that makes the count
// equal the threshold seals the iteration under the iteration lock, and the
// window timer seals it the same way, so the two paths never both fire.
// Updates that arrive for a sealed or already reset iteration are answered
// with RoundClosed and a retry hint.
//
// # Kernels
//
// Requests are dispatched by RequestType to a closed set of RoundKernel
// implementations (updateModel, getModel, getIteration) through an Executor.
// Kernels read a raw request buffer and write their answer to a
// MessageHandler, which lets transports other than HTTP drive the core.
//
// # Expiry Policy
//
// When the window elapses below threshold the configured ExpiryPolicy
// decides between aggregating the partial participation or declaring the
// iteration failed.
package protocol
