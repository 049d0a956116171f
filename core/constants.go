package core

import "time"

// Tunable protocol constants shared by the Primary and BFT engine. Every
// validator in a deployment must agree on these for interoperability; the
// values here are conservative defaults, not throughput-tuned ones.
const (
	// MaxBatchDelay bounds how long a proposal may sit waiting for quorum
	// signatures before it is abandoned and its transmissions returned to
	// the workers.
	MaxBatchDelay = 5 * time.Second

	// MinBatchDelay is the minimum spacing between two batches from the
	// same author at consecutive rounds.
	MinBatchDelay = 1 * time.Second

	// MaxLeaderCertificateDelay bounds how long the BFT engine waits for an
	// even round's leader certificate before advancing without one.
	MaxLeaderCertificateDelay = 10 * time.Second

	// PrimaryPingInterval is the cadence of the Primary's round-progress
	// driving loop (propose attempts, expiration checks).
	PrimaryPingInterval = 2 * time.Second

	// WorkerPingInterval is the worker ping cadence shared across a
	// deployment. The worker package has no periodic loop and does not
	// read it.
	WorkerPingInterval = 3 * time.Second

	// MaxWorkers bounds how many shards a single validator may run.
	MaxWorkers = 8

	// MaxTransmissionsPerBatch bounds how many transmission ids a single
	// batch header may carry, drained round-robin across workers.
	MaxTransmissionsPerBatch = 250

	// MaxTransmissionsTolerance is the hard ceiling enforced when
	// validating a peer's proposal header — double the per-batch budget,
	// to tolerate skew between a proposer's and a verifier's worker queues.
	MaxTransmissionsTolerance = MaxTransmissionsPerBatch * 2

	// PeerConnectTimeout bounds how long the gateway waits to establish a
	// new peer connection.
	PeerConnectTimeout = 3 * time.Second
)
