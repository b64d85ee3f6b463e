// Package thinstack trains shift-reduce sentence encoders that compose token
// embeddings into a single representation by executing a batched stack machine
// over binary parse transitions.
//
// The engine simulates one push/merge stack per batch example using flat,
// fixed-size dense buffers instead of per-example dynamic stacks. Every stack
// write is append-only: slot (t, b) holds the stack top of example b as it
// existed immediately after timestep t, so the full forward execution survives
// as a trace. A custom backward pass replays that trace in reverse and routes
// gradients through the exact push/merge mask resolved at forward time.
//
// # Architecture Overview
//
// The repository consists of several key components:
//
//   - core: model spec, flat (timestep, batch) addressing, aligned buffers
//   - kernels: masked row select, gather/scatter-add, activations
//   - nn: pluggable composition, tracking and classifier networks
//   - stack: forward/backward drivers of the thin stack itself
//   - model: SPINN variants (Model0/1/2/2S) wired from the same engine
//   - train: optimizers, scheduled-sampling schedule, training loop
//   - data/boolean: binary-bracketed boolean-logic dataset loader
//   - cmd: command-line tools (spinn)
//
// # Execution model
//
//  1. Look up and project token embeddings into the flat buffer
//  2. Run the forward driver over all timesteps, recording the trace
//  3. Feed the final stack slot to the classifier head
//  4. Seed the backward driver with the loss gradient
//  5. Replay the trace in reverse, scatter-adding operand gradients
//
// All buffers are allocated once per (batch size, sequence length, dims)
// configuration and zero-reset between batches; the two drivers are strict
// sequential loops over timesteps with data-parallel, per-example masking
// inside each step.
package thinstack
