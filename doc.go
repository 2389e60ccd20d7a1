// Package boardflow assembles boards, directed graphs of nodes, and executes
// them as dataflow programs.
//
// A node runs once every required incoming edge carries a value. Its outputs
// travel along outgoing edges to the nodes that consume them. Boards can
// suspend for external input, embed sub-graphs, hand privileged operations to
// a host over a message protocol and be snapshotted and continued later.
//
// # Core Concepts
//
//  1. Board (GraphDescriptor) and BoardBuilder
//  2. NodeHandler and Kit
//  3. Harness and Run
//  4. Engine
//  5. Worker and LocalRunner
//
// # Boards
//
// A board is plain data: nodes with an id and a type, and edges from an
// output port of one node to an input port of another. Boards are usually
// loaded from JSON with ParseBoard or assembled with BoardBuilder:
//
//	board := boardflow.NewBoard("echo").
//	    Input("in").
//	    Output("out").
//	    Wire("in", "text", "out", "text").
//	    MustBuild()
//
// Edges may be optional (they do not block readiness), constant (the latest
// value stays available to every later invocation) or control edges that
// carry no value at all.
//
// # Handlers
//
// Node types other than input and output resolve to a NodeHandler through a
// Registry. Kits group handlers; CoreKit provides passthrough and a run-scoped
// memory node.
//
// # Harness
//
// The Harness runs a board in process, or delegates it to a remote worker,
// and exposes the run as a lazy sequence of results: input requests, outputs,
// probe messages and finally end or error. Runs are cancellable and can be
// snapshotted between any two results.
//
//	h := boardflow.NewHarness(boardflow.HarnessConfig{Registry: reg})
//	outputs, err := boardflow.RunBoard(ctx, h, board, boardflow.InputValues{"text": "hi"})
//
// # Engine
//
// The Engine makes runs durable. It checkpoints after every completed node,
// parks a run as WAITING when the board asks for input and continues it when
// Provide answers, possibly in another process sharing the same store.
// Engines can be backed by:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Worker and LocalRunner
//
// A Worker applies start, provide-input and resume tasks from a queue to an
// engine. LocalRunner bundles an in-memory engine, queue and worker pool for
// development; WorkerBundle is the SQLite-backed equivalent.
//
// For runnable programs, see the /examples directory and cmd/boardflow.
package boardflow
