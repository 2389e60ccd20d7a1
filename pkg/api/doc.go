// Package api contains the core building blocks shared by every boardflow
// component: the board (graph) model, node handler contract, probe messages,
// harness results, reanimation state and the error taxonomy.
//
// Most users interact with the higher-level boardflow package, which
// re-exports selected types and helpers from this package. The api package is
// intended for kit authors and for integrations that need the raw types.
//
// # Boards
//
// A GraphDescriptor is a directed graph of NodeDescriptors connected by
// Edges. Edges name an output port of the source and an input port of the
// target. An edge is required unless it is Optional; a Constant edge keeps its
// last value so that loops can reuse it. Embedded graphs in Graphs are invoked
// by nodes whose type is "#<id>".
//
// Boards are plain JSON. ParseGraph and MarshalGraph convert between the two
// forms, and Validate reports structural problems as a *GraphStructureError.
//
// # Handlers
//
// Node types are implemented by NodeHandlers grouped into Kits and resolved
// through a Registry. A handler receives its inputs and a NodeContext that
// carries run-scoped state (memory, files, logger, probe).
//
// # Probes
//
// Every run reports ProbeMessages (graphstart, nodestart, input, output,
// nodeend, skip, error, graphend) to a Probe. NewLoggingProbe, BasicMetrics and
// NewCompositeProbe cover the common cases.
//
// # Errors
//
// Failures are classified as GraphStructureError, NodeInvocationError,
// ProtocolError, SerializationError or InvariantViolation.
package api
