package types

// Event represents a structured state change emitted by the escrow engine.
// Attributes hold deterministic string renderings of the record fields so
// downstream consumers (RPC, indexers) never depend on in-memory types.
type Event struct {
	Type       string
	Attributes map[string]string
}
