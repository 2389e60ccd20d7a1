package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single value.
type Persistence struct {
	Boards BoardStore
	Runs   RunStore
	Events EventStore
}
