package domain

// Event is a state change produced by a domain mutation. Adapters that keep
// storage in step with an aggregate consume these.
type Event interface {
	Type() string
}

type LineAllocated struct {
	BatchRef string
	Line     OrderLine
}

func (e LineAllocated) Type() string { return "LineAllocated" }

type LineDeallocated struct {
	BatchRef string
	Line     OrderLine
}

func (e LineDeallocated) Type() string { return "LineDeallocated" }

type BatchAdded struct {
	Batch *Batch
}

func (e BatchAdded) Type() string { return "BatchAdded" }

type VersionIncremented struct {
	SKU      string
	Previous int
	Current  int
}

func (e VersionIncremented) Type() string { return "VersionIncremented" }
