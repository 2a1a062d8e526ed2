package handlers

import (
	"github.com/hcp-ignite/agent/pkg/types"
)

// Handler is one stage of the event validation chain. A stage either
// forwards the event to the next stage, forwards a transformed or
// synthetic event, or drops it.
type Handler interface {
	Handle(ev *types.Event)
}

// Notifier is how the chain pokes the rest of the agent: the uploader
// wakes on alert inserts and force-upload ids, the coordinator learns of
// client launch, and the reducer of storage pressure.
type Notifier interface {
	AlertInserted()
	ForceUpload()
	IgniteStarted()
	StorageOverLimit()
}

// NopNotifier is used by tests and by partially wired chains
type NopNotifier struct{}

func (NopNotifier) AlertInserted()    {}
func (NopNotifier) ForceUpload()      {}
func (NopNotifier) IgniteStarted()    {}
func (NopNotifier) StorageOverLimit() {}
