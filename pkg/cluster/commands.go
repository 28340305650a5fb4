package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/fleetd-io/fleetd/pkg/types"
)

// The registry package only ever needs to build commands, never interpret
// them (that's the FSM's job), so these constructors are the only exported
// surface of the op vocabulary defined in fsm.go.

func newCommand(op string, v interface{}) (Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s command: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}

func NewCreateJobCommand(job *types.Job) (Command, error) { return newCommand(opCreateJob, job) }
func NewUpdateJobCommand(job *types.Job) (Command, error) { return newCommand(opUpdateJob, job) }
func NewDeleteJobCommand(id string) (Command, error)      { return newCommand(opDeleteJob, id) }

func NewCreateAllocationCommand(alloc *types.Allocation) (Command, error) {
	return newCommand(opCreateAllocation, alloc)
}
func NewUpdateAllocationCommand(alloc *types.Allocation) (Command, error) {
	return newCommand(opUpdateAllocation, alloc)
}
func NewDeleteAllocationCommand(id string) (Command, error) {
	return newCommand(opDeleteAllocation, id)
}

func NewCreateNodeCommand(node *types.Node) (Command, error) { return newCommand(opCreateNode, node) }
func NewUpdateNodeCommand(node *types.Node) (Command, error) { return newCommand(opUpdateNode, node) }
func NewDeleteNodeCommand(id string) (Command, error)        { return newCommand(opDeleteNode, id) }
