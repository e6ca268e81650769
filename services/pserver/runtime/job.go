package runtime

import (
	"context"
	"fmt"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
)

// jobMarker carries no data; its replica only runs the start and end handshakes.
type jobMarker struct{}

func (jobMarker) Update(cluster.NodeID, crdt.Operation[struct{}]) error {
	return crdt.ErrUnsupportedOp
}

// RunTogether runs prog once every node of the cluster reached it and waits for every
// node to finish it. States must be declared before, so that a peer reaching the program
// already listens on their topics.
func RunTogether(ctx context.Context, rc *Context, prog Program) error {
	job, err := crdt.NewReplica[struct{}](ctx, "job."+prog.Name, rc.Topology, rc.Channel, jobMarker{},
		crdt.Options{Logger: rc.Logger, FinishTimeout: rc.FinishTimeout})
	if err != nil {
		return fmt.Errorf("%s: %w", prog.Name, err)
	}
	defer job.Close()
	if err := job.WaitRunning(ctx); err != nil {
		return fmt.Errorf("%s start: %w", prog.Name, err)
	}
	rc.Logger.Debug("every node reached the program", "program", prog.Name)
	if err := Run(ctx, rc, prog); err != nil {
		return err
	}
	if err := job.Finish(ctx); err != nil {
		return fmt.Errorf("%s end: %w", prog.Name, err)
	}
	return nil
}
