package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lognorman20/dask/pkg/config"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/schedulerapi"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/lognorman20/dask/pkg/wire"
)

// embeddedWorker is the address the submit command registers its
// trivial in-process executor under. Submitting against a separately
// running scheduler requires a transport layer, which is an external
// collaborator's concern (spec §6, pkg/wire's package doc); submit
// instead runs its own scheduler and a stand-in executor so the graph
// document actually gets computed end to end in one process.
const embeddedWorker = types.WorkerAddress("embedded:0")

var submitCmd = &cobra.Command{
	Use:   "submit <graph.yaml>",
	Short: "Run a YAML task graph to completion against an embedded scheduler",
	Args:  cobra.ExactArgs(1),
	RunE:  submitGraph,
}

func init() {
	submitCmd.Flags().Int("cores", 4, "Concurrent task slots the embedded executor offers")
	submitCmd.Flags().Duration("timeout", time.Minute, "Give up waiting for completion after this long")
}

func submitGraph(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	doc, err := config.LoadGraphDocument(args[0])
	if err != nil {
		return err
	}

	cores, _ := cmd.Flags().GetInt("cores")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg := config.Default()
	cfg.HTTPAddr = ""
	s := schedulerapi.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop(context.Background())

	const client = types.ClientID("dask-scheduler-submit")
	reply := make(chan (<-chan wire.ClientNotification), 1)
	s.Submit(wire.ClientMessage{RegisterClient: &wire.RegisterClient{Client: client, Reply: reply}})
	notifications := <-reply
	<-notifications // StreamStart

	msg := doc.ToUpdateGraph(client)
	wanted := len(msg.Keys)
	if wanted == 0 {
		return fmt.Errorf("graph document names no keys to compute")
	}

	s.Report(wire.WorkerMessage{AddWorker: &wire.AddWorker{Address: embeddedWorker, NCores: cores}})
	go runEmbeddedExecutor(ctx, s, embeddedWorker)

	s.Submit(wire.ClientMessage{UpdateGraph: &msg})

	remaining := wanted
	for remaining > 0 {
		select {
		case n := <-notifications:
			switch {
			case n.KeyInMemory != nil:
				logger.Info().Str("key", string(n.KeyInMemory.Key)).Msg("computed")
				fmt.Printf("%s: done\n", n.KeyInMemory.Key)
				remaining--
			case n.TaskErred != nil:
				logger.Warn().Str("key", string(n.TaskErred.Key)).Str("exception", n.TaskErred.Exception).Msg("failed")
				fmt.Printf("%s: error: %s\n", n.TaskErred.Key, n.TaskErred.Exception)
				remaining--
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %d key(s) to finish", remaining)
		}
	}

	return nil
}

// runEmbeddedExecutor stands in for a real worker process: it treats
// every task payload as already computed and reports it finished
// immediately. Task payloads are opaque to the scheduler (spec §1) and
// running them is out of scope here.
func runEmbeddedExecutor(ctx context.Context, s *schedulerapi.Scheduler, worker types.WorkerAddress) {
	queue := s.Engine.ComputeQueue(worker)
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			s.Report(wire.WorkerMessage{TaskFinished: &wire.TaskFinished{
				Key:    task.Key,
				Worker: worker,
				NBytes: int64(len(task.Payload.Function)),
			}})
		}
	}
}
