package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"
)

var cmdQueue = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pipeline queues",
}

var cmdQueueStats = &cobra.Command{
	Use:   "stats",
	Short: "Print queue depths, the head event of each queue and the active stage workers",
	Run: func(cmd *cobra.Command, _ []string) {
		queueStats(cmd.Context())
	},
}

func queueStats(ctx context.Context) {
	ctx, svc := newService(ctx, model.AppKindClient)
	defer svc.close()

	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(out, "QUEUE\tLENGTH\tHEAD")

	for _, name := range queue.Names() {
		length, err := svc.queue.Length(ctx, name)
		if err != nil {
			svc.app.Logger.WithError(err).WithField("queue", name).Error("queue length query failed")
			continue
		}

		head := "-"

		payload, err := svc.queue.Peek(ctx, name)
		switch {
		case err == nil:
			head = describeEvent(payload)
		case !errors.Is(err, queue.ErrEmpty):
			head = "error: " + err.Error()
		}

		fmt.Fprintf(out, "%s\t%d\t%s\n", name, length, head)
	}

	fmt.Fprintln(out)

	checkins, err := worker.ActiveWorkers(svc.queue.JetStreamContext())
	if err != nil {
		svc.app.Logger.WithError(err).Error("worker registry query failed")
	}

	fmt.Fprintln(out, "WORKER\tSTAGE\tVERSION\tLAST CHECKIN")

	for _, c := range checkins {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s ago\n", c.ID, c.Stage, c.Version, time.Since(c.LastCheckin).Round(time.Second))
	}

	_ = out.Flush()
}

func describeEvent(payload []byte) string {
	event, err := model.DecodeEvent(payload)
	if err != nil {
		return "undecodable: " + err.Error()
	}

	subject := ""
	if de, ok := event.(model.DeviceEvent); ok {
		_, name := de.Device()
		subject = " " + name
	}

	return fmt.Sprintf("%s%s at %s", event.Type(), subject, event.Time().Format(time.RFC3339))
}

func init() {
	cmdQueue.AddCommand(cmdQueueStats)
	rootCmd.AddCommand(cmdQueue)
}
