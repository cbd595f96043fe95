package main

import (
	"github.com/dukex/dmflow/pkg/dispatch"
	"github.com/dukex/dmflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func schedulerFlags() []cli.Flag {
	health := scheduler.DefaultHealthConfig()
	dispatchConfig := dispatch.DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "schedule",
			Usage:   "Cron expression or @every interval for the periodic pass",
			Value:   scheduler.DefaultSchedule,
			Sources: cli.EnvVars("SCHEDULE"),
		},
		&cli.BoolFlag{
			Name:  "once",
			Usage: "Run a single pass and exit",
		},
		&cli.IntFlag{
			Name:    "step-batch-size",
			Usage:   "Executions claimed per step batch",
			Value:   100,
			Sources: cli.EnvVars("STEP_BATCH_SIZE"),
		},
		&cli.IntFlag{
			Name:    "max-batches",
			Usage:   "Batches per job and pass",
			Value:   10,
			Sources: cli.EnvVars("MAX_BATCHES"),
		},
		&cli.DurationFlag{
			Name:    "stale-timeout",
			Usage:   "Processing executions older than this are reclaimed",
			Value:   health.StaleTimeout,
			Sources: cli.EnvVars("STALE_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Usage:   "Retries of a failing execution step before it fails",
			Value:   health.MaxRetries,
			Sources: cli.EnvVars("MAX_RETRIES"),
		},
		&cli.Int64Flag{
			Name:    "execution-backlog",
			Usage:   "Queued executions above which an alert is raised",
			Value:   health.ExecutionBacklog,
			Sources: cli.EnvVars("EXECUTION_BACKLOG_THRESHOLD"),
		},
		&cli.Int64Flag{
			Name:    "outbound-backlog",
			Usage:   "Queued outbound messages above which an alert is raised",
			Value:   health.OutboundBacklog,
			Sources: cli.EnvVars("OUTBOUND_BACKLOG_THRESHOLD"),
		},
		&cli.IntFlag{
			Name:    "inbound-backlog",
			Usage:   "Unprocessed inbound events above which an alert is raised",
			Value:   health.InboundBacklog,
			Sources: cli.EnvVars("INBOUND_BACKLOG_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "sweep-grace",
			Usage:   "Age after which an unprocessed inbound event is swept",
			Value:   health.InboundGrace,
			Sources: cli.EnvVars("SWEEP_GRACE"),
		},
		&cli.IntFlag{
			Name:    "sweep-limit",
			Usage:   "Inbound events swept per pass",
			Value:   100,
			Sources: cli.EnvVars("SWEEP_LIMIT"),
		},
		&cli.IntFlag{
			Name:    "dispatch-batch-size",
			Usage:   "Outbound messages claimed per dispatch batch",
			Value:   dispatchConfig.BatchSize,
			Sources: cli.EnvVars("DISPATCH_BATCH_SIZE"),
		},
		&cli.IntFlag{
			Name:    "dispatch-fan-out",
			Usage:   "Messages sent in parallel per batch",
			Value:   dispatchConfig.FanOut,
			Sources: cli.EnvVars("DISPATCH_FAN_OUT"),
		},
	}
}
