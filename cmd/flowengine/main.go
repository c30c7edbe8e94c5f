package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	"github.com/zapdesk/flowengine/pkg/analytics"
	"github.com/zapdesk/flowengine/pkg/channels/whatsapp"
	"github.com/zapdesk/flowengine/pkg/cmd"
	"github.com/zapdesk/flowengine/pkg/execution"
	"github.com/zapdesk/flowengine/pkg/followup"
	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/otelhelper"
	"github.com/zapdesk/flowengine/pkg/persistence/redisq"
)

func main() {
	command := &cli.Command{
		Name:                  "flowengine",
		EnableShellCompletion: true,
		Usage:                 "Run the flow execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (memory, kafka)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list (for event-bus=kafka)",
				Value:   "",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the follow-up due queue (optional)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "whatsapp-gateway-url",
				Usage:   "Base URL of the WhatsApp send gateway",
				Value:   "",
				Sources: cli.EnvVars("WHATSAPP_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "whatsapp-gateway-token",
				Usage:   "Bearer token for the WhatsApp send gateway",
				Value:   "",
				Sources: cli.EnvVars("WHATSAPP_GATEWAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "cleanup-schedule",
				Usage:   "Cron expression for follow-up cleanup runs",
				Value:   "",
				Sources: cli.EnvVars("CLEANUP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry trace export",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("flowengine")

	logger.InfoContext(ctx, "Initializing flow engine")

	eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	manager := execution.NewManager(eventBus)

	if _, err := analytics.NewBridge(eventBus, manager, store); err != nil {
		return err
	}

	sender := whatsapp.NewSender(
		command.String("whatsapp-gateway-url"),
		command.String("whatsapp-gateway-token"),
		logger,
	)

	schedulerOpts := []followup.SchedulerOption{}

	if redisURL := command.String("redis-url"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return err
		}

		client := redis.NewClient(redisOpts)
		defer func() {
			err := client.Close()
			if err != nil {
				logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
			}
		}()

		schedulerOpts = append(schedulerOpts, followup.WithDueQueue(redisq.NewFollowUpQueue(client)))
	}

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "flowengine")
		if err != nil {
			return err
		}

		schedulerOpts = append(schedulerOpts, followup.WithTracer(tracer))
	}

	scheduler := followup.NewScheduler(store, sender, eventBus, schedulerOpts...)

	cleanup, err := followup.NewCleanup(store, command.String("cleanup-schedule"))
	if err != nil {
		return err
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return err
	}

	manager.Start(ctx)
	scheduler.Start(ctx)
	cleanup.Start(ctx)

	logger.InfoContext(ctx, "Flow engine running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.InfoContext(ctx, "Shutting down")

	cleanup.Stop(ctx)
	scheduler.Stop(ctx)
	manager.Shutdown(ctx)

	return nil
}
