package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"crucible/internal/broker"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/repository/postgres"
	"crucible/internal/state"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "crsctl",
		Short:         "Admin CLI for the crucible task system",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	queue := &cobra.Command{Use: "queue", Short: "Inspect and mutate the dispatch queue"}
	queue.AddCommand(newQueueListCmd(), newQueueReadCmd(), newQueueSendCmd(), newQueueDeleteCmd())

	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(newTaskStatusCmd())

	campaign := &cobra.Command{Use: "campaign", Short: "Inspect campaigns"}
	campaign.AddCommand(newCampaignListCmd())

	root.AddCommand(queue, task, campaign, newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.CRSConfig, error) {
	return config.LoadFile(configPath)
}

func openRedis(ctx context.Context, cfg *config.CRSConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func openPostgres(cfg *config.CRSConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresConfig.ConnectionUrl)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return db, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queue depth per task kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			pending, inFlight, err := broker.NewRedisBroker(client).PendingCounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, kind := range models.AllKinds {
				fmt.Printf("%-10s %d\n", kind, pending[kind])
			}
			fmt.Printf("%-10s %d\n", "in-flight", inFlight)
			return nil
		},
	}
}

func newQueueReadCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "read <kind>",
		Short: "Peek pending task IDs in dispatch order without claiming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := models.TaskKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown task kind %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ids, err := broker.NewRedisBroker(client).PeekPending(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum number of entries to show")
	return cmd
}

func newQueueSendCmd() *cobra.Command {
	var (
		campaignID string
		target     string
		priority   int
		payload    string
	)
	cmd := &cobra.Command{
		Use:   "send <kind>",
		Short: "Submit a task directly, bypassing the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := models.TaskKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown task kind %q", args[0])
			}
			if campaignID == "" || target == "" {
				return fmt.Errorf("--campaign and --target are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			task := models.Task{
				ID:          uuid.NewString(),
				CampaignID:  campaignID,
				Kind:        kind,
				Target:      target,
				Priority:    priority,
				Payload:     json.RawMessage(payload),
				Status:      state.StatusPending,
				MaxAttempts: cfg.MaxAttempts,
				Deadline:    cfg.TaskTimeout,
				CreatedAt:   time.Now().UTC(),
			}

			if cfg.UseIntakeQueue {
				raw, err := json.Marshal(task)
				if err != nil {
					return err
				}
				mq, err := broker.NewRabbitMQ(cfg.RabbitMQConfig.URL, cfg.RabbitMQConfig.Exchange,
					cfg.RabbitMQConfig.Queue, cfg.RabbitMQConfig.RoutingKey)
				if err != nil {
					return err
				}
				defer mq.Close()
				if err := mq.Publish(cfg.RabbitMQConfig.Queue, raw); err != nil {
					return err
				}
				fmt.Println(task.ID)
				return nil
			}

			db, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := postgres.NewPostgresTaskRepository(db).Insert(cmd.Context(), task); err != nil {
				return err
			}
			if err := broker.NewRedisBroker(client).Enqueue(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign the task belongs to")
	cmd.Flags().StringVar(&target, "target", "", "target project or binary")
	cmd.Flags().IntVar(&priority, "priority", 0, "dispatch priority (0-9, higher first)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "task payload as a JSON document")
	return cmd
}

func newQueueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <task-id>",
		Short: "Drop a task from the queue (the store record is untouched)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := models.TaskKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown task kind %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			return broker.NewRedisBroker(client).RemovePending(cmd.Context(), kind, args[1])
		},
	}
}

func newTaskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the stored state of a task and its claim holder, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			task, err := postgres.NewPostgresTaskRepository(db).FindByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(task); err != nil {
				return err
			}

			holder, held, err := broker.NewRedisBroker(client).InFlightWorker(cmd.Context(), task.ID)
			if err != nil {
				return err
			}
			if held {
				fmt.Printf("claim held by %s\n", holder)
			}
			return nil
		},
	}
}

func newCampaignListCmd() *cobra.Command {
	var (
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := postgres.NewPostgresCampaignRepository(db).List(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			for _, c := range result.Items {
				fmt.Printf("%-36s  %s\n", c.ID, c.ProjectName)
			}
			fmt.Printf("page %d/%d (%d campaigns)\n", result.Page, result.TotalPages, result.TotalItems)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page to show")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "campaigns per page")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by status and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openPostgres(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			client, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			counts, err := postgres.NewPostgresTaskRepository(db).CountGroupedByStatus(cmd.Context())
			if err != nil {
				return err
			}
			pending, inFlight, err := broker.NewRedisBroker(client).PendingCounts(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println("tasks:")
			for _, status := range state.AllStatuses {
				fmt.Printf("  %-10s %d\n", status, counts[status])
			}
			fmt.Println("queue:")
			for _, kind := range models.AllKinds {
				fmt.Printf("  %-10s %d\n", kind, pending[kind])
			}
			fmt.Printf("  %-10s %d\n", "in-flight", inFlight)
			return nil
		},
	}
}
