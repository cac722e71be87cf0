// Command publisher puts message fixtures on the bus the updater listens to,
// so a deployment can be exercised end to end without a real CI producer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"
	"github.com/husmancristian/resultsdb-updater/pkg/queue/kafka"
	"github.com/husmancristian/resultsdb-updater/pkg/queue/rabbitmq"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	logger     *slog.Logger
)

// fixture is one message ready to publish.
type fixture struct {
	Topic   string
	Headers map[string]any
	Body    []byte
}

// loadFixture reads an envelope file. By default body.msg is published as the
// payload with the envelope headers as bus headers, the way CI producers
// send; with asEnvelope the file is published verbatim.
func loadFixture(path, topic string, asEnvelope bool) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	msg, err := models.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if topic == "" {
		topic = msg.Topic
	}
	if topic == "" {
		return nil, fmt.Errorf("%s: no topic in the file and none given with --topic", path)
	}

	f := &fixture{Topic: topic, Headers: msg.Headers}
	if asEnvelope {
		f.Body = raw
		return f, nil
	}
	if msg.Body.Msg == nil {
		return nil, fmt.Errorf("%s: envelope has no body.msg", path)
	}
	if f.Body, err = json.Marshal(msg.Body.Msg); err != nil {
		return nil, fmt.Errorf("%s: failed to encode body.msg: %w", path, err)
	}
	return f, nil
}

func openBus(cfg *config.Config) (queue.Publisher, error) {
	if cfg.Bus.Driver == config.DriverKafka {
		// Without topics the client only produces and never joins the updater's group
		producer := cfg.Bus
		producer.KafkaTopics = nil
		return kafka.NewBroker(producer, logger)
	}
	return rabbitmq.NewManager(cfg.Bus, logger)
}

var rootCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Publish ResultsDB updater message fixtures to the bus",
	Long: `publisher sends message envelopes ({"topic", "headers", "body": {"msg"}})
to the exchange or Kafka topic the ResultsDB updater consumes from.

Bus settings come from the same environment variables and optional
TOML file (--config) as the updater itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		// Same .env convenience as the server, looked up next to the tool first
		if err := godotenv.Load("automation/.env"); err != nil {
			_ = godotenv.Load()
		}
	},
}

func newSendCmd() *cobra.Command {
	var (
		topic      string
		asEnvelope bool
		repeat     int
		delay      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Publish one or more fixture files",
		Example: `  publisher send --topic /topic/VirtualTopic.eng.ci.resultsdb pkg/pipeline/testdata/covscan.json
  publisher send --repeat 10 --delay 500ms pkg/pipeline/testdata/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBus(configFile)
			if err != nil {
				return err
			}

			fixtures := make([]*fixture, 0, len(args))
			for _, path := range args {
				f, err := loadFixture(path, topic, asEnvelope)
				if err != nil {
					return err
				}
				fixtures = append(fixtures, f)
			}

			b, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sent := 0
			for i := 0; i < max(repeat, 1); i++ {
				for j, f := range fixtures {
					if err := b.Publish(ctx, f.Topic, f.Headers, f.Body); err != nil {
						return fmt.Errorf("after %d messages: %w", sent, err)
					}
					sent++
					fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[j], f.Topic)

					if delay > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(delay):
						}
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s) published\n", sent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic / routing key, overrides the one in each file")
	cmd.Flags().BoolVar(&asEnvelope, "envelope", false, "publish the file verbatim instead of body.msg with headers")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "publish the whole set this many times")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between messages")
	return cmd
}

func newDepthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Print how many messages wait in the updater queue (amqp only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBus(configFile)
			if err != nil {
				return err
			}
			if cfg.Bus.Driver != config.DriverAMQP {
				return errors.New("queue depth is only available for the amqp bus driver")
			}

			m, err := rabbitmq.NewManager(cfg.Bus, logger)
			if err != nil {
				return err
			}
			defer m.Close()

			depth, err := m.Depth()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", cfg.Bus.Queue, depth)
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "optional TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log bus activity to stderr")
	rootCmd.AddCommand(newSendCmd(), newDepthCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
