// alertingest is the single executable containing the supervisor and
// worker subcommands that make up a running ingestion pipeline, mirroring
// perfserver's "one binary, many subcommands" shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	cli "github.com/urfave/cli/v2"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/catalog"
	"go.alertstream.build/ingest/go/config"
	"go.alertstream.build/ingest/go/fitsdecode"
	"go.alertstream.build/ingest/go/metrics"
	"go.alertstream.build/ingest/go/mlscore"
	"go.alertstream.build/ingest/go/skyportal"
	"go.alertstream.build/ingest/go/supervisor"
	"go.alertstream.build/ingest/go/wireformat"
	"go.alertstream.build/ingest/go/worker"
	"go.alertstream.build/ingest/go/xmatch"
)

func main() {
	app := &cli.App{
		Name:  "alertingest",
		Usage: "Survey alert ingestion pipeline: topic supervisor and per-topic workers.",
		Commands: []*cli.Command{
			supervisorCommand(),
			workerCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		sklog.Fatalf("%v", err)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to the pipeline YAML config", Required: true},
		&cli.StringFlag{Name: "obsdate", Usage: "observing date, YYYYMMDD (default: today UTC)"},
		&cli.BoolFlag{Name: "noio", Usage: "suppress on-disk packet saves"},
		&cli.BoolFlag{Name: "test", Usage: "use the test broker, single pass"},
	}
}

func supervisorCommand() *cli.Command {
	return &cli.Command{
		Name:  "supervisor",
		Usage: "Discover nightly topics and keep one worker alive per topic.",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "metrics-addr", Value: ":8090", Usage: "listen address for the /metrics endpoint"},
		),
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			brokers := brokersFor(cfg, c.Bool("test"))

			go func() {
				if err := metrics.Serve(c.String("metrics-addr")); err != nil {
					sklog.Errorf("metrics server exited: %v", err)
				}
			}()

			admin, err := supervisor.NewSaramaAdmin(brokers)
			if err != nil {
				return err
			}

			self, err := os.Executable()
			if err != nil {
				return err
			}

			spawn := func(topic, groupID, dateStr string, savePackets, test bool) (*exec.Cmd, error) {
				args := []string{
					"worker",
					"--config", c.String("config"),
					"--topic", topic,
					"--group", groupID,
					"--obsdate", dateStr,
				}
				if !savePackets {
					args = append(args, "--noio")
				}
				if test {
					args = append(args, "--test")
				}
				cmd := exec.Command(self, args...)
				cmd.Stdout = os.Stdout
				cmd.Stderr = os.Stderr
				if err := cmd.Start(); err != nil {
					return nil, err
				}
				return cmd, nil
			}

			sup := supervisor.New(admin, spawn, surveyName(cfg), []string{"zuds"})
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			return sup.Run(ctx, c.String("obsdate"), !c.Bool("noio"), c.Bool("test"))
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Process one topic's alerts: dedupe, normalize, score, persist, cross-match, filter, post.",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "topic", Required: true},
			&cli.StringFlag{Name: "group", Required: true},
		),
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			dateStr := c.String("obsdate")
			if dateStr == "" {
				dateStr = time.Now().UTC().Format("20060102")
			}

			ctx := c.Context
			mongoURI := fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port)
			gw, err := catalog.New(ctx, mongoURI, cfg.Database.DB)
			if err != nil {
				return fmt.Errorf("worker %s: %w", c.String("topic"), err)
			}

			matcher := xmatch.New(gw, cfg.XMatch, "CLU")

			decoder := fitsdecode.Decoder{}
			var models []mlscore.Model
			for name, mc := range cfg.MLModels {
				models = append(models, mlscore.NewExternalModel(name, mc.Version, nil))
			}
			scorer := mlscore.New(decoder, models)

			var poster *skyportal.Poster
			if cfg.Misc.PostToSkyPortal {
				poster = skyportal.New(cfg.SkyPortal, decoder)
			}

			params := worker.Params{
				Topic:       c.String("topic"),
				Brokers:     brokersFor(cfg, c.Bool("test")),
				GroupID:     c.String("group"),
				DateStr:     dateStr,
				PathAlerts:  cfg.Path.PathAlerts,
				PathTess:    cfg.Path.PathTess,
				SavePackets: !c.Bool("noio"),
				Test:        c.Bool("test"),
			}

			w, err := worker.New(ctx, params, wireformat.JSONDecoder{}, gw, cfg, matcher, scorer, poster, parsePipeline)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
}

func brokersFor(cfg *config.Config, test bool) []string {
	if test {
		return splitCSV(cfg.Kafka.BootstrapTestServers)
	}
	return splitCSV(cfg.Kafka.BootstrapServers)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func surveyName(cfg *config.Config) string {
	if cfg.Database.DB != "" {
		return cfg.Database.DB
	}
	return "survey"
}

// parsePipeline decodes a filter/upstream pipeline stored as a JSON array
// of aggregation stages. The document store's own query language is never
// reimplemented in-process (DESIGN NOTES: "Filter pipelines as data");
// stages are forwarded to the store's Aggregate call verbatim.
func parsePipeline(serialized string) ([]bson.M, error) {
	if serialized == "" {
		return nil, nil
	}
	var stages []bson.M
	if err := json.Unmarshal([]byte(serialized), &stages); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return stages, nil
}
