package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/core"
	"github.com/wellscope/relay/dataplane"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

// IngestCLIArgs arguments specific to the ingest agent
type IngestCLIArgs struct {
	// InputFile NDJSON file of readings. "-" reads STDIN.
	InputFile string `validate:"required"`
	// BatchSize number of readings published per broker call
	BatchSize int `validate:"required,gt=0"`
}

// GetIngestCLIFlags retrieve the set of CMD flags for the ingest agent
func GetIngestCLIFlags(args *IngestCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "input-file",
			Usage:       "NDJSON file of readings to publish. '-' reads STDIN",
			Aliases:     []string{"i"},
			EnvVars:     []string{"INGEST_INPUT_FILE"},
			Value:       "-",
			DefaultText: "-",
			Destination: &args.InputFile,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Number of readings published per broker call",
			Aliases:     []string{"b"},
			EnvVars:     []string{"INGEST_BATCH_SIZE"},
			Value:       64,
			DefaultText: "64",
			Destination: &args.BatchSize,
			Required:    false,
		},
	}
}

// RunIngestAgent publish NDJSON readings from a file or STDIN
func RunIngestAgent(
	config common.SystemConfig,
	args IngestCLIArgs,
	instance string,
	runTimeContext context.Context,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "ingest",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	var input io.ReadCloser
	if args.InputFile == "-" {
		input = os.Stdin
	} else {
		f, err := os.Open(args.InputFile)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to open input %s", args.InputFile,
			)
			return err
		}
		defer func() { _ = f.Close() }()
		input = f
	}

	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           config.NATS.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
		MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
		ReconnectBaseDelay:  time.Second * time.Duration(config.NATS.Reconnect.BaseDelay),
		ReconnectMaxDelay:   time.Second * time.Duration(config.NATS.Reconnect.MaxDelay),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
		return err
	}
	defer func() {
		closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second*5)
		defer closeCancel()
		natsClient.Close(closeCtxt)
	}()

	readingValidator, err := telemetry.GetReadingValidator(
		clock.New(), time.Second*time.Duration(config.Readings.MaxFutureSkew),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading validator")
		return err
	}

	brokerClient, err := dataplane.GetNatsBrokerClient(&natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker client")
		return err
	}

	publisher, err := dataplane.GetReadingPublisher(
		brokerClient, readingValidator, metrics.NewNopReporter(), instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading publisher")
		return err
	}

	// ============================================================================

	published := 0
	skipped := 0
	batch := make([]telemetry.Reading, 0, args.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := publisher.PublishBatch(runTimeContext, batch); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to publish batch of %d readings", len(batch),
			)
			return err
		}
		published += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		if runTimeContext.Err() != nil {
			return runTimeContext.Err()
		}
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reading telemetry.Reading
		if err := json.Unmarshal(line, &reading); err != nil {
			// Malformed lines are skipped so one bad record does not sink
			// the rest of the feed
			log.WithError(err).WithFields(logTags).Warnf(
				"Skipping malformed reading on line %d", lineNum,
			)
			skipped++
			continue
		}
		batch = append(batch, reading)
		if len(batch) >= args.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Input read failed")
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	log.WithFields(logTags).Infof(
		"Published %d readings, skipped %d malformed lines", published, skipped,
	)
	if skipped > 0 {
		return fmt.Errorf("skipped %d malformed readings", skipped)
	}
	return nil
}
