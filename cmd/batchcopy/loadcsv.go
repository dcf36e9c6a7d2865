package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/batchcopy/batchcopy"
)

const spotPriceTable = `CREATE TABLE IF NOT EXISTS spotprices (
	dt       TIMESTAMPTZ NOT NULL,
	instance TEXT NOT NULL,
	os       TEXT NOT NULL,
	region   TEXT NOT NULL,
	az       TEXT NOT NULL,
	price    DOUBLE PRECISION NOT NULL
)`

// SpotPrice is one line of a spot price history export
type SpotPrice struct {
	Dt       time.Time
	Instance string
	OS       string
	Region   string
	AZ       string
	Price    float64
}

func (SpotPrice) CheckStatement() string {
	return "SELECT dt, instance, os, region, az, price FROM spotprices LIMIT 0"
}

func (SpotPrice) CopyStatement() string {
	return "COPY spotprices (dt, instance, os, region, az, price) FROM STDIN (FORMAT binary)"
}

func (SpotPrice) ColumnTypes() []batchcopy.ColumnType {
	return []batchcopy.ColumnType{
		batchcopy.ColumnTimestamptz,
		batchcopy.ColumnText,
		batchcopy.ColumnText,
		batchcopy.ColumnText,
		batchcopy.ColumnText,
		batchcopy.ColumnFloat8,
	}
}

func (s SpotPrice) CopyValues() ([]any, error) {
	return []any{s.Dt, s.Instance, s.OS, s.Region, s.AZ, s.Price}, nil
}

// datetimeLayouts are tried in order
var datetimeLayouts = []string{
	"2006-01-02 15:04:05-0700",
	time.RFC3339,
}

func parseDatetime(s string) (time.Time, error) {
	var err error
	for _, layout := range datetimeLayouts {
		t, perr := time.Parse(layout, s)
		if perr == nil {
			return t.UTC(), nil
		}
		err = perr
	}
	return time.Time{}, err
}

// parseSpotPrice reads a (datetime, instance, os, region+az, price) record.
// The availability zone is the last character of the region field.
func parseSpotPrice(record []string) (SpotPrice, error) {
	if len(record) != 5 {
		return SpotPrice{}, fmt.Errorf("expected 5 fields, got %d", len(record))
	}

	dt, err := parseDatetime(record[0])
	if err != nil {
		return SpotPrice{}, fmt.Errorf("cannot parse datetime: %w", err)
	}

	regionAZ := record[3]
	if len(regionAZ) < 2 {
		return SpotPrice{}, fmt.Errorf("region %q has no availability zone", regionAZ)
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
	if err != nil {
		return SpotPrice{}, fmt.Errorf("cannot parse price: %w", err)
	}

	return SpotPrice{
		Dt:       dt,
		Instance: record[1],
		OS:       record[2],
		Region:   regionAZ[:len(regionAZ)-1],
		AZ:       regionAZ[len(regionAZ)-1:],
		Price:    price,
	}, nil
}

// spotPriceSender is the part of the handler copyCSV needs
type spotPriceSender interface {
	Send(ctx context.Context, row SpotPrice) error
}

// copyCSV sends every parseable line of r and counts the skipped ones
func copyCSV(ctx context.Context, r io.Reader, h spotPriceSender, log zerolog.Logger) (sent, skipped int, err error) {
	rdr := csv.NewReader(r)
	rdr.FieldsPerRecord = -1
	rdr.ReuseRecord = true

	for line := 1; ; line++ {
		record, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			return sent, skipped, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return sent, skipped, err
			}
			log.Warn().Int("line", line).Err(err).Msg("invalid row, skipping")
			skipped++
			continue
		}

		row, err := parseSpotPrice(record)
		if err != nil {
			log.Warn().Int("line", line).Err(err).Msg("skipping")
			skipped++
			continue
		}

		if err := h.Send(ctx, row); err != nil {
			return sent, skipped, err
		}
		sent++
	}
}

func copyFile(ctx context.Context, path string, h spotPriceSender, log zerolog.Logger) (sent, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	return copyCSV(ctx, f, h, log.With().Str("file", path).Logger())
}

func newLoadCSVCmd(opts *options, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "load-csv <glob>",
		Short: "Load spot price CSV files into the spotprices table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := filepath.Glob(args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files match %q", args[0])
			}

			cfg, err := opts.handlerConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := opts.prepareTable(ctx, cfg.DatabaseURL, spotPriceTable); err != nil {
				return err
			}
			opts.startMetrics(log)

			h, err := batchcopy.New[SpotPrice](ctx, cfg, batchcopy.WithLogger(log))
			if err != nil {
				return err
			}
			defer h.Close()

			g, gctx := errgroup.WithContext(ctx)
			for _, path := range paths {
				c := h.Clone()
				g.Go(func() error {
					defer c.Close()

					log.Info().Str("file", path).Msg("started copy")
					sent, skipped, err := copyFile(gctx, path, c, log)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					log.Info().Str("file", path).Int("sent", sent).Int("skipped", skipped).Msg("completed copy")
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			// Rows still in the pending batch are only written by a flush
			n, err := h.Flush(ctx)
			if err != nil {
				return err
			}
			log.Info().Int64("rows", n).Msg("final flush")
			return nil
		},
	}
}
