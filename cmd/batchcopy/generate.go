package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/batchcopy/batchcopy"
)

const usersTable = `CREATE TABLE IF NOT EXISTS users (
	id   BIGINT NOT NULL,
	id2  BIGINT NOT NULL,
	name TEXT NOT NULL
)`

// User is a synthetic row sent by the generate command
type User struct {
	ID   int64
	ID2  int64
	Name string
}

func (User) CheckStatement() string { return "SELECT id, id2, name FROM users LIMIT 0" }
func (User) CopyStatement() string {
	return "COPY users (id, id2, name) FROM STDIN (FORMAT binary)"
}
func (User) ColumnTypes() []batchcopy.ColumnType {
	return []batchcopy.ColumnType{batchcopy.ColumnInt8, batchcopy.ColumnInt8, batchcopy.ColumnText}
}
func (u User) CopyValues() ([]any, error) { return []any{u.ID, u.ID2, u.Name}, nil }

// producerRows builds the rows one producer sends
func producerRows(id int64, rows int) []User {
	out := make([]User, rows)
	for i := range out {
		out[i] = User{
			ID:   id,
			ID2:  int64(i),
			Name: fmt.Sprintf("task %d emitting message %d", id, i),
		}
	}
	return out
}

func newGenerateCmd(opts *options, log zerolog.Logger) *cobra.Command {
	var producers, rows int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Send synthetic rows to the users table from many concurrent producers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if producers < 1 || rows < 0 {
				return fmt.Errorf("--producers must be positive and --rows not negative")
			}

			cfg, err := opts.handlerConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := opts.prepareTable(ctx, cfg.DatabaseURL, usersTable); err != nil {
				return err
			}
			opts.startMetrics(log)

			h, err := batchcopy.New[User](ctx, cfg, batchcopy.WithLogger(log))
			if err != nil {
				return err
			}
			defer h.Close()

			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			for p := 0; p < producers; p++ {
				c := h.Clone()
				g.Go(func() error {
					defer c.Close()
					for _, u := range producerRows(int64(p), rows) {
						if err := c.Send(gctx, u); err != nil {
							return err
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			n, err := h.Flush(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Int("producers", producers).
				Int("rows", producers*rows).
				Int64("final_flush", n).
				Dur("elapsed", time.Since(start)).
				Msg("generate complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&producers, "producers", 2048, "number of concurrent producers")
	cmd.Flags().IntVar(&rows, "rows", 20, "rows sent by each producer")
	return cmd
}
