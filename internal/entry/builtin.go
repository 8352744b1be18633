package entry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/seantiz/taskworker/internal/stdio"
)

// RegisterBuiltins adds the worker's built-in units to r. They reach their
// streams through mux.
func RegisterBuiltins(r *Registry, mux *stdio.Mux) {
	r.Register("echo", func(ctx context.Context, args []string) error {
		_, err := fmt.Fprintln(mux.Stdout(ctx), strings.Join(args, " "))
		return err
	})

	r.Register("cat", func(ctx context.Context, _ []string) error {
		_, err := io.Copy(mux.Stdout(ctx), mux.Stdin(ctx))
		return err
	})

	r.Register("sleep", func(ctx context.Context, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: sleep <duration>")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	r.Register("fail", func(_ context.Context, args []string) error {
		msg := "failed"
		if len(args) > 0 {
			msg = strings.Join(args, " ")
		}
		return errors.New(msg)
	})
}
