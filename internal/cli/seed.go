package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/learnsync/internal/seed"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <catalog>",
		Short: "Load a CUE catalog into the authority",
		Long: `Load users, schools, lessons, quizzes, coupons and settings from a CUE
catalog (one file, or a directory holding one CUE package) into the
authority. Records already present are replaced.

Example:
  learnsync seed ./catalog
  learnsync seed --remote /srv/remote.db catalog.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			cat, err := seed.Load(args[0])
			if err != nil {
				var le *seed.LoadError
				if errors.As(err, &le) {
					_ = f.Error(le.Code, le.Error(), nil)
					return WrapExitError(ExitCommandError, "invalid catalog", err)
				}
				return fail(f, err)
			}

			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := cat.Apply(cmd.Context(), a.authority, time.Now().UTC())
			if err != nil {
				return fail(f, err)
			}
			return f.Result(map[string]int{"records": n}, fmt.Sprintf("Seeded %s", plural(n, "record")))
		},
	}
}
