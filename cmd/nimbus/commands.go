package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nimbus/internal/core"
	"nimbus/internal/targeting"
	"nimbus/pkg/domain"
)

const defaultActor = "nimbus-cli"

type commandEnv struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	env := commandEnv{stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "nimbus",
		Short:         "Operate the experiment publish lifecycle and bucket allocator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.AddCommand(
		env.createCommand(),
		env.updateCommand(),
		env.cloneCommand(),
		env.archiveCommand(),
		env.transitionCommand(),
		env.allocateCommand(),
		env.showCommand(),
		env.listCommand(),
		env.historyCommand(),
		env.recipeCommand(),
		env.sweepCommand(),
		env.operationsCommand(),
		env.targetingCommand(),
	)
	return root
}

func args(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := cobra.ExactArgs(n)(cmd, a); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

// withApp opens the configured stores around fn.
func (env commandEnv) withApp(cmd *cobra.Command, fn func(context.Context, *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, env.stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func (env commandEnv) print(v any) error {
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSON decodes the file at path, or stdin when path is "-".
func (env commandEnv) readJSON(path string, v any) error {
	var r io.Reader = env.stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304: operator supplied input file
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return usageError{err: fmt.Errorf("decode %s: %w", path, err)}
	}
	return nil
}

func (env commandEnv) createCommand() *cobra.Command {
	var file, actor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft experiment from a JSON document",
		Args:  args(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			var e domain.Experiment
			if err := env.readJSON(file, &e); err != nil {
				return err
			}
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var created domain.Experiment
				err := a.write(func(svc *core.Service) error {
					var err error
					created, err = svc.CreateExperiment(ctx, actor, e)
					return err
				})
				if err != nil {
					return err
				}
				return env.print(created)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "experiment JSON file, - for stdin")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	return cmd
}

func (env commandEnv) updateCommand() *cobra.Command {
	var file, actor string
	cmd := &cobra.Command{
		Use:   "update <experiment>",
		Short: "Edit an idle draft, or the population of a live rollout",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			var u core.ExperimentUpdate
			if err := env.readJSON(file, &u); err != nil {
				return err
			}
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var updated domain.Experiment
				err := a.write(func(svc *core.Service) error {
					e, err := a.resolve(ctx, argv[0])
					if err != nil {
						return err
					}
					updated, err = svc.UpdateExperiment(ctx, e.ID, actor, u)
					return err
				})
				if err != nil {
					return err
				}
				return env.print(updated)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "update JSON file, - for stdin")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	return cmd
}

func (env commandEnv) cloneCommand() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "clone <experiment> <name>",
		Short: "Copy an experiment's configuration into a new draft",
		Args:  args(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var clone domain.Experiment
				err := a.write(func(svc *core.Service) error {
					parent, err := a.resolve(ctx, argv[0])
					if err != nil {
						return err
					}
					clone, err = svc.CloneExperiment(ctx, parent.ID, actor, argv[1])
					return err
				})
				if err != nil {
					return err
				}
				return env.print(clone)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	return cmd
}

func (env commandEnv) archiveCommand() *cobra.Command {
	var (
		actor   string
		restore bool
	)
	cmd := &cobra.Command{
		Use:   "archive <experiment>",
		Short: "Archive (or with --restore, unarchive) an idle draft or complete experiment",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var out domain.Experiment
				err := a.write(func(svc *core.Service) error {
					e, err := a.resolve(ctx, argv[0])
					if err != nil {
						return err
					}
					out, err = svc.ArchiveExperiment(ctx, e.ID, actor, !restore)
					return err
				})
				if err != nil {
					return err
				}
				return env.print(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	cmd.Flags().BoolVar(&restore, "restore", false, "unarchive instead")
	return cmd
}

func (env commandEnv) transitionCommand() *cobra.Command {
	var actor, message string
	cmd := &cobra.Command{
		Use:   "transition <experiment> <operation>",
		Short: "Apply a lifecycle operation (see `nimbus operations`)",
		Args:  args(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var out domain.Experiment
				err := a.write(func(svc *core.Service) error {
					e, err := a.resolve(ctx, argv[0])
					if err != nil {
						return err
					}
					out, err = svc.ApplyTransition(ctx, e.ID, argv[1], actor, message)
					return err
				})
				if err != nil {
					return err
				}
				return env.print(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	cmd.Flags().StringVarP(&message, "message", "m", "", "changelog message; required for rejections and cancellations")
	return cmd
}

func (env commandEnv) allocateCommand() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "allocate <experiment>",
		Short: "Allocate (or reallocate) the experiment's bucket range",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var id string
				err := a.write(func(svc *core.Service) error {
					e, err := a.resolve(ctx, argv[0])
					if err != nil {
						return err
					}
					id = e.ID
					_, err = svc.AllocateBucketRange(ctx, e.ID, actor)
					return err
				})
				if err != nil {
					return err
				}
				alloc, _, err := a.svc.GetBucketAllocation(ctx, id)
				if err != nil {
					return err
				}
				return env.print(alloc)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "who is making the change")
	return cmd
}

type experimentView struct {
	Experiment domain.Experiment      `json:"experiment"`
	Allocation *core.BucketAllocation `json:"allocation"`
	Operations []string               `json:"available_operations"`
	TimedOut   bool                   `json:"review_timed_out"`
}

func (env commandEnv) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <experiment>",
		Short: "Show an experiment with its allocation and available operations",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.resolve(ctx, argv[0])
				if err != nil {
					return err
				}
				view := experimentView{Experiment: e, Operations: core.AvailableOperations(e.State())}
				if e.IsArchived {
					view.Operations = nil
				}
				alloc, ok, err := a.svc.GetBucketAllocation(ctx, e.ID)
				if err != nil {
					return err
				}
				if ok {
					view.Allocation = &alloc
				}
				_, view.TimedOut, err = a.svc.LatestTimeout(ctx, e.ID)
				if err != nil {
					return err
				}
				return env.print(view)
			})
		},
	}
}

func (env commandEnv) listCommand() *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Args:  args(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				experiments, err := a.svc.ListExperiments(ctx, archived)
				if err != nil {
					return err
				}
				type row struct {
					ID    string       `json:"id"`
					Slug  string       `json:"slug"`
					State domain.State `json:"state"`
				}
				rows := make([]row, 0, len(experiments))
				for _, e := range experiments {
					rows = append(rows, row{ID: e.ID, Slug: e.Slug, State: e.State()})
				}
				return env.print(rows)
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived experiments")
	return cmd
}

func (env commandEnv) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <experiment>",
		Short: "Print the experiment's changelog",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.resolve(ctx, argv[0])
				if err != nil {
					return err
				}
				history, err := a.svc.GetHistory(ctx, e.ID)
				if err != nil {
					return err
				}
				return env.print(history)
			})
		},
	}
}

func (env commandEnv) recipeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recipe <experiment>",
		Short: "Render the recipe clients would download for the experiment",
		Args:  args(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.resolve(ctx, argv[0])
				if err != nil {
					return err
				}
				data, err := a.svc.BuildRecipe(ctx, e.ID)
				if err != nil {
					return err
				}
				return env.print(data)
			})
		},
	}
}

func (env commandEnv) sweepCommand() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "sweep-timeouts",
		Short: "Return changes that waited too long on the remote store to review",
		Args:  args(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withApp(cmd, func(ctx context.Context, a *app) error {
				var ids []string
				err := a.write(func(svc *core.Service) error {
					var err error
					ids, err = svc.SweepTimeouts(ctx, actor)
					return err
				})
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				return env.print(map[string]any{"timed_out": ids, "timeout": a.svc.ReviewTimeout().String()})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "nimbus-scheduler", "actor recorded on timeout entries")
	return cmd
}

func (env commandEnv) operationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List lifecycle operations and the state each requires",
		Args:  args(0),
		RunE: func(*cobra.Command, []string) error {
			return env.print(core.Operations())
		},
	}
}

func (env commandEnv) targetingCommand() *cobra.Command {
	var application string
	cmd := &cobra.Command{
		Use:   "targeting",
		Short: "List targeting configs",
		Args:  args(0),
		RunE: func(*cobra.Command, []string) error {
			registry, err := targeting.Default()
			if err != nil {
				return err
			}
			if application == "" {
				return env.print(registry.All())
			}
			app := domain.Application(application)
			if _, ok := domain.LookupApplication(app); !ok {
				return usageError{err: fmt.Errorf("unknown application %q", application)}
			}
			return env.print(registry.ForApplication(app))
		},
	}
	cmd.Flags().StringVar(&application, "application", "", "only configs available to this application")
	return cmd
}
