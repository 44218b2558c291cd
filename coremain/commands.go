package coremain

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	C "github.com/pmkol/hyperdns/constant"
	"github.com/pmkol/hyperdns/mlog"
	"github.com/pmkol/hyperdns/pkg/resolver"
)

type queryFlags struct {
	c      string
	output string

	protocols        []string
	ignoreCache      bool
	ignoreCachedMiss bool
	noDoH            bool
	ttl              int
	timeout          time.Duration
}

func (qf *queryFlags) register(c *cobra.Command, query bool) {
	fs := c.Flags()
	fs.StringVarP(&qf.c, "config", "c", "", "config file")
	fs.StringVarP(&qf.output, "output", "o", "text", "output format: text, json or yaml")
	if !query {
		return
	}
	fs.StringSliceVarP(&qf.protocols, "protocol", "p", nil, "protocols to use, default is all")
	fs.BoolVar(&qf.ignoreCache, "ignore-cache", false, "always do a live lookup")
	fs.BoolVar(&qf.ignoreCachedMiss, "ignore-cached-miss", false, "do a live lookup for cached misses")
	fs.BoolVar(&qf.noDoH, "no-doh", false, "use the system dns only")
	fs.IntVar(&qf.ttl, "ttl", 0, "ttl in seconds of results without one")
	fs.DurationVar(&qf.timeout, "timeout", 30*time.Second, "timeout of the whole resolution")
}

func (qf *queryFlags) queryOpts() *resolver.QueryOpts {
	return &resolver.QueryOpts{
		IgnoreCache:      qf.ignoreCache,
		IgnoreCachedMiss: qf.ignoreCachedMiss,
		NoDoH:            qf.noDoH,
		TTL:              qf.ttl,
		Timeout:          qf.timeout,
		Protocols:        qf.protocols,
	}
}

// withHyperdns runs f with a Hyperdns built from the optional config.
func withHyperdns(qf *queryFlags, f func(ctx context.Context, m *Hyperdns) error) error {
	cfg, err := loadOptionalConfig(qf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(cfg.Log.Level) == 0 {
		cfg.Log.Level = "warn"
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	m, err := NewHyperdns(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			lg.Warn("failed to close", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return f(ctx, m)
}

type nameResult struct {
	Name string            `json:"name" yaml:"name"`
	Keys map[string]string `json:"keys" yaml:"keys"`
}

func newResolveCmd() *cobra.Command {
	qf := new(queryFlags)
	c := &cobra.Command{
		Use:   "resolve <name>... [-p protocol]",
		Short: "Resolve names to keys.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHyperdns(qf, func(ctx context.Context, m *Hyperdns) error {
				results, err := resolveNames(ctx, m.Resolver(), args, qf.queryOpts())
				if err != nil {
					return err
				}
				protocols := qf.protocols
				if len(protocols) == 0 {
					protocols = m.Resolver().Protocols()
				}
				return printResult(cmd.OutOrStdout(), qf.output, results, func(w io.Writer) error {
					for _, r := range results {
						for _, p := range protocols {
							key := r.Keys[p]
							if len(key) == 0 {
								key = "-"
							}
							if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, p, key); err != nil {
								return err
							}
						}
					}
					return nil
				})
			})
		},
		SilenceUsage: true,
	}
	qf.register(c, true)
	return c
}

// resolveNames resolves all names in parallel. Names that are not
// valid domains are passed on as they are, they may be keys.
func resolveNames(ctx context.Context, r *resolver.Resolver, names []string, q *resolver.QueryOpts) ([]nameResult, error) {
	results := make([]nameResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			domain, err := resolver.CleanName(name)
			if err != nil {
				domain = name
			}
			keys, err := r.Resolve(gctx, domain, q)
			if err != nil {
				return fmt.Errorf("failed to resolve %s, %w", name, err)
			}
			results[i] = nameResult{Name: name, Keys: keys}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type urlResult struct {
	URL          string `json:"url" yaml:"url"`
	VersionedURL string `json:"versioned_url" yaml:"versioned_url"`
}

func newURLCmd() *cobra.Command {
	qf := new(queryFlags)
	c := &cobra.Command{
		Use:   "url <url>",
		Short: "Replace the hostname of a url with its key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHyperdns(qf, func(ctx context.Context, m *Hyperdns) error {
				u, err := m.ResolveURL(ctx, args[0], qf.queryOpts())
				if err != nil {
					return err
				}
				res := urlResult{URL: u.Href(), VersionedURL: u.VersionedHref()}
				return printResult(cmd.OutOrStdout(), qf.output, res, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, res.VersionedURL)
					return err
				})
			})
		},
		SilenceUsage: true,
	}
	qf.register(c, true)
	return c
}

func newCacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Manage the resolver cache.",
	}

	newOp := func(use, short string, args cobra.PositionalArgs, op func(ctx context.Context, m *Hyperdns, args []string) error) *cobra.Command {
		qf := new(queryFlags)
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHyperdns(qf, func(ctx context.Context, m *Hyperdns) error {
					return op(ctx, m, args)
				})
			},
			SilenceUsage: true,
		}
		qf.register(sub, false)
		return sub
	}

	c.AddCommand(
		newOp("clear", "Remove all cached records.", cobra.NoArgs, func(ctx context.Context, m *Hyperdns, _ []string) error {
			return m.Clear(ctx)
		}),
		newOp("clear-name <name>...", "Remove the cached records of names.", cobra.MinimumNArgs(1), func(ctx context.Context, m *Hyperdns, args []string) error {
			for _, name := range args {
				if domain, err := resolver.CleanName(name); err == nil {
					name = domain
				}
				if err := m.ClearName(ctx, name); err != nil {
					return err
				}
			}
			return nil
		}),
		newOp("flush", "Remove expired cached records.", cobra.NoArgs, func(ctx context.Context, m *Hyperdns, _ []string) error {
			return m.Flush(ctx)
		}),
	)
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), C.Version)
		},
	}
}
