package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/hotplug"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print what it declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			path := configPath()

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log.Info().Str("config", path).Msg("config is valid")

			checkSources(ctx, cfg)

			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}

	return cmd
}

// checkSources reports which configured hot-plug sources work on this host.
func checkSources(ctx context.Context, cfg *config.Config) {
	log := zerolog.Ctx(ctx)

	for _, src := range hotplugSources(cfg) {
		if src.Available(ctx) {
			log.Info().Str("source", src.Name()).Msg("hot-plug source available")
		} else {
			log.Warn().Str("source", src.Name()).Msg("hot-plug source unavailable on this host")
		}
	}

	log.Debug().Strs("kinds", hotplug.DefaultFactory().Kinds()).Msg("device kinds")
}

func formatTags(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+m[k])
	}

	return strings.Join(parts, ",")
}

func printConfig(out io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "TEMPLATE\tKIND\tMATCH\tCAPABILITIES")

	for _, t := range cfg.Templates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Kind, formatTags(t.Match), strings.Join(t.Capabilities, ","))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "STATIC\tKIND\tTAGS\tCAPABILITIES")

	for _, s := range cfg.Static {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Kind, formatTags(s.Tags), strings.Join(s.Capabilities, ","))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "BOARD\tMODE\tDEPENDS\tSTEPS")

	for _, b := range cfg.Boards {
		for _, m := range b.Modes {
			steps := make([]string, 0, len(m.Sequence))
			for _, st := range m.Sequence {
				step := st.Action
				if st.Line != "" {
					step += "(" + st.Line + ")"
				}

				steps = append(steps, step)
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Name, m.Name, m.Depends, strings.Join(steps, " > "))
		}
	}

	return tw.Flush()
}
