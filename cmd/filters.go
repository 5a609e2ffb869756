package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/spf13/cobra"
)

// CreateFiltersCmd creates the filters command.
func CreateFiltersCmd() *cobra.Command {
	var showHidden bool

	cmd := &cobra.Command{
		Use:   "filters [name]",
		Short: "List registered filters",
		Long:  `Lists the built-in filter types. With a name, prints its arguments and capability bundles.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := NewRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return listFilters(out, reg.All())
			}
			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			return describeFilter(out, d, showHidden)
		},
		PersistentPreRun: skipServerSetup,
	}

	cmd.Flags().BoolVar(&showHidden, "hidden", false, "Include hidden arguments")
	return cmd
}

func listFilters(out io.Writer, descs []*filter.Descriptor) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tDESCRIPTION")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, role(d), d.Description)
	}
	return w.Flush()
}

func role(d *filter.Descriptor) string {
	var r string
	switch {
	case d.IsSource():
		r = "source"
	case d.IsSink():
		r = "sink"
	default:
		r = "filter"
	}
	if d.Explicit {
		r += ",explicit"
	}
	return r
}

func describeFilter(out io.Writer, d *filter.Descriptor, showHidden bool) error {
	fmt.Fprintf(out, "%s: %s\n", d.Name, d.Description)
	thread := d.Thread
	if thread == "" {
		thread = filter.ThreadAny
	}
	fmt.Fprintf(out, "role: %s  thread: %s  priority: %d\n", role(d), thread, d.Priority)

	if len(d.Args) > 0 {
		fmt.Fprintln(out, "\nArguments:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, a := range d.Args {
			if a.Flags&filter.ArgHidden != 0 && !showHidden {
				continue
			}
			var flags []string
			if a.Flags&filter.ArgRequired != 0 {
				flags = append(flags, "required")
			}
			if a.Flags&filter.ArgUpdatable != 0 {
				flags = append(flags, "updatable")
			}
			def := a.Default
			if len(a.Enum) > 0 {
				def += " (" + strings.Join(a.Enum, "|") + ")"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", a.Name, a.Kind, def, strings.Join(flags, ","), a.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nCapabilities:")
	for i, bundle := range d.Caps.Strings() {
		fmt.Fprintf(out, "  bundle %d:\n", i+1)
		for _, c := range bundle {
			fmt.Fprintf(out, "    %s\n", c)
		}
	}
	return nil
}
