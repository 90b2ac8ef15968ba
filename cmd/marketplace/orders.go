package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tradeloft/marketplace/services/orders"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Designer order workflow tools",
}

var ordersGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the designer order transition table",
	Long: `Print every legal status change and who may make it.

  marketplace orders graph              # table
  marketplace orders graph --format dot # Graphviz`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return writeGraph(cmd.OutOrStdout(), format)
	},
}

func init() {
	ordersGraphCmd.Flags().String("format", "table", "output format: table or dot")
	ordersCmd.AddCommand(ordersGraphCmd)
	rootCmd.AddCommand(ordersCmd)
}

func writeGraph(w io.Writer, format string) error {
	edges := orders.Edges()
	switch format {
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FROM\tTO\tACTORS")
		for _, e := range edges {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.From, e.To, joinActors(e.Actors))
		}
		return tw.Flush()
	case "dot":
		fmt.Fprintln(w, "digraph designer_orders {")
		fmt.Fprintln(w, "  rankdir=LR;")
		for _, s := range orders.AllStatuses() {
			shape := "ellipse"
			if s.Terminal() {
				shape = "doublecircle"
			}
			fmt.Fprintf(w, "  %s [shape=%s];\n", s, shape)
		}
		for _, e := range edges {
			fmt.Fprintf(w, "  %s -> %s [label=%q];\n", e.From, e.To, joinActors(e.Actors))
		}
		fmt.Fprintln(w, "}")
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table or dot)", format)
	}
}

func joinActors(actors []orders.Actor) string {
	names := make([]string, len(actors))
	for i, a := range actors {
		names[i] = string(a)
	}
	return strings.Join(names, ",")
}
