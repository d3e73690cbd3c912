package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/catalog"
	"github.com/sap-gg/renderbox/internal/deps"
)

var listFlags = struct {
	manifestPath string
}{}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the variants of the manifest with their resolved archive URLs.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := catalog.Load(cmd.Context(), listFlags.manifestPath)
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "VERSION\tSERIES\tIMAGE\tBASE\tPACKAGES\tTAGS\tURL")
		for _, spec := range c.Variants() {
			url, err := catalog.ResolveURL(spec)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			packages, err := deps.Resolve(spec, c.Baseline)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				spec.ID,
				spec.MajorSeries,
				c.ImageRef(spec),
				spec.BaseImageRef,
				len(packages),
				orDash(strings.Join(spec.Tags, ",")),
				url)
		}
		return tw.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFlags.manifestPath, "manifest", "m", internal.ManifestFileName,
		"Path to the manifest file (.yaml or .toml)")
}
