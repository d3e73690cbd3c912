package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/assemble"
)

const SummaryVersion = internal.SummaryVersion

// Status is the final outcome of one variant.
type Status string

const (
	Success          Status = "Success"
	FetchFailed      Status = "FetchFailed"
	InstallFailed    Status = "InstallFailed"
	DependencyFailed Status = "DependencyFailed"
	PublishFailed    Status = "PublishFailed"
)

func statusOf(s assemble.State) Status {
	switch s {
	case assemble.Sealed:
		return Success
	case assemble.FetchFailed:
		return FetchFailed
	case assemble.InstallFailed:
		return InstallFailed
	}
	return DependencyFailed
}

type Result struct {
	VersionID   string        `yaml:"versionId" json:"versionId"`
	Status      Status        `yaml:"status" json:"status"`
	ImageTag    string        `yaml:"imageTag,omitempty" json:"imageTag,omitempty"`
	ImageRef    string        `yaml:"imageRef,omitempty" json:"imageRef,omitempty"`
	TreeDigest  string        `yaml:"treeDigest,omitempty" json:"treeDigest,omitempty"`
	Transitions []string      `yaml:"transitions" json:"transitions"`
	Error       string        `yaml:"error,omitempty" json:"error,omitempty"`
	Duration    time.Duration `yaml:"-" json:"-"`
	Took        string        `yaml:"duration" json:"duration"`

	err error
}

// Err is the failure of the variant, nil on success.
func (r *Result) Err() error {
	return r.err
}

func newResult(res *assemble.Result) *Result {
	r := &Result{
		VersionID: res.VersionID,
		Status:    statusOf(res.State),
		Duration:  res.Duration,
		err:       res.Err,
	}
	for _, s := range res.Transitions {
		r.Transitions = append(r.Transitions, string(s))
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if res.Image != nil {
		r.ImageTag = res.ImageTag
		r.ImageRef = res.Image.Ref
		r.TreeDigest = res.Image.TreeDigest
	}
	return r
}

// Summary is the machine-readable report of a run.
type Summary struct {
	Version int    `yaml:"version" json:"version"`
	RunID   string `yaml:"runId" json:"runId"`
	// WorkDir is only set when the work directory was kept.
	WorkDir  string        `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	Results  []*Result     `yaml:"results" json:"results"`
	Duration time.Duration `yaml:"-" json:"-"`
}

// ExitCode is 0 when every result succeeded, including when there are none.
func (s *Summary) ExitCode() int {
	for _, r := range s.Results {
		if r.Status != Success {
			return 1
		}
	}
	return 0
}

// Counts returns the number of results per status.
func (s *Summary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}

// Write encodes the summary as yaml or json.
func (s *Summary) Write(ctx context.Context, w io.Writer, format string) error {
	for _, r := range s.Results {
		r.Took = r.Duration.Round(time.Millisecond).String()
	}
	if err := CheckFormat(format); err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return internal.NewYAMLEncoder(w).EncodeContext(ctx, s)
}

// CheckFormat fails for summary formats Write does not support.
func CheckFormat(format string) error {
	switch format {
	case "", "yaml", "json":
		return nil
	}
	return fmt.Errorf("unknown summary format %q (want yaml or json)", format)
}

// PrintTable writes a human readable overview of the results.
func (s *Summary) PrintTable(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tSTATUS\tIMAGE\tDURATION")
	for _, r := range s.Results {
		image := r.ImageRef
		if image == "" {
			image = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.VersionID,
			colorFor(r.Status).Sprint(r.Status),
			image,
			r.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()

	counts := s.Counts()
	_, _ = fmt.Fprintf(w, "%d built, %d failed in %s\n",
		counts[Success],
		len(s.Results)-counts[Success],
		s.Duration.Round(time.Millisecond))
}

func colorFor(s Status) *color.Color {
	switch s {
	case Success:
		return color.New(color.FgGreen)
	case PublishFailed:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgRed)
}
