package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/version"
)

// VersionsOptions holds flags shared by the versions subcommands.
type VersionsOptions struct {
	*RootOptions
	StoreFlags
	DocID  string
	Author string
	Label  string
}

// NewVersionsCommand creates the versions command and its subcommands.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VersionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List, inspect, compare, save and restore document versions",
		Long: `Work with the named versions of a document directly against the store.

A restore or save made here is written to the store only. Clients connected
to a running relay see it once the document's room is reloaded; use the
relay's REST endpoints to restore a live document.

Examples:
  weave versions list --db ./weave.db --doc flow-1
  weave versions compare 2 live --db ./weave.db --doc flow-1
  weave versions restore 2 --db ./weave.db --doc flow-1`,
	}

	cmd.AddCommand(
		opts.subcommand("list", "List versions", cobra.NoArgs, runVersionsList),
		opts.subcommand("show <version>", "Show the content of a version", cobra.ExactArgs(1), runVersionsShow),
		opts.subcommand("compare <a> [b|live]", "Diff two versions, or a version against the live document", cobra.RangeArgs(1, 2), runVersionsCompare),
		opts.subcommand("restore <version>", "Bring the document back to a version", cobra.ExactArgs(1), runVersionsRestore),
		opts.subcommand("save", "Save the current document as a new version", cobra.NoArgs, runVersionsSave),
	)
	return cmd
}

type versionsRunner func(ctx context.Context, opts *VersionsOptions, st docStore, args []string, out *OutputFormatter) error

func (o *VersionsOptions) subcommand(use, short string, args cobra.PositionalArgs, run versionsRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			out := &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: o.Verbose}
			return run(ctx, o, st, args, out)
		},
	}
	o.StoreFlags.register(cmd)
	cmd.Flags().StringVar(&o.DocID, "doc", "", "document id (required)")
	_ = cmd.MarkFlagRequired("doc")
	switch cmd.Name() {
	case "save":
		cmd.Flags().StringVar(&o.Label, "label", "", "version label")
		cmd.Flags().StringVar(&o.Author, "author", "cli", "author recorded on the version")
	case "restore":
		cmd.Flags().StringVar(&o.Author, "author", "cli", "client id the restore operations are written under")
	}
	return cmd
}

func parseVersion(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid version %q: must be a positive integer", raw))
	}
	return v, nil
}

func getSnapshot(ctx context.Context, st docStore, docID string, v int64) (ir.VersionSnapshot, error) {
	snap, err := st.GetSnapshot(ctx, docID, v)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return snap, WrapExitError(ExitFailure, fmt.Sprintf("no version %d of %s", v, docID), err)
		}
		return snap, WrapExitError(ExitCommandError, "failed to read version", err)
	}
	if err := snap.Verify(); err != nil {
		return snap, WrapExitError(ExitFailure, fmt.Sprintf("version %d of %s is corrupt", v, docID), err)
	}
	return snap, nil
}

func runVersionsList(ctx context.Context, opts *VersionsOptions, st docStore, _ []string, out *OutputFormatter) error {
	infos, err := st.ListSnapshots(ctx, opts.DocID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list versions", err)
	}
	if infos == nil {
		infos = []ir.VersionInfo{}
	}
	if out.Format == "json" {
		return out.Success(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintf(out.Writer, "No versions of %s.\n", opts.DocID)
		return nil
	}
	for _, info := range infos {
		created := time.UnixMilli(info.CreatedMs).UTC().Format(time.RFC3339)
		fmt.Fprintf(out.Writer, "v%-4d %s  %-12s %s  %s\n", info.Version, created, info.Author, shortHash(info.StateHash), info.Label)
	}
	return nil
}

// VersionDetail is the show output.
type VersionDetail struct {
	ir.VersionInfo
	View ir.View `json:"view"`
}

func runVersionsShow(ctx context.Context, opts *VersionsOptions, st docStore, args []string, out *OutputFormatter) error {
	v, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	snap, err := getSnapshot(ctx, st, opts.DocID, v)
	if err != nil {
		return err
	}
	view, err := doc.ViewOf(snap.State)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to decode version", err)
	}
	if out.Format == "json" {
		return out.Success(VersionDetail{VersionInfo: snap.Info(), View: view})
	}

	w := out.Writer
	fmt.Fprintf(w, "%s v%d by %s", snap.DocID, snap.Version, snap.Author)
	if snap.Label != "" {
		fmt.Fprintf(w, " (%s)", snap.Label)
	}
	fmt.Fprintf(w, "\nstate %s\n", snap.StateHash)
	writeView(w, view)
	return nil
}

func writeView(w io.Writer, view ir.View) {
	fmt.Fprintf(w, "Nodes: %d\n", len(view.Nodes))
	for _, id := range sortedIDs(view.Nodes) {
		n := view.Nodes[id]
		fmt.Fprintf(w, "  %s %s at (%d, %d)", id, n.Type, n.Position.X, n.Position.Y)
		if len(n.Config) > 0 {
			fmt.Fprintf(w, " config %s", formatValue(n.Config))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Edges: %d\n", len(view.Edges))
	for _, id := range sortedIDs(view.Edges) {
		e := view.Edges[id]
		fmt.Fprintf(w, "  %s %s -> %s", id, e.From, e.To)
		if e.Label != "" {
			fmt.Fprintf(w, " [%s]", e.Label)
		}
		fmt.Fprintln(w)
	}
	if len(view.Metadata) > 0 {
		fmt.Fprintln(w, "Metadata:")
		for _, key := range sortedIDs(view.Metadata) {
			fmt.Fprintf(w, "  %s = %s\n", key, formatValue(view.Metadata[key]))
		}
	}
}

func runVersionsCompare(ctx context.Context, opts *VersionsOptions, st docStore, args []string, out *OutputFormatter) error {
	av, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	a, err := getSnapshot(ctx, st, opts.DocID, av)
	if err != nil {
		return err
	}
	aView, err := doc.ViewOf(a.State)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to decode version", err)
	}

	var bView ir.View
	bName := "live"
	if len(args) == 1 || args[1] == "live" {
		d, _, err := store.Load(ctx, st, opts.DocID, "cli")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load document", err)
		}
		bView = d.View()
	} else {
		bv, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		b, err := getSnapshot(ctx, st, opts.DocID, bv)
		if err != nil {
			return err
		}
		if bView, err = doc.ViewOf(b.State); err != nil {
			return WrapExitError(ExitCommandError, "failed to decode version", err)
		}
		bName = "v" + args[1]
	}

	diff := version.Compare(aView, bView)
	if out.Format == "json" {
		return out.Success(diff)
	}
	if diff.Empty() {
		fmt.Fprintf(out.Writer, "v%d and %s are identical\n", av, bName)
		return nil
	}
	fmt.Fprintf(out.Writer, "v%d -> %s\n", av, bName)
	writeEntityDiffs(out.Writer, "node", diff.Nodes)
	writeEntityDiffs(out.Writer, "edge", diff.Edges)
	for _, f := range diff.Metadata {
		fmt.Fprintf(out.Writer, "~ meta %s: %s -> %s\n", f.Field, formatValue(f.Before), formatValue(f.After))
	}
	return nil
}

func writeEntityDiffs(w io.Writer, kind string, diffs []version.EntityDiff) {
	for _, d := range diffs {
		switch d.Status {
		case version.Added:
			fmt.Fprintf(w, "+ %s %s\n", kind, d.ID)
		case version.Removed:
			fmt.Fprintf(w, "- %s %s\n", kind, d.ID)
		default:
			fmt.Fprintf(w, "~ %s %s\n", kind, d.ID)
		}
		for _, f := range d.Fields {
			fmt.Fprintf(w, "    %s: %s -> %s\n", f.Field, formatValue(f.Before), formatValue(f.After))
		}
	}
}

func runVersionsRestore(ctx context.Context, opts *VersionsOptions, st docStore, args []string, out *OutputFormatter) error {
	v, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	snap, err := getSnapshot(ctx, st, opts.DocID, v)
	if err != nil {
		return err
	}
	d, _, err := store.Load(ctx, st, opts.DocID, opts.Author)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load document", err)
	}

	tx, report, err := version.Restore(d, snap)
	if len(tx.Ops) > 0 {
		if _, aerr := st.AppendOperations(ctx, opts.DocID, tx.Ops); aerr != nil {
			return WrapExitError(ExitCommandError, "failed to write restore operations", aerr)
		}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("restore of v%d stopped part-way", v), err)
	}
	opts.logger(out.GetErrWriter()).Info("restored", "doc", opts.DocID, "version", v, "ops", report.Ops)

	if out.Format == "json" {
		return out.Success(report)
	}
	fmt.Fprintf(out.Writer, "Restored %s to v%d (%d operations)\n", opts.DocID, v, report.Ops)
	for _, old := range sortedIDs(report.Recreated) {
		fmt.Fprintf(out.Writer, "  re-created %s as %s\n", old, report.Recreated[old])
	}
	if cerr := report.Err(); cerr != nil {
		fmt.Fprintf(out.Writer, "Warning: %v\n", cerr)
	}
	return nil
}

func runVersionsSave(ctx context.Context, opts *VersionsOptions, st docStore, _ []string, out *OutputFormatter) error {
	d, _, err := store.Load(ctx, st, opts.DocID, opts.Author)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load document", err)
	}
	snap, err := version.Take(d, version.Meta{Author: opts.Author, Label: opts.Label})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to take snapshot", err)
	}
	snap, err = st.SaveSnapshot(ctx, snap)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to save snapshot", err)
	}
	if out.Format == "json" {
		return out.Success(snap.Info())
	}
	fmt.Fprintf(out.Writer, "Saved %s v%d (%s)\n", snap.DocID, snap.Version, shortHash(snap.StateHash))
	return nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func formatValue(v ir.Value) string {
	if v == nil {
		return "-"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
