package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"stagecheck/internal/artifact"
	"stagecheck/internal/snapshot"
)

// storeCmd is the parent command for artifact store inspection
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the artifact store",
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots and traces",
	Args:  cobra.NoArgs,
	RunE:  runStoreList,
}

var storeShowCmd = &cobra.Command{
	Use:   "show <id-or-prefix>",
	Short: "Show one artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreShow,
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show artifact counts and sizes",
	Args:  cobra.NoArgs,
	RunE:  runStoreStats,
}

func runStoreList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	kind, _ := cmd.Flags().GetString("kind")
	switch artifact.Kind(kind) {
	case "", artifact.KindSnapshot, artifact.KindTrace:
	default:
		return fmt.Errorf("unknown kind %q (valid: snapshot, trace)", kind)
	}

	s, err := openSession(false, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := s.store.List(ctx, artifact.Kind(kind))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No artifacts stored.")
		return nil
	}

	cols := []column{{"ID", 14}, {"KIND", 10}, {"STRUCTURE", 14}, {"STATE", 14}, {"SIZE", 9}, {"CREATED", 20}}
	fmt.Fprintln(out, headerRow(cols))
	for _, it := range items {
		row := cell(artifact.Short(it.ID), 14) +
			cell(string(it.Kind), 10) +
			cell(artifact.Short(it.StructuralHash), 14) +
			cell(artifact.Short(it.StateHash), 14) +
			cell(fmt.Sprintf("%d", it.Size), 9) +
			it.CreatedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Fprintln(out, row)
	}
	return nil
}

func runStoreShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(false, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := resolveArtifactID(ctx, s.store, args[0])
	if err != nil {
		return err
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render(string(a.Kind)), a.ID)
	fmt.Fprintf(out, "  structure: %s\n", a.StructuralHash)
	if a.StateHash != "" {
		fmt.Fprintf(out, "  state:     %s\n", a.StateHash)
	}
	fmt.Fprintf(out, "  size:      %d bytes\n", len(a.Payload))
	fmt.Fprintf(out, "  created:   %s\n", a.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	switch a.Kind {
	case artifact.KindSnapshot:
		snap, err := s.snaps.Load(ctx, id)
		if err != nil {
			return err
		}
		writeSnapshot(out, snap)
	case artifact.KindTrace:
		var pretty strings.Builder
		var v any
		if err := json.Unmarshal(a.Payload, &v); err == nil {
			data, _ := json.MarshalIndent(v, "  ", "  ")
			pretty.Write(data)
		} else {
			pretty.Write(a.Payload)
		}
		fmt.Fprintf(out, "\n  %s\n", pretty.String())
	}
	return nil
}

func writeSnapshot(w io.Writer, snap *snapshot.Snapshot) {
	fmt.Fprintf(w, "  top:       %s\n", snap.Top)
	if snap.Base() {
		fmt.Fprintln(w, "  origin:    elaboration")
	} else {
		fmt.Fprintf(w, "  origin:    %s + trace %s\n", artifact.Short(snap.ParentID), artifact.Short(snap.TraceID))
	}

	names := make([]string, 0, len(snap.State))
	for name := range snap.State {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "\n%s\n", headerStyle.Render("State"))
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", name, snap.State[name])
	}

	fmt.Fprintf(w, "\n%s\n", headerStyle.Render("Properties"))
	for _, p := range snap.Properties {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// resolveArtifactID expands a unique id prefix.
func resolveArtifactID(ctx context.Context, store artifact.Store, prefix string) (string, error) {
	if ok, err := store.Has(ctx, prefix); err != nil {
		return "", err
	} else if ok {
		return prefix, nil
	}

	items, err := store.List(ctx, "")
	if err != nil {
		return "", err
	}
	var matches []string
	for _, it := range items {
		if strings.HasPrefix(it.ID, prefix) {
			matches = append(matches, it.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", artifact.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("prefix %s is ambiguous (%d artifacts)", prefix, len(matches))
	}
}

func runStoreStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(false, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Artifact store"))
	if sq, ok := s.store.(*artifact.SQLiteStore); ok {
		fmt.Fprintf(out, "  path:        %s\n", sq.Path())
	} else {
		fmt.Fprintln(out, "  path:        (memory)")
	}
	fmt.Fprintf(out, "  snapshots:   %d\n", st.Snapshots)
	fmt.Fprintf(out, "  traces:      %d\n", st.Traces)
	fmt.Fprintf(out, "  derivations: %d\n", st.Derivations)
	fmt.Fprintf(out, "  bytes:       %d\n", st.Bytes)
	return nil
}
