package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/nasgate/internal/nas"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Resolve endpoints and log in to every enabled API family",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder on the NAS",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file (local path \"-\" writes to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a file",
		Long: `Upload a local file. If remote-path ends in "/" the local file name is
kept. Missing parent folders are created. An existing remote file is an
error unless --overwrite is given.`,
		Args: cobra.ExactArgs(2),
		RunE: runPut,
	}

	cmd.Flags().Bool("overwrite", false, "replace an existing remote file")

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder on the NAS. Deleting a path that does not exist
succeeds and reports that nothing was there.

Use --recursive (-r) to confirm intent when deleting folders.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (with parents)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

// withSessions builds a session manager for one command and logs out when
// fn returns.
func withSessions(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, sessions *nas.SessionManager) error) error {
	cc := mustCLIContext(cmd.Context())

	sessions, err := newSessions(cc, nil)
	if err != nil {
		return err
	}
	defer closeSessions(sessions)

	return fn(cmd.Context(), cc, sessions)
}

func withFiles(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, files *nas.Files) error) error {
	return withSessions(cmd, func(ctx context.Context, cc *CLIContext, sessions *nas.SessionManager) error {
		return fn(ctx, cc, nas.NewFiles(sessions, cc.Logger))
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// probeResult is one row of probe output.
type probeResult struct {
	Family   string `json:"family"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, _ []string) error {
	return withSessions(cmd, func(ctx context.Context, cc *CLIContext, sessions *nas.SessionManager) error {
		var (
			results []probeResult
			failed  bool
		)

		for _, family := range nas.Families {
			r := probeResult{Family: family.String()}

			if _, err := sessions.Session(ctx, family); err != nil {
				if errors.Is(err, nas.ErrFamilyNotConfigured) {
					continue
				}

				r.Error = err.Error()
				failed = true
			} else {
				r.Endpoint, _ = sessions.CurrentEndpoint(family)
			}

			results = append(results, r)
		}

		out := cmd.OutOrStdout()

		if cc.Flags.JSON {
			if err := printJSON(out, results); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				status := "ok " + r.Endpoint
				if r.Error != "" {
					status = "FAILED: " + r.Error
				}

				rows = append(rows, []string{r.Family, status})
			}

			printTable(out, []string{"FAMILY", "STATUS"}, rows)
		}

		if failed {
			return errors.New("one or more API families could not log in")
		}

		return nil
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		entries, err := files.List(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("listing %q: %w", remotePath, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), toEntryJSON(entries))
		}

		printEntriesTable(cmd.OutOrStdout(), entries)

		return nil
	})
}

// entryJSON is the JSON output schema for ls and stat.
type entryJSON struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	IsFolder   bool   `json:"is_folder"`
	Size       *int64 `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

func newEntryJSON(e *nas.RemoteEntry) entryJSON {
	out := entryJSON{Name: e.Name, Path: e.Path, IsFolder: e.IsDir}

	if !e.IsDir && e.Size != nas.SizeUnknown {
		size := e.Size
		out.Size = &size
	}

	if !e.ModifiedAt.IsZero() {
		out.ModifiedAt = e.ModifiedAt.UTC().Format(time.RFC3339)
	}

	return out
}

func toEntryJSON(entries []nas.RemoteEntry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for i := range entries {
		out = append(out, newEntryJSON(&entries[i]))
	}

	return out
}

func printEntriesTable(w io.Writer, entries []nas.RemoteEntry) {
	// Folders first, then alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		return entries[i].Name < entries[j].Name
	})

	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		name, size, modified := e.Name, "-", "-"
		if e.IsDir {
			name += "/"
		} else if e.Size != nas.SizeUnknown {
			size = formatSize(e.Size)
		}

		if !e.ModifiedAt.IsZero() {
			modified = formatTime(e.ModifiedAt)
		}

		rows = append(rows, []string{name, size, modified})
	}

	printTable(w, []string{"NAME", "SIZE", "MODIFIED"}, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	remotePath := args[0]

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		entry, err := files.Stat(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", remotePath, err)
		}

		out := cmd.OutOrStdout()

		if cc.Flags.JSON {
			return printJSON(out, newEntryJSON(entry))
		}

		printStatText(out, entry)

		return nil
	})
}

func printStatText(w io.Writer, e *nas.RemoteEntry) {
	itemType := "file"
	if e.IsDir {
		itemType = "folder"
	}

	fmt.Fprintf(w, "Name:     %s\n", e.Name)
	fmt.Fprintf(w, "Path:     %s\n", e.Path)
	fmt.Fprintf(w, "Type:     %s\n", itemType)

	if !e.IsDir && e.Size != nas.SizeUnknown {
		fmt.Fprintf(w, "Size:     %s (%d bytes)\n", formatSize(e.Size), e.Size)
	}

	if !e.ModifiedAt.IsZero() {
		fmt.Fprintf(w, "Modified: %s\n", e.ModifiedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := nas.CleanPath(args[0])

	localPath := path.Base(remotePath)
	if len(args) > 1 {
		localPath = args[1]
	}

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		dl, err := files.Download(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("downloading %q: %w", remotePath, err)
		}
		defer dl.Body.Close()

		if localPath == "-" {
			_, err := dl.CopyTo(cmd.OutOrStdout())
			return err
		}

		n, err := saveDownload(dl, localPath)
		if err != nil {
			return err
		}

		cc.Logger.Debug("download complete", "local_path", localPath, "bytes", n)
		cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

		return nil
	})
}

// saveDownload writes dl to a .partial file next to localPath and renames
// it into place once complete, so an interrupted download never leaves a
// truncated file under the final name.
func saveDownload(dl *nas.Download, localPath string) (int64, error) {
	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file for download: %w", err)
	}

	n, copyErr := dl.CopyTo(f)
	closeErr := f.Close()

	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		os.Remove(partialPath)
		return 0, fmt.Errorf("writing %q: %w", localPath, copyErr)
	}

	if dl.ContentLength >= 0 && n != dl.ContentLength {
		os.Remove(partialPath)
		return 0, fmt.Errorf("short download of %q: got %d of %d bytes", localPath, n, dl.ContentLength)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}

// splitRemoteTarget resolves put's remote argument into a folder and file
// name. A trailing slash keeps the local file name.
func splitRemoteTarget(remote, localPath string) (string, string) {
	if remote == "" || remote[len(remote)-1] == '/' {
		return nas.CleanPath(remote), filepath.Base(localPath)
	}

	clean := nas.CleanPath(remote)

	return path.Dir(clean), path.Base(clean)
}

// putJSONOutput is the JSON output schema for the put command.
type putJSONOutput struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]

	overwrite, err := cmd.Flags().GetBool("overwrite")
	if err != nil {
		return err
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	dir, name := splitRemoteTarget(args[1], localPath)

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("opening local file: %w", err)
		}
		defer f.Close()

		desc, err := files.Upload(ctx, dir, name, f, overwrite)
		if err != nil {
			if errors.Is(err, nas.ErrAlreadyExists) {
				return fmt.Errorf("%s already exists (use --overwrite to replace it)", nas.JoinPath(dir, name))
			}

			return fmt.Errorf("uploading %q: %w", localPath, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), putJSONOutput{Path: desc.Path, Size: desc.Size})
		}

		cc.Statusf("Uploaded %s (%s)\n", desc.Path, formatSize(desc.Size))

		return nil
	})
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

func runRm(cmd *cobra.Command, args []string) error {
	remotePath := nas.CleanPath(args[0])
	if remotePath == "/" {
		return errors.New("refusing to delete the root folder")
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		deleted := false

		entry, err := files.Stat(ctx, remotePath)

		switch {
		case errors.Is(err, nas.ErrNotFound):
		case err != nil:
			return fmt.Errorf("stat %q: %w", remotePath, err)
		case entry.IsDir && !recursive:
			return fmt.Errorf("cannot delete folder %q without --recursive (-r) flag", remotePath)
		case entry.IsDir:
			deleted, err = files.DeleteFolder(ctx, remotePath, true)
		default:
			deleted, err = files.DeleteFile(ctx, remotePath)
		}

		if err != nil {
			return fmt.Errorf("deleting %q: %w", remotePath, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), rmJSONOutput{Path: remotePath, Deleted: deleted})
		}

		if deleted {
			cc.Statusf("Deleted %s\n", remotePath)
		} else {
			cc.Statusf("Nothing at %s\n", remotePath)
		}

		return nil
	})
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	remotePath := nas.CleanPath(args[0])
	if remotePath == "/" {
		return errors.New("cannot create root folder")
	}

	return withFiles(cmd, func(ctx context.Context, cc *CLIContext, files *nas.Files) error {
		created, err := files.CreateFolder(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("creating folder %q: %w", remotePath, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), mkdirJSONOutput{Path: remotePath, Created: created})
		}

		if created {
			cc.Statusf("Created %s\n", remotePath)
		} else {
			cc.Statusf("%s already exists\n", remotePath)
		}

		return nil
	})
}
