// Package main implements ragctl, a command-line client for the ragd HTTP API.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/search"
)

var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	server  string
	user    string
	header  string
	timeout time.Duration
	output  string
}

func (o *options) client() *client {
	return newClient(o.server, o.user, o.header, o.timeout)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ragctl",
		Short: "CLI for the ragd document search server",
		Long: `ragctl manages collections, uploads documents and runs semantic
searches against a ragd server.

Every API call is made as the identity given by --user (or RAGD_USER).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("RAGD_SERVER", "http://localhost:9090"), "ragd server URL")
	flags.StringVar(&opts.user, "user", os.Getenv("RAGD_USER"), "identity sent with each request")
	flags.StringVar(&opts.header, "identity-header", auth.DefaultHeader, "header carrying the identity")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newHealthCmd(opts),
		newCollectionsCmd(opts),
		newFilesCmd(opts),
		newUploadCmd(opts),
		newChunksCmd(opts),
		newSearchCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().Health(cmd.Context())
			if h != nil {
				if opts.output == "json" {
					_ = writeJSON(cmd.OutOrStdout(), h)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", h.Status)
					for name, state := range h.Components {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", name, state)
					}
				}
			}
			return err
		},
	}
}

func newCollectionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collections",
		Aliases: []string{"collection", "col"},
		Short:   "Manage collections",
	}

	var metadata string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			c, err := opts.client().CreateCollection(cmd.Context(), args[0], meta)
			if err != nil {
				return err
			}
			return printCollections(cmd.OutOrStdout(), opts.output, []ragdhttp.CollectionResponse{*c})
		},
	}
	create.Flags().StringVar(&metadata, "metadata", "", "collection metadata as a JSON object")

	list := &cobra.Command{
		Use:   "list",
		Short: "List your collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cols, err := opts.client().ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			return printCollections(cmd.OutOrStdout(), opts.output, cols)
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client().GetCollection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCollections(cmd.OutOrStdout(), opts.output, []ragdhttp.CollectionResponse{*c})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a collection with all its files and chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteCollection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted collection %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, get, del)
	return cmd
}

func newFilesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List, count or delete ingested files",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list [collection]",
		Short: "List files in a collection, or in all your collections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var collectionID string
			if len(args) == 1 {
				collectionID = args[0]
			}
			page, err := opts.client().ListFiles(cmd.Context(), collectionID, limit, offset)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOLLECTION\tFILENAME\tTYPE\tSIZE\tCHUNKS\tUPLOADED")
			for _, f := range page.Files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					f.ID, f.CollectionID, f.Filename, f.ContentType, f.Size, f.ChunkCount, f.UploadedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "showing %d of %d files\n", len(page.Files), page.Total)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	list.Flags().IntVar(&offset, "offset", 0, "files to skip")

	stats := &cobra.Command{
		Use:   "stats [collection]",
		Short: "Show the file count of a collection, or your total storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				st, err := opts.client().FileStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d files in %s\n", st.FileCount, st.CollectionID)
				return nil
			}
			u, err := opts.client().Usage(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), u)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files, %.2f MB\n", u.FileCount, u.TotalFileSizeMB)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <collection> <file-id>",
		Short: "Delete a file and its chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteFile(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted file %s\n", args[1])
			return nil
		},
	}

	cmd.AddCommand(list, stats, del)
	return cmd
}

func newUploadCmd(opts *options) *cobra.Command {
	var (
		metadata  string
		batchSize int
		collect   collectOptions
	)
	cmd := &cobra.Command{
		Use:   "upload <collection> <path>...",
		Short: "Upload and ingest documents",
		Long: `Upload documents into a collection. Each file is extracted, chunked and
embedded by the server. Uploading a filename that already exists replaces
the earlier version.

Directories are walked recursively. Rules in .gitignore and .ragignore at
the directory root are honored, and files the server cannot extract are
skipped.

Examples:
  ragctl upload <collection-id> guide.md notes.pdf
  ragctl upload <collection-id> ./docs --exclude 'drafts/'
  ragctl upload <collection-id> report.html --metadata '{"team":"docs"}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			files, skips, err := collectFiles(args[1:], collect)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range skips {
				fmt.Fprintf(out, "  skipped: %s: %s\n", s.path, s.reason)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to upload")
			}

			c := opts.client()
			var errs []error
			for _, batch := range batches(files, batchSize) {
				resp, err := c.Upload(cmd.Context(), args[0], batch, meta)
				if resp != nil {
					if opts.output == "json" {
						_ = writeJSON(out, resp)
					} else {
						printUpload(out, resp)
					}
				}
				if err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata applied to every file, as a JSON object")
	cmd.Flags().IntVar(&batchSize, "batch", 20, "files per upload request")
	cmd.Flags().Int64Var(&collect.maxSize, "max-size", 50<<20, "skip walked files larger than this many bytes")
	cmd.Flags().StringArrayVar(&collect.exclude, "exclude", nil, "extra gitignore-style rule for walked directories")
	return cmd
}

func newChunksCmd(opts *options) *cobra.Command {
	var (
		fileID        string
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "chunks <collection>",
		Short: "Page through stored chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().ListChunks(cmd.Context(), args[0], fileID, limit, offset)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			for _, c := range resp.Chunks {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s #%d] %s\n", c.FileID, c.Ordinal, preview(c.Content, 120))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fileID, "file", "", "only chunks of this file ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "chunks to skip")
	return cmd
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		limit    int
		source   string
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "search <collection> <query>...",
		Short: "Run a semantic search",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ragdhttp.SearchRequest{
				Query:   strings.Join(args[1:], " "),
				Limit:   limit,
				Filters: search.Filters{Source: source},
			}
			var err error
			if req.Filters.From, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.Filters.To, err = parseTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			resp, err := opts.client().Search(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			printSearch(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (server default when 0)")
	cmd.Flags().StringVar(&source, "source", "", "only chunks from this source filename")
	cmd.Flags().StringVar(&from, "from", "", "only files uploaded at or after this RFC3339 time")
	cmd.Flags().StringVar(&to, "to", "", "only files uploaded at or before this RFC3339 time")
	return cmd
}

func parseMetadata(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("--metadata must be a JSON object: %w", err)
	}
	return meta, nil
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCollections(w io.Writer, format string, cols []ragdhttp.CollectionResponse) error {
	if format == "json" {
		return writeJSON(w, cols)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, c := range cols {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Name, c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printUpload(w io.Writer, resp *ragdhttp.UploadResponse) {
	fmt.Fprintf(w, "%s (%d chunks added)\n", resp.Message, resp.AddedChunks)
	for _, f := range resp.FailedFiles {
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Filename, f.Error)
	}
	for _, warning := range resp.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func printSearch(w io.Writer, resp *search.Response) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	for i, r := range resp.Results {
		source, _ := r.Metadata["source"].(string)
		fmt.Fprintf(w, "%d. [%.3f] %s #%d\n   %s\n", i+1, r.Score, source, r.Ordinal, preview(r.Content, 200))
	}
}

// preview flattens whitespace and truncates to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
