// cmd/revfs/main.go
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"revfs/internal/change"
	"revfs/internal/config"
	"revfs/internal/diff"
	"revfs/internal/errors"
	"revfs/internal/fs"
	"revfs/internal/logging"
	"revfs/internal/node"
	"revfs/internal/verify"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	repoPath string
	logLevel string
	logJSON  bool
	logger   = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "revfs",
	Short: "revfs is a transactional versioned-tree store",
	Long: `revfs stores a history of directory trees as numbered revisions.
Changes are staged in transactions and published atomically; file contents
are deltified against earlier versions and identical contents are shared.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		newLogger := logging.NewDevelopment
		if logJSON {
			newLogger = logging.NewLogger
		}
		var err error
		logger, err = newLogger(logLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "R", ".", "Repository path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write structured JSON logs")

	var createCmd = &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new repository with an empty revision 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shard, _ := cmd.Flags().GetInt64("shard")
			cfg := config.Default()
			cfg.Logging.Level = logLevel

			repo, err := fs.Create(args[0], fs.Options{Logger: logger, Config: cfg, MaxFilesPerDir: shard})
			if err != nil {
				return fmt.Errorf("creating repository: %w", err)
			}
			defer repo.Close()

			fmt.Println("Created repository", repo.UUID(), "in", args[0])
			return nil
		},
	}
	createCmd.Flags().Int64("shard", fs.DefaultMaxFilesPerDir, "Revisions per shard directory")

	var infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Show repository format and layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			info, err := repo.Info()
			if err != nil {
				return err
			}
			label := color.New(color.FgCyan).SprintFunc()
			fmt.Printf("%s %s\n", label("Path:"), info.Path)
			fmt.Printf("%s %s\n", label("UUID:"), info.UUID)
			fmt.Printf("%s %d\n", label("Format:"), info.Format)
			fmt.Printf("%s %d\n", label("Shard size:"), info.MaxFilesPerDir)
			fmt.Printf("%s %d\n", label("Min unpacked revision:"), info.MinUnpackedRev)
			fmt.Printf("%s %d\n", label("Youngest revision:"), info.Youngest)
			return nil
		},
	}

	var youngestCmd = &cobra.Command{
		Use:   "youngest",
		Short: "Print the youngest revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			youngest, err := repo.Youngest()
			if err != nil {
				return err
			}
			fmt.Println(youngest)
			return nil
		},
	}

	var putCmd = &cobra.Command{
		Use:   "put <repo-path> <local-file>",
		Short: "Commit the contents of a local file",
		Long:  `Commits a local file to the given path, creating it and any missing parent directories.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[1], err)
			}
			path := node.Canonicalize(args[0])
			return commitEdit(cmd, func(txn *fs.Txn) error {
				if err := makeParents(txn, path); err != nil {
					return err
				}
				if _, err := txn.Node(path); err != nil {
					if err := txn.MakeFile(path); err != nil {
						return err
					}
				}
				return txn.WriteFile(path, data)
			})
		},
	}

	var mkdirCmd = &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Commit a new directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := node.Canonicalize(args[0])
			return commitEdit(cmd, func(txn *fs.Txn) error {
				if err := makeParents(txn, path); err != nil {
					return err
				}
				return txn.MakeDir(path)
			})
		},
	}

	var rmCmd = &cobra.Command{
		Use:   "rm <path>",
		Short: "Commit the deletion of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := node.Canonicalize(args[0])
			return commitEdit(cmd, func(txn *fs.Txn) error {
				return txn.Delete(path)
			})
		},
	}

	var mvCmd = &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Commit a move",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := node.Canonicalize(args[0]), node.Canonicalize(args[1])
			return commitEdit(cmd, func(txn *fs.Txn) error {
				return txn.Move(from, to)
			})
		},
	}

	for _, c := range []*cobra.Command{putCmd, mkdirCmd, rmCmd, mvCmd} {
		c.Flags().StringP("message", "m", "", "Log message")
		c.Flags().StringP("user", "u", os.Getenv("USER"), "Author and lock owner")
		c.Flags().StringSlice("token", nil, "Lock tokens held by the author")
	}

	var catCmd = &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the contents of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			root, err := revisionRoot(cmd, repo)
			if err != nil {
				return err
			}
			data, err := root.ReadFile(node.Canonicalize(args[0]))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	var lsCmd = &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			root, err := revisionRoot(cmd, repo)
			if err != nil {
				return err
			}
			path := "/"
			if len(args) == 1 {
				path = node.Canonicalize(args[0])
			}
			entries, err := root.ListDir(path)
			if err != nil {
				return err
			}
			dir := color.New(color.FgBlue, color.Bold).SprintFunc()
			for _, e := range entries {
				if e.Kind == node.KindDir {
					fmt.Println(dir(e.Name + "/"))
				} else {
					fmt.Println(e.Name)
				}
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{catCmd, lsCmd} {
		c.Flags().StringP("revision", "r", "HEAD", "Revision to read")
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <path>",
		Short: "Show changes to a file between two revisions",
		Long:  `Compares a file between two revisions; by default between HEAD and its predecessor.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			revArg, _ := cmd.Flags().GetString("revision")
			contextLines, _ := cmd.Flags().GetInt("context")
			start, end, err := parseRange(repo, revArg)
			if err != nil {
				return err
			}
			if start == end && start > 0 {
				start--
			}

			path := node.Canonicalize(args[0])
			oldData, err := readVersion(repo, start, path)
			if err != nil {
				return err
			}
			newData, err := readVersion(repo, end, path)
			if err != nil {
				return err
			}

			if diff.IsBinary(oldData) || diff.IsBinary(newData) {
				if !bytes.Equal(oldData, newData) {
					fmt.Printf("Binary files %s@%d and %s@%d differ\n", path, start, path, end)
				}
				return nil
			}
			out, err := diff.NewEngine(contextLines).Diff(oldData, newData).
				Format(fmt.Sprintf("%s@%d", path, start), fmt.Sprintf("%s@%d", path, end))
			if err != nil {
				return err
			}
			printColoredDiff(out)
			return nil
		},
	}
	diffCmd.Flags().StringP("revision", "r", "HEAD", "Revision or range start:end")
	diffCmd.Flags().IntP("context", "U", 3, "Lines of context")

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show revision history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			revArg, _ := cmd.Flags().GetString("revision")
			start, end, err := parseRange(repo, revArg)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")

			// Newest first.
			for rev := end; rev >= start; rev-- {
				if err := printRevision(repo, rev, verbose); err != nil {
					return err
				}
			}
			return nil
		},
	}
	logCmd.Flags().StringP("revision", "r", "HEAD:0", "Revision or range start:end")
	logCmd.Flags().BoolP("verbose", "v", false, "List changed paths")

	var propsetRevCmd = &cobra.Command{
		Use:   "propset-rev <revision> <name> [value]",
		Short: "Set or delete a revision property",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			rev, err := parseRevision(repo, args[0])
			if err != nil {
				return err
			}
			del, _ := cmd.Flags().GetBool("delete")
			var value *string
			switch {
			case del && len(args) == 3:
				return fmt.Errorf("--delete takes no value")
			case !del && len(args) != 3:
				return fmt.Errorf("specify a value or --delete")
			case !del:
				value = &args[2]
			}
			if err := repo.SetRevisionProp(cmd.Context(), rev, args[1], value); err != nil {
				return fmt.Errorf("setting %s on r%d: %w", args[1], rev, err)
			}
			fmt.Printf("Property '%s' updated on r%d\n", args[1], rev)
			return nil
		},
	}
	propsetRevCmd.Flags().Bool("delete", false, "Delete the property")

	var lstxnsCmd = &cobra.Command{
		Use:   "lstxns",
		Short: "List uncommitted transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			names, err := repo.ListTxns()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}

	var rmtxnsCmd = &cobra.Command{
		Use:   "rmtxns <name...>",
		Short: "Remove uncommitted transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			for _, name := range args {
				if err := repo.PurgeTxn(name); err != nil {
					return fmt.Errorf("removing transaction %s: %w", name, err)
				}
				fmt.Println("Removed transaction", name)
			}
			return nil
		},
	}

	var lockCmd = &cobra.Command{
		Use:   "lock <path>",
		Short: "Lock a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			owner, _ := cmd.Flags().GetString("user")
			comment, _ := cmd.Flags().GetString("comment")
			ttl, _ := cmd.Flags().GetDuration("expires")
			var expires time.Time
			if ttl > 0 {
				expires = time.Now().Add(ttl)
			}

			l, err := repo.LockPath(cmd.Context(), node.Canonicalize(args[0]), owner, comment, expires)
			if err != nil {
				return fmt.Errorf("locking %s: %w", args[0], err)
			}
			fmt.Printf("'%s' locked by %s, token %s\n", l.Path, l.Owner, color.YellowString(l.Token))
			return nil
		},
	}
	lockCmd.Flags().StringP("user", "u", os.Getenv("USER"), "Lock owner")
	lockCmd.Flags().StringP("comment", "c", "", "Lock comment")
	lockCmd.Flags().Duration("expires", 0, "Lock lifetime (0 never expires)")

	var unlockCmd = &cobra.Command{
		Use:   "unlock <path>",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			token, _ := cmd.Flags().GetString("token")
			force, _ := cmd.Flags().GetBool("force")
			if err := repo.UnlockPath(cmd.Context(), node.Canonicalize(args[0]), token, force); err != nil {
				return fmt.Errorf("unlocking %s: %w", args[0], err)
			}
			fmt.Printf("'%s' unlocked\n", args[0])
			return nil
		},
	}
	unlockCmd.Flags().String("token", "", "Lock token")
	unlockCmd.Flags().Bool("force", false, "Break a lock held by someone else")

	var packCmd = &cobra.Command{
		Use:   "pack",
		Short: "Pack complete shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			return repo.Pack(cmd.Context(), func(shard int64, action fs.PackAction) {
				if action == fs.PackStart {
					fmt.Printf("Packing shard %d...", shard)
				} else {
					color.Green(" done")
				}
			})
		},
	}

	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check repository consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			start, end := node.InvalidRev, node.InvalidRev
			if revArg, _ := cmd.Flags().GetString("revision"); revArg != "" {
				if start, end, err = parseRange(repo, revArg); err != nil {
					return err
				}
			}
			keepGoing, _ := cmd.Flags().GetBool("keep-going")

			err = verify.Verify(cmd.Context(), repo, start, end, verify.Options{
				KeepGoing: keepGoing,
				Notify: func(rev node.Revnum) {
					if rev == node.InvalidRev {
						fmt.Println("* Verifying rep-cache")
					} else {
						fmt.Printf("* Verifying from r%d\n", rev)
					}
				},
			})
			if err != nil {
				color.Red("Verification failed")
				return err
			}
			color.Green("Verification succeeded")
			return nil
		},
	}
	verifyCmd.Flags().StringP("revision", "r", "", "Revision or range start:end")
	verifyCmd.Flags().Bool("keep-going", false, "Continue after the first failure")

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Print each new revision as it is published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			fmt.Println("Watching", repo.Path(), "(Ctrl-C to stop)")
			return repo.WatchYoungest(cmd.Context(), func(rev node.Revnum) {
				if err := printRevision(repo, rev, true); err != nil {
					logger.Warn("reading revision", zap.Int64("revision", int64(rev)), zap.Error(err))
				}
			})
		},
	}

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(youngestCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(propsetRevCmd)
	rootCmd.AddCommand(lstxnsCmd)
	rootCmd.AddCommand(rmtxnsCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(watchCmd)
}

func openRepo() (*fs.FS, error) {
	repo, err := fs.Open(repoPath, fs.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", repoPath, err)
	}
	return repo, nil
}

func revisionRoot(cmd *cobra.Command, repo *fs.FS) (*fs.Root, error) {
	revArg, _ := cmd.Flags().GetString("revision")
	rev, err := parseRevision(repo, revArg)
	if err != nil {
		return nil, err
	}
	return repo.Root(rev)
}

// printRevision writes the header of rev and, when verbose, its changed
// paths.
func printRevision(repo *fs.FS, rev node.Revnum, verbose bool) error {
	props, err := repo.RevisionProps(rev)
	if err != nil {
		return err
	}
	author := props[fs.PropRevAuthor]
	if author == "" {
		author = "(no author)"
	}

	color.New(color.FgYellow).Printf("r%d", rev)
	fmt.Printf(" | %s | %s\n", author, props[fs.PropRevDate])

	if verbose {
		changes, err := repo.RevisionChanges(rev)
		if err != nil {
			return err
		}
		sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
		for _, c := range changes {
			printChange(c)
		}
	}
	if msg := strings.TrimSpace(props[fs.PropRevLog]); msg != "" {
		fmt.Println()
		fmt.Println(msg)
	}
	fmt.Println(strings.Repeat("-", 72))
	return nil
}

// readVersion returns the contents of path in rev, or nothing when the
// path does not exist there.
func readVersion(repo *fs.FS, rev node.Revnum, path string) ([]byte, error) {
	root, err := repo.Root(rev)
	if err != nil {
		return nil, err
	}
	data, err := root.ReadFile(path)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, nil
	}
	return data, err
}

func printColoredDiff(text string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)
	files := color.New(color.FgCyan, color.Bold)

	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			files.Println(line)
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func printChange(c *change.Change) {
	var (
		letter string
		paint  *color.Color
	)
	switch c.Kind {
	case change.Add, change.Move:
		letter, paint = "A", color.New(color.FgGreen)
	case change.Delete:
		letter, paint = "D", color.New(color.FgRed)
	case change.Replace, change.MoveReplace:
		letter, paint = "R", color.New(color.FgBlue)
	default:
		letter, paint = "M", color.New(color.FgYellow)
	}
	line := fmt.Sprintf("   %s %s", letter, c.Path)
	if c.CopyFromPath != "" {
		line += fmt.Sprintf(" (from %s:%d)", c.CopyFromPath, c.CopyFromRev)
	}
	paint.Println(line)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}
