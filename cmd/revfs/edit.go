package main

import (
	"fmt"
	"strconv"
	"strings"

	"revfs/internal/errors"
	"revfs/internal/fs"
	"revfs/internal/lock"
	"revfs/internal/node"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// commitEdit runs edit in a transaction based on the youngest revision
// and commits it. A failed edit or commit aborts the transaction.
func commitEdit(cmd *cobra.Command, edit func(*fs.Txn) error) error {
	repo, err := openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	message, _ := cmd.Flags().GetString("message")
	user, _ := cmd.Flags().GetString("user")
	tokens, _ := cmd.Flags().GetStringSlice("token")

	youngest, err := repo.Youngest()
	if err != nil {
		return err
	}
	txn, err := repo.BeginTxn(cmd.Context(), youngest, fs.TxnCheckOOD|fs.TxnCheckLocks)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	rev, err := func() (node.Revnum, error) {
		if user != "" {
			if err := txn.SetProp(fs.PropRevAuthor, user); err != nil {
				return node.InvalidRev, err
			}
		}
		if message != "" {
			if err := txn.SetProp(fs.PropRevLog, message); err != nil {
				return node.InvalidRev, err
			}
		}
		if err := edit(txn); err != nil {
			return node.InvalidRev, err
		}
		return txn.Commit(cmd.Context(), lock.Access{Username: user, Tokens: tokens})
	}()
	if err != nil {
		if aerr := txn.Abort(); aerr != nil {
			logger.Warn("aborting transaction", zap.String("txn", txn.Name()), zap.Error(aerr))
		}
		return err
	}

	fmt.Printf("Committed revision %s.\n", color.GreenString("%d", rev))
	return nil
}

// makeParents creates every missing directory above path.
func makeParents(txn *fs.Txn, path string) error {
	cur := "/"
	for _, name := range node.Components(node.Parent(path)) {
		cur = node.Join(cur, name)
		_, err := txn.Node(cur)
		if err == nil {
			continue
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return err
		}
		if err := txn.MakeDir(cur); err != nil {
			return err
		}
	}
	return nil
}

// parseRevision accepts a revision number or HEAD.
func parseRevision(repo *fs.FS, s string) (node.Revnum, error) {
	if strings.EqualFold(s, "HEAD") || s == "" {
		return repo.Youngest()
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return node.InvalidRev, fmt.Errorf("invalid revision '%s'", s)
	}
	return node.Revnum(n), nil
}

// parseRange accepts REV or START:END and returns the bounds in
// ascending order.
func parseRange(repo *fs.FS, s string) (node.Revnum, node.Revnum, error) {
	lo, hi, found := strings.Cut(s, ":")
	start, err := parseRevision(repo, lo)
	if err != nil {
		return node.InvalidRev, node.InvalidRev, err
	}
	if !found {
		return start, start, nil
	}
	end, err := parseRevision(repo, hi)
	if err != nil {
		return node.InvalidRev, node.InvalidRev, err
	}
	if start > end {
		start, end = end, start
	}
	return start, end, nil
}
