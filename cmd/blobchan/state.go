package main

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-resumable/internal/statefile"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/spf13/cobra"
)

func (a *app) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <state file>",
		Short: "Print a saved transfer state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := describeState(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
}

func describeState(path string) (string, error) {
	write, err := statefile.LoadWrite(path)
	if err == nil {
		return fmt.Sprintf("%s hash=%016x", write, write.Hash()), nil
	}
	if !errors.Is(err, storage.ErrInvalidState) {
		return "", err
	}

	read, err := statefile.LoadRead(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s hash=%016x", read, read.Hash()), nil
}
