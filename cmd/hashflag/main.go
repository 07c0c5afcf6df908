// Command hashflag prints the stored form of a lab flag, for seeding
// lab_tasks.flag_hash.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryptiq/backend/internal/services"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		slog.Error("hashflag failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "hashflag [flag]",
		Short: "Hash a lab flag for lab_tasks.flag_hash",
		Long:  "Reads the flag from the first argument, or from stdin so it stays out of shell history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := readFlag(in, args)
			if err != nil {
				return err
			}
			hash, err := services.HashFlag(flag)
			if err != nil {
				return fmt.Errorf("hash flag: %w", err)
			}
			if taskID > 0 {
				_, err = fmt.Fprintf(out, "UPDATE lab_tasks SET flag_hash = '%s' WHERE id = %d;\n", hash, taskID)
				return err
			}
			_, err = fmt.Fprintln(out, hash)
			return err
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "emit an UPDATE statement for this lab task id")
	return cmd
}

func readFlag(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return nonEmpty(args[0])
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read flag: %w", err)
	}
	return nonEmpty(line)
}

func nonEmpty(flag string) (string, error) {
	if strings.TrimSpace(flag) == "" {
		return "", fmt.Errorf("flag is empty")
	}
	return flag, nil
}
