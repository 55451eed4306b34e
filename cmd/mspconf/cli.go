package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/fcconfig"
)

var (
	cliFile     string
	cliSave     bool
	cliKeepOpen bool
)

// cliCmd represents the cli command
var cliCmd = &cobra.Command{
	Use:   "cli [LINE...]",
	Short: "Run lines in the firmware CLI and print its output",
	Long: `Run lines in the firmware CLI and print its output.

Lines come from the arguments or, with --file, from a file such as a
saved "diff all". Comment lines starting with # are skipped. Use --save to
finish with "save"; the board reboots afterwards.`,
	RunE: runCLI,
}

func init() {
	rootCmd.AddCommand(cliCmd)
	cliCmd.Flags().StringVarP(&cliFile, "file", "f", "", "Read lines from a file")
	cliCmd.Flags().BoolVarP(&cliSave, "save", "s", false, "Finish with save")
	cliCmd.Flags().BoolVar(&cliKeepOpen, "keep-open", false, "Do not leave the CLI afterwards")
}

func runCLI(cmd *cobra.Command, args []string) error {
	lines := args
	if cliFile != "" {
		var err error
		if lines, err = readLines(cliFile); err != nil {
			return err
		}
	}
	if len(lines) == 0 && !cliSave {
		return fmt.Errorf("nothing to send")
	}

	return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
		c := svc.Conn()
		return c.Lock.Do(ctx, func(ctx context.Context) error {
			res, err := c.CLI.Run(ctx, lines, fc.RunOptions{KeepOpen: cliKeepOpen, Save: cliSave})
			if res != nil {
				fmt.Fprint(os.Stdout, res.Output)
			}
			if err != nil {
				return err
			}
			if res.Aborted && res.Sent < len(lines) {
				return fmt.Errorf("link closed after %d of %d lines: %w", res.Sent, len(lines), fc.ErrTransportClosed)
			}
			return nil
		})
	})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
