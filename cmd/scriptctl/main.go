package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/podushkina/scriptqueue/internal/client"
	"github.com/podushkina/scriptqueue/internal/gateway"
	"github.com/podushkina/scriptqueue/internal/task"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SCRIPTQ")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "scriptctl",
		Short:        "Submit scripts to scriptqueue and follow their progress",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "scriptqueue API base URL (env SCRIPTQ_SERVER)")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))

	newClient := func() *client.Client {
		return client.New(v.GetString("server"), nil)
	}

	root.AddCommand(newSubmitCmd(newClient), newStatusCmd(newClient), newArtifactsCmd(newClient))
	return root
}

func newSubmitCmd(newClient func() *client.Client) *cobra.Command {
	var (
		language string
		wait     bool
		interval time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "submit <file|->",
		Short: "Queue a script for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if language == "" {
				language = languageFor(args[0])
			}

			c := newClient()
			id, err := c.Submit(cmd.Context(), code, language)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}

			st, err := c.Wait(cmd.Context(), id, interval, attempts)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), c, st)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "python or sh (default: from file extension, else python)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the task finishes")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultInterval, "poll interval with --wait")
	cmd.Flags().IntVar(&attempts, "attempts", client.DefaultMaxAttempts, "maximum polls with --wait")
	return cmd
}

func newStatusCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), c, st)
		},
	}
}

func newArtifactsCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts",
		Short: "List artifact files on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			files, err := c.Artifacts(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), c.ArtifactURL(f))
			}
			return nil
		},
	}
}

func readSource(stdin io.Reader, name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func languageFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case task.LanguageShell.Ext():
		return string(task.LanguageShell)
	default:
		return string(task.LanguagePython)
	}
}

func printStatus(w io.Writer, c *client.Client, st gateway.Status) error {
	switch st.Status {
	case task.StateSuccess:
		fmt.Fprintln(w, st.Status)
		for _, f := range st.Files {
			name := f
			if st.Dir != "" {
				name = st.Dir + "/" + f
			}
			fmt.Fprintln(w, "  "+c.ArtifactURL(name))
		}
		return nil
	case task.StateFailure:
		fmt.Fprintln(w, st.Status)
		fmt.Fprintln(w, st.Error)
		return errors.New("task failed")
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
}
