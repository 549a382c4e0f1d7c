package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"replistore/pkg/client"
	"replistore/pkg/config"
	"replistore/pkg/shared"
	"replistore/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	accentColor = lipgloss.Color("#50FA7B")
	dangerColor = lipgloss.Color("#FF5555")
	mutedColor  = lipgloss.Color("#6272A4")
	headerColor = lipgloss.Color("#8BE9FD")

	successStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

var (
	controllerAddress string
	clientTimeoutMS   int
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Store, load, remove and list files",
	}

	cmd.PersistentFlags().StringVar(&controllerAddress, "controller", "localhost:4000", "controller address")
	cmd.PersistentFlags().IntVar(&clientTimeoutMS, "timeout", 1000, "time to wait for each controller reply, in milliseconds")

	cmd.AddCommand(
		storeCmd(),
		loadCmd(),
		removeCmd(),
		listCmd(),
	)

	return cmd
}

// newClient builds a client from the config file or environment, with the
// command-line flags taking precedence.
func newClient(cmd *cobra.Command, logger *zap.Logger) (*client.Client, error) {
	cfg, err := loadConfig(config.ModeClient)
	if err != nil {
		return nil, err
	}
	cc := cfg.Client

	flags := cmd.Flags()
	if flags.Changed("controller") {
		cc.ControllerAddress = controllerAddress
	}
	if flags.Changed("timeout") {
		cc.TimeoutMS = clientTimeoutMS
	}
	if err := cc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return client.New(cc, logger), nil
}

func storeCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "store <path>",
		Short: "Store a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			path := args[0]
			if name == "" {
				name = filepath.Base(path)
			}

			start := time.Now()
			if err := c.StoreFile(context.Background(), path, name); err != nil {
				fmt.Println(failureStyle.Render("✗ store failed: ") + err.Error())
				return err
			}
			fmt.Println(successStyle.Render("✓ stored ") + name +
				mutedStyle.Render(fmt.Sprintf(" (%s)", time.Since(start).Round(time.Millisecond))))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name to store the file under (defaults to the base name)")
	return cmd
}

func loadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Load a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			name := args[0]
			if output == "" {
				output = filepath.Base(name)
			}

			n, err := c.LoadFile(context.Background(), name, output)
			if err != nil {
				fmt.Println(failureStyle.Render("✗ load failed: ") + err.Error())
				return err
			}
			fmt.Println(successStyle.Render("✓ loaded ") + name +
				mutedStyle.Render(fmt.Sprintf(" → %s (%s)", output, utils.FormatDataSize(n))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "local path to write to (defaults to the base name)")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a stored file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Remove(context.Background(), args[0]); err != nil {
				fmt.Println(failureStyle.Render("✗ remove failed: ") + err.Error())
				return err
			}
			fmt.Println(successStyle.Render("✓ removed ") + args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			files, err := c.List(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(renderFileTable(files))
			return nil
		},
	}
}

func renderFileTable(files []string) string {
	if len(files) == 0 {
		return mutedStyle.Render("No files stored")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(headerColor).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("#", "NAME")

	for i, f := range files {
		t.Row(fmt.Sprintf("%d", i+1), f)
	}

	return t.Render() + "\n" + mutedStyle.Render(fmt.Sprintf("%d file(s)", len(files)))
}

func statusCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "status <health-address>",
		Short: "Query the gRPC health endpoint of a controller or node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := shared.CheckHealth(ctx, args[0], service)
			if err != nil {
				fmt.Println(failureStyle.Render("✗ unreachable: ") + err.Error())
				return err
			}

			if status == grpc_health_v1.HealthCheckResponse_SERVING {
				fmt.Println(successStyle.Render("● " + status.String()))
				return nil
			}
			fmt.Println(failureStyle.Render("● " + status.String()))
			return fmt.Errorf("%s reports %s", args[0], status)
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "health service name")
	return cmd
}
