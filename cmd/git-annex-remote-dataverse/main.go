package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/torfstack/annex-dataverse/internal/annex"
	"github.com/torfstack/annex-dataverse/internal/auth"
	"github.com/torfstack/annex-dataverse/internal/config"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/db"
	"github.com/torfstack/annex-dataverse/internal/locator"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/service"
)

func main() {
	var debug bool
	var cfg config.Config

	setup := func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Get()
		if err != nil {
			return err
		}
		if err = logging.SetLevel(cfg.LogLevel); err != nil {
			return err
		}
		if debug {
			logging.SetDebug(true)
		}
		return nil
	}

	var rootCmd = &cobra.Command{
		Use:               "git-annex-remote-dataverse",
		Short:             "git-annex special remote for Dataverse datasets",
		Long:              "Without a subcommand, speaks the git-annex external special remote protocol on stdin and stdout.",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.WithSession(uuid.NewString())
			connect := func(ctx context.Context, loc locator.Locator, credential string) (*dataverse.Client, error) {
				return auth.NewClient(ctx, cfg, loc, credential)
			}
			return annex.New(os.Stdin, os.Stdout, cfg, connect).Run(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().
		BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(credentialsCmd(&cfg), locatorCmd(), mirrorCmd(&cfg), configCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error("Command failed", err)
		stop()
		os.Exit(1)
	}
}

func credentialsCmd(cfg *config.Config) *cobra.Command {
	openDB := func(ctx context.Context) (*db.Database, error) {
		return db.New(ctx, cfg.DBPath)
	}

	var credentialsCmd = &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored API tokens",
	}

	var baseURL string
	var setCmd = &cobra.Command{
		Use:   "set NAME",
		Short: "Store an API token read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				return &locator.ConfigError{Field: "url", Reason: "must be specified"}
			}
			fmt.Fprint(os.Stderr, "API token: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("could not read token: %w", err)
				}
				return errors.New("no token given")
			}

			d, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = d.Close()
			}()
			if err = auth.Save(cmd.Context(), d.Queries(), args[0], locator.Realm(baseURL), scanner.Text()); err != nil {
				return err
			}
			logging.Infof("Stored credential '%s'", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&baseURL, "url", "", "URL of the Dataverse installation")

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = d.Close()
			}()
			creds, err := d.Queries().ListCredentials(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREALM\tUPDATED")
			for _, c := range creds {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Realm, humanize.Time(c.UpdatedAt))
			}
			return w.Flush()
		},
	}

	var deleteCmd = &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = d.Close()
			}()
			return d.Queries().DeleteCredential(cmd.Context(), args[0])
		},
	}

	credentialsCmd.AddCommand(setCmd, listCmd, deleteCmd)
	return credentialsCmd
}

func locatorCmd() *cobra.Command {
	var baseURL, doi string
	var export bool
	var locatorCmd = &cobra.Command{
		Use:   "locator",
		Short: "Print the clone URL of a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := locator.New(baseURL, doi, export)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
	locatorCmd.Flags().StringVar(&baseURL, "url", "", "URL of the Dataverse installation")
	locatorCmd.Flags().StringVar(&doi, "doi", "", "persistent identifier of the dataset")
	locatorCmd.Flags().BoolVar(&export, "export", false, "mirror the working tree instead of storing keys")

	var parseCmd = &cobra.Command{
		Use:   "parse URL",
		Short: "Decode a clone URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := locator.Parse(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "url\t%s\n", loc.BaseURL)
			fmt.Fprintf(w, "doi\t%s\n", loc.DOI)
			fmt.Fprintf(w, "exporttree\t%t\n", loc.Export)
			fmt.Fprintf(w, "encryption\t%s\n", loc.Encryption)
			return w.Flush()
		},
	}
	locatorCmd.AddCommand(parseCmd)
	return locatorCmd
}

func mirrorCmd(cfg *config.Config) *cobra.Command {
	var baseURL, doi, credential string
	var watch, dryRun bool
	var quiet time.Duration
	var mirrorCmd = &cobra.Command{
		Use:   "mirror DIR",
		Short: "Make the latest version of a dataset equal to a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := locator.New(baseURL, doi, true)
			if err != nil {
				return err
			}
			client, err := auth.NewClient(cmd.Context(), *cfg, loc, credential)
			if err != nil {
				return err
			}
			m := service.NewMirror(client, loc.DOI, service.MirrorOptions{
				Root:     args[0],
				PageSize: cfg.PageSize,
				Workers:  cfg.Workers,
				DryRun:   dryRun,
			})
			if watch {
				return service.RunDaemon(cmd.Context(), m, quiet)
			}

			plan, err := m.Sync(cmd.Context())
			if dryRun {
				for _, a := range plan {
					fmt.Fprintln(cmd.OutOrStdout(), a)
				}
			}
			return err
		},
	}
	mirrorCmd.Flags().StringVar(&baseURL, "url", "", "URL of the Dataverse installation")
	mirrorCmd.Flags().StringVar(&doi, "doi", "", "persistent identifier of the dataset")
	mirrorCmd.Flags().StringVar(&credential, "credential", "", "name of the stored credential to use")
	mirrorCmd.Flags().BoolVar(&watch, "watch", false, "keep running and mirror every change")
	mirrorCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print what would be done")
	mirrorCmd.Flags().DurationVar(&quiet, "quiet", 2*time.Second, "time without changes before a watched directory is mirrored")
	return mirrorCmd
}

func configCmd() *cobra.Command {
	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Get()
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the configuration file interactively",
		Args:  cobra.NoArgs,
		// the default PersistentPreRunE would create the file non-interactively
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.GetInteractive()
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	configCmd.AddCommand(initCmd)
	return configCmd
}
