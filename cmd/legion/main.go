package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"printlegion/internal/config"
	"printlegion/internal/db"
	"printlegion/internal/domain"
	"printlegion/internal/engine"
	"printlegion/internal/geo"
	"printlegion/internal/lifecycle"
	"printlegion/internal/migrate"
	"printlegion/internal/server"
	"printlegion/internal/stats"
	"printlegion/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "legion",
	Short: "Print Legion CLI",
	Long: `Print Legion matches people who need 3D prints with volunteers who own
printers. Jobs move through a fixed lifecycle: needs_printer -> claimed ->
printing_in_progress -> completed_printing -> fulfilled_awaiting_confirmation
-> finished, with cancellation possible until a job is terminal. Claims are
limited by straight-line distance between printer and creator.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEGION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user's slack id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() (string, error) {
	id := viper.GetString("actor-id")
	if id == "" {
		return "", fmt.Errorf("--actor-id required")
	}
	return id, nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage your profile"}
	cmd.AddCommand(userShowCmd())
	cmd.AddCommand(userRegisterCmd())
	cmd.AddCommand(userSettingsCmd())
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.FindUser(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create your profile if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.EnsureUser(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userSettingsCmd() *cobra.Command {
	var (
		coords, regionName, radius, printerType, details string
		topics                                           []string
		hasPrinter, noPrinter, onboarded                 bool
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Update profile settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var u store.UserUpdate
				if cmd.Flags().Changed("coordinates") {
					u.RegionCoordinates = &coords
				}
				if cmd.Flags().Changed("region-name") {
					u.RegionName = &regionName
				}
				if cmd.Flags().Changed("radius") {
					u.PreferredRadius = &radius
				}
				if cmd.Flags().Changed("printer-type") {
					u.PrinterType = &printerType
				}
				if cmd.Flags().Changed("printer-details") {
					u.PrinterDetails = &details
				}
				if cmd.Flags().Changed("topics") {
					u.PreferredTopics = &topics
				}
				if hasPrinter {
					v := true
					u.HasPrinter = &v
				}
				if noPrinter {
					v := false
					u.HasPrinter = &v
				}
				if cmd.Flags().Changed("onboarded") {
					u.Onboarded = &onboarded
				}
				updated, err := e.UpdateSettings(ctx, actor, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&coords, "coordinates", "", "region coordinates, lat,lon")
	cmd.Flags().StringVar(&regionName, "region-name", "", "human-readable region name")
	cmd.Flags().StringVar(&radius, "radius", "", "view radius bucket")
	cmd.Flags().StringVar(&printerType, "printer-type", "", "printer type")
	cmd.Flags().StringVar(&details, "printer-details", "", "printer details")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "preferred topics")
	cmd.Flags().BoolVar(&hasPrinter, "has-printer", false, "mark yourself as a printer owner")
	cmd.Flags().BoolVar(&noPrinter, "no-printer", false, "mark yourself as not owning a printer")
	cmd.Flags().BoolVar(&onboarded, "onboarded", false, "mark onboarding complete")
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage print jobs"}
	cmd.AddCommand(jobCreateCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobSearchCmd())
	cmd.AddCommand(jobActionCmd("claim", "Claim an open job", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Job, error) {
		return e.Claim(ctx, id, actor)
	}))
	cmd.AddCommand(jobActionCmd("unclaim", "Release a claimed job", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Job, error) {
		return e.Unclaim(ctx, id, actor)
	}))
	cmd.AddCommand(jobActionCmd("start", "Start printing", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Job, error) {
		return e.StartPrinting(ctx, id, actor)
	}))
	cmd.AddCommand(jobCompleteCmd())
	cmd.AddCommand(jobFulfilCmd())
	cmd.AddCommand(jobActionCmd("confirm", "Confirm receipt and finish the job", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Job, error) {
		return e.ConfirmFulfillment(ctx, id, actor)
	}))
	cmd.AddCommand(jobActionCmd("cancel", "Cancel the job", func(e engine.Engine, ctx context.Context, id, actor string) (domain.Job, error) {
		return e.Cancel(ctx, id, actor)
	}))
	return cmd
}

func jobCreateCmd() *cobra.Command {
	var (
		name, desc, topic, refURL string
		parts                     int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a print job",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, engine.JobCreateOptions{
					CreatorID:       actor,
					ItemName:        name,
					ItemDescription: desc,
					PartCount:       parts,
					Topic:           topic,
					RefURL:          refURL,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().StringVar(&desc, "description", "", "item description")
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.Flags().StringVar(&refURL, "ref-url", "", "reference url")
	cmd.Flags().IntVar(&parts, "parts", 1, "part count")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Fetch one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var role, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := store.JobFilter{}
				if role == "printer" {
					filter.AssignedPrinterID = actor
				} else {
					filter.CreatorID = actor
				}
				if status != "" {
					st, err := lifecycle.Parse(status)
					if err != nil {
						return err
					}
					filter.Statuses = []lifecycle.Status{st}
				}
				jobs, err := e.ListJobs(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Status", "Printer"})
				for _, j := range jobs {
					printer := ""
					if j.AssignedPrinterID != nil {
						printer = *j.AssignedPrinterID
					}
					tw.AppendRow(table.Row{j.ID, j.ItemName, j.Status, printer})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "creator", "creator or printer")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobSearchCmd() *cobra.Command {
	var query, radius string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Open jobs near you",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.Search(ctx, engine.SearchOptions{ActorID: actor, Query: query, Radius: radius})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Topic", "Distance (km)", "Region"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Job.ID, r.Job.ItemName, r.Job.Topic, fmt.Sprintf("%.1f", r.DistanceKm), r.CreatorRegion})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "text filter")
	cmd.Flags().StringVar(&radius, "radius", "", "view radius bucket override")
	return cmd
}

func jobActionCmd(name, short string, run func(engine.Engine, context.Context, string, string) (domain.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := run(e, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	var (
		filament float64
		notes    string
	)
	cmd := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Record the finished print",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var notesPtr *string
				if cmd.Flags().Changed("notes") {
					notesPtr = &notes
				}
				j, err := e.CompletePrinting(ctx, args[0], actor, filament, notesPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().Float64Var(&filament, "filament", 0, "filament used in grams")
	cmd.Flags().StringVar(&notes, "notes", "", "printing notes")
	cmd.MarkFlagRequired("filament")
	return cmd
}

func jobFulfilCmd() *cobra.Command {
	var notes, photoID string
	cmd := &cobra.Command{
		Use:   "fulfil <job-id>",
		Short: "Record the hand-off to the creator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var notesPtr, photoPtr *string
				if cmd.Flags().Changed("notes") {
					notesPtr = &notes
				}
				if cmd.Flags().Changed("photo-id") {
					photoPtr = &photoID
				}
				j, err := e.MarkFulfilled(ctx, args[0], actor, notesPtr, photoPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "fulfilment notes")
	cmd.Flags().StringVar(&photoID, "photo-id", "", "fulfilment photo id")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Global community stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, cfg *config.Config) error {
				agg := stats.New(s, cfg.Stats.RefreshInterval)
				snap, err := agg.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
}

func activityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Your activity from the last hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := e.RecentActivity(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			secret := os.Getenv("LEGION_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("LEGION_JWT_SECRET is required for bearer auth")
			}
			e := engine.New(conn, cfg)

			agg := stats.New(e.Store, cfg.Stats.RefreshInterval)
			if err := agg.Start(cmd.Context()); err != nil {
				return err
			}
			defer agg.Stop()

			cache, err := geo.NewCache(cmd.Context(), cfg.Geocoder.RedisURL)
			if err != nil {
				return fmt.Errorf("geocoder cache: %w", err)
			}
			geocoder := geo.NewGeocoder(cfg.Geocoder.BaseURL, cache)

			handler, err := server.New(server.Config{
				Engine:   e,
				Stats:    agg,
				Geocoder: geocoder,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: cfg.Auth.DevLogin},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Print Legion API on http://%s%s (metrics at /metrics)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withStore(ctx context.Context, fn func(context.Context, store.Store, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e.Store, cfg)
}

// printJSONOrTable renders a single record as a field/value table, or as
// JSON under --json. List commands build their own column layouts.
func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		var s string
		if err := json.Unmarshal(fields[k], &s); err != nil {
			s = string(fields[k])
		}
		tw.AppendRow(table.Row{k, s})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
