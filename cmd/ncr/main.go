package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ncrtrack/internal/app"
	"ncrtrack/internal/config"
	"ncrtrack/internal/db"
	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/server"
	"ncrtrack/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "ncr",
	Short: "Nonconformance report tracker",
	Long: `ncr records nonconformance reports (NCRs) for manufactured parts and drives them to closure.
Concepts:
- Workspace: a directory holding .ncrtrack/ncrtrack.db, an optional ncrtrack.yml and a .env.
- NCR: a five-section form (details, classification, investigation, correction, closure) numbered NCR-0001, NCR-0002, ...
- Lifecycle: NEW -> CLOSED. Closing requires the QE audit to be complete; closed NCRs cannot be edited.
- NC level: 1 (critical) to 4 (low); the level decides which approvals are required.
- Actor: every command runs as a user. Pass --actor or store one with 'ncr use-actor'.
- Event log: every change is audited, view with 'ncr log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("NCRTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "username to act as (defaults to NCRTRACK_ACTOR)")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/ncrtrack.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(useActorCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(levelsCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and ncrtrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			ws, err := app.Open(cmd.Context(), app.Options{Workspace: workspace, ConfigPath: viper.GetString("config")})
			if err != nil {
				return err
			}
			defer ws.Close()
			fmt.Printf("Workspace ready at %s (admin user: %s)\n", db.Path(workspace), ws.Config.Bootstrap.Admin.Username)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing ncrtrack.yml")
	return cmd
}

func useActorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-actor <username>",
		Short: "Set the default actor for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return fmt.Errorf("username is required")
			}
			workspace := viper.GetString("workspace")
			if err := withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := e.ActorFor(ctx, username)
				return err
			}); err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "NCRTRACK_ACTOR", username); err != nil {
				return err
			}
			fmt.Printf("Set NCRTRACK_ACTOR=%s in %s/.env\n", username, workspace)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userAddCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userAddCmd() *cobra.Command {
	var in engine.NewUser
	var role string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Username = args[0]
			in.Role = domain.Role(role)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				u, err := e.CreateUser(ctx, actor, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("Created user %s (%s) id=%s\n", u.Username, u.Role, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.FullName, "full-name", "", "full name")
	cmd.Flags().StringVar(&in.Department, "department", "", "department")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleNCROwner), "role: admin, ncr_owner, qe, mrb_team")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				users, err := e.ListUsers(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				renderUsers(users)
				return nil
			})
		},
	}
}

func approvalsCmd() *cobra.Command {
	var level int
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Show the approvals required for an NC level",
		RunE: func(cmd *cobra.Command, args []string) error {
			var lv *int
			if cmd.Flags().Changed("level") {
				lv = &level
			}
			out := map[string]any{
				"approvals":   workflow.RequiredApprovals(lv),
				"description": workflow.LevelDescription(lv),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("%s %s\n", levelBadge(lv), out["approvals"])
			return nil
		},
	}
	cmd.Flags().IntVar(&level, "level", 0, "NC level 1-4")
	return cmd
}

func levelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List NC levels and their approval requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			levels := workflow.Levels()
			if viper.GetBool("json") {
				return printJSON(levels)
			}
			renderLevels(levels)
			return nil
		},
	}
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags [prefix]",
		Short: "Suggest existing tags",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tags, err := e.TagSuggestions(ctx, actor, prefix)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tags)
				}
				for _, t := range tags {
					fmt.Println(t)
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect ncrtrack.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), workspaceOptions(nil))
			if err != nil {
				return err
			}
			defer ws.Close()
			current, latest, err := ws.SchemaVersion()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"config":         ws.Config,
					"schema_version": current,
					"latest_schema":  latest,
				})
			}
			out, err := yaml.Marshal(ws.Config)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			fmt.Printf("# schema version %d (latest %d)\n", current, latest)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate ncrtrack.yml or the file given with --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if path := viper.GetString("config"); path != "" {
				_, err = config.FromFile(path)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				events, err := e.ListEvents(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (ncr, user)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "ncr ", log.LstdFlags)
			ws, err := app.Open(cmd.Context(), workspaceOptions(logger))
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt_secret"),
				TokenTTL:  ttl,
				Logger:    logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("NCRTRACK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving NCR API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&ttl, "token-ttl", 12*time.Hour, "bearer token lifetime")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, workspaceOptions(nil))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func workspaceOptions(logger *log.Logger) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	}
}

func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	return withWorkspace(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := app.ResolveActor(ctx, e, viper.GetString("actor"))
		if err != nil {
			return err
		}
		return fn(ctx, e, actor)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setEnvValue sets key in the .env file at path, creating the file when
// missing and keeping the other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
