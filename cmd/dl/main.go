package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"driveline/internal/app"
	"driveline/internal/cache"
	"driveline/internal/config"
	"driveline/internal/container"
	"driveline/internal/db"
	"driveline/internal/dispatch"
	"driveline/internal/docker"
	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/kube"
	"driveline/internal/server"
	"driveline/internal/sign"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Driveline CLI",
	Long: `Driveline orchestrates delivery pipelines as goal dependency graphs.
A push event plans a goal-set; each goal runs through its fulfillment
strategy (in-process, Docker, or Kubernetes) once its preconditions are
success or skipped, and completion ripples through the graph until every
goal is terminal. Goal records are append-only and may be signed so only
trusted producers can inject work.`,
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
	viper.SetEnvPrefix("DRIVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(goalsetCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(vetoCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var registration string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(registration)), 0o644); err != nil {
				return err
			}
			a, err := app.BootstrapOptional(workspace, "dl", version)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace: %s, db %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&registration, "registration", "local", "registration id for this installation")
	return cmd
}

// planFile models the YAML handed to dl plan -f.
type planFile struct {
	Push struct {
		Provider string `yaml:"provider"`
		Owner    string `yaml:"owner"`
		Repo     string `yaml:"repo"`
		Branch   string `yaml:"branch"`
		SHA      string `yaml:"sha"`
	} `yaml:"push"`
	Goals []struct {
		UniqueName  string `yaml:"unique_name"`
		Environment string `yaml:"environment"`
		Name        string `yaml:"name"`
		Fulfillment struct {
			Method       string `yaml:"method"`
			Name         string `yaml:"name"`
			Registration string `yaml:"registration"`
		} `yaml:"fulfillment"`
		PreConditions       []string `yaml:"pre_conditions"`
		Data                string   `yaml:"data"`
		ExternalURLs        []string `yaml:"external_urls"`
		RetryFeasible       bool     `yaml:"retry_feasible"`
		ApprovalRequired    bool     `yaml:"approval_required"`
		PreApprovalRequired bool     `yaml:"pre_approval_required"`
	} `yaml:"goals"`
}

func (p planFile) domainGoals() ([]domain.Goal, error) {
	goals := make([]domain.Goal, 0, len(p.Goals))
	for _, def := range p.Goals {
		g := domain.Goal{
			UniqueName:  def.UniqueName,
			Environment: def.Environment,
			Name:        def.Name,
			Fulfillment: domain.Fulfillment{
				Method:       def.Fulfillment.Method,
				Name:         def.Fulfillment.Name,
				Registration: def.Fulfillment.Registration,
			},
			Data:                def.Data,
			ExternalURLs:        def.ExternalURLs,
			RetryFeasible:       def.RetryFeasible,
			ApprovalRequired:    def.ApprovalRequired,
			PreApprovalRequired: def.PreApprovalRequired,
		}
		for _, pre := range def.PreConditions {
			key, err := domain.ParseGoalKey(pre)
			if err != nil {
				return nil, err
			}
			g.PreConditions = append(g.PreConditions, key)
		}
		goals = append(goals, g)
	}
	return goals, nil
}

func planCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a goal-set from a push definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var plan planFile
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("invalid plan yaml: %w", err)
			}
			goals, err := plan.domainGoals()
			if err != nil {
				return err
			}
			push := domain.Push{
				Provider: plan.Push.Provider,
				Owner:    plan.Push.Owner,
				Repo:     plan.Push.Repo,
				Branch:   plan.Push.Branch,
				SHA:      plan.Push.SHA,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gs, current, err := e.PlanGoalSet(ctx, push, goals, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"goal_set_id": gs.ID, "goals": current})
				}
				fmt.Printf("Planned goal-set %s (%d goals)\n", gs.ID, len(current))
				printGoalTable(current)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "driveline-goals.yml", "push definition file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <goal-set-id>",
		Short: "Show goal states for a goal-set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gs, err := e.Repo.GetGoalSet(ctx, args[0])
				if err != nil {
					return err
				}
				goals, err := e.Repo.FetchGoalsForGoalSet(ctx, gs.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"goal_set": gs, "goals": goals})
				}
				fmt.Printf("Goal-set %s: %s@%s", gs.ID, gs.Push.Slug(), shortSHA(gs.Push.SHA))
				if domain.Done(goals) {
					fmt.Print(" (done)")
				}
				fmt.Println()
				printGoalTable(goals)
				return nil
			})
		},
	}
	return cmd
}

func goalsetCmd() *cobra.Command {
	gsc := &cobra.Command{Use: "goalset", Short: "Inspect goal-sets"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent goal-sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sets, err := e.Repo.ListGoalSets(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repo", "Branch", "SHA", "Created"})
				for _, gs := range sets {
					tw.AppendRow(table.Row{gs.ID, gs.Push.Slug(), gs.Push.Branch, shortSHA(gs.Push.SHA), gs.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "n", 20, "number of goal-sets")
	gsc.AddCommand(list)
	return gsc
}

func workCmd() *cobra.Command {
	var execNames []string
	var projectDir string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the dispatcher loop",
		Long: `Subscribes to the change feed and executes requested goals whose
fulfillment name is listed in --exec, using the runner strategy from
driveline.yml. Container specs come from each goal's data payload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(execNames) == 0 {
				return fmt.Errorf("--exec required: fulfillment names this worker executes")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				executor, err := buildExecutor(ctx, a.Config)
				if err != nil {
					return err
				}
				registry := dispatch.NewRegistry()
				for _, name := range execNames {
					registry.Register(name, executor)
				}
				e := a.Engine
				if a.Config.Cache.Dir != "" {
					e.Callbacks = append(e.Callbacks, cacheClassifierCallback(cache.NewDirCache(a.Config.Cache.Dir)))
				}
				worker := &dispatch.Worker{
					Engine:     e,
					Registry:   registry,
					ProjectDir: projectDir,
					Interval:   interval,
				}
				fmt.Printf("Worker running (%s strategy, executing %s)\n", a.Config.Strategy(), strings.Join(execNames, ", "))
				err = worker.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&execNames, "exec", nil, "fulfillment names to execute")
	cmd.Flags().StringVar(&projectDir, "project-dir", ".", "project directory mounted into goal containers")
	cmd.Flags().DurationVar(&interval, "interval", 0, "change-feed poll interval")
	return cmd
}

// buildExecutor constructs the configured container runner. The spec
// is left empty: each goal carries its own container layout in its
// data payload.
func buildExecutor(ctx context.Context, cfg *config.Config) (dispatch.Executor, error) {
	callback := func(ctx context.Context, inv dispatch.Invocation, spec container.JobSpec) (*container.JobSpec, error) {
		return container.FromGoalData(inv.Goal.Data)
	}
	switch cfg.Strategy() {
	case "docker":
		r := docker.New(container.JobSpec{})
		r.Callback = callback
		if cfg.Runner.Docker.NamePrefix != "" {
			r.NamePrefix = cfg.Runner.Docker.NamePrefix
		}
		r.StagingRoot = cfg.Runner.Docker.StagingRoot
		return r, nil
	case "kube":
		r := kube.New(container.JobSpec{}, cfg.Runner.Kube.Namespace)
		r.Callback = callback
		ttl := kube.DefaultTTL
		if cfg.Runner.Kube.TTLMinutes > 0 {
			ttl = time.Duration(cfg.Runner.Kube.TTLMinutes) * time.Minute
		}
		sweeper := &kube.Sweeper{Runner: r, TTL: ttl}
		go runSweepLoop(ctx, sweeper, ttl)
		return r, nil
	}
	return nil, fmt.Errorf("unknown runner strategy %q", cfg.Strategy())
}

func runSweepLoop(ctx context.Context, sweeper *kube.Sweeper, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if deleted, err := sweeper.SweepExpired(ctx); err != nil {
			fmt.Printf("sweep: %v\n", err)
		} else if len(deleted) > 0 {
			fmt.Printf("sweep: deleted %d expired pod(s)\n", len(deleted))
		}
	}
}

// cacheClassifierCallback exposes the goal-set's stored cache entries
// to the goal just before it is requested, via the data payload.
// Non-JSON payloads are left untouched.
func cacheClassifierCallback(c *cache.DirCache) engine.FulfillmentCallback {
	return func(ctx context.Context, g domain.Goal, all []domain.Goal) (domain.Goal, error) {
		classifiers, err := c.Classifiers(g.GoalSetID)
		if err != nil {
			return g, err
		}
		if len(classifiers) == 0 {
			return g, nil
		}
		payload := map[string]any{}
		if g.Data != "" {
			if err := json.Unmarshal([]byte(g.Data), &payload); err != nil {
				return g, nil
			}
		}
		payload["cache_classifiers"] = classifiers
		data, err := json.Marshal(payload)
		if err != nil {
			return g, err
		}
		g.Data = string(data)
		return g, nil
	}
}

func goalArgs(args []string) (string, domain.GoalKey, error) {
	key, err := domain.ParseGoalKey(args[1])
	if err != nil {
		return "", domain.GoalKey{}, err
	}
	return args[0], key, nil
}

func approveCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "approve <goal-set-id> <environment/unique-name>",
		Short: "Approve a goal waiting for (pre-)approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gsID, key, err := goalArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Approve(ctx, gsID, key, domain.Stamp{
					UserID:    viper.GetString("actor-id"),
					ChannelID: channel,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "cli", "approval channel identifier")
	return cmd
}

func vetoCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "veto <goal-set-id> <environment/unique-name>",
		Short: "Veto a goal waiting for (pre-)approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gsID, key, err := goalArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Veto(ctx, gsID, key, domain.Stamp{
					UserID:    viper.GetString("actor-id"),
					ChannelID: channel,
					TS:        time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "cli", "approval channel identifier")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <goal-set-id> <environment/unique-name>",
		Short: "Cancel a non-terminal goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gsID, key, err := goalArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CancelGoal(ctx, gsID, key, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, goalSetID, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, goalSetID, evtType, "", entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&goalSetID, "goal-set", "", "goal-set id")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id (environment/unique-name)")
	return cmd
}

func keygenCmd() *cobra.Command {
	var privatePath, publicPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a goal signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			keyDir := filepath.Join(workspace, ".driveline", "keys")
			if err := os.MkdirAll(keyDir, 0o755); err != nil {
				return err
			}
			if privatePath == "" {
				privatePath = filepath.Join(keyDir, "signing.key")
			}
			if publicPath == "" {
				publicPath = filepath.Join(keyDir, "signing.pub")
			}
			if err := sign.GenerateKeyPair(privatePath, publicPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and %s\n", privatePath, publicPath)
			fmt.Println("Reference them under signing: in driveline.yml to enable signing.")
			return nil
		},
	}
	cmd.Flags().StringVar(&privatePath, "private", "", "private key output path")
	cmd.Flags().StringVar(&publicPath, "public", "", "public key output path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key, err := e.Repo.InsertAPIKey(ctx, viper.GetString("actor-id"), name, secret)
				if err != nil {
					return err
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jwtSecret := a.Config.Auth.JWTSecret
				if jwtSecret == "" {
					jwtSecret = os.Getenv("DRIVELINE_JWT_SECRET")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					AppCfg:   a.Config,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              jwtSecret,
						AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Driveline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(viper.GetString("workspace"), "dl", version)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func printGoalTable(goals []domain.Goal) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Goal", "State", "Version", "Description"})
	for _, g := range goals {
		tw.AppendRow(table.Row{g.Key().String(), g.State, g.Version, g.Description})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
