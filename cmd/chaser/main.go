package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kgnguhan/agentic-chaser/internal/app"
	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/engine/auth"
	"github.com/kgnguhan/agentic-chaser/internal/intake"
	"github.com/kgnguhan/agentic-chaser/internal/migrate"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
	"github.com/kgnguhan/agentic-chaser/internal/server"
)

// JWTSecretEnv signs and verifies API bearer tokens.
const JWTSecretEnv = "CHASER_JWT_SECRET"

var rootCmd = &cobra.Command{
	Use:   "chaser",
	Short: "LOA case chaser",
	Long: `chaser works a book of Letter of Authority cases through to completion.
- Cases move prepared -> client_signature_pending -> client_signed -> provider_submitted -> provider_processing -> information_received -> complete.
- A chase cycle ranks open cases, decides the next action for each and dispatches it (client message, provider message, provider portal automation or document check).
- Cases that run out of retries stall; stalled cases past the grace period go to human review.
- Every state change and cycle is written to the audit log, view it with 'chaser events tail'.`,
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
	viper.SetEnvPrefix("CHASER")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(factFindCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write chaser.yml and create the case store",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Case store ready (%s, schema v%d)\n", cfg.Database.Driver, v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing chaser.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate chaser.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseEventCmd())
	c.AddCommand(caseInboundCmd())
	c.AddCommand(caseLogsCmd())
	c.AddCommand(caseInsightCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	var state, channel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.State = domain.State(state)
				opts.ClientChannel = domain.Channel(channel)
				opts.ActorID = viper.GetString("actor-id")
				c, err := a.Engine.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Created case %s (%s)\n", c.ID, c.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.ProviderID, "provider", "", "provider id")
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client display name")
	cmd.Flags().IntVar(&opts.ClientAge, "client-age", 0, "client age in years")
	cmd.Flags().StringVar(&opts.ClientContact, "contact", "", "client email address or phone number")
	cmd.Flags().StringVar(&channel, "channel", "", "client channel (email, sms, whatsapp, phone)")
	cmd.Flags().StringVar(&state, "state", "", "initial state (default prepared)")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilter
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.State = domain.State(state)
				cases, err := a.Engine.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Provider", "State", "Score", "Days", "SLA due"})
				now := time.Now()
				for _, c := range cases {
					due := ""
					if c.SLADueAt != nil {
						due = c.SLADueAt.Format("2006-01-02")
					}
					tw.AppendRow(table.Row{c.ID, c.ClientID, c.ProviderID, c.State, fmt.Sprintf("%.1f", c.PriorityScore), c.DaysInState(now), due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "all", false, "include archived cases")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func caseEventCmd() *cobra.Command {
	var evt, next, reason string
	cmd := &cobra.Command{
		Use:   "event <case-id>",
		Short: "Apply a lifecycle event",
		Long:  "Apply an advisor event such as signature_received, escalation_requested or human_review_resolved (with --next).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, change, err := a.Engine.ApplyEvent(ctx, engine.EventOptions{
					CaseID:  args[0],
					Type:    domain.EventType(evt),
					Next:    domain.State(next),
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"case": c, "change": change})
				}
				fmt.Printf("%s: %s -> %s\n", c.ID, change.From, change.To)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evt, "type", "", "event type")
	cmd.Flags().StringVar(&next, "next", "", "target state when resolving a review")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func caseInboundCmd() *cobra.Command {
	var category, channel, text string
	cmd := &cobra.Command{
		Use:   "inbound <case-id>",
		Short: "Record a reply from the client or provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.RecordInbound(ctx, engine.InboundOptions{
					CaseID:   args[0],
					Category: domain.ActionCategory(category),
					Channel:  domain.Channel(channel),
					Text:     text,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				sentiment := string(l.Sentiment)
				if sentiment == "" {
					sentiment = "-"
				}
				fmt.Printf("Recorded reply #%d (sentiment %s, intent %s)\n", l.Seq, sentiment, l.Intent)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "from", string(domain.ActionClientCommunication), "client_communication or provider_communication")
	cmd.Flags().StringVar(&channel, "channel", "", "channel the reply arrived on")
	cmd.Flags().StringVar(&text, "text", "", "reply text")
	return cmd
}

func caseLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <case-id>",
		Short: "Show the communication log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logs, err := a.Engine.CaseLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "At", "Category", "Channel", "Dir", "Outcome", "Sentiment", "Intent", "Detail"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.Seq, l.At.Format(time.RFC3339), l.Category, l.Channel, l.Direction, l.Outcome, l.Sentiment, l.Intent, truncate(l.Detail, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func caseInsightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insight <case-id>",
		Short: "Show delay risk and the next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.Insight(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				fmt.Printf("Risk: %s (score %.1f, %d days in state, %d days past SLA)\n",
					in.Assessment.Risk, in.Assessment.Score, in.Assessment.DaysInState, in.Assessment.DaysPastSLA)
				fmt.Printf("Recommended: %s\n", in.Assessment.RecommendedAction)
				if in.Next.None() {
					fmt.Printf("Next cycle: no action (%s)\n", in.Next.Reason)
				} else {
					fmt.Printf("Next cycle: %s via %s (%s)\n", in.Next.Category, in.Next.Rule, in.Next.Reason)
				}
				fmt.Printf("Fact-find: %d of %d received\n", in.FactFind.Received, in.FactFind.Required)
				for _, m := range in.FactFind.Missing {
					fmt.Printf("  missing: %s\n", m)
				}
				return nil
			})
		},
	}
}

func docCmd() *cobra.Command {
	d := &cobra.Command{Use: "doc", Short: "Manage case documents"}
	d.AddCommand(docAddCmd())
	d.AddCommand(docListCmd())
	return d
}

func docAddCmd() *cobra.Command {
	var docType, id string
	cmd := &cobra.Command{
		Use:   "add <case-id> <file>",
		Short: "Register an uploaded document for verification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.RegisterDocument(ctx, engine.DocumentOptions{
					ID:       id,
					CaseID:   args[0],
					Type:     docType,
					FilePath: path,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Registered %s document %s\n", d.Type, d.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type (passport, utility_bill, council_tax, pension_statement, p60, signed_loa, ...)")
	cmd.Flags().StringVar(&id, "id", "", "document id (generated when empty)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func docListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <case-id>",
		Short: "List documents of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				docs, err := a.Engine.CaseDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Verdict", "Confidence", "Issues", "File"})
				for _, d := range docs {
					conf := ""
					if d.Confidence != nil {
						conf = fmt.Sprintf("%.0f", *d.Confidence)
					}
					issues := make([]string, 0, len(d.Issues))
					for _, i := range d.Issues {
						issues = append(issues, string(i))
					}
					tw.AppendRow(table.Row{d.ID, d.Type, d.Verdict, conf, strings.Join(issues, ","), filepath.Base(d.FilePath)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Run chase cycles"}
	c.AddCommand(cycleRunCmd())
	c.AddCommand(cycleScheduleCmd())
	return c
}

func cycleRunCmd() *cobra.Command {
	var batch int
	var at string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one chase cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = parsed.UTC()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.RunChaseCycle(ctx, now, batch)
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "max cases this cycle (default: daily capacity)")
	cmd.Flags().StringVar(&at, "at", "", "evaluate the cycle at this RFC3339 time")
	return cmd
}

func cycleScheduleCmd() *cobra.Command {
	var batch int
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run chase cycles on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				interval := every
				if interval <= 0 {
					interval = a.Config.Cycle.Interval
				}
				fmt.Printf("Running a chase cycle every %s (Ctrl-C to stop)\n", interval)
				err := a.Engine.ScheduleCycles(ctx, interval, batch, func(s domain.CycleSummary, err error) {
					if err != nil {
						fmt.Println("cycle error:", err)
						return
					}
					_ = printSummary(s)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "max cases per cycle")
	cmd.Flags().DurationVar(&every, "every", 0, "interval between cycles (default: cycle.interval)")
	return cmd
}

func factFindCmd() *cobra.Command {
	f := &cobra.Command{Use: "factfind", Short: "Fact-find document chasing"}
	var limit int
	queue := &cobra.Command{
		Use:   "queue",
		Short: "List clients still owing fact-find documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.FactFindQueue(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Client", "Name", "Cases", "Received", "Missing"})
				for _, e := range q {
					tw.AppendRow(table.Row{
						e.ClientID, e.ClientName, strings.Join(e.CaseIDs, ","),
						fmt.Sprintf("%d/%d", e.Status.Received, e.Status.Required),
						truncate(strings.Join(e.Status.Missing, "; "), 80),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	queue.Flags().IntVar(&limit, "limit", 20, "maximum clients to list (0 for all)")
	f.AddCommand(queue)
	return f
}

func eventsCmd() *cobra.Command {
	e := &cobra.Command{Use: "events", Short: "Audit log"}
	var n int
	var caseID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evs, err := a.Engine.Repo.LatestEvents(ctx, n, caseID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Actor", "Payload"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.CaseID, ev.ActorID, truncate(ev.PayloadJSON, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&caseID, "case", "", "case filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	e.AddCommand(tail)
	return e
}

func watchCmd() *cobra.Command {
	var inbox string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register documents dropped into the inbox directory",
		Long:  "Files named <case-id>__<doc-type>__<anything> are registered against the case as they appear.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := intake.New(inboxPath(a, inbox), a.Engine, a.Log)
				fmt.Printf("Watching %s (Ctrl-C to stop)\n", w.Inbox)
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&inbox, "inbox", "", "inbox directory (default: intake.inbox)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token (needs " + JWTSecretEnv + ")",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			for _, r := range roles {
				if !auth.KnownRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			token, err := server.SignToken(os.Getenv(JWTSecretEnv), actor, roles, nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (default: --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"advisor"}, "roles (admin, advisor, operator, viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, inbox string
	var legacyHeader, devLogin, schedule, watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv(JWTSecretEnv),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("%s is required for bearer auth", JWTSecretEnv)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg.Logger = a.Log
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return server.NewWebhookForwarder(a.Engine.Repo, a.Config.Webhooks, a.Log).Run(gctx)
				})
				if schedule {
					g.Go(func() error {
						err := a.Engine.ScheduleCycles(gctx, a.Config.Cycle.Interval, 0, func(s domain.CycleSummary, err error) {
							if err != nil {
								a.Log.Error("scheduled cycle failed", "error", err.Error())
							}
						})
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					})
				}
				if watch {
					g.Go(func() error {
						return intake.New(inboxPath(a, inbox), a.Engine, a.Log).Run(gctx)
					})
				}
				fmt.Printf("Serving chaser API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the token minting endpoint (local use only)")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "also run chase cycles every cycle.interval")
	cmd.Flags().BoolVar(&watch, "watch", false, "also watch the document inbox")
	cmd.Flags().StringVar(&inbox, "inbox", "", "inbox directory for --watch (default: intake.inbox)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log, err := app.NewLogger(workspace, cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	a, err := app.Open(ctx, workspace, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func inboxPath(a *app.App, override string) string {
	p := override
	if p == "" {
		p = a.Config.Intake.Inbox
	}
	if p == "" {
		p = "inbox"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Workspace, p)
}

func printSummary(s domain.CycleSummary) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Cycle: %d selected, %d dispatched, %d no action, %d skipped, %d failed, %d escalated\n",
		s.Selected, s.Dispatched, s.NoAction, s.Skipped, s.Failed, s.Escalated)
	for _, cat := range domain.ActionCategories {
		if n := s.ByCategory[cat]; n > 0 {
			fmt.Printf("  %s: %d\n", cat, n)
		}
	}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
