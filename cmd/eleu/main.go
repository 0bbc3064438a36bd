package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"eleutherios/internal/app"
	"eleutherios/internal/config"
	"eleutherios/internal/db"
	"eleutherios/internal/domain"
	"eleutherios/internal/engine"
	"eleutherios/internal/migrate"
	"eleutherios/internal/repo"
	"eleutherios/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "eleu",
	Short: "Eleutherios CLI",
	Long: `Eleutherios coordinates stakeholders through policies, forums, and services.
Core concepts:
- Policy: the rules of the game. Policies can nest; a rule typed in a forum can create a sub-policy on the spot.
- Forum: where stakeholders talk. Typing an EleuScript rule in a forum chat executes governance directly.
- Service: a capability a forum can activate (chat, referrals, payments). Payment services create payment intents.
- EleuScript: rule <name> -> Policy("...")|Service("...")|Forum("...") with optional parameters.
- Expansion: every rule execution that grows a forum is recorded on an append-only trail ('eleu expansion').
- Event log: diary of changes, view with 'eleu log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ELEU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user (defaults to ELEU_ACTOR or local-user)")
	rootCmd.PersistentFlags().String("policy", "", "policy id (overrides the single-root default)")
	rootCmd.PersistentFlags().String("forum", "", "forum id (overrides the single-forum default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("policy", rootCmd.PersistentFlags().Lookup("policy"))
	_ = viper.BindPFlag("forum", rootCmd.PersistentFlags().Lookup("forum"))
}

func registerCommands() {
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(forumCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(expansionCmd())
	rootCmd.AddCommand(paymentsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() string {
	return app.Actor(viper.GetString("actor-id"))
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Manage policies"}
	pol.AddCommand(policyCreateCmd())
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policyShowCmd())
	return pol
}

func policyCreateCmd() *cobra.Command {
	var name, desc string
	var stakeholders []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a root policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePolicy(ctx, engine.PolicyCreateOptions{
					Name:         name,
					Description:  desc,
					CreatedBy:    actor(),
					Stakeholders: stakeholders,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "policy name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringSliceVar(&stakeholders, "stakeholder", nil, "stakeholder user id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func policyListCmd() *cobra.Command {
	var rootsOnly bool
	var parentForum string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPolicies(ctx, repo.PolicyFilters{
					RootsOnly:     rootsOnly,
					ParentForumID: parentForum,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "PARENT POLICY", "PARENT FORUM", "STATUS", "CREATED")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name, deref(p.ParentPolicyID), deref(p.ParentForumID), p.Status, p.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&rootsOnly, "roots", false, "only root policies")
	cmd.Flags().StringVar(&parentForum, "parent-forum", "", "policies created from this forum")
	return cmd
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				override := viper.GetString("policy")
				if len(args) == 1 {
					override = args[0]
				}
				policyID, err := app.ResolvePolicy(ctx, override, r)
				if err != nil {
					return err
				}
				p, err := r.GetPolicy(ctx, policyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func forumCmd() *cobra.Command {
	frm := &cobra.Command{Use: "forum", Short: "Manage forums"}
	frm.AddCommand(forumCreateCmd())
	frm.AddCommand(forumListCmd())
	frm.AddCommand(forumShowCmd())
	frm.AddCommand(forumJoinCmd())
	frm.AddCommand(forumParticipantsCmd())
	return frm
}

func forumCreateCmd() *cobra.Command {
	var name string
	var services []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a forum under a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				policyID, err := app.ResolvePolicy(ctx, viper.GetString("policy"), e.Repo)
				if err != nil {
					return err
				}
				f, err := e.CreateForum(ctx, engine.ForumCreateOptions{
					Name:      name,
					PolicyID:  policyID,
					CreatedBy: actor(),
					Services:  services,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "forum name")
	cmd.Flags().StringSliceVar(&services, "service", nil, "catalog service to seed (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func forumListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forums",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListForums(ctx, viper.GetString("policy"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "POLICY", "EXPANDED", "VERSION", "CREATED")
				for _, f := range items {
					t.AppendRow(table.Row{f.ID, f.Name, f.PolicyID, f.DynamicallyExpanded, f.Version, f.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func forumShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a forum",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, args, r)
				if err != nil {
					return err
				}
				f, err := r.GetForum(ctx, forumID)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func forumJoinCmd() *cobra.Command {
	var userID, role string
	var perms []string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Add a participant to a forum",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forumID, err := resolveForumArg(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				m, err := e.AddParticipant(ctx, forumID, userID, role, perms)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to add")
	cmd.Flags().StringVar(&role, "role", "stakeholder", "role (stakeholder, moderator, owner)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "capability (repeatable, defaults per role)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func forumParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants",
		Short: "List forum participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, nil, r)
				if err != nil {
					return err
				}
				items, err := r.ListParticipants(ctx, forumID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("USER", "ROLE", "CAPABILITIES", "VIA POLICY", "JOINED")
				for _, m := range items {
					t.AppendRow(table.Row{m.UserID, m.Role, strings.Join(m.Permissions, ","), deref(m.AddedViaPolicy), m.JoinedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Forum transcript"}
	msg.AddCommand(messagePostCmd())
	msg.AddCommand(messageListCmd())
	return msg
}

func messagePostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post <content>",
		Short: "Post a message; rule statements execute immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forumID, err := resolveForumArg(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				res, err := e.PostMessage(ctx, forumID, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("[%s] %s\n", res.Message.Type, res.Message.Content)
				if len(res.ParseErrors) > 0 {
					fmt.Println("rule did not parse:")
					for _, pe := range res.ParseErrors {
						fmt.Println("  -", pe)
					}
				}
				if res.Execution != nil {
					fmt.Println(res.Execution.Summary)
				}
				return nil
			})
		},
	}
	return cmd
}

func messageListCmd() *cobra.Command {
	var n int
	var msgType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the transcript, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, nil, r)
				if err != nil {
					return err
				}
				items, err := r.ListMessages(ctx, repo.MessageFilters{ForumID: forumID, Type: msgType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("TIME", "SENDER", "TYPE", "CONTENT")
				for _, m := range items {
					t.AppendRow(table.Row{m.CreatedAt, m.SenderID, m.Type, m.Content})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of messages")
	cmd.Flags().StringVar(&msgType, "type", "", "filter by type (chat, rule, system)")
	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule <statement>",
		Short: "Execute an EleuScript rule against a forum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forumID, err := resolveForumArg(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				res, err := e.ExecuteRule(ctx, forumID, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Summary)
				return nil
			})
		},
	}
	return cmd
}

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Short: "Forum services"}
	svc.AddCommand(serviceListCmd())
	svc.AddCommand(serviceTransitionCmd("complete", "Mark an activated service completed", func(e engine.Engine, ctx context.Context, forumID, name string) error {
		_, err := e.CompleteService(ctx, forumID, name, actor())
		return err
	}))
	svc.AddCommand(serviceTransitionCmd("fail", "Mark an activated service failed", func(e engine.Engine, ctx context.Context, forumID, name string) error {
		_, err := e.FailService(ctx, forumID, name, actor())
		return err
	}))
	return svc
}

func serviceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Service statuses in a forum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, nil, r)
				if err != nil {
					return err
				}
				items, err := r.ListServiceStatus(ctx, forumID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("SERVICE", "STATUS", "ACTIVATED BY", "UPDATED")
				for _, s := range items {
					t.AppendRow(table.Row{s.ServiceName, s.Status, deref(s.ActivatedBy), s.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func serviceTransitionCmd(use, short string, run func(engine.Engine, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forumID, err := resolveForumArg(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				return run(e, ctx, forumID, args[0])
			})
		},
	}
}

func expansionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expansion",
		Short: "Expansion history of a forum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, nil, r)
				if err != nil {
					return err
				}
				items, err := r.ListExpansionHistory(ctx, forumID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("TS", "BY", "RULE", "NEW STAKEHOLDERS", "NEW SERVICES", "NEW POLICIES")
				for _, ev := range items {
					t.AppendRow(table.Row{
						ev.TS, ev.TriggeredBy, ev.RuleText,
						strings.Join(ev.NewStakeholders, ","),
						strings.Join(ev.NewServices, ","),
						strings.Join(ev.NewPolicies, ","),
					})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment intents created in a forum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				forumID, err := resolveForumArg(ctx, nil, r)
				if err != nil {
					return err
				}
				items, err := r.ListPaymentIntents(ctx, forumID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "SERVICE", "AMOUNT", "CURRENCY", "PAYER", "PAYEE", "STATUS")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.ServiceName, fmt.Sprintf("%.2f", p.Amount), p.Currency, p.PayerID, p.PayeeID, p.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("forum"), evtType, "", "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := newAPIKey(ctx, r, actor(), name)
				if err != nil {
					return err
				}
				fmt.Printf("API key created (shown once): %s\n", plaintext)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"revoke"},
		Short:   "Delete an API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default eleutherios.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(instanceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "local", "instance id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cfg, err := app.ResolveConfig(workspace, "")
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ELEU_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("ELEU_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Eleutherios API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

// newAPIKey mints a key, stores its hash, and returns the plaintext
// alongside the stored record. The plaintext is never persisted.
func newAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (string, domain.APIKey, error) {
	plaintext := "ek_" + uuid.NewString()
	key := domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Name:    name,
		KeyHash: repo.HashAPIKey(plaintext),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, stored, nil
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
	cfg, err := app.ResolveConfig(workspace, "")
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func resolveForumArg(ctx context.Context, args []string, r repo.Repo) (string, error) {
	override := viper.GetString("forum")
	if len(args) == 1 {
		override = args[0]
	}
	policyID := viper.GetString("policy")
	return app.ResolveForum(ctx, override, policyID, r)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	return t
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
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
