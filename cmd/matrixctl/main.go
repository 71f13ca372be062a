package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"stagematrix/internal/auth"
	cl "stagematrix/internal/cli"
	"stagematrix/internal/config"
	"stagematrix/internal/db"
	"stagematrix/internal/matrix"
	"stagematrix/internal/memstore"
	"stagematrix/internal/notify"
	"stagematrix/internal/stage"
	"stagematrix/internal/syncq"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "matrixctl",
		Short:        "Operate the stage matrix service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "matrix API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newStagesCmd(&apiBase),
		newMemberCmd(&apiBase),
		newReferralCmd(&apiBase),
		newProgressionCmd(&apiBase),
		newMatrixCmd(&apiBase),
		newSummaryCmd(&apiBase),
		newSyncCmd(&apiBase),
		newSimulateCmd(),
		newMigrateCmd(cfg),
		newHashTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sessionClient builds a client from the saved session. An explicit --api
// beats the URL remembered at login.
func sessionClient(cmd *cobra.Command, apiBase *string) (*cl.Client, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return nil, err
	}
	override := ""
	if cmd.Flags().Changed("api") || sess.APIBaseURL == "" {
		override = *apiBase
	}
	return sess.Client(override), nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the operator token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				var err error
				token, err = promptSecret("Operator token")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := cl.NewClient(*apiBase, token)
			if _, err := client.Stages(ctx); err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			if err := cl.SaveSession(cl.Session{Token: token, APIBaseURL: client.BaseURL}); err != nil {
				return err
			}
			printSuccess("Logged in. Session saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "operator token (prompted when omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved operator token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newStagesCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the stage catalog the API is running with",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Stages(ctx)
			if err != nil {
				return err
			}
			rows, _ := out["stages"].([]any)
			accent.Println("\n== STAGES ==")
			fmt.Printf("%-10s %10s %10s %8s %-12s %s\n", "STAGE", "BONUS", "REQUIRED", "LEVELS", "PREREQ", "INCENTIVES")
			for _, r := range rows {
				row, _ := r.(map[string]any)
				prereq, _ := row["prerequisite"].(string)
				var incentives []string
				if list, ok := row["incentives"].([]any); ok {
					for _, v := range list {
						incentives = append(incentives, fmt.Sprint(v))
					}
				}
				fmt.Printf("%-10v %10.2f %10v %8v %-12s %s\n",
					row["stage"], row["bonus"], row["required_qualified_slots"], row["matrix_levels"], prereq, strings.Join(incentives, ", "))
			}
			fmt.Println()
			return nil
		},
	}
}

func newMemberCmd(apiBase *string) *cobra.Command {
	member := &cobra.Command{
		Use:   "member",
		Short: "Register members and record their payments",
	}

	var username, referredBy string
	register := &cobra.Command{
		Use:   "register [email]",
		Short: "Register a new unpaid member",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := argOrPrompt(args, 0, "Email")
			if err != nil {
				return err
			}
			in := matrix.RegisterInput{Email: email, Username: username, ReferredByCode: referredBy}
			body := map[string]any{"email": in.Email, "username": in.Username, "referred_by_code": in.ReferredByCode}
			return mutate(cmd, apiBase, http.MethodPost, "/v1/members", body, func(ctx context.Context, c *cl.Client, idem string) error {
				u, err := c.RegisterMember(ctx, in, idem)
				if err != nil {
					return err
				}
				printSuccess("Member registered.")
				renderUser(u)
				return nil
			})
		},
	}
	register.Flags().StringVar(&username, "username", "", "username (derived from the email when omitted)")
	register.Flags().StringVar(&referredBy, "ref", "", "referral code of the sponsor")

	pay := &cobra.Command{
		Use:   "pay [member-id]",
		Short: "Confirm the member's joining fee",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := argOrPrompt(args, 0, "Member ID")
			if err != nil {
				return err
			}
			return mutate(cmd, apiBase, http.MethodPost, "/v1/members/"+id+"/payment", nil, func(ctx context.Context, c *cl.Client, idem string) error {
				u, err := c.ConfirmPayment(ctx, id, idem)
				if err != nil {
					return err
				}
				printSuccess("Joining fee confirmed.")
				renderUser(u)
				return nil
			})
		},
	}

	deposit := &cobra.Command{
		Use:   "deposit [member-id] [amount]",
		Short: "Record a pending deposit for a member",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := argOrPrompt(args, 0, "Member ID")
			if err != nil {
				return err
			}
			raw, err := argOrPrompt(args, 1, "Amount")
			if err != nil {
				return err
			}
			amount, err := strconv.ParseFloat(raw, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("invalid amount %q", raw)
			}
			micros := stage.UnitsToMicros(amount)
			body := map[string]any{"amount_micros": micros}
			return mutate(cmd, apiBase, http.MethodPost, "/v1/members/"+id+"/deposits", body, func(ctx context.Context, c *cl.Client, idem string) error {
				d, err := c.RecordDeposit(ctx, id, micros, idem)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Deposit #%d of %s recorded (%s).", d.ID, formatMicros(d.AmountMicros), d.Status))
				return nil
			})
		},
	}

	approve := &cobra.Command{
		Use:   "approve-deposit [deposit-id]",
		Short: "Approve a deposit; an approved deposit counts as payment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := argOrPrompt(args, 0, "Deposit ID")
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid deposit id %q", raw)
			}
			return mutate(cmd, apiBase, http.MethodPost, fmt.Sprintf("/v1/deposits/%d/approve", id), nil, func(ctx context.Context, c *cl.Client, idem string) error {
				d, err := c.ApproveDeposit(ctx, id, idem)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Deposit #%d approved for %s.", d.ID, d.UserID))
				return nil
			})
		},
	}

	member.AddCommand(register, pay, deposit, approve)
	return member
}

func newReferralCmd(apiBase *string) *cobra.Command {
	referral := &cobra.Command{
		Use:   "referral",
		Short: "Place referred members into matrices",
	}
	referral.AddCommand(&cobra.Command{
		Use:   "process [referrer-id] [member-id]",
		Short: "Place a paid member under the referrer's current matrix",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			referrerID, err := argOrPrompt(args, 0, "Referrer ID")
			if err != nil {
				return err
			}
			memberID, err := argOrPrompt(args, 1, "Member ID")
			if err != nil {
				return err
			}
			body := map[string]any{"referrer_id": referrerID, "member_id": memberID}
			return mutate(cmd, apiBase, http.MethodPost, "/v1/referrals", body, func(ctx context.Context, c *cl.Client, idem string) error {
				res, err := c.ProcessReferral(ctx, referrerID, memberID, idem)
				if err != nil {
					return err
				}
				renderReferral(res)
				return nil
			})
		},
	})
	return referral
}

func newProgressionCmd(apiBase *string) *cobra.Command {
	progression := &cobra.Command{
		Use:   "progression",
		Short: "Re-run stage progression",
	}
	progression.AddCommand(&cobra.Command{
		Use:   "check [member-id]",
		Short: "Promote a member whose counter has met its threshold",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := argOrPrompt(args, 0, "Member ID")
			if err != nil {
				return err
			}
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := client.CheckProgression(ctx, id)
			if err != nil {
				return err
			}
			renderProgression(res)
			return nil
		},
	})

	var limit int
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Check every member whose counter is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			res, err := client.Sweep(ctx, limit)
			if err != nil {
				return err
			}
			renderSweep(res)
			return nil
		},
	}
	sweep.Flags().IntVar(&limit, "limit", 100, "maximum members to check")
	progression.AddCommand(sweep)
	return progression
}

func newMatrixCmd(apiBase *string) *cobra.Command {
	m := &cobra.Command{
		Use:   "matrix",
		Short: "Inspect matrix trees",
	}
	var depth int
	show := &cobra.Command{
		Use:   "show [member-id] [stage]",
		Short: "Print a member's tree for a stage (default: no_stage)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := stage.NoStage
			if len(args) > 1 {
				var err error
				if s, err = stage.Parse(args[1]); err != nil {
					return fmt.Errorf("%w: %s", err, args[1])
				}
			}
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			tree, err := client.MatrixTree(ctx, args[0], s, depth)
			if err != nil {
				return err
			}
			renderTree(tree)
			return nil
		},
	}
	show.Flags().IntVar(&depth, "depth", matrix.DefaultTreeDepth, "levels below the owner to print")
	m.AddCommand(show)
	return m
}

func newSummaryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [member-id]",
		Short: "Show a member's stage, wallet and counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := argOrPrompt(args, 0, "Member ID")
			if err != nil {
				return err
			}
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := client.Summary(ctx, id)
			if err != nil {
				return err
			}
			renderSummary(s)
			return nil
		},
	}
}

// mutate runs a write against the API. When the API cannot be reached the
// request is queued for `matrixctl sync` under the same idempotency key.
func mutate(cmd *cobra.Command, apiBase *string, method, path string, body map[string]any, call func(context.Context, *cl.Client, string) error) error {
	client, err := sessionClient(cmd, apiBase)
	if err != nil {
		return err
	}
	idem := uuid.NewString()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	err = call(ctx, client, idem)
	if err == nil || !isNetworkError(err) {
		return err
	}
	if qerr := syncq.Push(syncq.Command{Method: method, Path: path, Body: body, IdempotencyKey: idem}); qerr != nil {
		return fmt.Errorf("%w (queueing failed: %v)", err, qerr)
	}
	printWarn(fmt.Sprintf("API unreachable; queued %s %s for `matrixctl sync`.", method, path))
	return nil
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *cl.APIError
	return !errors.As(err, &apiErr)
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay writes queued while the API was unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := sessionClient(cmd, apiBase)
			if err != nil {
				return err
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			done, discarded, kept, err := syncq.Replay(func(q syncq.Command) (syncq.Outcome, error) {
				_, err := client.Do(ctx, q.Method, q.Path, q.Body, q.IdempotencyKey)
				if err == nil {
					return syncq.Done, nil
				}
				var apiErr *cl.APIError
				if errors.As(err, &apiErr) && !apiErr.Retryable() {
					printError(fmt.Sprintf("Dropped %s %s: %v", q.Method, q.Path, err))
					return syncq.Discard, err
				}
				printError(fmt.Sprintf("Sync stopped at %s %s: %v", q.Method, q.Path, err))
				return syncq.Keep, err
			})
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d dropped=%d remaining=%d", done, discarded, kept))
			return nil
		},
	}
}

func newSimulateCmd() *cobra.Command {
	var (
		members     int
		sponsors    int
		catalogPath string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run referrals against an in-memory ledger and print what happens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if members < 1 || sponsors < 1 {
				return errors.New("--members and --sponsors must be positive")
			}
			catalog, err := stage.Load(catalogPath)
			if err != nil {
				return err
			}
			var logOut io.Writer = io.Discard
			if verbose {
				logOut = os.Stderr
			}
			logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))
			store := memstore.New()
			engine := matrix.NewEngine(store, matrix.Options{
				Catalog:   catalog,
				Publisher: notify.LogPublisher{Logger: logger},
				Logger:    logger,
			})
			ctx := cmd.Context()

			join := func(i int) (matrix.User, error) {
				u, err := engine.RegisterMember(ctx, matrix.RegisterInput{
					Email:    fmt.Sprintf("sim%04d@example.com", i),
					Username: fmt.Sprintf("sim%04d", i),
				})
				if err != nil {
					return matrix.User{}, err
				}
				return engine.ConfirmPayment(ctx, u.ID)
			}

			var roster []matrix.User
			for i := 0; i < sponsors; i++ {
				u, err := join(i)
				if err != nil {
					return err
				}
				roster = append(roster, u)
			}
			promotions := 0
			for i := 0; i < members; i++ {
				referrer := roster[i%len(roster)]
				u, err := join(sponsors + i)
				if err != nil {
					return err
				}
				res, err := engine.ProcessReferral(ctx, referrer.ID, u.ID)
				if err != nil {
					return err
				}
				if !res.Success {
					printWarn(res.Message)
					continue
				}
				p := res.Placement
				fmt.Printf("%-8s -> %-8s parent=%-8s %-5s depth=%d credits=%d\n",
					referrer.Username, u.Username, usernameOf(store, p.ParentID), p.Side, p.Depth, len(p.Credits))
				renderPromotions(p.Promotions)
				promotions += len(p.Promotions)
				roster = append(roster, u)
			}

			accent.Printf("\n== RESULT: %d members, %d promotions ==\n", len(roster), promotions)
			for _, u := range roster[:sponsors] {
				s, err := engine.Summary(ctx, u.ID)
				if err != nil {
					return err
				}
				renderSummary(s)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&members, "members", 6, "members to refer")
	cmd.Flags().IntVar(&sponsors, "sponsors", 1, "sponsors referring them in turn")
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("MATRIX_STAGE_CATALOG"), "stage catalog YAML override")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print engine logs and events to stderr")
	return cmd
}

func usernameOf(store *memstore.Store, id string) string {
	if u, ok := store.User(id); ok {
		return u.Username
	}
	return truncate(id, 8)
}

func newMigrateCmd(cfg config.CLIConfig) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Print(db.Schema())
				return nil
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			printSuccess("Schema applied.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Print a bcrypt hash for MATRIX_OPERATOR_TOKEN_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := promptSecret("Operator token")
			if err != nil {
				return err
			}
			h, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}
}
