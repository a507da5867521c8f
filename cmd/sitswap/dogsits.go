package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitswap/internal/app"
	"sitswap/internal/domain"
	"sitswap/internal/engine"
	"sitswap/internal/ledger"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userAdjustCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var username, password, displayName string
	var admin bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with the starting balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				role := domain.RoleMember
				if admin {
					role = domain.RoleAdmin
				}
				u, err := a.Engine.CreateUser(ctx, engine.NewUser{
					Username:    username,
					Password:    password,
					DisplayName: displayName,
					Role:        role,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "unique login name")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Name", "Role", "Points"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.DisplayName, u.Role, u.Points})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user and the requests they own or sit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				reqs, err := a.Engine.RequestsForUser(ctx, u.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"user":     u,
					"owned":    reqs.Owned,
					"accepted": reqs.Accepted,
				})
			})
		},
	}
}

func userAdjustCmd() *cobra.Command {
	var delta int64
	cmd := &cobra.Command{
		Use:   "adjust <user-id>",
		Short: "Credit or debit a user's balance",
		Long:  "Applies a signed delta, journalled as an adjustment. Balances never go below zero.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := strings.TrimSpace(viper.GetString("as"))
			if actor == "" {
				actor = "cli"
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.AdjustPoints(ctx, args[0], delta, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().Int64Var(&delta, "points", 0, "signed number of points to add")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func requestCmd() *cobra.Command {
	r := &cobra.Command{
		Use:     "request",
		Aliases: []string{"dogsit"},
		Short:   "Manage dogsit requests",
		Long:    "Requests move PENDING -> ACCEPTED -> COMPLETED and never back. Commands that act for someone take --as <user-id>.",
	}
	r.AddCommand(requestCreateCmd())
	r.AddCommand(requestListCmd())
	r.AddCommand(requestShowCmd())
	r.AddCommand(requestAcceptCmd())
	r.AddCommand(requestCompleteCmd())
	return r
}

func requestCreateCmd() *cobra.Command {
	var in engine.RequestInput
	var start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a request owned by --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actingUser()
			if err != nil {
				return err
			}
			if in.StartTime, err = domain.ParseTimestamp(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if in.EndTime, err = domain.ParseTimestamp(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CreateRequest(ctx, owner, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "what the sit involves")
	cmd.Flags().StringVar(&in.Location, "location", "", "where the sit happens")
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC 3339 or 2006-01-02T15:04)")
	cmd.Flags().StringVar(&end, "end", "", "end time (RFC 3339 or 2006-01-02T15:04)")
	cmd.Flags().StringVar(&in.Pet.Name, "pet-name", "", "dog name")
	cmd.Flags().StringVar(&in.Pet.Breed, "pet-breed", "", "dog breed")
	cmd.Flags().StringVar(&in.Pet.Size, "pet-size", "", "dog size")
	cmd.Flags().StringVar(&in.Pet.SpecialNeeds, "pet-needs", "", "special needs")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.DogsitRequest
					err   error
				)
				if status == "" {
					items, err = a.Engine.AllRequests(ctx)
				} else {
					items, err = a.Engine.RequestsByStatus(ctx, domain.Status(status))
				}
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, accepted, completed)")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and what completing it would transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"request":     r,
					"hours":       ledger.Hours(r.StartTime, r.EndTime),
					"points_owed": a.Engine.Policy.PointsOwed(r.StartTime, r.EndTime),
				})
			})
		},
	}
}

func requestAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Accept a pending request as --as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sitter, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.AcceptRequest(ctx, args[0], sitter)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func requestCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Complete an accepted request and settle points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CompleteRequest(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger <user-id>",
		Short: "Show a user's balance history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.LedgerEntries(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Kind", "Delta", "Balance", "Request", "Actor"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.Kind, fmt.Sprintf("%+d", e.Delta), e.BalanceAfter, stringOrEmpty(e.RequestID), e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}
