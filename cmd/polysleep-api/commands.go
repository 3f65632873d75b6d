package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/polysleep/internal/auth"
	"github.com/MarcoPoloResearchLab/polysleep/internal/catalog"
	"github.com/MarcoPoloResearchLab/polysleep/internal/config"
	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

type applicationRunner func(cmd *cobra.Command, args []string, app *application) error

// withApplication opens the store for a one-shot command and closes it afterwards.
func withApplication(run applicationRunner) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := openApplication(applicationOptions{console: true})
		if err != nil {
			return err
		}
		defer app.Close()
		return run(cmd, args, app)
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and backfill legacy schedules",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(cmd *cobra.Command, _ []string, app *application) error {
			report, err := app.schedules.MigrateLegacyDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			renderMigrationReport(cmd.OutOrStdout(), report)
			return nil
		}),
	}
}

func newSchedulesCommand() *cobra.Command {
	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and switch sleep schedules",
	}

	var includeDeleted bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(cmd *cobra.Command, _ []string, app *application) error {
			found, err := app.schedules.FetchAllSchedules(cmd.Context(), includeDeleted)
			if err != nil {
				return err
			}
			renderSchedules(cmd.OutOrStdout(), found)
			return nil
		}),
	}
	listCmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted schedules")

	activateCmd := &cobra.Command{
		Use:   "activate <schedule-id>",
		Short: "Make a schedule the active one",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(cmd *cobra.Command, args []string, app *application) error {
			scheduleID, err := schedules.NewScheduleID(args[0])
			if err != nil {
				return err
			}
			result, err := app.schedules.Activate(cmd.Context(), scheduleID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !result.Changed:
				_, _ = fmt.Fprintln(out, noticeStyle.Sprintf("%s is already active", result.Schedule.Definition.Name))
			case result.Replaced != "":
				_, _ = fmt.Fprintf(out, "%s active, replaced %s (undo available until midnight)\n",
					activeStyle.Sprint(result.Schedule.Definition.Name), result.Replaced)
			default:
				_, _ = fmt.Fprintf(out, "%s active\n", activeStyle.Sprint(result.Schedule.Definition.Name))
			}
			return nil
		}),
	}

	deactivateCmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate every schedule",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(cmd *cobra.Command, _ []string, app *application) error {
			if err := app.schedules.DeactivateAll(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no schedule is active")
			return nil
		}),
	}

	var checkOnly bool
	undoCmd := &cobra.Command{
		Use:   "undo",
		Short: "Restore the schedule replaced by today's switch",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(cmd *cobra.Command, _ []string, app *application) error {
			out := cmd.OutOrStdout()
			if checkOnly {
				pending, err := app.schedules.PendingUndo(cmd.Context())
				if errors.Is(err, schedules.ErrUndoUnavailable) {
					renderUndo(out, nil, app.config.Location)
					return nil
				}
				if err != nil {
					return err
				}
				renderUndo(out, pending, app.config.Location)
				return nil
			}
			restored, err := app.schedules.Undo(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s restored\n", activeStyle.Sprint(restored.Definition.Name))
			return nil
		}),
	}
	undoCmd.Flags().BoolVar(&checkOnly, "check", false, "Only show the pending undo")

	phaseCmd := &cobra.Command{
		Use:   "phase [schedule-id]",
		Short: "Show adaptation progress, of the active schedule by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApplication(func(cmd *cobra.Command, args []string, app *application) error {
			var scheduleID schedules.ScheduleID
			if len(args) == 1 {
				parsed, err := schedules.NewScheduleID(args[0])
				if err != nil {
					return err
				}
				scheduleID = parsed
			} else {
				active, err := app.schedules.GetActiveSchedule(cmd.Context())
				if err != nil {
					return err
				}
				if active == nil {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), noticeStyle.Sprint("no schedule is active"))
					return nil
				}
				scheduleID = active.ID()
			}
			progress, err := app.schedules.AdaptationProgress(cmd.Context(), scheduleID)
			if err != nil {
				return err
			}
			renderProgress(cmd.OutOrStdout(), progress, app.config.Location)
			return nil
		}),
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Add the built-in schedules to an empty store",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(cmd *cobra.Command, _ []string, app *application) error {
			created, err := catalog.Seed(cmd.Context(), app.schedules, app.logger)
			if err != nil {
				return err
			}
			if created == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), noticeStyle.Sprint("store already holds schedules, nothing seeded"))
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d schedules\n", created)
			return nil
		}),
	}

	schedulesCmd.AddCommand(listCmd, activateCmd, deactivateCmd, undoCmd, phaseCmd, seedCmd)
	return schedulesCmd
}

func newRemindersCommand() *cobra.Command {
	remindersCmd := &cobra.Command{
		Use:   "reminders",
		Short: "Reminder preferences",
	}
	leadTimeCmd := &cobra.Command{
		Use:   "lead-time [minutes]",
		Short: "Show or set how many minutes before a sleep block reminders fire",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApplication(func(cmd *cobra.Command, args []string, app *application) error {
			if len(args) == 1 {
				minutes, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("lead time must be a number of minutes: %w", err)
				}
				if err := app.preferences.SetReminderLeadTime(minutes); err != nil {
					return err
				}
			}
			minutes, err := app.preferences.ReminderLeadTime()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reminders fire %d minutes before each block\n", minutes)
			return nil
		}),
	}
	remindersCmd.AddCommand(leadTimeCmd)
	return remindersCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Device token utilities",
	}
	issueCmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a bearer token for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateServer(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), noticeStyle.Sprintf("expires in %d seconds", expiresIn))
			return nil
		},
	}
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}
