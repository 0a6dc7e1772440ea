package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/EdwinShiels/TheRegiment/pkg/config"
	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
)

// coachCmd is the override surface: intake, pause, targets, job card
// resolution and escalation resets. It talks to the store directly.
func coachCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coach",
		Short: "Coach overrides on client profiles, job cards and escalation state",
	}

	withStore := func(fn func(ctx context.Context, st store.Store, args []string) (string, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, st, _, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			msg, err := fn(ctx, st, args)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ %s\n", msg)
			return nil
		}
	}

	cmd.AddCommand(enrollCmd(withStore))

	cmd.AddCommand(&cobra.Command{
		Use:   "pause <client>",
		Short: "Stop all dispatch and aggregation for a client",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			return "paused " + args[0], setPaused(ctx, st, args[0], true)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unpause <client>",
		Short: "Resume dispatch for a paused client",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			return "unpaused " + args[0], setPaused(ctx, st, args[0], false)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-target <client> <kind> <minutes>",
		Short: "Assign the numeric target for a graded kind",
		Args:  cobra.ExactArgs(3),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			kind, err := contracts.ParseKind(args[1])
			if err != nil {
				return "", err
			}
			if !kind.Graded() {
				return "", &contracts.ValidationError{Field: "kind", Reason: fmt.Sprintf("%s has no numeric target", kind)}
			}
			minutes, err := strconv.Atoi(args[2])
			if err != nil {
				return "", &contracts.ValidationError{Field: "minutes", Reason: "not an integer"}
			}
			c, err := st.GetClient(ctx, args[0])
			if err != nil {
				return "", err
			}
			if c.Targets == nil {
				c.Targets = map[contracts.Kind]int{}
			}
			c.Targets[kind] = minutes
			if err := c.Validate(); err != nil {
				return "", err
			}
			c.UpdatedAt = time.Now().UTC()
			return fmt.Sprintf("%s %s target set to %d", c.ID, kind, minutes), st.PutClient(ctx, c)
		}),
	})

	var unresolve bool
	resolve := &cobra.Command{
		Use:   "resolve <job-card-id>",
		Short: "Mark a job card resolved",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			if err := st.SetResolved(ctx, args[0], !unresolve); err != nil {
				return "", err
			}
			if unresolve {
				return "reopened " + args[0], nil
			}
			return "resolved " + args[0], nil
		}),
	}
	resolve.Flags().BoolVar(&unresolve, "unresolve", false, "reopen the card instead")
	cmd.AddCommand(resolve)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset-escalation <client>",
		Short: "Clear a client's escalation ladder",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			if _, err := st.GetClient(ctx, args[0]); err != nil {
				return "", err
			}
			return "escalation reset for " + args[0], resetEscalation(ctx, st, args[0])
		}),
	})
	return cmd
}

func enrollCmd(withStore func(func(context.Context, store.Store, []string) (string, error)) func(*cobra.Command, []string) error) *cobra.Command {
	var (
		goal, offset, start, cycle, days string
		cardio                           int
	)
	cmd := &cobra.Command{
		Use:   "enroll <client>",
		Short: "Create or replace a client profile",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st store.Store, args []string) (string, error) {
			c, err := buildProfile(args[0], goal, offset, start, cycle, days, cardio)
			if err != nil {
				return "", err
			}
			if existing, err := st.GetClient(ctx, c.ID); err == nil {
				c.CreatedAt = existing.CreatedAt
				c.Paused = existing.Paused
			}
			return fmt.Sprintf("enrolled %s (%s, %s) starting %s", c.ID, c.Goal, c.Offset, c.StartDate), st.PutClient(ctx, c)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&goal, "goal", string(contracts.GoalCut), "cut, bulk or recomp")
	f.StringVar(&offset, "offset", "UTC+0", "fixed UTC offset, e.g. UTC+2")
	f.StringVar(&start, "start", "", "activation date (YYYY-MM-DD), defaults to today in the client's offset")
	f.StringVar(&cycle, "cycle-start", "", "block cycle start date, defaults to --start")
	f.StringVar(&days, "training-days", "0,2,4", "comma separated day indexes 0-6 of the 7-day block")
	f.IntVar(&cardio, "cardio", 0, "daily cardio target in minutes")
	return cmd
}

func buildProfile(id, goal, offset, start, cycle, days string, cardio int) (contracts.ClientProfile, error) {
	off, err := contracts.ParseOffset(offset)
	if err != nil {
		return contracts.ClientProfile{}, &contracts.ValidationError{Field: "offset", Reason: err.Error()}
	}
	now := time.Now().UTC()
	c := contracts.ClientProfile{
		ID:        id,
		Goal:      contracts.Goal(goal),
		Offset:    off,
		StartDate: off.LocalDate(now),
		Targets:   map[contracts.Kind]int{contracts.KindCardio: cardio},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if start != "" {
		if c.StartDate, err = contracts.ParseDate(start); err != nil {
			return c, &contracts.ValidationError{Field: "start", Reason: err.Error()}
		}
	}
	if cycle != "" {
		if c.CycleStartDate, err = contracts.ParseDate(cycle); err != nil {
			return c, &contracts.ValidationError{Field: "cycle_start", Reason: err.Error()}
		}
	}
	for _, s := range strings.Split(days, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil {
			return c, &contracts.ValidationError{Field: "training_days", Reason: fmt.Sprintf("%q is not a day index", s)}
		}
		c.TrainingDays = append(c.TrainingDays, d)
	}
	return c, c.Validate()
}

func setPaused(ctx context.Context, st store.Store, id string, paused bool) error {
	c, err := st.GetClient(ctx, id)
	if err != nil {
		return err
	}
	c.Paused = paused
	c.UpdatedAt = time.Now().UTC()
	return st.PutClient(ctx, c)
}

// resetEscalation zeroes the ladder. A scan that lands between the read and
// the write makes the write conflict, and the reset is applied again.
func resetEscalation(ctx context.Context, st store.EscalationStore, clientID string) error {
	for {
		cur, err := st.GetEscalation(ctx, clientID)
		if err != nil {
			return err
		}
		err = st.PutEscalation(ctx, contracts.EscalationState{
			ClientID:  clientID,
			UpdatedAt: time.Now().UTC(),
			Version:   cur.Version,
		})
		if !errors.Is(err, contracts.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
