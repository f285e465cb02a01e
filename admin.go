package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func keygenCmd() *cobra.Command {
	var (
		group       bool
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "keygen <username>",
		Short: "Create a local person or community with a fresh RSA keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			kind := domain.ActorPerson
			if group {
				kind = domain.ActorGroup
			}
			if err := domain.ValidateUsername(args[0]); err != nil {
				return err
			}

			keys, err := util.GeneratePemKeypair(util.DefaultKeyBits)
			if err != nil {
				return err
			}
			acc := rt.urls.NewLocalActor(kind, args[0], keys.Public, keys.Private)
			acc.DisplayName = displayName
			if err := rt.db.CreateLocalActor(cmd.Context(), acc); err != nil {
				return err
			}

			fmt.Printf("Created %s %s\n", kind, acc.ActorURI)
			return nil
		},
	}

	cmd.Flags().BoolVar(&group, "group", false, "create a community instead of a person")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin <username>",
		Short: "Appoint a local person as site admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			acc, err := rt.db.ReadLocalActor(cmd.Context(), domain.ActorPerson, args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if err := rt.db.AddSiteAdmin(cmd.Context(), acc.ActorURI, time.Now()); err != nil {
				return err
			}

			fmt.Printf("%s is now a site admin\n", acc.ActorURI)
			return nil
		},
	}
	return cmd
}

func purgeCmd() *cobra.Command {
	var (
		adminName string
		reason    string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge <post-uri>",
		Short: "Purge a post as site admin and tell the community's followers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			admin, err := rt.db.ReadLocalActor(ctx, domain.ActorPerson, adminName)
			if err != nil {
				return fmt.Errorf("read admin %s: %w", adminName, err)
			}

			fed, err := newFederation(rt)
			if err != nil {
				return err
			}
			defer fed.shutdown()
			if err := fed.queue.Start(ctx); err != nil {
				return err
			}

			moderation := activitypub.NewModeration(rt.db, fed.submitter, rt.log)
			if err := moderation.PurgePost(ctx, admin, args[0], reason); err != nil {
				return err
			}
			fed.submitter.Wait()

			// Whatever is still pending is stored and picked up by the next serve.
			waitForDeliveries(ctx, fed.queue, wait, rt.log)
			fed.shutdown()

			fmt.Printf("Purged %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&adminName, "admin", "", "username of the acting site admin")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the mod log")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for deliveries")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func waitForDeliveries(ctx context.Context, queue *activitypub.Queue, wait time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for queue.Pending() > 0 {
		select {
		case <-ctx.Done():
			log.Info("Deliveries still pending", zap.Int("tasks", queue.Pending()))
			return
		case <-ticker.C:
		}
	}
}
