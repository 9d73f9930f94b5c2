package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/curaious/runbox/internal/config"
	"github.com/curaious/runbox/pkg/sandbox"
	"github.com/curaious/runbox/pkg/sandbox/docker_client"
	"github.com/curaious/runbox/pkg/sandbox/k8s_client"
	"github.com/curaious/runbox/pkg/sandbox/manager"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned sandbox containers left behind by crashed workers",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		client, err := newContainerClient(conf)
		if err != nil {
			log.Fatalln(err.Error())
		}
		defer client.Close()

		store, err := newStore(conf)
		if err != nil {
			log.Fatalln(err.Error())
		}
		mgr := manager.New(manager.Config{}, nil, client, store)

		ctx := context.Background()
		orphans, err := mgr.Orphans(ctx)
		if err != nil {
			log.Fatalln(err.Error())
		}

		if len(orphans) == 0 {
			slog.Info("no orphaned sandboxes found", slog.String("backend", client.Backend()))
			return
		}

		for _, handle := range orphans {
			if cleanupDryRun {
				slog.Info("would remove", slog.String("container", handle.Name), slog.String("id", handle.ID))
				continue
			}
			if err := mgr.DestroyHandle(ctx, handle); err != nil {
				slog.Error("remove failed", slog.String("container", handle.Name), slog.Any("error", err))
				continue
			}
			slog.Info("removed orphaned sandbox", slog.String("container", handle.Name))
		}
	},
}

// newStore picks the coordination store: redis when REDIS_URL is set
// (multi-worker deployments), in-memory otherwise.
func newStore(conf *config.Config) (manager.Store, error) {
	if conf.REDIS_URL == "" {
		return manager.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(conf.REDIS_URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return manager.NewRedisStore(redis.NewClient(opts)), nil
}

// newContainerClient picks the container backend from configuration.
func newContainerClient(conf *config.Config) (sandbox.ContainerClient, error) {
	switch conf.SANDBOX_BACKEND {
	case "docker":
		return docker_client.New()
	case "k8s":
		return k8s_client.New(k8s_client.Config{
			Namespace:  conf.K8S_NAMESPACE,
			Kubeconfig: conf.KUBECONFIG,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", conf.SANDBOX_BACKEND)
	}
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list orphans without removing them")
	rootCmd.AddCommand(cleanupCmd)
}
