// Package runbox assembles the sandbox subsystem from environment
// configuration: container backend, coordination store, pool manager,
// cloud backends, and the session service on top.
package runbox

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/curaious/runbox/internal/config"
	"github.com/curaious/runbox/pkg/sandbox"
	"github.com/curaious/runbox/pkg/sandbox/cloud_desktop"
	"github.com/curaious/runbox/pkg/sandbox/cloud_phone"
	"github.com/curaious/runbox/pkg/sandbox/docker_client"
	"github.com/curaious/runbox/pkg/sandbox/k8s_client"
	"github.com/curaious/runbox/pkg/sandbox/manager"
	"github.com/curaious/runbox/pkg/sandbox/service"
)

// Runtime is the fully wired sandbox subsystem.
type Runtime struct {
	Manager      *manager.Manager
	Service      *service.Service
	Environments *service.EnvironmentManager

	client sandbox.ContainerClient
}

// New builds a Runtime from the given configuration. Cloud backends are
// registered only when their credentials are configured; container
// types are always available.
func New(conf *config.Config) (*Runtime, error) {
	client, err := newContainerClient(conf)
	if err != nil {
		return nil, err
	}

	store, err := newStore(conf)
	if err != nil {
		client.Close()
		return nil, err
	}

	if err := registerCloudBackends(conf); err != nil {
		client.Close()
		return nil, err
	}

	mgr := manager.New(manager.Config{
		PoolSize:       conf.POOL_SIZE,
		PortRangeStart: conf.PORT_RANGE_START,
		PortRangeEnd:   conf.PORT_RANGE_END,
		DeployTimeout:  time.Duration(conf.DEPLOY_TIMEOUT_SECONDS) * time.Second,
		CommandTimeout: time.Duration(conf.COMMAND_TIMEOUT_SECONDS) * time.Second,
		AutoCleanup:    conf.AUTO_CLEANUP,
		TokenSecret:    conf.RUNTIME_TOKEN_SECRET,
		DaemonPort:     conf.DAEMON_PORT,
	}, sandbox.DefaultRegistry, client, store)

	var opts []service.Option
	if conf.WORKDIR_ROOT != "" {
		opts = append(opts, service.WithWorkdirRoot(conf.WORKDIR_ROOT))
	}
	svc := service.New(mgr, sandbox.DefaultRegistry, opts...)

	return &Runtime{
		Manager:      mgr,
		Service:      svc,
		Environments: service.NewEnvironmentManager(svc),
		client:       client,
	}, nil
}

// Close releases the container backend connection. Call Service.Shutdown
// first to drain live sandboxes.
func (r *Runtime) Close() error {
	return r.client.Close()
}

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

func registerCloudBackends(conf *config.Config) error {
	if conf.CLOUD_DESKTOP_ID != "" {
		err := cloud_desktop.Register(sandbox.DefaultRegistry, cloud_desktop.Config{
			APIBase:   conf.CLOUD_DESKTOP_API_BASE,
			APIKey:    conf.CLOUD_DESKTOP_API_KEY,
			DesktopID: conf.CLOUD_DESKTOP_ID,
		})
		if err != nil {
			return err
		}
	}
	if conf.CLOUD_PHONE_INSTANCE != "" {
		err := cloud_phone.Register(sandbox.DefaultRegistry, cloud_phone.Config{
			APIBase:    conf.CLOUD_PHONE_API_BASE,
			APIKey:     conf.CLOUD_PHONE_API_KEY,
			InstanceID: conf.CLOUD_PHONE_INSTANCE,
			AutoStart:  conf.CLOUD_PHONE_AUTO_START,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
