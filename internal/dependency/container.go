// Package dependency wires core deskwire services using go.uber.org/dig.
package dependency

import (
	"fmt"
	"log/slog"

	"go.uber.org/dig"

	"github.com/deskwire/deskwire/internal/auth"
	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/heartbeat"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/transport"
)

// Container holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg       *config.Config
	issuer    *auth.Provider
	transport *transport.Client
	client    *realtime.Client
	reporter  *heartbeat.Service
}

func (c *Container) Config() *config.Config       { return c.cfg }
func (c *Container) Issuer() *auth.Provider       { return c.issuer }
func (c *Container) Transport() *transport.Client { return c.transport }
func (c *Container) Client() *realtime.Client     { return c.client }
func (c *Container) Reporter() *heartbeat.Service { return c.reporter }

// ReportHook receives every heartbeat report. It may be nil.
type ReportHook func(heartbeat.Report)

// New builds and wires all core services from cfg.
func New(cfg *config.Config, log *slog.Logger, hook ReportHook) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config (edit %s): %w", config.ConfigPath(), err)
	}
	if log == nil {
		log = slog.Default()
	}

	d := dig.New()

	if err := d.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := d.Provide(func() *slog.Logger { return log }); err != nil {
		return nil, err
	}
	if err := d.Provide(func() ReportHook { return hook }); err != nil {
		return nil, err
	}
	if err := d.Provide(newIssuer); err != nil {
		return nil, err
	}
	if err := d.Provide(newTransport); err != nil {
		return nil, err
	}
	if err := d.Provide(newClient); err != nil {
		return nil, err
	}
	if err := d.Provide(newReporter); err != nil {
		return nil, err
	}

	var result *Container
	err := d.Invoke(func(
		issuer *auth.Provider,
		tr *transport.Client,
		client *realtime.Client,
		reporter *heartbeat.Service,
	) {
		result = &Container{
			cfg:       cfg,
			issuer:    issuer,
			transport: tr,
			client:    client,
			reporter:  reporter,
		}
	})
	return result, err
}

func newIssuer(cfg *config.Config) *auth.Provider {
	return auth.New(auth.Params{
		BaseURL:     cfg.Issuer.BaseURL,
		BearerToken: cfg.Issuer.BearerToken,
		Identity: auth.Identity{
			Tenant: cfg.Identity.Tenant,
			User:   cfg.Identity.User,
		},
	})
}

func newTransport(cfg *config.Config, issuer *auth.Provider, log *slog.Logger) (*transport.Client, error) {
	return transport.New(transport.Config{
		URL:               cfg.Realtime.URL,
		GetToken:          issuer.FetchConnectToken,
		MinReconnectDelay: cfg.Realtime.MinReconnectDelay(),
		MaxReconnectDelay: cfg.Realtime.MaxReconnectDelay(),
		Logger:            log,
	})
}

func newClient(cfg *config.Config, tr *transport.Client, issuer *auth.Provider, log *slog.Logger) (*realtime.Client, error) {
	rt := cfg.Realtime
	return realtime.New(realtime.Options{
		Transport:       realtime.WrapTransport(tr),
		Issuer:          issuer,
		Tenant:          cfg.Identity.Tenant,
		Namespace:       rt.Namespace,
		KnownNamespaces: rt.KnownNamespaces,
		TokenTimeout:    rt.TokenTimeout(),
		Retry: realtime.RetryPolicy{
			MaxAttempts:  rt.Retry.MaxAttempts,
			InitialDelay: rt.Retry.InitialDelay(),
			MaxDelay:     rt.Retry.MaxDelay(),
		},
		Logger: log,
	})
}

func newReporter(cfg *config.Config, client *realtime.Client, log *slog.Logger, hook ReportHook) (*heartbeat.Service, error) {
	return heartbeat.NewService(client, cfg.Report.Schedule, log, hook)
}
