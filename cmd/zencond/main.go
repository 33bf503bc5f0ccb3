package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/pbinitiative/zencond/internal/cluster"
	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/deployment"
	"github.com/pbinitiative/zencond/internal/identity"
	"github.com/pbinitiative/zencond/internal/log"
	"github.com/pbinitiative/zencond/internal/otel"
	"github.com/pbinitiative/zencond/internal/rest"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

type Globals struct {
	Config string `help:"Configuration file, conf.yaml of the working directory by default." type:"path" env:"CONFIG_FILE"`
}

type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" default:"1" help:"Start a cluster node with the REST API."`
	Token TokenCmd `cmd:"" help:"Issue a bearer token signed with the configured secret."`
}

type ServeCmd struct{}

func (cmd *ServeCmd) Run(globals *Globals) error {
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	conf := config.InitConfig(globals.Config)

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up OTEL: %w", err)
	}
	defer func() {
		if err := openTelemetry.Stop(context.Background()); err != nil {
			log.Error("failed to stop OTEL providers: %s", err)
		}
	}()
	requestMetrics, err := otel.NewRequestMetrics()
	if err != nil {
		return fmt.Errorf("failed to create request metrics: %w", err)
	}

	zenNode, err := cluster.StartZenNode(appContext, conf)
	if err != nil {
		return fmt.Errorf("failed to start zen node: %w", err)
	}
	defer func() {
		if err := zenNode.Stop(); err != nil {
			log.Error("failed to properly stop zen node: %s", err)
		}
	}()

	// Start the public API
	svr, err := rest.NewServer(zenNode, conf, requestMetrics)
	if err != nil {
		return err
	}
	if _, err := svr.Start(); err != nil {
		return err
	}
	defer svr.Stop(appContext)

	if conf.Deployments.Dir != "" {
		watcher := deployment.NewWatcher(conf.Deployments, zenNode)
		stopWatcher, err := watcher.Start(appContext)
		if err != nil {
			return fmt.Errorf("failed to watch deployments: %w", err)
		}
		defer stopWatcher()
	}

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)
	return nil
}

type TokenCmd struct {
	User    string        `arg:"" help:"Subject of the token."`
	Tenants []string      `help:"Tenants the subject is assigned to, in addition to the configured ones." short:"t"`
	Ttl     time.Duration `help:"Validity of the token." default:"1h"`
}

func (cmd *TokenCmd) Run(globals *Globals) error {
	conf, err := config.ReadConfig(globals.Config)
	if err != nil {
		return err
	}
	if conf.Identity.JwtSecret == "" {
		return fmt.Errorf("identity.jwtSecret is not configured")
	}
	token, err := identity.Sign(conf.Identity, runtime.Identity{
		Username:  cmd.User,
		TenantIds: cmd.Tenants,
	}, cmd.Ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("zencond"),
		kong.Description("Conditional events of BPMN processes on a raft replicated engine."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
