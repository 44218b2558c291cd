package coremain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/mlog"
)

var svcCfg = &service.Config{
	Name:        "hyperdns",
	DisplayName: "hyperdns",
	Description: "Resolves domain names to p2p protocol keys.",
}

var svc service.Service

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

// serverService runs the api server under the service manager.
type serverService struct {
	f *serverFlags

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := StartServer(ctx, ss.f); err != nil {
			mlog.L().Fatal("server exited", zap.Error(err))
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel == nil {
		return nil
	}
	ss.cancel()
	<-ss.done
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install hyperdns as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get the current working directory, %w", err)
				}
				sf.dir = wd
			}
			absDir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("failed to resolve the working directory, %w", err)
			}

			cfg := *svcCfg
			cfg.Arguments = []string{"serve", "--as-service", "-d", absDir}
			if len(sf.c) > 0 {
				cfg.Arguments = append(cfg.Arguments, "-c", sf.c)
			}
			if sf.watch {
				cfg.Arguments = append(cfg.Arguments, "--watch")
			}
			s, err := service.New(&serverService{}, &cfg)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	fs := c.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.BoolVar(&sf.watch, "watch", false, "reload the resolver when the config file changes")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall the hyperdns service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "Start the hyperdns service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Start() },
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop the hyperdns service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart the hyperdns service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the hyperdns service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return err
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
		SilenceUsage: true,
	}
}
