package coremain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	watch     bool
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "hyperdns",
	Short: "Resolve domain names to p2p protocol keys.",
}

func init() {
	sf := new(serverFlags)
	serveCmd := &cobra.Command{
		Use:   "serve [-c config_file] [-d working_dir]",
		Short: "Start the hyperdns http api.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(serveCmd)
	fs := serveCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.watch, "watch", false, "reload the resolver when the config file changes")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage hyperdns as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(
		newResolveCmd(),
		newURLCmd(),
		newCacheCmd(),
		newVersionCmd(),
	)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	f, err := openConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	cfg, err := f.load()
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	if err := RunHyperdns(ctx, cfg, f, sf.watch); err != nil {
		return fmt.Errorf("hyperdns exited, %w", err)
	}
	return nil
}

// configFile is a config file with its includes.
type configFile struct {
	v *viper.Viper
}

// openConfig reads a config file. If filePath is empty, it will
// automatically search and read a file which name start with "config".
func openConfig(filePath string) (*configFile, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return &configFile{v: v}, nil
}

// load decodes the config and merges its includes.
func (f *configFile) load() (*Config, error) {
	cfg, err := decodeConfig(f.v)
	if err != nil {
		return nil, err
	}
	if err := mergeInclude(cfg, 0, []string{f.v.ConfigFileUsed()}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	return cfg, nil
}

// watch calls onChange after each write of the config file.
func (f *configFile) watch(lg *zap.Logger, onChange func()) {
	f.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lg.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		onChange()
	})
	f.v.WatchConfig()
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// loadConfig loads a config file and its includes.
func loadConfig(filePath string) (*Config, string, error) {
	f, err := openConfig(filePath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := decodeConfig(f.v)
	if err != nil {
		return nil, "", err
	}
	return cfg, f.v.ConfigFileUsed(), nil
}

// loadOptionalConfig is loadConfig that returns an empty Config if
// no file was given and none was found.
func loadOptionalConfig(filePath string) (*Config, error) {
	f, err := openConfig(filePath)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) == 0 && errors.As(err, &notFound) {
			return new(Config), nil
		}
		return nil, err
	}
	return f.load()
}

func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	includedCfg := new(Config)
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		includedCfg.Protocols = append(includedCfg.Protocols, subCfg.Protocols...)
		includedCfg.Resolver.DoH = append(includedCfg.Resolver.DoH, subCfg.Resolver.DoH...)
	}

	cfg.Protocols = append(includedCfg.Protocols, cfg.Protocols...)
	if len(includedCfg.Resolver.DoH) > 0 {
		cfg.Resolver.DoH = append(includedCfg.Resolver.DoH, cfg.Resolver.DoH...)
	}
	return nil
}
