// Command ms-controller is the cluster control plane for a disaggregated
// inference deployment (spec §1/§6): it loads configuration, parses and
// validates the global rank table, then runs the Cluster Scheduler until
// signalled to stop.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindie/ms-controller/pkg/config"
	"github.com/mindie/ms-controller/pkg/events"
	"github.com/mindie/ms-controller/pkg/leader"
	"github.com/mindie/ms-controller/pkg/log"
	"github.com/mindie/ms-controller/pkg/metrics"
	"github.com/mindie/ms-controller/pkg/process"
	"github.com/mindie/ms-controller/pkg/scheduler"
	"github.com/mindie/ms-controller/pkg/security"
	"github.com/mindie/ms-controller/pkg/store"
	"github.com/mindie/ms-controller/pkg/topology"
	"github.com/mindie/ms-controller/pkg/types"
	"github.com/mindie/ms-controller/pkg/wireclient"
)

// RankTableEnvVar names the environment variable carrying the global rank
// table path (spec §6 CLI surface).
const RankTableEnvVar = "GLOBAL_RANK_TABLE_FILE_PATH"

// InstallPathEnvVar, when set, names the directory the fault history
// database is opened in ($MIES_INSTALL_PATH itself) instead of next to the
// Process Status File (spec §6 CLI surface, optional).
const InstallPathEnvVar = "MIES_INSTALL_PATH"

const metricsAddr = "127.0.0.1:9090"

var rootCmd = &cobra.Command{
	Use:   "ms_controller",
	Short: "Control plane for a disaggregated inference cluster",
	RunE:  runController,
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a startup failure to the documented exit code (spec §7):
// 1 for configuration errors, 2 for topology errors, 1 for anything else
// that prevents startup.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *config.InvalidConfigError:
		return 1
	case *topology.InvalidTopologyError:
		return 2
	default:
		return 1
	}
}

func runController(cmd *cobra.Command, args []string) error {
	configPath := config.ResolveConfigFilePath()
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Current()

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	loader.OnChange("log_level", func(c *config.Config) {
		log.SetLevel(log.Level(c.LogLevel))
	})

	rankTablePath := os.Getenv(RankTableEnvVar)
	if rankTablePath == "" {
		return &config.InvalidConfigError{Path: RankTableEnvVar, Reason: "must be set"}
	}

	rt, err := topology.ParseRankTable(rankTablePath)
	if err != nil {
		return err
	}
	if err := topology.Validate(rt); err != nil {
		return err
	}

	st := store.New()
	for _, co := range cfg.Coordinators {
		st.AddCoordinator(&types.Coordinator{IP: co.IP, Port: co.Port})
	}

	broker := events.NewBroker()
	broker.Start()

	tlsCfg := security.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, CAFile: cfg.TLS.CAFile}
	clientTLS, err := security.BuildClientTLS(tlsCfg)
	if err != nil {
		return fmt.Errorf("build wireclient TLS config: %w", err)
	}
	var transport http.RoundTripper
	if clientTLS != nil {
		transport = &http.Transport{TLSClientConfig: clientTLS}
	}

	httpClient := wireclient.New(wireclient.Options{
		Timeout:    time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		RetryTimes: cfg.HTTPRetryTimes,
		Transport:  transport,
	})

	var history *process.FaultHistory
	if cfg.ProcessManager.ToFile {
		dataDir := os.Getenv(InstallPathEnvVar)
		if dataDir == "" {
			dataDir = faultHistoryDir(cfg.ProcessManager.FilePath)
		}
		history, err = process.OpenFaultHistory(dataDir)
		if err != nil {
			log.Errorf("open fault history, continuing without switch-attempt memory: %v", err)
		}
	}

	sched := scheduler.New(scheduler.Deps{
		Loader:        loader,
		Store:         st,
		Broker:        broker,
		Worker:        httpClient,
		Coordinator:   httpClient,
		Elector:       leader.NewStatic(true),
		FaultHistory:  history,
		RankTablePath: rankTablePath,
	})

	loader.Start()
	sched.Start()

	serverTLS, err := security.BuildServerTLS(tlsCfg)
	if err != nil {
		return fmt.Errorf("build metrics server TLS config: %w", err)
	}
	metricsSrv := serveMetrics(serverTLS)

	log.Info("ms-controller started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	sched.Stop()
	loader.Stop()
	broker.Stop()
	if history != nil {
		if err := history.Close(); err != nil {
			log.Errorf("close fault history: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)

	return nil
}

// faultHistoryDir derives the fault history's data directory from the
// Process Status File path when MIES_INSTALL_PATH is unset.
func faultHistoryDir(statusFilePath string) string {
	dir := statusFilePath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return "."
}

// serveMetrics exposes the Prometheus scrape endpoint (the Controller's
// ambient observability surface, see SPEC_FULL.md). A bind failure is
// logged, not fatal - the Controller still serves its core loop. When
// tlsCfg is non-nil (cfg.TLS.cert_file/key_file configured) the listener
// serves TLS instead of plaintext; it requires a verified client
// certificate only when cfg.TLS.ca_file is also set.
func serveMetrics(tlsCfg *tls.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, TLSConfig: tlsCfg}
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
