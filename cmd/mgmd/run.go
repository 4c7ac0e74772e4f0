package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/stratafs/mgm/internal/balance"
	"github.com/stratafs/mgm/internal/capability"
	"github.com/stratafs/mgm/internal/changelog/archive"
	"github.com/stratafs/mgm/internal/deletion"
	"github.com/stratafs/mgm/internal/drain"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/layout"
	"github.com/stratafs/mgm/internal/master"
	"github.com/stratafs/mgm/internal/metrics"
	"github.com/stratafs/mgm/internal/ofs"
	"github.com/stratafs/mgm/internal/peerconn"
	"github.com/stratafs/mgm/internal/quota"
	"github.com/stratafs/mgm/internal/scheduler"
	"github.com/stratafs/mgm/pkg/api"
	"github.com/stratafs/mgm/pkg/utils"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the metadata-manager daemon",
	RunE:  runDaemon,
}

func init() {
	flags := runCmd.Flags()
	flags.String("log-level", "", "override config's global.log_level")
	flags.String("api-address", "", "override config's api.address")
	flags.String("master-role", "", "override config's master.initial_role")
	flags.String("archive-bucket", "", "override config's archive.bucket")

	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("api-address", flags.Lookup("api-address"))
	_ = viper.BindPFlag("master-role", flags.Lookup("master-role"))
	_ = viper.BindPFlag("archive-bucket", flags.Lookup("archive-bucket"))
	viper.SetEnvPrefix("MGM")
	viper.AutomaticEnv()
}

// applyFlagOverrides layers viper-bound CLI flags and MGM_-prefixed
// environment variables on top of the YAML-loaded configuration,
// matching gcsfuse's flag/env/file precedence.
func applyFlagOverrides() {
	if v := viper.GetString("log-level"); v != "" {
		appConfig.Global.LogLevel = v
	}
	if v := viper.GetString("api-address"); v != "" {
		appConfig.API.Address = v
	}
	if v := viper.GetString("master-role"); v != "" {
		appConfig.Master.InitialRole = v
	}
	if v := viper.GetString("archive-bucket"); v != "" {
		appConfig.Archive.Bucket = v
		appConfig.Archive.Enabled = true
	}
}

func parseRole(s string) master.Role {
	switch s {
	case "master-rw":
		return master.RoleMasterRW
	case "master-ro":
		return master.RoleMasterRO
	default:
		return master.RoleSlaveRO
	}
}

func parsePlacement(s string) fsview.PlacementPolicy {
	switch s {
	case "spread":
		return fsview.PolicySpread
	case "hybrid":
		return fsview.PolicyHybrid
	default:
		return fsview.PolicyLocal
	}
}

// statfsProbe wraps unix.Statfs for master.DiskProbe (spec §4.5
// disk-full detection).
func statfsProbe(mount string) master.DiskProbe {
	return func() (uint64, error) {
		var st unix.Statfs_t
		if err := unix.Statfs(mount, &st); err != nil {
			return 0, err
		}
		return st.Bavail * uint64(st.Bsize), nil
	}
}

// tcpPinger is a peerconn.Pinger that treats a successful TCP dial as
// liveness, standing in for the real MGM/MQ wire ping negotiated by
// the peer protocol.
func tcpPinger(ctx context.Context, host string, port int) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

func registerPeers(mgr *peerconn.Manager, endpoints map[string]string) error {
	for name, addr := range endpoints {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("peer %s: %w", name, err)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return fmt.Errorf("peer %s: bad port %q", name, portStr)
		}
		mgr.AddPeer(name, host, port)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if configFileErr != nil {
		return configFileErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}
	applyFlagOverrides()
	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := utils.ParseLogLevel(appConfig.Global.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: level})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	view := fsview.New()
	for _, sp := range appConfig.Fleet.Spaces {
		view.RegisterSpace(sp.Name, fsview.SpaceConfig{
			Placement:        parsePlacement(sp.Placement),
			QuotaOn:          sp.QuotaOn,
			DrainPeriod:      sp.DrainPeriod,
			DrainMaxRetry:    sp.DrainMaxRetry,
			BalanceThreshold: sp.BalanceThreshold,
		})
		for _, fs := range sp.FileSystems {
			if err := view.RegisterFileSystem(&fsview.FileSystem{
				ID: fs.ID, Host: fs.Host, Port: fs.Port, Path: fs.Path,
				GeoTag: fs.GeoTag, GroupIndex: fs.GroupIndex, SpaceName: sp.Name,
			}); err != nil {
				return fmt.Errorf("registering filesystem %d: %w", fs.ID, err)
			}
		}
	}

	caps := capability.NewEngine()

	// The directory/file tree itself (namespace.View, the drain/balance/
	// deletion FileSource contracts, the changelog master replays) is an
	// external collaborator per spec §1; this daemon depends only on the
	// narrow interfaces those packages declare, and a deployment wires a
	// concrete tree-service client into them. quotaEngine, sched, the
	// ofs pipeline, and the deletion dispatcher are all constructed here
	// so their request-path wiring is exercised once that client exists.
	quotaEngine := quota.New(nil)
	sched := scheduler.New(view)

	pipeline := &ofs.Pipeline{
		Rewriter:      ofs.NewPathRewriter(),
		Bans:          ofs.NewBanList(),
		Rules:         ofs.NewAccessRuleSet(),
		Mtimes:        ofs.NewMtimeSidecar(),
		Quota:         quotaEngine,
		Sched:         sched,
		Caps:          caps,
		View:          view,
		DefaultLayout: layout.New(layout.KindReplica, 2, layout.ChecksumAdler, layout.ChecksumNone, 2),
		DefaultSpace:  "default",
	}
	_ = pipeline

	deletionEng := deletion.New(view, nil, nil, caps, nil, deletion.Config{
		Interval:      appConfig.Deletion.Interval,
		BatchSize:     appConfig.Deletion.BatchSize,
		RatePerSecond: float64(appConfig.Deletion.RatePerSecond),
	}, logger)

	mgmPeers := peerconn.NewManager(tcpPinger, logger)
	mqPeers := peerconn.NewManager(tcpPinger, logger)
	if err := registerPeers(mgmPeers, appConfig.Peers.MGM); err != nil {
		return err
	}
	if err := registerPeers(mqPeers, appConfig.Peers.MQ); err != nil {
		return err
	}

	peerMaster := func(name string) (bool, bool) {
		p := mgmPeers.Peer(name)
		if p == nil {
			return false, false
		}
		return mgmPeers.IsUp(name), true
	}

	masterCfg := master.Config{
		TickInterval:     appConfig.Master.TickInterval,
		PeerPingTimeout:  appConfig.Master.PeerPingTimeout,
		DiskFullMargin:   appConfig.Master.DiskFullMarginMB << 20,
		WriteStallPeriod: appConfig.Master.WriteStallPeriod,
		ReadStallPeriod:  appConfig.Master.ReadStallPeriod,
	}
	ctrl := master.New(masterCfg, mgmPeers, mqPeers, statfsProbe(appConfig.Master.ChangelogMount), peerMaster, logger)
	ctrl.SetLocalPeer(appConfig.Global.LocalPeer)
	ctrl.SetRole(parseRole(appConfig.Master.InitialRole))

	if appConfig.Archive.Enabled {
		ctx := context.Background()
		archiver, err := archive.New(ctx, archive.Config{
			Bucket: appConfig.Archive.Bucket, Prefix: appConfig.Archive.Prefix,
			Region: appConfig.Archive.Region, Endpoint: appConfig.Archive.Endpoint,
			ForcePathStyle:     appConfig.Archive.ForcePathStyle,
			MultipartThreshold: appConfig.Archive.MultipartThreshold,
			MultipartChunkSize: appConfig.Archive.MultipartChunkSize,
			Concurrency:        appConfig.Archive.Concurrency,
		}, logger)
		if err != nil {
			logger.Warn("changelog archive disabled: setup failed", map[string]interface{}{"error": err.Error()})
		} else {
			ctrl.Compaction().SetArchiver(archiver)
		}
	}

	drainEng := drain.New(view, nil, drain.Config{
		ServiceDelay: appConfig.Drain.ServiceDelay, SampleInterval: appConfig.Drain.SampleInterval,
		StallThreshold: appConfig.Drain.StallThreshold, MaxRetry: appConfig.Drain.MaxRetry,
	}, nil, logger)
	drainEng.SetAdmissionGate(ctrl)
	for _, sp := range view.Spaces() {
		for _, g := range sp.Groups {
			for _, fs := range g.FileSystems {
				fs.AddConfigStatusHook(drainEng.Hook())
			}
		}
	}

	balanceEng := balance.New(view, nil, nil, caps, nil, balance.Config{
		MinJitter: appConfig.Balance.MinJitter, MaxJitter: appConfig.Balance.MaxJitter,
		PollInterval: appConfig.Balance.PollInterval, StallThreshold: appConfig.Balance.StallThreshold,
		AbortThreshold: appConfig.Balance.AbortThreshold, Cooldown: appConfig.Balance.Cooldown,
		MaxJobsPerRound: appConfig.Balance.MaxJobsPerRound,
	}, nil, logger)
	balanceEng.SetAdmissionGate(ctrl)
	balanceEng.StartAll()

	metricsCfg := &metrics.Config{
		Enabled: appConfig.Metrics.Enabled, Port: appConfig.Metrics.Port,
		Path: appConfig.Metrics.Path, Namespace: appConfig.Metrics.Namespace,
	}
	collector, err := metrics.New(metricsCfg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Address: appConfig.API.Address, ReadTimeout: appConfig.API.ReadTimeout,
		WriteTimeout: appConfig.API.WriteTimeout, IdleTimeout: appConfig.API.IdleTimeout,
		EnableCORS: appConfig.API.EnableCORS,
	}, view, ctrl, drainEng, balanceEng)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	apiServer.StartBackground()
	go mgmPeers.Run(ctx, appConfig.Master.PeerPingTimeout, appConfig.Master.PeerPingTimeout)
	go mqPeers.Run(ctx, appConfig.Master.PeerPingTimeout, appConfig.Master.PeerPingTimeout)
	deletionEng.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			logger.Error("master controller stopped", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	deletionEng.Stop()
	balanceEng.Shutdown()
	drainEng.Shutdown()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = collector.Stop(shutdownCtx)
	return nil
}
