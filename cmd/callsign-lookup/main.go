package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/config"
	"github.com/ft8goblin/callsign-lookup/internal/geo"
	"github.com/ft8goblin/callsign-lookup/internal/health"
	"github.com/ft8goblin/callsign-lookup/internal/metrics"
	"github.com/ft8goblin/callsign-lookup/internal/qrz"
	"github.com/ft8goblin/callsign-lookup/internal/resolver"
	"github.com/ft8goblin/callsign-lookup/internal/server"
	"github.com/ft8goblin/callsign-lookup/internal/uls"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

const (
	progname = "callsign-lookup"
	version  = "0.6.2"

	// exitConfig is returned when the configuration is unusable.
	exitConfig = 255
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   progname + " [callsign ...]",
		Short: "Callsign lookup service",
		Long: "Long-running lookup service for amateur radio callsigns.\n" +
			"With positional callsigns it answers each and exits; without, it\n" +
			"serves the line protocol on stdio (or a TCP listener, if configured).",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(createCacheCommands(), createVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration or exits with the configuration status
// code, since nothing can work without it.
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "+ERROR %v\n", err)
		fmt.Fprintf(os.Stderr, "Please edit your configuration and try again!\n")
		os.Exit(exitConfig)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logConfig := logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Path:   cfg.Log.Path,
		File: logger.FileConfig{
			MaxSize:    cfg.Log.File.MaxSize,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAge:     cfg.Log.File.MaxAge,
			Compress:   cfg.Log.File.Compress,
		},
	}
	if verbose {
		logConfig.Level = "debug"
	}
	if err := logger.Init(logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "+ERROR Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
}

func run(callsigns []string) error {
	cfg := loadConfig()
	initLogger(cfg)
	logger.Infof("%s/%s starting up!", progname, version)

	// Cache tier. A broken cache disables caching but never stops the
	// service.
	store := cache.Disabled()
	useCache := cfg.Lookup.UseCache
	if useCache {
		if cfg.Lookup.CacheDB == "" {
			logger.Error("Failed to find cache-db in config! Disabling cache...")
			useCache = false
		} else {
			expiry, _ := config.ParseDurationSeconds(cfg.Lookup.CacheExpiry)
			opened, err := cache.Open(cfg.Lookup.CacheDB, cache.Options{
				Expiry:             expiry,
				KeepStaleIfOffline: cfg.Lookup.CacheKeepStaleIfOffline,
			})
			if err != nil {
				logger.WithError(err).Errorf("failed opening cache %s! Disabling caching!", cfg.Lookup.CacheDB)
				useCache = false
			} else {
				store = opened
			}
		}
	}
	defer store.Close()

	// Local regulator database tier.
	var local resolver.Source
	useULS := cfg.Lookup.UseULS
	if useULS {
		ulsDB, err := uls.Open(cfg.Lookup.ULSDB)
		if err != nil {
			logger.WithError(err).Error("failed opening ULS database! Disabling ULS lookups!")
			useULS = false
		} else {
			local = ulsDB
			defer ulsDB.Close()
		}
	}

	// Remote tier.
	var remote resolver.Remote
	if cfg.Lookup.UseQRZ {
		remote = qrz.New(qrz.Config{
			URL:      cfg.Lookup.QRZURL,
			Username: cfg.Lookup.QRZUsername,
			Password: cfg.Lookup.QRZPassword,
		})
	}

	retryDelay, _ := config.ParseDurationSeconds(cfg.Lookup.RetryDelay)
	res := resolver.New(store, remote, local, resolver.Config{
		RetryDelay:  retryDelay,
		MaxRequests: cfg.Lookup.RespawnAfterRequests,
	})
	defer res.Close()

	var m *metrics.Metrics
	if cfg.Monitoring.Metrics.Enabled {
		m = metrics.New()
		res.SetMetrics(m)
		go func() {
			if err := m.Serve(cfg.Monitoring.Metrics.Port); err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	myGrid, myCoords := siteLocation(cfg)

	srvOpts := server.Options{
		Resolver: res,
		Cache:    store,
		MyGrid:   myGrid,
		MyCoords: myCoords,
		UseQRZ:   cfg.Lookup.UseQRZ,
		UseULS:   useULS,
		UseGNIS:  cfg.Lookup.UseGNIS,
		UseCache: useCache,
		Progname: progname,
		Version:  version,
	}
	if m != nil {
		srvOpts.Metrics = m
	}
	srv := server.New(srvOpts)

	if cfg.Monitoring.Health.Enabled {
		hs := startHealth(cfg, store, res)
		defer hs.Stop()
	}

	// Run expiry at startup, useful for non-daemon invocations.
	if err := store.Expire(); err != nil {
		logger.WithError(err).Warn("startup cache expiry failed")
	}

	if len(callsigns) > 0 {
		srv.RunBatch(os.Stdout, callsigns)
		return nil
	}

	logger.Infof("%s/%s ready to answer requests. QRZ: %s, ULS: %s, GNIS: %s, Cache: %s",
		progname, version,
		onOff(cfg.Lookup.UseQRZ), onOff(useULS), onOff(cfg.Lookup.UseGNIS), onOff(useCache))

	if cfg.Lookup.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Lookup.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Lookup.Listen, err)
		}
		defer ln.Close()
		logger.Infof("listening on %s", cfg.Lookup.Listen)
		srv.ServeListener(ln)
		return nil
	}

	srv.ServeStream(os.Stdin, os.Stdout, false)
	return nil
}

// siteLocation resolves the operator's own grid and coordinates. An explicit
// site/coordinates value overrides derivation from site/gridsquare.
func siteLocation(cfg *config.Config) (string, geo.Coordinates) {
	myGrid := cfg.Site.Gridsquare

	if cfg.Site.Coordinates != "" {
		lat, lon, err := config.ParseCoordinates(cfg.Site.Coordinates)
		if err != nil {
			logger.Errorf("cfg:site/coordinates is invalid: %v", err)
			return myGrid, geo.Coordinates{}
		}
		return myGrid, geo.Coordinates{Latitude: lat, Longitude: lon}
	}

	if myGrid == "" {
		return "", geo.Coordinates{}
	}
	coords, err := geo.GridToLatLon(myGrid)
	if err != nil {
		logger.Errorf("cfg:site/gridsquare is invalid: %v", err)
		return "", geo.Coordinates{}
	}
	logger.Debugf("configured mygrid: %s, lat: %f, lon: %f", myGrid, coords.Latitude, coords.Longitude)
	return myGrid, coords
}

func startHealth(cfg *config.Config, store *cache.Store, res *resolver.Resolver) *health.Service {
	hs := health.NewService(cfg.Monitoring.Health.Port)
	hs.RegisterLivenessCheck("process", health.CheckFunc(func(ctx context.Context) error {
		return nil
	}))
	hs.RegisterReadinessCheck("cache", health.CheckFunc(func(ctx context.Context) error {
		if !store.Enabled() {
			return nil
		}
		_, err := store.Count()
		return err
	}))
	hs.RegisterReadinessCheck("remote", health.CheckFunc(func(ctx context.Context) error {
		if cfg.Lookup.UseQRZ && res.Offline() {
			return fmt.Errorf("remote source offline")
		}
		return nil
	}))
	go func() {
		if err := hs.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()
	return hs
}

func onOff(b bool) string {
	if b {
		return "On"
	}
	return "Off"
}
