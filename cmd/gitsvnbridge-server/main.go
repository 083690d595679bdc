package main

// gitsvnbridge-server exposes a directory of version-controlled object
// graphs stored in git repositories to clients speaking the bridge's
// wire protocol: one TCP listener, a worker pool of one session per
// connection, graceful shutdown on SIGINT/SIGTERM.

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"net/http"

	"github.com/rcowham/gitsvnbridge/acceptor"
	"github.com/rcowham/gitsvnbridge/config"
	"github.com/rcowham/gitsvnbridge/editor"
	"github.com/rcowham/gitsvnbridge/internal/version"
	"github.com/rcowham/gitsvnbridge/locks"
	"github.com/rcowham/gitsvnbridge/metrics"
	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/session"
	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/store/filters"
)

func buildMapper(cfg *config.Config) repo.Mapper {
	entries := make([]repo.MappingEntry, 0, len(cfg.RepositoryMapping))
	for _, m := range cfg.RepositoryMapping {
		branch := m.DefaultBranch
		if branch == "" {
			branch = config.DefaultBranch
		}
		entries = append(entries, repo.MappingEntry{
			Prefix:             m.Prefix,
			GitDir:             m.GitDir,
			DefaultBranch:      branch,
			DetectRenames:      m.DetectRenames,
			AllowAnonymousRead: m.AllowAnonRead,
		})
	}
	return repo.NewStaticMapper(entries)
}

// configUserStore adapts cfg.UserDB to session.UserStore, checking
// submitted passwords against the configured bcrypt hashes.
type configUserStore struct {
	hashes map[string]string
}

func newConfigUserStore(cfg *config.Config) *configUserStore {
	s := &configUserStore{hashes: map[string]string{}}
	for _, u := range cfg.UserDB {
		s.hashes[u.User] = u.PasswordHash
	}
	return s
}

func (s *configUserStore) Verify(user, password string) bool {
	hash, ok := s.hashes[user]
	if !ok {
		return false
	}
	return bcryptCompare(hash, password)
}

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for gitsvnbridge-server.",
		).Default("gitsvnbridge.yaml").Short('c').String()
		addrOverride = kingpin.Flag(
			"listen",
			"Address to listen on (overrides config host/port).",
		).String()
		metricsAddr = kingpin.Flag(
			"metrics.listen",
			"Address to serve Prometheus metrics on.",
		).Default(":9090").String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		profileMode = kingpin.Flag(
			"profile",
			"Enable profiling for this run: cpu, mem, or block.",
		).String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("gitsvnbridge-server")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Serves version-controlled git repositories over the bridge wire protocol\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	if *profileMode != "" {
		stopper, err := startProfile(*profileMode)
		if err != nil {
			logger.Errorf("gitsvnbridge: %v", err)
			os.Exit(1)
		}
		defer stopper.Stop()
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("gitsvnbridge-server"))
	logger.Infof("Starting %s", startTime)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	reg := prometheus.NewRegistry()
	promMetrics := metrics.NewPrometheus(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Warn("gitsvnbridge: metrics listener stopped")
		}
	}()

	repoCache := map[string]*session.Repository{}
	hookRunners := map[string]interface{}{}
	for _, m := range cfg.RepositoryMapping {
		gs, err := store.OpenGitStore(m.GitDir)
		if err != nil {
			logger.Errorf("error opening git store %s: %v", m.GitDir, err)
			os.Exit(1)
		}
		lockDB := cfg.Cache
		if lockDB == "memory" || lockDB == "" {
			lockDB = m.GitDir + "/bridge-locks.db"
		} else {
			lockDB = lockDB + "/" + m.Prefix + "-locks.db"
		}
		lockRegistry, err := locks.Open(lockDB, m.Prefix)
		if err != nil {
			logger.Errorf("error opening lock registry for %s: %v", m.Prefix, err)
			os.Exit(1)
		}
		revMapPath := cfg.Cache
		if revMapPath == "memory" || revMapPath == "" {
			revMapPath = m.GitDir + "/bridge-revmap.db"
		} else {
			revMapPath = revMapPath + "/" + m.Prefix + "-revmap.db"
		}
		revMapDB, err := store.OpenRevMapStore(revMapPath)
		if err != nil {
			logger.Errorf("error opening revision-map store for %s: %v", m.Prefix, err)
			os.Exit(1)
		}
		mimeCachePath := cfg.Cache
		if mimeCachePath == "memory" || mimeCachePath == "" {
			mimeCachePath = m.GitDir + "/bridge-mimecache.db"
		} else {
			mimeCachePath = mimeCachePath + "/" + m.Prefix + "-mimecache.db"
		}
		mimeCacheDB, err := filters.OpenClassifierStore(mimeCachePath)
		if err != nil {
			logger.Errorf("error opening mime classification cache for %s: %v", m.Prefix, err)
			os.Exit(1)
		}
		classifier, err := filters.NewClassifier(mimeCacheDB, "detect-mime-type")
		if err != nil {
			logger.Errorf("error opening mime classification cache for %s: %v", m.Prefix, err)
			os.Exit(1)
		}
		m := m // capture this iteration's mapping entry for the closure below
		repoCache[m.Prefix] = &session.Repository{
			Name:            m.Prefix,
			Store:           gs,
			Pipeline:        store.NewPipeline(gs),
			History:         repo.NewHistory(gs),
			Locks:           lockRegistry,
			UUID:            repoUUID(m.Prefix),
			RenameDetection: m.DetectRenames,
			Classifier:      classifier,
			RevMaps: func(branch string) (*store.RevMap, error) {
				return store.NewRevMap(revMapDB, m.Prefix, branch)
			},
		}
		if cfg.SharedExtensions != "" {
			hookRunners[m.Prefix] = editor.ExecHookRunner{SharedExtensions: cfg.SharedExtensions, Timeout: 30 * time.Second}
		}
	}

	shared := &session.Shared{
		Mapper: buildMapper(cfg),
		Repositories: func(name string) (*session.Repository, error) {
			r, ok := repoCache[name]
			if !ok {
				return nil, os.ErrNotExist
			}
			return r, nil
		},
		Authn:       []session.Authenticator{session.PlainAuthenticator{Users: newConfigUserStore(cfg)}},
		AllowAnon:   func(string) bool { return true },
		CompressionEnabled: cfg.CompressionEnabled,
		Log:         logger,
		IdleTimeout: cfg.IdleTimeout,
		AuthTimeout: cfg.AuthTimeout,
		Metrics:     promMetrics,
		HookRunners: hookRunners,
	}

	addr := cfg.Address()
	if *addrOverride != "" {
		addr = *addrOverride
	}
	acc := acceptor.New(acceptor.Config{
		Address:       addr,
		ReuseAddress:  cfg.ReuseAddress,
		ShutdownGrace: cfg.ShutdownGrace,
	}, shared, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := acc.ListenAndServe(ctx); err != nil {
		logger.Errorf("gitsvnbridge: server exited: %v", err)
		os.Exit(1)
	}
}
