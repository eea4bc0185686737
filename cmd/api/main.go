package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/api"
	"github.com/cpp-cyber/classlab/internal/auth"
	"github.com/cpp-cyber/classlab/internal/class"
	"github.com/cpp-cyber/classlab/internal/config"
	"github.com/cpp-cyber/classlab/internal/console"
	"github.com/cpp-cyber/classlab/internal/daemon"
	"github.com/cpp-cyber/classlab/internal/deploy"
	"github.com/cpp-cyber/classlab/internal/ipresolver"
	"github.com/cpp-cyber/classlab/internal/locking"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/shell"
	"github.com/cpp-cyber/classlab/internal/store"
	"github.com/cpp-cyber/classlab/internal/syncer"
)

// init the environment
func init() {
	_ = godotenv.Load()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer s.Close()

	if cfg.ClusterConfigPath != "" {
		if err := s.SeedClustersFromJSON(cfg.ClusterConfigPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.ClusterConfigPath).Msg("failed to seed clusters")
		}
	}

	registry := proxmox.NewRegistry(s)

	pool := shell.NewPool(shell.Credentials{
		User:     cfg.SSHUser,
		Port:     cfg.SSHPort,
		KeyPath:  cfg.SSHKeyPath,
		Password: cfg.SSHPassword,
	}, cfg.SSHPoolMax, cfg.SSHIdleTimeout)
	defer pool.Close()
	exec := shell.NewExecutor(pool, sshGateway(s), cfg.ShellTimeout)

	locker := locking.NewLocker(cfg.RedisAddr, cfg.RedisPassword)

	resolver := ipresolver.New(s, registry, exec, cfg.DBIPCacheTTL, cfg.IPLookupWorkers)
	defer resolver.Close()

	sync := syncer.New(s, registry, resolver)

	deploySvc := deploy.NewService(s, registry, exec, locker, deploy.Timeouts{
		Shell:   cfg.ShellTimeout,
		Convert: cfg.ConvertTimeout,
		Clone:   cfg.CloneTimeout,
		VMStop:  cfg.VMStopTimeout,
		Lock:    cfg.LockTimeout,
		Retries: cfg.LockRetryBudget,
	})
	classSvc := class.NewService(s, registry, locker, cfg.LockTimeout, cfg.LockRetryBudget)
	consoleSvc := console.NewService(s, registry)

	var ldapClient *auth.LDAPClient
	if cfg.LDAPEnabled {
		ldapCfg, err := auth.LoadLDAPConfig()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load LDAP configuration")
		}
		ldapClient = auth.NewLDAPClient(ldapCfg)
	}
	authSvc := auth.NewService(s, ldapClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sync.Run(ctx)
	go daemon.NewHostnameRenamer(s, registry).Run(ctx)
	go daemon.NewAutoShutdown(s, registry).Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.SessionSecret))
	cookies.Options(sessions.Options{
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
	})
	r.Use(sessions.Sessions("classlab", cookies))

	api.New(s, registry, resolver, sync, deploySvc, classSvc, consoleSvc, authSvc, pool).RegisterRoutes(r)

	srv := &http.Server{Addr: cfg.Port, Handler: r}
	go func() {
		log.Info().Str("addr", cfg.Port).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
}

// sshGateway picks the default cluster's host as the jump host for shell
// commands. Nodes are reached through it by name.
func sshGateway(s *store.Store) string {
	clusters, err := s.ListClusters()
	if err != nil {
		return ""
	}
	for _, c := range clusters {
		if c.IsDefault {
			return c.Host
		}
	}
	if len(clusters) > 0 {
		return clusters[0].Host
	}
	return ""
}
