package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/residence-chat/internal/api"
	"github.com/npezzotti/residence-chat/internal/config"
	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/directory"
	"github.com/npezzotti/residence-chat/internal/server"
	"github.com/npezzotti/residence-chat/internal/stats"
	"github.com/redis/go-redis/v9"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

type storage struct {
	store     database.MessageStore
	directory database.TenantDirectory
	profiles  database.ProfileLookup
	pg        *database.PgRepository
	file      *directory.FileDirectory
	closers   []func() error
}

func (s *storage) Close(logger *log.Logger) {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			logger.Println("close:", err)
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *log.Logger) (*storage, error) {
	s := &storage{}

	if cfg.UsesPostgres() {
		pg, err := database.NewPgRepository(cfg.DatabaseDriver, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		s.pg = pg
		s.closers = append(s.closers, pg.Close)

		if cfg.Migrate {
			logger.Println("applying migrations...")
			if err := pg.Migrate(ctx); err != nil {
				s.Close(logger)
				return nil, err
			}
		}
	}

	switch cfg.Store {
	case config.StoreBadger:
		bs, err := database.NewBadgerMessageStore(cfg.BadgerPath)
		if err != nil {
			s.Close(logger)
			return nil, err
		}
		s.store = bs
		s.closers = append(s.closers, bs.Close)
	default:
		s.store = s.pg
	}

	switch cfg.Directory {
	case config.DirectoryFile:
		fd, err := directory.NewFileDirectory(cfg.DirectoryFile)
		if err != nil {
			s.Close(logger)
			return nil, err
		}
		s.file = fd
		s.directory = fd
		s.profiles = fd
	default:
		s.directory = s.pg
		s.profiles = s.pg
	}

	return s, nil
}

func main() {
	logger := log.New(os.Stderr, "[residence-chat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal("config:", err)
	}

	var allowedOrigins stringSliceFlag
	flag.StringVar(&env.Addr, "addr", env.Addr, "server address")
	flag.StringVar(&env.DSN, "dsn", env.DSN, "database connection string")
	flag.StringVar(&env.DBDriver, "db-driver", env.DBDriver, "database driver (postgres or pgx)")
	flag.StringVar(&env.SigningKey, "signing-key", env.SigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&env.Store, "store", env.Store, "message store (postgres or badger)")
	flag.StringVar(&env.BadgerPath, "badger-path", env.BadgerPath, "badger data directory, in-memory when empty")
	flag.StringVar(&env.Directory, "directory", env.Directory, "tenant directory (postgres or file)")
	flag.StringVar(&env.DirectoryFile, "directory-file", env.DirectoryFile, "YAML tenant directory file")
	flag.StringVar(&env.RedisAddr, "redis-addr", env.RedisAddr, "redis address for cross-node fan-out, disabled when empty")
	flag.BoolVar(&env.Migrate, "migrate", env.Migrate, "apply database migrations on start")
	flag.Parse()

	if len(allowedOrigins) > 0 {
		env.AllowedOrigins = allowedOrigins
	}

	cfg, err := config.NewConfig(env)
	if err != nil {
		logger.Fatal("config:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage:", err)
	}
	defer st.Close(logger)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	var opts []server.Option
	var backplane *server.RedisBackplane
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		backplane = server.NewRedisBackplane(rdb, logger)
		opts = append(opts, server.WithBackplane(backplane))
	}

	sm := server.NewSessionManager(logger, st.store, st.directory, st.profiles, statsUpdater, opts...)

	if backplane != nil {
		go func() {
			if err := backplane.Run(ctx, sm.Deliver); err != nil {
				logger.Println("backplane:", err)
			}
		}()
	}

	if st.pg != nil && cfg.Directory == config.DirectoryPostgres {
		listener, err := database.NewMembershipListener(cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Fatal("membership listener:", err)
		}

		go func() {
			err := listener.Run(ctx, func(change database.MembershipChange) {
				if !change.Active {
					sm.Revoke(change.ResidenceId, change.UserId)
				}
			})
			if err != nil {
				logger.Println("membership listener:", err)
			}
		}()
	}

	srv := api.NewChatApp(mux, logger, sm, st.store, st.directory, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reloadDirectory(st.file, sm, logger)
				continue
			}
			logger.Printf("received signal: %s\n", sig)
			break wait
		case err := <-errCh:
			logger.Println("server:", err)
			break wait
		}
	}

	cancel()

	shutDownCtx, cancelShutdown := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancelShutdown()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down session manager...")
	if err := sm.Shutdown(shutDownCtx); err != nil {
		logger.Println("session manager shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func reloadDirectory(fd *directory.FileDirectory, sm *server.SessionManager, logger *log.Logger) {
	if fd == nil {
		return
	}

	changes, err := fd.Reload()
	if err != nil {
		logger.Println("reload directory:", err)
		return
	}

	logger.Printf("directory reloaded, %d membership(s) ended", len(changes))
	for _, change := range changes {
		sm.Revoke(change.ResidenceId, change.UserId)
	}
}
