package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/account"
	"github.com/kontalk/konk/internal/api"
	"github.com/kontalk/konk/internal/attachment"
	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/control"
	"github.com/kontalk/konk/internal/lock"
	"github.com/kontalk/konk/internal/logging"
	"github.com/kontalk/konk/internal/profile"
	"github.com/kontalk/konk/internal/relay"
	"github.com/kontalk/konk/internal/store"
)

// Params selects the profile the daemon serves.
type Params struct {
	Profile    string
	SocketPath string // tests only; defaults to the profile socket
	LogLevel   string
}

// Module wires a konkd instance for one profile.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideSettings,
			provideStore,
			provideHTTP,
			provideAccount,
			provideImporter,
			provideSlots,
			provideRelay,
			provideControl,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideSettings depends on the lock so the profile directory exists.
func provideSettings(p Params, _ *lock.Lock) (*config.Store, error) {
	return config.NewStore(profile.ConfigPath(p.Profile), profile.EnvPath(p.Profile))
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store ready",
		zap.String("path", dbPath),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed))
	return db, nil
}

func provideHTTP() *resty.Client {
	return resty.New().SetTimeout(5 * time.Minute).SetRetryCount(0)
}

func provideAccount(p Params, settings *config.Store, logger *zap.Logger) *account.Account {
	return account.New(profile.KeyDir(p.Profile), settings, logger)
}

func provideImporter(acc *account.Account, http *resty.Client, logger *zap.Logger) *account.Importer {
	return account.NewImporter(acc, http, logger)
}

func provideSlots(settings *config.Store, http *resty.Client) (attachment.SlotProvider, error) {
	return attachment.NewSlotProvider(context.Background(), settings.Get().Attachments, http)
}

func provideRelay(settings *config.Store, logger *zap.Logger) *relay.Client {
	srv := settings.Get().Server
	c := relay.New(relayURL(srv), logger)
	if !srv.CertValidation {
		c.SkipCertValidation()
	}
	return c
}

// relayURL is the configured relay endpoint, or the server's default one.
func relayURL(s config.Server) string {
	if s.RelayURL != "" {
		return s.RelayURL
	}
	return fmt.Sprintf("wss://%s:%d/relay", s.Host, s.Port)
}

func provideControl(p Params, db *store.DB, acc *account.Account, rc *relay.Client, settings *config.Store, b *bus.Bus, slots attachment.SlotProvider, http *resty.Client, logger *zap.Logger) *control.Control {
	c := control.New(control.Options{
		Store:         db,
		Account:       acc,
		Transport:     rc,
		Settings:      settings,
		Bus:           b,
		Logger:        logger,
		Slots:         slots,
		Transfer:      attachment.NewHTTPTransfer(http),
		AttachmentDir: profile.AttachmentDir(p.Profile),
		PreviewDir:    profile.PreviewDir(p.Profile),
	})
	rc.SetListener(c)
	return c
}

func provideService(p Params, c *control.Control, db *store.DB, acc *account.Account, importer *account.Importer, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Profile:     p.Profile,
		Core:        c,
		Keys:        c.Keys(),
		Store:       db,
		Account:     acc,
		Importer:    importer,
		Attachments: c.Attachments(),
		Bus:         b,
		Logger:      logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, c *control.Control, acc *account.Account, settings *config.Store, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Attachment transfers outlive the start hook's context.
			if err := c.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if !settings.Get().Main.ConnectStartup {
				return nil
			}
			if !acc.IsPresent() {
				logger.Info("no account found, import one with konkctl import")
				return nil
			}
			go func() {
				if err := c.Connect(context.Background(), ""); err != nil {
					logger.Warn("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Shutdown(ctx)
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
