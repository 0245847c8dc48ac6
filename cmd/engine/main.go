package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	billingmodule "github.com/wellnex/billing-engine/modules/billing"
	"github.com/wellnex/billing-engine/pkg/billing"
	"github.com/wellnex/billing-engine/pkg/config"
	"github.com/wellnex/billing-engine/pkg/email"
	"github.com/wellnex/billing-engine/pkg/httpserver"
	"github.com/wellnex/billing-engine/pkg/logger"
	"github.com/wellnex/billing-engine/pkg/mongo"
)

type appConfig struct {
	ServiceName   string `env:"SERVICE_NAME" envDefault:"billing-engine"`
	Environment   string `env:"ENVIRONMENT" envDefault:"development"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"billing"`
	// OfferCouponID is the Stripe coupon backing the one-time retention
	// offer. Empty disables the offer flow.
	OfferCouponID string `env:"OFFER_COUPON_ID"`
	DevEmailDir   string `env:"DEV_EMAIL_DIR" envDefault:"./tmp/emails"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	config.MustLoad(&cfg)
	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	var mongoCfg mongo.Config
	config.MustLoad(&mongoCfg)
	var stripeCfg billing.StripeConfig
	config.MustLoad(&stripeCfg)

	log := logger.New(logger.WithEnvironment(cfg.Environment, cfg.ServiceName))
	logger.SetAsDefault(log)

	db, err := mongo.NewWithDatabase(ctx, mongoCfg, cfg.MongoDatabase)
	if err != nil {
		log.ErrorContext(ctx, "mongo connection failed", logger.Error(err))
		os.Exit(1)
	}
	defer db.Client().Disconnect(context.Background()) //nolint:errcheck

	store := billing.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		log.ErrorContext(ctx, "index creation failed", logger.Error(err))
		os.Exit(1)
	}

	gateway, err := billing.NewStripeGateway(stripeCfg)
	if err != nil {
		log.ErrorContext(ctx, "stripe gateway init failed", logger.Error(err))
		os.Exit(1)
	}

	notifier, err := buildNotifier(cfg, store, gateway)
	if err != nil {
		log.ErrorContext(ctx, "notifier init failed", logger.Error(err))
		os.Exit(1)
	}

	svc := billing.NewService(store, gateway,
		billing.WithLogger(log),
		billing.WithNotifier(notifier),
		billing.WithOfferCoupon(cfg.OfferCouponID),
	)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log, mongo.Healthcheck(db.Client())))
	r.Mount("/billing", billingmodule.Router(svc, gateway, log))

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))
	if err := srv.Run(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorContext(ctx, "server stopped", logger.Error(err))
		os.Exit(1)
	}
}

// buildNotifier wires email notifications. Without a Postmark token emails
// land in a local directory, which keeps development environments from
// emailing real customers.
func buildNotifier(cfg appConfig, store *billing.MongoStore, gateway *billing.StripeGateway) (billing.Notifier, error) {
	var emailCfg email.Config
	config.MustLoad(&emailCfg)

	var sender email.EmailSender
	if emailCfg.PostmarkServerToken == "" {
		sender = email.NewDevSender(cfg.DevEmailDir)
	} else {
		var err error
		sender, err = email.NewPostmarkClient(emailCfg)
		if err != nil {
			return nil, err
		}
	}

	// The gateway customer record is where the billing email lives; resolve
	// through the owner's latest subscription row.
	resolve := func(ctx context.Context, ownerID uuid.UUID) (string, error) {
		row, err := store.LatestByOwner(ctx, ownerID)
		if err != nil {
			return "", err
		}
		cust, err := gateway.EnsureCustomer(ctx, row.ExternalCustomerID, "", "")
		if err != nil {
			return "", err
		}
		if cust.Email == "" {
			return "", errors.New("customer has no email on file")
		}
		return cust.Email, nil
	}

	return billing.NewEmailNotifier(sender, resolve)
}
