package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	internalaudit "shepherd/internal/audit"
	"shepherd/internal/auth/models"
	authservice "shepherd/internal/auth/service"
	sessionstore "shepherd/internal/auth/store/session"
	userstore "shepherd/internal/auth/store/user"
	"shepherd/internal/auth/token"
	"shepherd/internal/authz"
	"shepherd/internal/cipher"
	"shepherd/internal/events"
	"shepherd/internal/followup"
	"shepherd/internal/followup/dedupe"
	taskmemory "shepherd/internal/followup/store/memory"
	taskpostgres "shepherd/internal/followup/store/postgres"
	"shepherd/internal/funnel"
	"shepherd/internal/ministry"
	ministrymemory "shepherd/internal/ministry/store/memory"
	ministrypostgres "shepherd/internal/ministry/store/postgres"
	"shepherd/internal/people"
	peoplememory "shepherd/internal/people/store/memory"
	peoplepostgres "shepherd/internal/people/store/postgres"
	"shepherd/internal/platform/config"
	"shepherd/internal/platform/metrics"
	"shepherd/internal/platform/postgres"
	platformredis "shepherd/internal/platform/redis"
	"shepherd/internal/ratelimit"
	ratelimitmemory "shepherd/internal/ratelimit/store/memory"
	ratelimitredis "shepherd/internal/ratelimit/store/redis"
	"shepherd/internal/records"
	recordmemory "shepherd/internal/records/store/memory"
	recordpostgres "shepherd/internal/records/store/postgres"
	httptransport "shepherd/internal/transport/http"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/audit"
	auditmemory "shepherd/pkg/platform/audit/store/memory"
	auditpostgres "shepherd/pkg/platform/audit/store/postgres"
	"shepherd/pkg/platform/circuit"
	"shepherd/pkg/requestcontext"
)

const (
	rekeyBatch     = 500
	closeTimeout   = 5 * time.Second
	auditRetries   = 3
	auditBackoff   = 50 * time.Millisecond
	kafkaFailures  = 5
	kafkaSuccesses = 2
)

// app holds the wired services plus everything that has to be released on
// shutdown.
type app struct {
	log       *slog.Logger
	router    http.Handler
	auth      *authservice.Service
	vault     *records.Vault
	scheduler *followup.Scheduler
	engine    *funnel.Engine
	closers   []func(context.Context) error
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	users    authservice.UserStore
	sessions authservice.SessionStore
	audit    audit.Store
	people   people.Store
	ministry ministry.Store
	tasks    followup.Store
	records  records.Store
	deduper  followup.Deduper
	limits   ratelimit.Store
}

func build(ctx context.Context, cfg *config.Config, policy *config.Policy, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{log: log}
	ok := false
	defer func() {
		if !ok {
			a.close(log)
		}
	}()

	db, err := a.openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func(context.Context) error { return redisClient.Close() })
	}
	st := selectStores(db, redisClient)

	auditLog := audit.New(st.audit,
		audit.WithLogger(log),
		audit.WithMetrics(audit.NewMetrics(reg)),
		audit.WithRetry(auditRetries, auditBackoff))

	limitMetrics := ratelimit.NewMetrics(reg)
	loginLimit := ratelimit.NewLimiter("login", st.limits, cfg.RateLimit.LoginPerIP, cfg.RateLimit.LoginWindow,
		ratelimit.WithLogger(log), ratelimit.WithMetrics(limitMetrics))
	lockout := ratelimit.NewLockout(st.limits, cfg.RateLimit.LockoutAttempts, cfg.RateLimit.LockoutWindow,
		ratelimit.WithLogger(log), ratelimit.WithMetrics(limitMetrics))

	authSvc := authservice.New(st.users, st.sessions, token.NewService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer),
		authservice.WithLogger(log),
		authservice.WithMetrics(authservice.NewMetrics(reg)),
		authservice.WithAuditLog(auditLog),
		authservice.WithLockout(lockout),
		authservice.WithSessionTTL(cfg.Auth.SessionTTL))
	a.auth = authSvc
	if err := bootstrapAdministrator(ctx, authSvc, cfg.Auth, log); err != nil {
		return nil, err
	}

	bus := events.NewBus(log)
	publisher, err := a.openPublisher(ctx, cfg.Events, bus)
	if err != nil {
		return nil, err
	}

	guard, err := authz.New(policy.Matrix, auditLog,
		authz.WithLogger(log),
		authz.WithMetrics(authz.NewMetrics(reg)),
		authz.WithPublisher(publisher),
		authz.WithSessionValidator(authSvc),
		authz.WithRelations(st.ministry),
		authz.WithOwnershipRules(policy.Ownership),
		authz.WithReassignmentGrace(policy.ReassignmentGrace))
	if err != nil {
		return nil, err
	}

	provider, err := keyProvider(cfg.Cipher, log)
	if err != nil {
		return nil, err
	}
	c, err := cipher.New(ctx, provider,
		cipher.WithLogger(log),
		cipher.WithMetrics(cipher.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	registryOpts := []people.Option{
		people.WithLogger(log),
		people.WithPublisher(publisher),
	}
	if db != nil {
		registryOpts = append(registryOpts, people.WithTx(newPostgresTx(db)))
	}
	registry := people.NewRegistry(st.people, guard, auditLog, registryOpts...)
	ministries := ministry.New(st.ministry, guard, ministry.WithLogger(log))

	a.engine = funnel.New(st.people, guard, policy.Funnel.Table,
		funnel.WithLogger(log),
		funnel.WithMetrics(funnel.NewMetrics(reg)),
		funnel.WithPublisher(publisher),
		funnel.WithInactivityWindow(policy.Funnel.InactivityWindow),
		funnel.WithCheckInsToEngage(policy.Funnel.CheckInsToEngage))

	a.scheduler, err = followup.New(st.tasks, st.people, guard,
		followup.WithLogger(log),
		followup.WithMetrics(followup.NewMetrics(reg)),
		followup.WithPublisher(publisher),
		followup.WithDeduper(st.deduper),
		followup.WithFunnel(a.engine),
		followup.WithRules(policy.FollowUp))
	if err != nil {
		return nil, err
	}
	bus.Subscribe(events.TypeStageChanged, a.scheduler.HandleEvent)

	vaultOpts := []records.Option{
		records.WithLogger(log),
		records.WithMetrics(records.NewMetrics(reg)),
		records.WithPledgeObserver(a.scheduler),
	}
	if db != nil {
		vaultOpts = append(vaultOpts, records.WithTx(newPostgresTx(db)))
	}
	a.vault = records.New(st.records, st.people, guard, c, auditLog, vaultOpts...)

	a.router = httptransport.NewRouter(httptransport.Services{
		Auth:     authSvc,
		People:   registry,
		Funnel:   a.engine,
		Records:  a.vault,
		Keys:     a.vault,
		FollowUp: a.scheduler,
		Ministry: ministries,
		Audit:    internalaudit.NewService(auditLog, guard),

		LoginLimit: loginLimit,
	}, log, metrics.New(reg))

	ok = true
	return a, nil
}

func (a *app) openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		a.log.Warn("no database configured, using in-memory stores")
		return nil, nil
	}
	db, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func selectStores(db *sql.DB, redisClient *goredis.Client) stores {
	var st stores
	if db != nil {
		st.users = userstore.NewPostgres(db)
		st.audit = auditpostgres.New(db)
		st.people = peoplepostgres.New(db)
		st.ministry = ministrypostgres.New(db)
		st.tasks = taskpostgres.New(db)
		st.records = recordpostgres.New(db)
	} else {
		st.users = userstore.New()
		st.audit = auditmemory.NewInMemoryStore()
		st.people = peoplememory.New()
		st.ministry = ministrymemory.New()
		st.tasks = taskmemory.New()
		st.records = recordmemory.New()
	}
	if redisClient != nil {
		st.sessions = sessionstore.NewRedis(redisClient)
		st.deduper = dedupe.NewRedis(redisClient)
		st.limits = ratelimitredis.New(redisClient)
	} else {
		st.sessions = sessionstore.New()
		st.deduper = dedupe.NewMemory()
		st.limits = ratelimitmemory.New()
	}
	return st
}

// openPublisher fans events out to the in-process bus and, when configured,
// to Kafka or NATS.
func (a *app) openPublisher(ctx context.Context, cfg config.EventsConfig, bus *events.Bus) (events.Publisher, error) {
	switch cfg.Backend {
	case "kafka":
		kafka, err := events.NewKafkaPublisher(cfg.Brokers(), cfg.KafkaTopic,
			events.WithKafkaLogger(a.log),
			events.WithKafkaBreaker(circuit.New("kafka",
				circuit.WithFailureThreshold(kafkaFailures),
				circuit.WithSuccessThreshold(kafkaSuccesses))))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kafka.Close)
		if err := events.EnsureTopic(ctx, kafka.Client(), cfg.KafkaTopic, cfg.KafkaPartitions, cfg.KafkaReplication); err != nil {
			return nil, err
		}
		return events.Fanout{bus, kafka}, nil
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("shepherd"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return conn.Drain() })
		return events.Fanout{bus, events.NewNATSPublisher(conn, cfg.NATSSubject, a.log)}, nil
	default:
		return bus, nil
	}
}

func keyProvider(cfg config.CipherConfig, log *slog.Logger) (cipher.KeyProvider, error) {
	if cfg.KeyFile != "" {
		log.Info("loading cipher keys from file", "path", cfg.KeyFile)
		return cipher.NewFileKeyProvider(cfg.KeyFile), nil
	}
	provider, err := cipher.NewEnvKeyProvider(cfg.Keys, cfg.ActiveVersion)
	if err != nil {
		return nil, fmt.Errorf("cipher keys: %w", err)
	}
	return provider, nil
}

// bootstrapAdministrator creates the first administrator from configuration
// when the user store is empty.
func bootstrapAdministrator(ctx context.Context, svc *authservice.Service, cfg config.AuthConfig, log *slog.Logger) error {
	if cfg.BootstrapEmail == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	users, err := svc.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	ctx = requestcontext.WithTime(ctx, time.Now().UTC())
	user, err := svc.Register(ctx, models.RegisterRequest{
		Email:    cfg.BootstrapEmail,
		Name:     "Administrator",
		Role:     domain.RoleAdministrator,
		Password: cfg.BootstrapPassword,
	})
	if err != nil {
		return fmt.Errorf("bootstrap administrator: %w", err)
	}
	log.Info("bootstrap administrator created", "actor_id", user.ID.String())
	return nil
}

// runMaintenance expires overdue follow-ups, raises missed check-in tasks,
// sweeps idle people to inactive and re-seals records under retired keys.
func (a *app) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maintain(ctx, time.Now().UTC())
		}
	}
}

func (a *app) maintain(ctx context.Context, now time.Time) {
	ctx = requestcontext.WithTime(ctx, now)
	if res, err := a.scheduler.Evaluate(ctx, now); err != nil {
		a.log.ErrorContext(ctx, "follow-up evaluation failed", "error", err)
	} else if res.Expired > 0 || res.MissedCheckIns > 0 {
		a.log.InfoContext(ctx, "follow-up evaluation", "expired", res.Expired, "missed_check_ins", res.MissedCheckIns)
	}
	if res, err := a.engine.SweepInactive(ctx, now); err != nil {
		a.log.ErrorContext(ctx, "inactivity sweep failed", "error", err)
	} else if res.Moved > 0 {
		a.log.InfoContext(ctx, "inactivity sweep", "moved", res.Moved, "skipped", res.Skipped)
	}
	a.rekey(ctx)
}

func (a *app) rekey(ctx context.Context) {
	res, err := a.vault.Rekey(ctx, rekeyBatch)
	if err != nil {
		a.log.ErrorContext(ctx, "rekey failed", "error", err)
		return
	}
	if res.Rekeyed > 0 || res.Failed > 0 {
		a.log.InfoContext(ctx, "rekey", "rekeyed", res.Rekeyed, "failed", res.Failed)
	}
}

// watchKeyRotation rotates to the provider's newest key on SIGHUP.
func (a *app) watchKeyRotation(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			version, err := a.vault.RotateKey(ctx)
			if err != nil {
				a.log.ErrorContext(ctx, "key rotation failed", "error", err)
				continue
			}
			a.log.InfoContext(ctx, "key rotated", "version", version)
			a.rekey(requestcontext.WithTime(ctx, time.Now().UTC()))
		}
	}
}

func (a *app) close(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
