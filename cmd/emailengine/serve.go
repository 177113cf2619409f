package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/api"
	"github.com/jhult/emailengine/internal/assign"
	"github.com/jhult/emailengine/internal/config"
	"github.com/jhult/emailengine/internal/imapworker"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/notifyworker"
	"github.com/jhult/emailengine/internal/oauth2"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/settings"
	"github.com/jhult/emailengine/internal/smtpclient"
	"github.com/jhult/emailengine/internal/smtpserver"
	"github.com/jhult/emailengine/internal/submitworker"
	"github.com/jhult/emailengine/internal/supervisor"
	"github.com/jhult/emailengine/internal/tokens"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine (default command)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	if err := config.Load(configPath); err != nil {
		logger.Printf("config: %v (continuing with defaults and environment)", err)
	}
	cfg := config.Get()

	m := metrics.New()

	kv, queueStore, err := openStores(cfg, m)
	if err != nil {
		return err
	}
	defer kv.Close()

	svc := settings.New(kv)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceSecret, err := ensureServiceSecret(ctx, svc, cfg.Secrets.Service)
	if err != nil {
		return err
	}

	cipher, err := accounts.NewCipher(cfg.Secrets.Encryption)
	if err != nil {
		return err
	}
	registry := accounts.NewRegistry(kv, cipher, nil)
	logs := accounts.NewLogRing(kv, cfg.IMAP.MaxLogLines)
	tok := tokens.NewService(kv, serviceSecret)

	keep, err := svc.GetInt(ctx, settings.QueueKeep, cfg.Queues.Keep)
	if err != nil {
		return fmt.Errorf("read queueKeep: %w", err)
	}
	engine := queue.NewEngine(queueStore,
		queue.WithKeep(keep),
		queue.WithLease(cfg.Queues.LeaseTime),
		queue.WithMetrics(m),
	)
	scheduler := queue.NewScheduler(engine, []string{queue.Submit, queue.Notify}, nil)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start queue scheduler: %w", err)
	}
	defer scheduler.Drain()

	ctrl := assign.NewController(registry, nil, assign.WithMetrics(m))
	sup := supervisor.New(registry, ctrl, kv, cfg.Metrics.RetentionDays, supervisor.WithMetrics(m))

	providers := make(map[string]oauth2.Provider, len(cfg.OAuth2Providers))
	for id, p := range cfg.OAuth2Providers {
		providers[id] = oauth2.Provider{ClientID: p.ClientID, ClientSecret: p.ClientSecret, TokenURL: p.TokenURL}
	}
	oauthMgr := oauth2.NewManager(providers)

	smtpSender := smtpclient.New(smtpclient.WithDialTimeout(cfg.IMAP.DialTimeout))
	imapSettings := imapworker.Settings{
		DialTimeout:   cfg.IMAP.DialTimeout,
		PollInterval:  cfg.IMAP.PollInterval,
		NotifyRetries: cfg.Queues.NotifyRetries,
		NotifyBackoff: cfg.Queues.NotifyBackoff,
		AccountLogs:   cfg.Logging.AccountLogs,
	}
	for i := 0; i < cfg.Workers.IMAP; i++ {
		id := fmt.Sprintf("imap-%d", i)
		sup.AddIMAPWorker(imapworker.New(id, sup.Bus(), registry, logs, engine, smtpSender, imapSettings,
			imapworker.WithMetrics(m), imapworker.WithOAuth(oauthMgr)))
	}

	var submitConsumer *submitworker.Worker
	for i := 0; i < cfg.Workers.Submit; i++ {
		id := fmt.Sprintf("submit-%d", i)
		w := submitworker.New(id, registry, engine, sup, m)
		if submitConsumer == nil {
			submitConsumer = w
		}
		sup.AddRunner(id, w)
	}
	engine.SetFailedFunc(func(queueName string, job *queue.Job) {
		if queueName == queue.Submit && submitConsumer != nil {
			submitConsumer.HandleFailed(context.Background(), job)
		}
	})

	notifyCfg := notifyworker.Config{
		Timeout:     cfg.Webhooks.Timeout,
		UserAgent:   fmt.Sprintf("%s/%s (+%s)", cfg.App.Name, cfg.App.Version, cfg.App.Homepage),
		IncludeText: cfg.Webhooks.IncludeText,
		MaxTextSize: cfg.Webhooks.MaxTextSize,
	}
	for i := 0; i < cfg.Workers.Notify; i++ {
		id := fmt.Sprintf("notify-%d", i)
		sup.AddRunner(id, notifyworker.New(id, engine, svc, serviceSecret, notifyCfg, m))
	}

	smtpEnabled, err := svc.GetBool(ctx, settings.SMTPServerEnabled, cfg.SMTP.Enabled)
	if err != nil {
		return fmt.Errorf("read smtp setting: %w", err)
	}
	sup.SetSMTPServer(smtpEnabled, func(ctx context.Context) supervisor.Runner {
		return smtpserver.New(smtpserver.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port),
			Domain:   cfg.SMTP.Domain,
			MaxBytes: cfg.SMTP.MaxBytes,
		}, kv, registry, engine, tok)
	})

	if err := writeInterfaceCatalog(ctx, kv); err != nil {
		logger.Printf("interface catalog: %v", err)
	}

	adminHash, err := svc.Get(ctx, "adminPassword")
	if err != nil {
		return fmt.Errorf("read admin password: %w", err)
	}
	router := api.NewRouter(api.Config{
		Registry:      registry,
		Logs:          logs,
		Queues:        engine,
		Settings:      svc,
		Tokens:        tok,
		Caller:        sup,
		Metrics:       m,
		ServiceSecret: serviceSecret,
		AdminHash:     adminHash,
		Release:       cfg.App.Env == "production",
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		logger.Printf("API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
			stop()
		}
	}()

	logger.Printf("starting %d imap, %d submit, %d notify workers", cfg.Workers.IMAP, cfg.Workers.Submit, cfg.Workers.Notify)
	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("api shutdown: %v", err)
	}
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	logger.Printf("shutdown complete")
	return nil
}

// openStores connects the KV and queue stores; ephemeral mode keeps
// everything in process memory.
func openStores(cfg *config.Config, m *metrics.Metrics) (kvstore.Store, queue.Store, error) {
	if cfg.Redis.Ephemeral {
		mem := kvstore.NewMemory()
		return mem, queue.NewMemoryStore(), nil
	}
	redis, err := kvstore.NewRedis(&cfg.Redis, m)
	if err != nil {
		return nil, nil, err
	}
	return redis, queue.NewRedisStore(redis), nil
}

// ensureServiceSecret loads the signing secret, preferring the configured
// value and generating one on first start otherwise.
func ensureServiceSecret(ctx context.Context, svc *settings.Service, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	stored, err := svc.Get(ctx, settings.ServiceSecret)
	if err != nil {
		return "", fmt.Errorf("read service secret: %w", err)
	}
	if stored != "" {
		return stored, nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate service secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	if err := svc.Set(ctx, settings.ServiceSecret, secret); err != nil {
		return "", fmt.Errorf("store service secret: %w", err)
	}
	return secret, nil
}

// writeInterfaceCatalog records local interface addresses for diagnostics.
func writeInterfaceCatalog(ctx context.Context, kv kvstore.Store) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	fields := map[string]string{"updated": time.Now().UTC().Format(time.RFC3339)}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		list := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			list = append(list, addr.String())
		}
		raw, err := json.Marshal(list)
		if err != nil {
			continue
		}
		fields[iface.Name] = string(raw)
	}
	return kv.HSet(ctx, "interfaces", fields)
}
