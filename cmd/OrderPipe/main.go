package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/OrderPipe/internal/api"
	"github.com/BTreeMap/OrderPipe/internal/delivery"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/knowledge"
	"github.com/BTreeMap/OrderPipe/internal/lockfile"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
	"github.com/BTreeMap/OrderPipe/internal/scheduler"
	"github.com/BTreeMap/OrderPipe/internal/session"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OrderPipe/internal/util"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OrderPipe state data
	DefaultStateDir = "/var/lib/orderpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "orderpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	DefaultTransport      = TransportCloud
	DefaultSweepSchedule  = "@every 5m"
	DefaultPurgeSchedule  = "@hourly"
	DefaultOutboxInterval = 2 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// Messaging transports selectable with MESSAGING_TRANSPORT.
const (
	TransportCloud     = "cloud"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	lock, err := lockfile.Acquire(config.StateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OrderPipe", "transport", config.Transport, "state_dir", config.StateDir)
	if err := run(ctx, config); err != nil {
		slog.Error("OrderPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("OrderPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseDSN   string
	WhatsAppDBDSN string

	OpenAIKey   string
	OpenAIModel string
	AIDebug     bool

	APIAddr string

	Transport     string
	VerifyToken   string
	AccessToken   string
	PhoneNumberID string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	QROutput    string
	NumericCode bool

	LiveAgentNumber string
	AdminNumbers    []string

	GoogleMapsKey string
	ShopOrigin    string

	FlowFile    string
	DraftTTL    time.Duration
	ReceiptLogo string

	KnowledgeCSV   string
	KnowledgeExcel string
	KnowledgeSite  string
	KnowledgeSheet string

	DispatchWorkers   int
	DispatchQueueSize int
}

// initializeLogger sets up structured logging; LOG_LEVEL=info quiets debug output.
func initializeLogger() {
	level := slog.LevelDebug
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "info") {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("ORDERPIPE_STATE_DIR"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		AIDebug:           util.ParseBoolEnv("OPENAI_DEBUG", false),
		APIAddr:           os.Getenv("API_ADDR"),
		Transport:         strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_TRANSPORT"))),
		VerifyToken:       os.Getenv("VERIFY_TOKEN"),
		AccessToken:       os.Getenv("ACCESS_TOKEN"),
		PhoneNumberID:     os.Getenv("PHONE_NUMBER_ID"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		LiveAgentNumber:   os.Getenv("LIVE_AGENT_WHATSAPP_NUMBER"),
		AdminNumbers:      util.SplitList(os.Getenv("ADMIN_NUMBERS")),
		GoogleMapsKey:     os.Getenv("GOOGLE_MAPS_API_KEY"),
		ShopOrigin:        os.Getenv("SHOP_ORIGIN"),
		FlowFile:          os.Getenv("ORDER_FLOW_FILE"),
		DraftTTL:          util.ParseDurationEnv("ORDER_DRAFT_TTL", 0),
		ReceiptLogo:       os.Getenv("RECEIPT_LOGO_PATH"),
		KnowledgeCSV:      os.Getenv("KNOWLEDGE_CSV_PATH"),
		KnowledgeExcel:    os.Getenv("KNOWLEDGE_EXCEL_PATH"),
		KnowledgeSite:     os.Getenv("KNOWLEDGE_SITE_URL"),
		KnowledgeSheet:    os.Getenv("KNOWLEDGE_SHEET_URL"),
		DispatchWorkers:   util.ParseIntEnv("DISPATCH_WORKERS", messaging.DefaultDispatchWorkers),
		DispatchQueueSize: util.ParseIntEnv("DISPATCH_QUEUE_SIZE", messaging.DefaultDispatchQueueSize),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ORDERPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = DefaultTransport
	}

	// DATABASE_URL is accepted for hosted Postgres setups that export only that name.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"ORDERPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"MESSAGING_TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GOOGLE_MAPS_API_KEY_SET", config.GoogleMapsKey != "",
		"API_ADDR", config.APIAddr,
		"ADMIN_NUMBERS", len(config.AdminNumbers),
		"ORDER_DRAFT_TTL", config.DraftTTL)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags applies command line overrides on top of config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	stateDir := fs.String("state-dir", config.StateDir, "state directory for OrderPipe data (overrides $ORDERPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseDSN, "order database DSN (overrides $DATABASE_DSN)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	transportName := fs.String("transport", config.Transport, "messaging transport: cloud, twilio or whatsmeow (overrides $MESSAGING_TRANSPORT)")
	flowFile := fs.String("flow-file", config.FlowFile, "order flow YAML definition (overrides $ORDER_FLOW_FILE)")
	qrOutput := fs.String("qr-output", config.QROutput, "path to write the whatsmeow login QR code")
	numeric := fs.Bool("numeric-code", config.NumericCode, "use a numeric whatsmeow login code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Derived paths follow a moved state directory unless set explicitly.
	if *stateDir != config.StateDir {
		if *dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*dbDSN = filepath.Join(*stateDir, DefaultDBFileName)
		}
		if config.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
			config.WhatsAppDBDSN = defaultWhatsAppDSN(*stateDir)
		}
	}

	config.StateDir = *stateDir
	config.DatabaseDSN = *dbDSN
	config.APIAddr = *apiAddr
	config.Transport = strings.ToLower(*transportName)
	config.FlowFile = *flowFile
	config.QROutput = *qrOutput
	config.NumericCode = *numeric

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"apiAddr", config.APIAddr,
		"transport", config.Transport,
		"flowFile", config.FlowFile)
	return config, nil
}

// transport bundles the selected messaging service with its webhook
// endpoint, if it has one.
type transport struct {
	service messaging.Service
	cloud   *messaging.CloudService
	twilio  *messaging.TwilioService
	// connected reports a live connection; nil means a built service is ready.
	connected func() bool
}

// ready reports the transport state shown on /system-status.
func (t transport) ready() bool {
	if t.service == nil {
		return false
	}
	if t.connected == nil {
		return true
	}
	return t.connected()
}

// buildTransport constructs the configured messaging transport.
func buildTransport(config Config) (transport, error) {
	switch config.Transport {
	case TransportCloud:
		svc, err := messaging.NewCloudService(config.PhoneNumberID, config.AccessToken, config.VerifyToken)
		if err != nil {
			return transport{}, fmt.Errorf("cloud transport: %w", err)
		}
		return transport{service: svc, cloud: svc}, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return transport{}, fmt.Errorf("twilio transport: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return transport{service: svc, twilio: svc}, nil
	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(config)...)
		if err != nil {
			return transport{}, fmt.Errorf("whatsmeow transport: %w", err)
		}
		return transport{service: messaging.NewWhatsAppService(client), connected: client.IsConnected}, nil
	default:
		return transport{}, fmt.Errorf("unknown messaging transport %q", config.Transport)
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.AIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, config.StateDir))
	}
	return genaiOpts
}

// buildDeliveryCalculator returns nil when no geocoding key is configured.
func buildDeliveryCalculator(config Config) (*delivery.Calculator, error) {
	if config.GoogleMapsKey == "" {
		slog.Info("No GOOGLE_MAPS_API_KEY set, delivery quotes disabled")
		return nil, nil
	}
	geo, err := delivery.NewGoogleMapsGeocoder(config.GoogleMapsKey, config.ShopOrigin)
	if err != nil {
		return nil, fmt.Errorf("geocoder: %w", err)
	}
	return delivery.NewCalculator(delivery.NewCachedGeocoder(geo)), nil
}

// run wires every component and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, config Config) error {
	st, err := store.Open(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	def, err := flow.LoadDefinition(config.FlowFile)
	if err != nil {
		return fmt.Errorf("load order flow: %w", err)
	}

	tr, err := buildTransport(config)
	if err != nil {
		return err
	}
	svc := tr.service

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	// Interface values stay nil when the client is absent.
	var responder flow.Responder
	var summarizer session.Summarizer
	ai, err := genai.NewClient(buildGenAIOptions(config)...)
	switch {
	case err == nil:
		responder, summarizer = ai, ai
	case errors.Is(err, genai.ErrAPIKeyNotSet):
		slog.Warn("No OPENAI_API_KEY set, free-text questions get the fallback reply")
	default:
		return fmt.Errorf("genai client: %w", err)
	}

	quotes, err := buildDeliveryCalculator(config)
	if err != nil {
		return err
	}
	targets := delivery.NewLatestTargets()

	sessions := session.NewStore(session.WithTokenCounter(session.NewTokenCounter()))
	kb := knowledge.NewBase(knowledge.DefaultPrompt())

	var renderOpts []receipt.Option
	if config.ReceiptLogo != "" {
		renderOpts = append(renderOpts, receipt.WithLogo(config.ReceiptLogo))
	}

	drafts := flow.NewDraftStore(st, def)
	orderFlow := flow.NewOrderFlow(def, drafts, st, svc,
		flow.WithAgentForwarding(config.LiveAgentNumber, st),
		flow.WithReceipts(receipt.NewRenderer(renderOpts...)),
		flow.WithNameResolver(sessions),
		flow.WithDeliveryTargets(targets),
		flow.WithMetrics(recorder),
	)
	commands := flow.NewCommandTable(flow.CommandDeps{
		Knowledge: kb,
		Sources: flow.KnowledgeSources{
			CSVPath:   config.KnowledgeCSV,
			ExcelPath: config.KnowledgeExcel,
			SiteURL:   config.KnowledgeSite,
			SheetURL:  config.KnowledgeSheet,
		},
		Scraper: knowledge.NewScraper(&http.Client{Timeout: 20 * time.Second}),
		Quotes:  quotes,
		Targets: targets,
		Origin:  config.ShopOrigin,
		Admins:  config.AdminNumbers,
	})
	fallback := flow.NewFallback(def, sessions, kb, responder, svc, recorder)
	router := flow.NewRouter(def, sessions, orderFlow, commands, fallback, svc,
		flow.WithDedup(st),
		flow.WithRouterMetrics(recorder),
	)

	sched := scheduler.NewScheduler()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if err := sched.AddJob("inbound-purge", DefaultPurgeSchedule, func() {
		n, err := st.PurgeInboundBefore(time.Now().Add(-store.DefaultInboundRetention))
		if err != nil {
			slog.Warn("inbound-purge failed", "error", err)
			return
		}
		slog.Debug("inbound-purge done", "removed", n)
	}); err != nil {
		return err
	}
	if config.DraftTTL > 0 {
		sweeper := flow.NewDraftSweeper(drafts, config.DraftTTL, recorder)
		if err := sched.AddJob("draft-expiry", DefaultSweepSchedule, func() { sweeper.Sweep() }); err != nil {
			return err
		}
	}

	outbox := store.NewOutboxSender(st, func(ctx context.Context, n store.Notification) error {
		return svc.SendMessage(ctx, n.Recipient, n.Body)
	}, DefaultOutboxInterval)
	if err := outbox.RecoverStaleNotifications(); err != nil {
		slog.Warn("Outbox stale recovery failed", "error", err)
	}

	apiOpts := []api.Option{
		api.WithSessions(sessions),
		api.WithPendingCounter(orderFlow),
		api.WithOutbox(st),
		api.WithMetrics(reg, recorder),
		api.WithStatus(tr.ready, responder != nil),
	}
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if tr.cloud != nil {
		apiOpts = append(apiOpts, api.WithCloudWebhook(tr.cloud))
	}
	if tr.twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.twilio))
	}
	if quotes != nil {
		apiOpts = append(apiOpts, api.WithDeliveryQuotes(quotes))
	}
	if summarizer != nil {
		apiOpts = append(apiOpts, api.WithSummarizer(summarizer))
	}
	server := api.NewServer(svc, st, apiOpts...)

	dispatcher := messaging.NewDispatcher(router,
		messaging.WithWorkers(config.DispatchWorkers),
		messaging.WithQueueSize(config.DispatchQueueSize),
		messaging.WithDispatchMetrics(recorder),
	)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx, svc) })
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return svc.Stop()
	})
	err = g.Wait()
	slog.Info("OrderPipe components stopped", "error", err)
	return err
}
