package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"csms/actions"
	"csms/config"
	notifier "csms/notifier/nats"
	"csms/ocpp"
	"csms/store"
)

const (
	GET_CONFIGURATION        = "get.configuration"
	CHANGE_CONFIGURATION     = "change.configuration"
	RESET                    = "reset"
	REMOTE_START_TRANSACTION = "remote.start.transaction"
	REMOTE_STOP_TRANSACTION  = "remote.stop.transaction"
	UNLOCK_CONNECTOR         = "unlock.connector"
)

var log *logrus.Logger

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	st, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open store at %v: %v", cfg.Database.Path, err)
	}
	defer st.Close()

	engine := ocpp.NewEngine(st, log, ocpp.Options{
		CommandTimeout:    time.Duration(cfg.Ocpp.CommandTimeout) * time.Second,
		HeartbeatInterval: cfg.Ocpp.HeartbeatInterval,
	})

	natsNotifier := notifier.New()
	natsNotifier.SetChannel(engine.NotificationChannel())
	natsNotifier.SetTimeout(time.Duration(cfg.Ocpp.CommandTimeout+5) * time.Second)

	coreProfileActions := actions.InitializeCoreProfileActions(engine)

	natsNotifier.AddHandler(RESET, coreProfileActions.Reset)
	natsNotifier.AddHandler(GET_CONFIGURATION, coreProfileActions.GetConfiguration)
	natsNotifier.AddHandler(CHANGE_CONFIGURATION, coreProfileActions.ChangeConfiguration)
	natsNotifier.AddHandler(REMOTE_START_TRANSACTION, coreProfileActions.RemoteStartTransaction)
	natsNotifier.AddHandler(REMOTE_STOP_TRANSACTION, coreProfileActions.RemoteStopTransaction)
	natsNotifier.AddHandler(UNLOCK_CONNECTOR, coreProfileActions.UnlockConnector)

	if err := natsNotifier.Start(cfg.Nats.URL); err != nil {
		log.Fatalf("failed to connect to NATS at %v: %v", cfg.Nats.URL, err)
	}
	defer natsNotifier.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/ocpp/{id}", engine.HandleWebsocket)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.Server.ListenAddress(),
		Handler: router,
	}

	go func() {
		log.Infof("starting central system on %v", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("shutting down central system")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}

	log.Info("stopped central system")
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
}
