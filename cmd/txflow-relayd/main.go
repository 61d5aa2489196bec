// txflow-relayd serves a node's session relay endpoint: it hosts the flow
// engine, recovers checkpointed flows on startup and exchanges session
// frames with peer nodes over gRPC.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"gopkg.in/natefinch/lumberjack.v2"

	"xdao.co/txflow/flow"
	"xdao.co/txflow/propagate"
	"xdao.co/txflow/session"
	"xdao.co/txflow/session/relay"
	"xdao.co/txflow/storage/localfs"
	"xdao.co/txflow/txn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetConfigName("txflow-relayd")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/txflow")
	v.AddConfigPath(".")
	v.SetEnvPrefix("TXFLOW")
	v.AutomaticEnv()

	v.SetDefault("identity", "")
	v.SetDefault("listen", "127.0.0.1:7443")
	v.SetDefault("data_dir", "data/objects")
	v.SetDefault("checkpoint_dir", "data/checkpoints")
	v.SetDefault("max_tx_bytes", 10*1024*1024)
	v.SetDefault("max_msg_bytes", 16*1024*1024)
	v.SetDefault("await_timeout", "1m")
	v.SetDefault("send_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)

	if cfg := os.Getenv("TXFLOW_CONFIG"); cfg != "" {
		v.SetConfigFile(cfg)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
		// No file is fine; defaults plus environment apply.
	}

	self := session.Identity(v.GetString("identity"))
	if self == "" {
		return fmt.Errorf("identity is required (set identity: in the config or TXFLOW_IDENTITY)")
	}

	log, err := buildLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := localfs.New(v.GetString("data_dir"))
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	ckpts, err := flow.NewFileCheckpoints(v.GetString("checkpoint_dir"))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	peers := make(map[session.Identity]string)
	for id, addr := range v.GetStringMapString("peers") {
		peers[session.Identity(id)] = addr
	}
	transport := relay.New(self, relay.Options{
		Peers:       peers,
		MaxMsgBytes: v.GetInt("max_msg_bytes"),
		Timeout:     v.GetDuration("send_timeout"),
	})
	defer func() { _ = transport.Close() }()

	maxTx := uint64(v.GetInt64("max_tx_bytes"))
	engine := flow.NewEngine(flow.Options{
		Self:           self,
		Transport:      transport,
		Checkpoints:    ckpts,
		Logger:         log.Named("flow"),
		DefaultTimeout: v.GetDuration("await_timeout"),
	})
	engine.Register(propagate.ResolveFlowType, func() flow.Flow {
		return &propagate.ResolveFlow{
			Store:    store,
			Verifier: &txn.StandardVerifier{},
			Limits:   propagate.FixedLimit(maxTx),
		}
	})
	engine.Register(propagate.SendFlowType, func() flow.Flow {
		return &propagate.SendFlow{Store: store}
	})
	engine.RegisterResponder(propagate.Protocol, propagate.ResolveFlowType)

	recovered, err := engine.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("recover flows: %w", err)
	}
	if len(recovered) > 0 {
		log.Info("resumed suspended flows", zap.Int("count", len(recovered)))
	}

	lis, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return err
	}
	defer lis.Close()

	maxMsg := v.GetInt("max_msg_bytes")
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	)
	relay.RegisterRelayServer(srv, &relay.Server{Endpoint: engine})

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	log.Info("txflow-relayd listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("identity", string(self)),
		zap.Int("peers", len(peers)))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		log.Info("shutting down", zap.String("signal", sig.String()))
		srv.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}

func buildLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch format := v.GetString("log.format"); format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log.format: unknown encoder %q", format)
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if file := v.GetString("log.file"); file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		})
	}
	return zap.New(zapcore.NewCore(enc, sink, level)), nil
}
