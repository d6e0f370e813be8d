package linkd

import (
	"context"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is only served on the status listener
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/holiman/uint256"

	"github.com/subnetlink/node/pkg/custody"
	"github.com/subnetlink/node/pkg/db"
	"github.com/subnetlink/node/pkg/gmp"
	"github.com/subnetlink/node/pkg/linktoken"
)

var (
	dataDir *string

	statusAddr *string
	adminAddr  *string

	subnet         *string
	contract       *string
	underlying     *string
	linkedSubnet   *string
	linkedContract *string

	custodyMode *string

	auditInterval *time.Duration

	logLevel *string

	unsafeDevMode *bool
	devMintHolder *string
	devMintAmount *uint64
)

const eventQueueSize = 64

func init() {
	dataDir = NodeCmd.Flags().String("dataDir", "", "Data directory (required)")

	statusAddr = NodeCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for status server (disabled if blank)")
	adminAddr = NodeCmd.Flags().String("adminAddr", "127.0.0.1:7071", "Listen address for the owner admin server; keep it loopback-only")

	subnet = NodeCmd.Flags().String("subnet", "", "Subnet this node runs on, e.g. /r31337 (required)")
	contract = NodeCmd.Flags().String("contract", "", "Address this instance answers to on its own subnet (required)")
	underlying = NodeCmd.Flags().String("underlying", "", "Address of the underlying asset custodied by this instance (required)")
	linkedSubnet = NodeCmd.Flags().String("linkedSubnet", "", "Subnet of the paired contract, e.g. /r31337/14 (required)")
	linkedContract = NodeCmd.Flags().String("linkedContract", "", "Address of the paired contract; may also be set later through the admin server")

	custodyMode = NodeCmd.Flags().String("custodyMode", "lock", "Value custody variant: lock (vault escrow) or burn (burn and mint)")

	auditInterval = NodeCmd.Flags().Duration("auditInterval", 5*time.Minute, "How often to scan the unconfirmed ledger for stale entries")

	logLevel = NodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")

	unsafeDevMode = NodeCmd.Flags().Bool("unsafeDevMode", false, "Run a paired in-process peer over the loopback transport")
	devMintHolder = NodeCmd.Flags().String("devMintHolder", "", "Devnet only: account to pre-mint funds to")
	devMintAmount = NodeCmd.Flags().Uint64("devMintAmount", 1_000_000, "Devnet only: amount to pre-mint")
}

// NodeCmd runs the linked-token transfer node.
var NodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the linked-token transfer node",
	Run:   runNode,
}

// vaultAddress is the escrow account used by the lock custody variant.
var vaultAddress = mustAddress("00000000000000000000000000000000000000000000000000004c4f434b4544")

func runNode(cmd *cobra.Command, args []string) {
	logger := newLogger(*logLevel)
	defer logger.Sync() //nolint:errcheck

	if *dataDir == "" {
		logger.Fatal("please specify --dataDir")
	}
	if *subnet == "" || *contract == "" || *underlying == "" || *linkedSubnet == "" {
		logger.Fatal("please specify --subnet, --contract, --underlying and --linkedSubnet")
	}
	if !*unsafeDevMode {
		// The GMP transport is an external collaborator; without a real
		// integration the node can only run against the loopback pair.
		logger.Fatal("no external transport integration is configured, run with --unsafeDevMode")
	}

	localSubnet, err := gmp.ParseSubnetID(*subnet)
	if err != nil {
		logger.Fatal("invalid --subnet", zap.Error(err))
	}
	remoteSubnet, err := gmp.ParseSubnetID(*linkedSubnet)
	if err != nil {
		logger.Fatal("invalid --linkedSubnet", zap.Error(err))
	}
	localContract, err := gmp.StringToAddress(*contract)
	if err != nil {
		logger.Fatal("invalid --contract", zap.Error(err))
	}
	underlyingAddr, err := gmp.StringToAddress(*underlying)
	if err != nil {
		logger.Fatal("invalid --underlying", zap.Error(err))
	}

	rootCtx, rootCtxCancel := context.WithCancel(context.Background())
	defer rootCtxCancel()

	database := db.OpenDb(logger.With(zap.String("component", "db")), dataDir)
	defer database.Close()

	book := custody.NewTokenBook()
	var strategy custody.Strategy
	switch *custodyMode {
	case "lock":
		strategy = custody.NewLockVault(book, vaultAddress)
	case "burn":
		strategy = custody.NewBurnMint(book)
	default:
		logger.Fatal("invalid --custodyMode, expected lock or burn", zap.String("custodyMode", *custodyMode))
	}

	if *devMintHolder != "" {
		holder, err := gmp.StringToAddress(*devMintHolder)
		if err != nil {
			logger.Fatal("invalid --devMintHolder", zap.Error(err))
		}
		book.Mint(holder, uint256.NewInt(*devMintAmount))
		logger.Info("pre-minted devnet funds",
			zap.Stringer("holder", holder), zap.Uint64("amount", *devMintAmount))
	}

	eventC := make(chan linktoken.Event, eventQueueSize)
	lt := linktoken.NewLinkedToken(
		logger.With(zap.String("component", "linktoken")),
		database,
		strategy,
		underlyingAddr,
		remoteSubnet,
		eventC,
	)

	// Devnet: pair the instance with an in-process peer over the loopback
	// transport. The peer uses burn-mint custody against its own book, the
	// way a replica on a child subnet would.
	loopback := gmp.NewLoopback(logger.With(zap.String("component", "loopback")))
	lt.BindTransport(loopback.Register(localSubnet, localContract, lt))

	peerContract := localContract
	if *linkedContract != "" {
		peerContract, err = gmp.StringToAddress(*linkedContract)
		if err != nil {
			logger.Fatal("invalid --linkedContract", zap.Error(err))
		}
	}
	peerBook := custody.NewTokenBook()
	peer := linktoken.NewLinkedToken(
		logger.With(zap.String("component", "linktoken-peer")),
		&db.MockLedgerDB{},
		custody.NewBurnMint(peerBook),
		underlyingAddr,
		localSubnet,
		nil,
	)
	peer.BindTransport(loopback.Register(remoteSubnet, peerContract, peer))
	if err := peer.SetLinkedContract(localContract); err != nil {
		logger.Fatal("failed to link peer", zap.Error(err))
	}
	if err := lt.SetLinkedContract(peerContract); err != nil {
		logger.Fatal("failed to link", zap.Error(err))
	}

	if err := lt.LoadPendingTransfers(); err != nil {
		logger.Fatal("failed to reload unconfirmed ledger", zap.Error(err))
	}

	go func() {
		if err := loopback.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("loopback transport stopped", zap.Error(err))
		}
	}()

	go consumeEvents(rootCtx, logger, eventC)
	go auditLoop(rootCtx, lt, *auditInterval)

	if *statusAddr != "" {
		go runStatusServer(logger, *statusAddr)
	}
	adminSrv := runAdminServer(logger, *adminAddr, lt, book)

	logger.Info("linked-token node running",
		zap.Stringer("subnet", localSubnet),
		zap.Stringer("contract", localContract),
		zap.Stringer("linkedSubnet", remoteSubnet),
		zap.Stringer("linkedContract", peerContract),
		zap.String("custodyMode", *custodyMode),
	)

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	<-sigterm
	logger.Info("received signal, exiting")
	rootCtxCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func consumeEvents(ctx context.Context, logger *zap.Logger, eventC <-chan linktoken.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventC:
			logger.Debug("protocol event", zap.String("kind", ev.EventKind()))
		}
	}
}

func auditLoop(ctx context.Context, lt *linktoken.LinkedToken, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lt.AuditPendingTransfers(interval)
		}
	}
}

func runStatusServer(logger *zap.Logger, addr string) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("status server listening", zap.String("addr", addr))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status server died", zap.Error(err))
	}
}

func mustAddress(s string) gmp.Address {
	addr, err := gmp.StringToAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}
