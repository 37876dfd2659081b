package flags

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fedinbox/common"
	"github.com/ruteri/fedinbox/httpserver"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/kms"
	"github.com/ruteri/fedinbox/storage"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// OpenStore opens the store named by --store-uri.
func OpenStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.Store, error) {
	return storage.NewStoreFromURI(cCtx.Context, cCtx.String(StoreURIFlag.Name), logger)
}

// SecretSource picks the KEK source from --kek, --kek-file or --vault-addr.
// Exactly one must be set.
func SecretSource(cCtx *cli.Context, logger *slog.Logger) (kms.SecretSource, error) {
	var sources []kms.SecretSource

	if kek := cCtx.String(KEKFlag.Name); kek != "" {
		sources = append(sources, kms.StaticSecret(kek))
	}
	if path := cCtx.String(KEKFileFlag.Name); path != "" {
		sources = append(sources, kms.FileSecret(path))
	}
	if addr := cCtx.String(VaultAddrFlag.Name); addr != "" {
		src, err := kms.NewVaultSecret(addr,
			cCtx.String(VaultTokenFlag.Name),
			cCtx.String(VaultMountFlag.Name),
			cCtx.String(VaultKEKPathFlag.Name),
			cCtx.String(VaultKEKFieldFlag.Name),
			logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	switch len(sources) {
	case 0:
		return nil, errors.New("one of --kek, --kek-file or --vault-addr is required")
	case 1:
		return sources[0], nil
	default:
		return nil, errors.New("--kek, --kek-file and --vault-addr are mutually exclusive")
	}
}

// OpenKeyVault loads the KEK and builds the key vault.
func OpenKeyVault(cCtx *cli.Context, logger *slog.Logger) (*kms.KeyVault, error) {
	src, err := SecretSource(cCtx, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancel()

	logger.Info("Loading key encryption key", "source", src.Name())
	return kms.NewKeyVaultFromSource(ctx, src, kms.WithKeyBits(cCtx.Int(KeyBitsFlag.Name)))
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var BaseURLFlag = &cli.StringFlag{
	Name:     "base-url",
	Required: true,
	EnvVars:  []string{"BASE_URL"},
	Usage:    "public origin of this server, e.g. https://social.example",
}
var StoreURIFlag = &cli.StringFlag{
	Name:    "store-uri",
	Value:   "sqlite://./fedinbox.db",
	EnvVars: []string{"STORE_URI"},
	Usage:   "actor and follow store: memory://, sqlite:///path.db or postgres://...",
}

var KEKFlag = &cli.StringFlag{
	Name:    "kek",
	EnvVars: []string{"USER_KEK"},
	Usage:   "secret the actor key encryption keys are derived from",
}
var KEKFileFlag = &cli.StringFlag{
	Name:  "kek-file",
	Usage: "file holding the key encryption secret",
}
var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	EnvVars: []string{"VAULT_ADDR"},
	Usage:   "HashiCorp Vault address to read the key encryption secret from",
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	EnvVars: []string{"VAULT_TOKEN"},
	Usage:   "HashiCorp Vault token",
}
var VaultMountFlag = &cli.StringFlag{
	Name:  "vault-mount",
	Value: "secret",
	Usage: "KV v2 mount holding the key encryption secret",
}
var VaultKEKPathFlag = &cli.StringFlag{
	Name:  "vault-kek-path",
	Value: "fedinbox/kek",
	Usage: "path of the key encryption secret under the mount",
}
var VaultKEKFieldFlag = &cli.StringFlag{
	Name:  "vault-kek-field",
	Value: "kek",
	Usage: "field of the Vault secret holding the key encryption secret",
}
var KeyBitsFlag = &cli.IntFlag{
	Name:  "key-bits",
	Value: 4096,
	Usage: "RSA modulus size for new actor keys",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// StoreFlags are shared by every binary touching actors.
var StoreFlags = []cli.Flag{
	BaseURLFlag,
	StoreURIFlag,
	KEKFlag,
	KEKFileFlag,
	VaultAddrFlag,
	VaultTokenFlag,
	VaultMountFlag,
	VaultKEKPathFlag,
	VaultKEKFieldFlag,
	KeyBitsFlag,
}
