package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	bridgeapi "github.com/aegis-sign/ledger-bridge/internal/api"
	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/connector"
	"github.com/aegis-sign/ledger-bridge/internal/gateway/dispatcher"
	"github.com/aegis-sign/ledger-bridge/internal/infra/devicetransport"
	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

const hostOrigin = "https://ledger-cli.local"

type options struct {
	mode      string
	bridgeURL string
	device    string
	timeout   time.Duration
	verbose   bool

	// sessions 非空时替代真实设备连接。
	sessions dispatcher.SessionFactory
}

func main() {
	opts, args := parseFlags(os.Args[1:])
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ledger-cli: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(argv []string) (options, []string) {
	var opts options
	fs := flag.NewFlagSet("ledger-cli", flag.ExitOnError)
	fs.StringVar(&opts.mode, "mode", string(connector.ConnectionWebUSB), "connection type: webusb or u2f (in-process frame), webauthn (bridge-server window)")
	fs.StringVar(&opts.bridgeURL, "bridge", "", "bridge URL; defaults to http://127.0.0.1:8080/ for webauthn")
	fs.StringVar(&opts.device, "device", "", "device endpoint for webusb mode (host:port, unix:, vsock:, hid:index), overrides LEDGER_DEVICE_ENDPOINT")
	fs.DurationVar(&opts.timeout, "timeout", dispatcher.DefaultSessionTimeout, "device session timeout; the host waits a little longer for the reply")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: ledger-cli [flags] <command> [args]")
		fmt.Fprintln(fs.Output(), "commands:")
		fmt.Fprintln(fs.Output(), "  version")
		fmt.Fprintln(fs.Output(), "  xpub <account>")
		fmt.Fprintln(fs.Output(), "  address <account> <chain> <index>")
		fmt.Fprintln(fs.Output(), "  show <account> <chain> <index>")
		fmt.Fprintln(fs.Output(), "  sign <tx.yaml>")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argv)
	return opts, fs.Args()
}

func run(ctx context.Context, opts options, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c, cleanup, err := connect(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var result any
	switch cmd, rest := args[0], args[1:]; cmd {
	case "version":
		result, err = c.GetVersion(ctx)
	case "xpub":
		var account uint32
		if account, err = accountArg(rest); err == nil {
			result, err = c.GetExtendedPublicKey(ctx, hdpath.MakeCardanoAccountBIP44Path(account))
		}
	case "address", "show":
		var path hdpath.Path
		if path, err = addressPath(rest); err != nil {
			break
		}
		if cmd == "show" {
			if err = c.ShowAddress(ctx, path); err == nil {
				result = map[string]string{"path": path.String(), "status": "shown"}
			}
			break
		}
		result, err = c.DeriveAddress(ctx, path)
	case "sign":
		if len(rest) != 1 {
			return errors.New("sign requires a transaction file")
		}
		var tx *txFile
		if tx, err = loadTxFile(rest[0]); err == nil {
			result, err = c.SignTransaction(ctx, tx.Inputs, tx.Outputs)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// replyTimeout 让宿主侧等待比设备会话多出与默认值相同的余量。
func replyTimeout(session time.Duration) time.Duration {
	return session + connector.DefaultCallTimeout - dispatcher.DefaultSessionTimeout
}

// connect 按连接类型打开 remote context：webauthn 连接 bridge-server 窗口，其余在进程内挂载 frame。
func connect(ctx context.Context, opts options, logger *slog.Logger) (*connector.Connector, func(), error) {
	mode := connector.ConnectionType(opts.mode)
	cfg := connector.Config{
		ConnectionType: mode,
		BridgeURL:      opts.bridgeURL,
		CallTimeout:    replyTimeout(opts.timeout),
		Logger:         logger,
		Metrics:        connector.NewMetrics(prometheus.NewRegistry()),
	}
	if mode.UsesWindow() {
		if cfg.BridgeURL == "" {
			cfg.BridgeURL = "http://127.0.0.1:8080/"
		}
		c, err := connector.New(ctx, cfg, &connector.BrowserOpener{Origin: hostOrigin, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}

	sessions := opts.sessions
	closeSessions := func() {}
	if sessions == nil {
		devCfg := devicetransport.LoadConfigFromEnv()
		if opts.device != "" {
			devCfg.Endpoint = opts.device
		}
		factory, err := devicetransport.NewFactory(devCfg,
			devicetransport.WithLogger(logger),
			devicetransport.WithRegisterer(prometheus.NewRegistry()))
		if err != nil {
			return nil, nil, err
		}
		sessions = factory
		closeSessions = func() { _ = factory.Close() }
	}
	d, err := dispatcher.NewDispatcher(dispatcher.Config{
		SessionTimeout: opts.timeout,
		Logger:         logger,
		Metrics:        dispatcher.NewMetrics(prometheus.NewRegistry()),
	}, sessions)
	if err != nil {
		closeSessions()
		return nil, nil, err
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = connector.DefaultBridgeURL
	}
	doc := channel.NewDocument(hostOrigin, logger)
	doc.RegisterSite(cfg.BridgeURL, bridgeapi.SiteHandler(d))
	c, err := connector.New(ctx, cfg, &connector.BrowserOpener{Document: doc, Logger: logger})
	if err != nil {
		d.Close()
		closeSessions()
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		d.Close()
		closeSessions()
	}, nil
}

func addressPath(args []string) (hdpath.Path, error) {
	if len(args) != 3 {
		return nil, errors.New("expected <account> <chain> <index>")
	}
	idx := make([]uint32, 3)
	for i, raw := range args {
		v, err := strconv.ParseUint(raw, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", raw, err)
		}
		idx[i] = uint32(v)
	}
	return hdpath.MakeCardanoBIP44Path(idx[0], idx[1], idx[2]), nil
}

func accountArg(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, errors.New("expected <account>")
	}
	v, err := strconv.ParseUint(args[0], 10, 31)
	if err != nil {
		return 0, fmt.Errorf("invalid account %q: %w", args[0], err)
	}
	return uint32(v), nil
}
