package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devlink/internal/app"
	"devlink/internal/bus"
	"devlink/internal/config"
	"devlink/internal/device"
	"devlink/internal/events"
	"devlink/internal/logging"
	"devlink/internal/notify"
	"devlink/internal/persistence"
	"devlink/internal/registry"
	"devlink/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run devlink", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addHost := flag.String("add", "", "register a device by host and exit")
	addLabel := flag.String("label", "", "label for -add")
	addTransport := flag.String("transport", "", "transport for -add (ssh, websocket, serial)")
	addSecret := flag.String("secret", "", "websocket auth secret for -add")
	list := flag.Bool("list", false, "list registered devices and exit")
	remove := flag.String("remove", "", "remove a device by id and exit")
	exportPath := flag.String("export", "", "write the device list as JSON to a file and exit")
	importPath := flag.String("import", "", "register devices from a JSON dump and exit")
	deviceID := flag.String("device", "", "target device id (defaults to the only registered device)")
	setHost := flag.String("set-host", "", "change the target device host and exit")
	setLabel := flag.String("set-label", "", "change the target device label and exit")
	compilePath := flag.String("compile", "", "compile a source file on the target device")
	execExpr := flag.String("exec", "", "evaluate an expression on the target device")
	getAlarms := flag.Bool("alarms", false, "fetch current alarms from the target device")
	uninstall := flag.Bool("uninstall", false, "remove the device tools subsystem from the target device")
	listenFor := flag.Duration("listen-for", 0, "stay connected and log pushes, e.g. 30s (0 = until interrupt)")
	listen := flag.Bool("listen", false, "stay connected and log pushes until interrupt")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")
	logger.Info("starting devlink", "version", app.BuildVersionWithDate())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close sqlite", "error", closeErr)
		}
	}()

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	factory := device.NewSessionFactory(logMgr.Logger("session"), b, device.FactoryConfig{
		SSHUser:       cfg.Connection.SSHUser,
		SSHKeyPath:    cfg.Connection.SSHKeyPath,
		ClientVersion: app.BuildVersion(),
		Identity:      app.Name,
		SerialBaud:    cfg.Connection.SerialBaud,
		WSUseTLS:      cfg.Connection.WebsocketTLS,
		Reconnect: session.ReconnectPolicy{
			Enabled:     cfg.Connection.Reconnect.Enabled,
			MaxAttempts: cfg.Connection.Reconnect.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Connection.Reconnect.BaseDelaySeconds) * time.Second,
			MaxDelay:    time.Duration(cfg.Connection.Reconnect.MaxDelaySeconds) * time.Second,
		},
	})

	reg := registry.New(registry.Config{
		Logger: logMgr.Logger("registry"),
		Bus:    b,
		Store:  persistence.NewDeviceRepo(db),
		DeviceCfg: device.Config{
			Logger:         logMgr.Logger("device"),
			Bus:            b,
			NewSession:     factory,
			ConnectTimeout: time.Duration(cfg.Connection.ConnectTimeoutSeconds) * time.Second,
			RequestTimeout: time.Duration(cfg.Connection.RequestTimeoutSeconds) * time.Second,
		},
	})
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	defer reg.DisconnectAll(context.Background())

	if cfg.Notifications.Enabled {
		notifySvc := notify.NewService(b, func() config.AppConfig { return cfg },
			notify.NewBeeepSender(app.Name, logMgr.Logger("notify")), logMgr.Logger("notify"))
		notifySvc.Start(ctx)
	}

	switch {
	case *addHost != "":
		return addDevice(ctx, reg, *addHost, *addLabel, *addTransport, *addSecret, cfg)
	case *list:
		return listDevices(reg)
	case *remove != "":
		return reg.RemoveDevice(ctx, *remove)
	case *exportPath != "":
		return exportDevices(reg, *exportPath)
	case *importPath != "":
		return importDevices(ctx, reg, *importPath)
	case *setHost != "" || *setLabel != "":
		dev, err := targetDevice(reg, *deviceID)
		if err != nil {
			return err
		}
		var patch device.Patch
		if *setHost != "" {
			patch.Host = setHost
		}
		if *setLabel != "" {
			patch.Label = setLabel
		}
		return reg.UpdateDevice(ctx, dev.ID(), patch)
	}

	dev, err := targetDevice(reg, *deviceID)
	if err != nil {
		return err
	}

	logger.Info("connecting", "device_id", dev.ID(), "host", dev.Descriptor().Host)
	if err := dev.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := dev.Disconnect(context.Background()); err != nil {
			logger.Warn("disconnect", "error", err)
		}
	}()

	switch {
	case *compilePath != "":
		return compileFile(ctx, dev, *compilePath)
	case *execExpr != "":
		out, err := dev.Exec(ctx, *execExpr)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	case *getAlarms:
		alarms, err := dev.FetchAlarms(ctx)
		if err != nil {
			return err
		}
		if len(alarms) == 0 {
			fmt.Println("no active alarms")
			return nil
		}
		for _, alarm := range alarms {
			fmt.Println(alarm)
		}
		return nil
	case *uninstall:
		return dev.Uninstall(ctx)
	case *listen || *listenFor > 0:
		reg.Start(ctx)
		defer reg.Stop()
		watch(ctx, b, logger)
		if *listenFor > 0 {
			logger.Info("listen mode", "duration", *listenFor)
			select {
			case <-ctx.Done():
			case <-time.After(*listenFor):
			}
			return nil
		}
		logger.Info("listening until interrupt")
		<-ctx.Done()
		return nil
	}

	// No action flag: a connectivity check is still useful.
	if err := dev.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	logger.Info("device responded", "device_id", dev.ID())
	return nil
}

func addDevice(ctx context.Context, reg *registry.Registry, host, label, transport, secret string, cfg config.AppConfig) error {
	if transport == "" {
		transport = cfg.Connection.Transport
	}
	id, err := reg.AddDevice(ctx, device.Descriptor{
		Host:       strings.TrimSpace(host),
		Label:      strings.TrimSpace(label),
		Transport:  transport,
		AuthSecret: secret,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func listDevices(reg *registry.Registry) error {
	devices := reg.Devices()
	if len(devices) == 0 {
		fmt.Println("no devices registered")
		return nil
	}
	for _, dev := range devices {
		desc := dev.Descriptor()
		fmt.Printf("%s\t%s\t%s\t%s\n", desc.ID, desc.Transport, desc.Host, desc.Label)
	}
	return nil
}

func exportDevices(reg *registry.Registry, path string) error {
	raw, err := reg.Export()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

func importDevices(ctx context.Context, reg *registry.Registry, path string) error {
	cleanPath := strings.TrimSpace(path)
	// #nosec G304 -- path is given explicitly on the command line.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}
	added, err := reg.Import(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d devices\n", len(added))
	return nil
}

func targetDevice(reg *registry.Registry, id string) (*device.Device, error) {
	if id != "" {
		dev, ok := reg.Device(id)
		if !ok {
			return nil, fmt.Errorf("unknown device %q", id)
		}
		return dev, nil
	}
	devices := reg.Devices()
	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no devices registered: add one with -add")
	case 1:
		return devices[0], nil
	default:
		return nil, fmt.Errorf("%d devices registered: pick one with -device", len(devices))
	}
}

func compileFile(ctx context.Context, dev *device.Device, path string) error {
	cleanPath := strings.TrimSpace(path)
	// #nosec G304 -- path is given explicitly on the command line.
	source, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	res, err := dev.CompileCode(ctx, string(source), cleanPath)
	if err != nil {
		return err
	}
	for _, diagnostic := range res.Diagnostics {
		fmt.Println(diagnostic)
	}
	if len(res.DirtyModules) > 0 {
		fmt.Printf("dirty modules: %s\n", strings.Join(res.DirtyModules, ", "))
	}
	if !res.OK() {
		return fmt.Errorf("compile failed")
	}
	return nil
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	connSub := b.Subscribe(events.TopicConnStatus)
	eventSub := b.Subscribe(events.TopicDeviceEvent)
	changeSub := b.Subscribe(events.TopicRegistryChange)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(connSub, events.TopicConnStatus)
				b.Unsubscribe(eventSub, events.TopicDeviceEvent)
				b.Unsubscribe(changeSub, events.TopicRegistryChange)
				return
			case raw := <-connSub:
				if status, ok := raw.(events.ConnectionStatus); ok {
					logger.Info("conn", "device_id", status.DeviceID, "state", status.State, "transport", status.Transport, "error", status.Err)
				}
			case raw := <-eventSub:
				if event, ok := raw.(events.DeviceEvent); ok {
					logger.Info("event", "device_id", event.DeviceID, "name", event.Name, "data", string(event.Data))
				}
			case raw := <-changeSub:
				if change, ok := raw.(events.RegistryChange); ok {
					logger.Info("registry", "device_id", change.DeviceID, "kind", change.Kind)
				}
			}
		}
	}()
}
