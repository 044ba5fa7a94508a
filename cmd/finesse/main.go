package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"finesse/pkg/bus"
	"finesse/pkg/config"
	"finesse/pkg/drivers"
	"finesse/pkg/eventlog"
	"finesse/pkg/hwset"
	"finesse/pkg/manager"
	"finesse/pkg/metrics"
	"finesse/pkg/registry"
	"finesse/pkg/script"
	"finesse/pkg/sequencer"
	"finesse/pkg/server"
	"finesse/pkg/store"
	"finesse/templates"
)

// loadConfig reads the config file, if any, and applies command-line
// overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Database = c.String("db")
	}
	if c.IsSet("hardware-set") {
		cfg.HardwareSet = c.String("hardware-set")
	}
	if c.IsSet("event-log") {
		cfg.EventLog = c.String("event-log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log.Info("FINESSE rig server")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	mqttCfg, err := st.GetMQTTConfig()
	if err != nil {
		return fmt.Errorf("failed to read MQTT settings: %v", err)
	}

	reg := registry.New()
	if err := drivers.Register(reg, mqttCfg); err != nil {
		return err
	}

	b := bus.New(log.WithField("component", "bus"))

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	m.Attach(b)
	defer m.Detach()

	if cfg.EventLog != "" {
		rec, err := eventlog.Open(cfg.EventLog, log.WithField("component", "eventlog"))
		if err != nil {
			return err
		}
		rec.Attach(b)
		defer rec.Close()
	}

	mgr := manager.New(reg, b, log.WithField("component", "manager"))
	defer mgr.CloseAll()

	motor, spectrometer, err := cfg.Devices()
	if err != nil {
		return err
	}
	seq := sequencer.New(b, log.WithField("component", "sequencer"),
		sequencer.WithDevices(motor, spectrometer),
		sequencer.WithStateSource(mgr),
	)

	cat, err := hwset.NewCatalogue(st.HardwareSets)
	if err != nil {
		return fmt.Errorf("failed to load built-in hardware sets: %v", err)
	}

	if cfg.HardwareSet != "" {
		set, err := startupSet(cat, reg, cfg.HardwareSet)
		if err != nil {
			return err
		}
		if err := mgr.OpenSet(set); err != nil {
			return fmt.Errorf("failed to open hardware set %q: %w", set.Name, err)
		}
	}

	srvDesc := server.Description{
		Name:                "FINESSE Rig Server",
		Manufacturer:        "FINESSE",
		ManufacturerVersion: "1.0",
		Location:            "Lab",
	}
	s := server.New(server.Config{
		Description: srvDesc,
		Registry:    reg,
		Manager:     mgr,
		Sequencer:   seq,
		Bus:         b,
		Store:       st,
		Catalogue:   cat,
		Templates:   tmpl,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      log.WithField("component", "server"),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	if !cfg.Server.Discovery.Disabled {
		dr := server.NewDiscoveryResponder(cfg.Server.Discovery.Address, cfg.Server.Discovery.Port,
			cfg.Server.Port, log.WithField("component", "discovery"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
			log.Debug("Discovery responder stopped")
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down server...")

	if err := seq.Abort(); err == nil {
		log.Info("Aborted running measure script")
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

// startupSet resolves name against the catalogue, falling back to reading
// it as a YAML file.
func startupSet(cat *hwset.Catalogue, reg *registry.Registry, name string) (*hwset.Set, error) {
	listing, ok, err := cat.Find(name)
	if err != nil {
		return nil, err
	}

	doc := listing.Document
	if !ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("no hardware set called %q: %w", name, err)
		}
		if doc, err = hwset.Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	set, err := hwset.Load(doc, reg)
	if err != nil {
		return nil, fmt.Errorf("hardware set %q: %w", name, err)
	}
	set.BuiltIn = listing.BuiltIn
	return set, nil
}

// builtinRegistry is the registry used by the offline commands.
func builtinRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := drivers.Register(reg, store.DefaultMQTTConfig); err != nil {
		return nil, err
	}
	return reg, nil
}

func listTypes(c *cli.Context) error {
	reg, err := builtinRegistry()
	if err != nil {
		return err
	}

	w := c.App.Writer
	for _, g := range reg.ListTypes() {
		fmt.Fprintf(w, "%s: %s\n", g.BaseType.Name, g.BaseType.Description)
		for _, d := range g.Descriptors {
			fmt.Fprintf(w, "  %s: %s\n", d.ClassID, d.Description)
			for _, p := range d.Parameters {
				if p.HasDefault() {
					fmt.Fprintf(w, "    %s (%s, default %v)\n", p.Name, p.Kind, p.Default)
				} else {
					fmt.Fprintf(w, "    %s (%s, required)\n", p.Name, p.Kind)
				}
			}
		}
	}
	return nil
}

func checkScript(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("usage: %s check-script <file>", c.App.Name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	prog, err := script.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(c.App.Writer, "%s: %d repeats of %d steps, %d moves, %d measurements\n",
		path, prog.Repeats, len(prog.Sequence), prog.Moves(), prog.Measurements())
	return nil
}

func checkHardwareSet(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("usage: %s check-hwset <file>", c.App.Name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	doc, err := hwset.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	set, err := hwset.Load(doc, reg)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintf(c.App.Writer, "%s: %q\n", path, set.Name)
	for _, d := range set.Devices {
		fmt.Fprintf(c.App.Writer, "  %s: %s %v\n", d.Instance, d.ClassID, d.Params)
	}
	return nil
}

func dumpEvents(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("usage: %s events <file>", c.App.Name)
	}
	events, err := eventlog.ReadFile(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Fprintf(c.App.Writer, "%s %s %v\n", ev.Timestamp.Format(time.RFC3339Nano), ev.Topic, ev.Payload)
	}
	return nil
}

func main() {
	app := cli.App{
		Name:  "finesse",
		Usage: "FINESSE spectrometer rig server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"FINESSE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   config.DefaultPort,
				EnvVars: []string{"FINESSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Settings database",
				Value:   config.DefaultDatabase,
				EnvVars: []string{"FINESSE_DB"},
			},
			&cli.StringFlag{
				Name:    "hardware-set",
				Usage:   "Hardware set (name or YAML file) to open on start-up",
				EnvVars: []string{"FINESSE_HARDWARE_SET"},
			},
			&cli.StringFlag{
				Name:    "event-log",
				Usage:   "Record bus traffic to this file",
				EnvVars: []string{"FINESSE_EVENT_LOG"},
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the rig server (default)",
				Action: run,
			},
			{
				Name:   "types",
				Usage:  "List the built-in device types",
				Action: listTypes,
			},
			{
				Name:      "check-script",
				Usage:     "Validate a measure script",
				ArgsUsage: "<file>",
				Action:    checkScript,
			},
			{
				Name:      "check-hwset",
				Usage:     "Validate a hardware set against the built-in device types",
				ArgsUsage: "<file>",
				Action:    checkHardwareSet,
			},
			{
				Name:      "events",
				Usage:     "Print a recorded event log",
				ArgsUsage: "<file>",
				Action:    dumpEvents,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
