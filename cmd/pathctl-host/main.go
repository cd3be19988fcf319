// Command pathctl-host is the demo host process: it loads a printer
// configuration, connects to one or more MCU sessions, negotiates
// their dictionaries, and runs the control loop, in the style of the
// teacher's gopper-host CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pathctl/config"
	"pathctl/control"
	"pathctl/host/serial"
	"pathctl/kinematics"
	"pathctl/logctx"
	"pathctl/motion"
	"pathctl/protocol"
	"pathctl/session"
)

var (
	configPath        = flag.String("config", "", "Path to a YAML printer config (default: built-in Cartesian config)")
	printDefaultConfig = flag.Bool("print-default-config", false, "Print the built-in default config and exit")
	verbose           = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *printDefaultConfig {
		out, err := config.Marshal(config.DefaultCartesianConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "pathctl-host: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pathctl-host: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := logctx.New(*verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kin, err := buildKinematics(cfg)
	if err != nil {
		return fmt.Errorf("building kinematics: %w", err)
	}
	toolhead := motion.NewToolhead(kin, cfg.MaxVelocity, cfg.JunctionDeviation, make(motion.Vec, kin.AxisCount()))

	sessions, bindings, closers, err := connectSessions(cfg)
	if err != nil {
		return fmt.Errorf("connecting sessions: %w", err)
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	loop, err := control.NewLoop(toolhead, kin, sessions, bindings)
	if err != nil {
		return fmt.Errorf("building control loop: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logctx.With(ctx, logger)

	logger.Info("negotiating sessions")
	if err := loop.Negotiate(ctx); err != nil {
		return fmt.Errorf("negotiating: %w", err)
	}

	logger.Info("control loop running")
	return loop.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		return config.DefaultCartesianConfig(), nil
	}
	return config.Load(*configPath)
}

// buildKinematics constructs the Cartesian plug-in from config; a
// real deployment with other kinematics would switch on
// cfg.Kinematics here.
func buildKinematics(cfg *config.Config) (kinematics.Kinematics, error) {
	var axes []kinematics.StepperConfig
	for name, a := range cfg.Axes {
		axes = append(axes, kinematics.StepperConfig{
			Name:       name,
			StepsPerMM: a.StepsPerMM,
			MinPos:     a.MinPosition,
			MaxPos:     a.MaxPosition,
			MaxAccel:   a.MaxAccel,
		})
	}
	switch cfg.Kinematics {
	case "", "cartesian":
		return kinematics.NewCartesian(axes)
	default:
		return nil, fmt.Errorf("unsupported kinematics %q", cfg.Kinematics)
	}
}

// connectSessions opens a serial port and negotiable session per
// configured MCU, and binds every axis's stepper to its session
// (one oid per axis, numbered in the iteration order of the
// cfg.Axes map, which is not fixed from run to run).
func connectSessions(cfg *config.Config) (map[string]*session.Session, []control.StepperBinding, []func() error, error) {
	sessions := make(map[string]*session.Session, len(cfg.Sessions))
	var bindings []control.StepperBinding
	var closers []func() error

	for i, sc := range cfg.Sessions {
		port, err := serial.Open(&serial.Config{Device: sc.Device, Baud: sc.Baud, ReadTimeout: 50})
		if err != nil {
			return nil, nil, closers, fmt.Errorf("opening %s: %w", sc.Device, err)
		}
		closers = append(closers, port.Close)

		transport := protocol.NewHostTransport(port)
		sess := session.New(sc.Name, transport)
		sessions[sc.Name] = sess

		// The demo config puts every axis's stepper on the first
		// configured MCU; a multi-MCU toolhead would instead read an
		// explicit axis->session mapping from config.
		if i == 0 {
			oid := uint8(0)
			for name := range cfg.Axes {
				bindings = append(bindings, control.StepperBinding{
					Stepper:        name,
					SessionName:    sc.Name,
					OID:            oid,
					TicksPerSecond: sc.TicksPerUS * 1_000_000,
				})
				oid++
			}
		}
	}
	return sessions, bindings, closers, nil
}
