package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CK6170/dmplink-go/console"
	"github.com/CK6170/dmplink-go/controller"
	"github.com/CK6170/dmplink-go/file"
	"github.com/CK6170/dmplink-go/internal/logging"
	"github.com/CK6170/dmplink-go/internal/server"
	"github.com/CK6170/dmplink-go/internal/telemetry"
	"github.com/CK6170/dmplink-go/link"
	"github.com/CK6170/dmplink-go/models"
	serialpkg "github.com/CK6170/dmplink-go/serial"
	"github.com/CK6170/dmplink-go/session"
	"github.com/CK6170/dmplink-go/ui"
)

type runFlags struct {
	config string
	port   string
	input  string
	listen string
	debug  bool
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the vehicle and start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadParameters(cmd, f)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime()
			if p.DEBUG {
				logging.SetLevel(zerolog.DebugLevel)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, p)
		},
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "serial device of the RFCOMM channel")
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "input source: text, keypad or gamepad")
	cmd.Flags().StringVar(&f.listen, "listen", "", "side-car listen address, e.g. 127.0.0.1:8080")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "debug logging")

	return cmd
}

// loadParameters reads the config file, when given, and applies the flags
// the user set on top of it.
func loadParameters(cmd *cobra.Command, f runFlags) (*models.PARAMETERS, error) {
	p := models.DefaultParameters()
	if f.config != "" {
		loaded, err := file.LoadParameters(f.config)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		p.LINK.PORT = strings.TrimSpace(f.port)
	}
	if flags.Changed("input") {
		in, err := models.ParseInput(f.input)
		if err != nil {
			return nil, err
		}
		p.INPUT = in
	}
	if flags.Changed("listen") {
		p.SERVER.LISTEN = strings.TrimSpace(f.listen)
	}
	if flags.Changed("debug") {
		p.DEBUG = f.debug
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if p.INPUT == models.InputGamepad && p.SERVER.LISTEN == "" {
		return nil, errors.New("gamepad input needs a side-car listen address (--listen)")
	}
	return p, nil
}

func runSession(ctx context.Context, p *models.PARAMETERS) error {
	log := logging.Logger("dmpctl")
	out := os.Stdout

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := telemetry.NewRecorder(reg)

	var store *controller.Store
	if p.INPUT != models.InputText {
		store = controller.NewStore()
	}

	if p.SERVER.LISTEN != "" {
		srv := server.New(server.Options{
			Recorder: rec,
			Gatherer: reg,
			Store:    store,
			Logger:   logging.Root(),
		})
		go func() {
			if err := srv.ListenAndServe(ctx, p.SERVER.LISTEN); err != nil {
				log.Error().Err(err).Msg("side-car stopped")
			}
		}()
	}

	var keypadDone chan struct{}
	keypadCtx, stopKeypad := context.WithCancel(ctx)
	defer func() {
		stopKeypad()
		if keypadDone != nil {
			<-keypadDone
		}
	}()

	var dispatch session.Dispatcher
	switch p.INPUT {
	case models.InputKeypad:
		kp := controller.NewKeypad(store, controller.DefaultLatch, logging.Logger("keypad"))
		keypadDone = make(chan struct{})
		go func() {
			defer close(keypadDone)
			if err := kp.Run(keypadCtx); err != nil {
				log.Error().Err(err).Msg("keypad stopped")
			}
		}()
		if !store.WaitConnected(ctx) {
			if ctx.Err() != nil {
				return nil
			}
			return session.ErrControllerDisconnected
		}
		dispatch = session.Controller(store)
	case models.InputGamepad:
		ui.Infof(out, "waiting %s for a gamepad bridge on ws://%s/ws/gamepad\n", p.TIMING.GAMEPADWAIT, p.SERVER.LISTEN)
		wctx, cancel := context.WithTimeout(ctx, p.TIMING.GAMEPADWAIT)
		connected := store.WaitConnected(wctx)
		cancel()
		if connected {
			ui.Greenf(out, "gamepad connected\n")
			dispatch = session.Controller(store)
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		ui.Warningf(out, "no gamepad connected, falling back to text input\n")
		fallthrough
	default:
		r := console.Open(p.HISTORY)
		defer func() { _ = r.Close() }()
		dispatch = session.Text(r)
	}

	cfg := session.Config{
		Calibration:  p.CALIBRATION.Calibration(),
		ProbeTimeout: p.TIMING.PROBETIMEOUT,
		JoinTimeout:  p.TIMING.JOINTIMEOUT,
		PollInterval: p.TIMING.POLLINTERVAL,
		Ack: link.AckConfig{
			Backoff:     p.TIMING.ACKBACKOFF,
			MaxAttempts: p.TIMING.ACKMAXATTEMPTS,
		},
		DeadZone: controller.DefaultDeadZone,
	}
	dial := serialpkg.Dialer(serialpkg.Config{
		Name:        p.LINK.PORT,
		Baud:        p.LINK.BAUDRATE,
		Driver:      p.LINK.DRIVER,
		ReadTimeout: p.LINK.READTIMEOUT,
	}, logging.Logger("serial"))

	log.Info().Str("port", p.LINK.PORT).Stringer("input", p.INPUT).Msg("starting session")
	return session.Run(ctx, cfg, dial, dispatch, session.Options{
		Out:      out,
		Logger:   logging.Root(),
		Observer: rec,
	})
}
