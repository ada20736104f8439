package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"gcodeflow/config"
	hostserial "gcodeflow/host/serial"
	"gcodeflow/host/sender"
	"gcodeflow/logging"
)

var (
	configPath = flag.String("config", config.DefaultFile, "Configuration file")
	device     = flag.String("device", "", "Serial device path (overrides config, empty = auto-detect)")
	baud       = flag.Int("baud", 0, "Baud rate (overrides config, ignored for USB CDC)")
	binary     = flag.Bool("binary", false, "Send binary frames")
	timeout    = flag.Duration("timeout", 30*time.Second, "Time to wait for ok")
	list       = flag.Bool("list", false, "List serial ports and exit")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	vals, err := loadConfig()
	if err != nil {
		return err
	}
	if *verbose {
		vals.Log.Level = "debug"
	}
	closer, err := logging.Setup(vals.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	if *list {
		return listPorts()
	}

	scfg, err := vals.SerialConfig()
	if err != nil {
		return err
	}
	if *device != "" {
		scfg.Device = *device
	}
	if *baud != 0 {
		scfg.Baud = *baud
	}
	if scfg.Device == "" {
		info, err := hostserial.Detect()
		if err != nil {
			return err
		}
		log.Info().Str("port", info.Name).Str("vendor", hostserial.KnownVIDs[info.VID]).Msg("detected device")
		scfg.Device = info.Name
	}

	port, err := hostserial.Open(scfg)
	if err != nil {
		return err
	}
	if err := port.Flush(); err != nil {
		log.Debug().Err(err).Msg("flush failed")
	}

	opts := sender.DefaultOptions()
	opts.AckTimeout = *timeout
	opts.Binary = *binary
	opts.OnMessage = func(line string) { fmt.Println(line) }
	s := sender.New(port, opts)
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset line numbers: %w", err)
	}

	if flag.NArg() == 0 {
		return interactive(ctx, s)
	}
	for _, path := range flag.Args() {
		if err := streamFile(ctx, s, path); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads the config file, falling back to defaults when it is missing
func loadConfig() (*config.Values, error) {
	vals, err := config.Load(afero.NewOsFs(), *configPath)
	if errors.Is(err, fs.ErrNotExist) {
		def := config.Defaults()
		return &def, nil
	}
	return vals, err
}

func listPorts() error {
	ports, err := hostserial.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		if !p.IsUSB {
			fmt.Println(p.Name)
			continue
		}
		fmt.Printf("%s  %s:%s  %s %s\n", p.Name, p.VID, p.PID, p.Product, hostserial.KnownVIDs[p.VID])
	}
	return nil
}

func streamFile(ctx context.Context, s *sender.Sender, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	if err := s.Stream(ctx, f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	st := s.Stats()
	log.Info().
		Str("file", path).
		Int("lines", st.Lines).
		Int("resends", st.Resends).
		Dur("elapsed", time.Since(start)).
		Msg("file sent")
	return nil
}

// interactive sends lines typed on stdin
func interactive(ctx context.Context, s *sender.Sender) error {
	fmt.Println("Enter G-code, 'quit' to exit:")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		}

		if err := s.Send(ctx, line); err != nil {
			if errors.Is(err, sender.ErrHalted) {
				return err
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println("ok")
	}
	return scanner.Err()
}
