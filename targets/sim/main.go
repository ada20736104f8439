// Command sim runs the firmware ingest loop on a host machine: a serial port,
// stdin, print files from a directory and the start macro all feed one core,
// drained by the reference executor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"gcodeflow/config"
	"gcodeflow/core"
	"gcodeflow/executor"
	"gcodeflow/logging"
	"gcodeflow/sources"
)

var (
	configPath = flag.String("config", config.DefaultFile, "Configuration file")
	device     = flag.String("device", "", "Serial device to accept a host on (overrides config)")
	useStdin   = flag.Bool("stdin", true, "Accept G-code on stdin")
	writeCfg   = flag.Bool("write-config", false, "Write the default configuration and exit")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	osFs := afero.NewOsFs()
	if *writeCfg {
		def := config.Defaults()
		return config.Save(osFs, *configPath, &def)
	}

	vals, err := config.Load(osFs, *configPath)
	if errors.Is(err, fs.ErrNotExist) {
		def := config.Defaults()
		vals, err = &def, nil
	}
	if err != nil {
		return err
	}

	closer, err := logging.Setup(vals.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts, err := vals.CoreOptions()
	if err != nil {
		return err
	}
	c := core.New(opts)

	e := executor.New(c)
	machine := executor.NewMachine()
	machine.Install(e)

	var channels []io.Closer
	defer func() {
		for _, ch := range channels {
			_ = ch.Close()
		}
	}()
	register := func(ch core.Channel) error {
		if _, err := c.Register(ch); err != nil {
			return err
		}
		channels = append(channels, ch)
		return nil
	}

	if name := vals.StartMacro; name != "" {
		if err := register(sources.NewMacro(name, vals.Macros[name]...)); err != nil {
			return err
		}
	}

	if *device != "" {
		vals.Serial.Device = *device
	}
	if vals.Serial.Device != "" {
		scfg, err := vals.SerialConfig()
		if err != nil {
			return err
		}
		port, err := sources.OpenSerial(scfg)
		if err != nil {
			return err
		}
		if err := register(port); err != nil {
			return err
		}
	}

	if *useStdin {
		// Not closed on exit: a pending terminal read cannot be interrupted
		if _, err := c.Register(sources.NewSerial("stdin", stdio{})); err != nil {
			return err
		}
	}

	jobs := newPrintQueue(afero.NewBasePathFs(osFs, vals.Storage.Root), vals.Storage.Files)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Int("sources", len(c.Sources())).Int("files", len(vals.Storage.Files)).Msg("ingest loop started")
	loop(ctx, c, e, jobs)

	log.Info().Str("position", machine.PositionString()).Msg("ingest loop stopped")
	if msg, halted := c.FatalError(); halted {
		return fmt.Errorf("halted: %s", msg)
	}
	return nil
}

// loop is the cooperative main loop: ingest, execute, keep-alive
func loop(ctx context.Context, c *core.Core, e *executor.Executor, jobs *printQueue) {
	for ctx.Err() == nil {
		jobs.poll(c)

		outcome := c.Step()
		executed := e.Poll()
		c.KeepAlive()

		if outcome == core.StepHalted && !executed {
			return
		}
		if outcome == core.StepIdle && !executed {
			// Yield to the serial reader goroutines
			time.Sleep(200 * time.Microsecond)
		}
	}
}

// printQueue prints storage files one after another
type printQueue struct {
	fs      afero.Fs
	pending []string
	current *sources.Storage
}

func newPrintQueue(fs afero.Fs, files []string) *printQueue {
	return &printQueue{fs: fs, pending: files}
}

// poll starts the next file once the current one has been read to the end
func (q *printQueue) poll(c *core.Core) {
	if q.current != nil && q.current.IsOpen() {
		return
	}
	if q.current != nil {
		read, size := q.current.Progress()
		log.Info().Str("file", q.current.Name()).Int64("bytes", read).Int64("size", size).Msg("file finished")
		q.current = nil
	}
	for len(q.pending) > 0 {
		path := q.pending[0]
		q.pending = q.pending[1:]

		st, err := sources.OpenStorage(q.fs, path)
		if err != nil {
			log.Error().Err(err).Msg("skipping print file")
			continue
		}
		if _, err := c.Register(st); err != nil {
			log.Error().Err(err).Str("file", path).Msg("cannot start print file")
			_ = st.Close()
			continue
		}
		log.Info().Str("file", path).Msg("printing file")
		q.current = st
		return
	}
}

// stdio joins stdin and stdout into a channel port
type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return nil }
