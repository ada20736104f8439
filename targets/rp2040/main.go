//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gcodeflow/core"
	"gcodeflow/executor"
	"gcodeflow/sources"
)

// startScript runs once after boot, before any host is attached
var startScript = []string{
	"G90",
	"M82",
	"M117 gcodeflow ready",
}

var (
	// Debug counters
	loopPanics  uint32
	commandsRun uint32
)

func main() {
	// CRITICAL: Disable watchdog on boot to clear any previous state
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	// stderr is the USB port; log output would corrupt the G-code stream
	log.Logger = zerolog.Nop()
	zerolog.SetGlobalLevel(zerolog.Disabled)

	initUSB()
	initUART()

	opts := core.DefaultOptions()
	opts.QueueSize = 8
	c := core.New(opts)

	e := executor.New(c)
	executor.NewMachine().Install(e)

	// USB CDC first: it is the usual host link
	if _, err := c.Register(sources.NewUART("usb", usbPort{machine.Serial})); err != nil {
		return
	}
	if _, err := c.Register(sources.NewUART("uart1", machine.UART1)); err != nil {
		return
	}
	if _, err := c.Register(sources.NewMacro("start", startScript...)); err != nil {
		return
	}

	// Main loop
	for {
		func() {
			// Recover from panics in the main loop to prevent a firmware crash
			defer func() {
				if r := recover(); r != nil {
					loopPanics++
					c.Fatal("internal error")
				}
			}()

			c.Step()
			if e.Poll() {
				commandsRun++
			}
			c.KeepAlive()
		}()

		// Yield to the USB stack
		time.Sleep(10 * time.Microsecond)
	}
}

// initUSB configures machine.Serial, which is USB CDC on the RP2040
func initUSB() {
	_ = machine.Serial.Configure(machine.UARTConfig{})
}

// initUART configures the second hardware UART for a display or a second host
func initUART() {
	_ = machine.UART1.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.UART1_TX_PIN,
		RX:       machine.UART1_RX_PIN,
	})
}

// usbPort adds io.Reader to machine.Serial, which only offers ReadByte
type usbPort struct {
	machine.Serialer
}

func (p usbPort) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) && p.Buffered() > 0 {
		c, err := p.ReadByte()
		if err != nil {
			return n, err
		}
		b[n] = c
		n++
	}
	return n, nil
}
