package config

import (
	"flag"
	"os"
	"time"

	"github.com/clipberry/clipberry/internal/flagx"
)

// parseFlags populates selected daemon Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   TLS listen address (e.g., ":9876")
//	-d string   data directory
//	-i string   device id (first start only)
//	-n string   device display name
//	-t int      pairing token lifetime, seconds
//	-p int      session ping interval, seconds
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Boolean switches (sync, discovery) are JSON-only.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i", "-n", "-t", "-p"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "address and port to listen on")
	fs.StringVar(&config.DataDir, "d", config.DataDir, "data directory")
	fs.StringVar(&config.DeviceID, "i", config.DeviceID, "device id")
	fs.StringVar(&config.DeviceName, "n", config.DeviceName, "device display name")

	tokenTTL := fs.Int("t", int(config.TokenTTL.Seconds()), "pairing token lifetime (in seconds)")
	pingInterval := fs.Int("p", int(config.PingInterval.Seconds()), "session ping interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenTTL = time.Duration(*tokenTTL) * time.Second
	config.PingInterval = time.Duration(*pingInterval) * time.Second
}
