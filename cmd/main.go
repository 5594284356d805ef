package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	sniff "github.com/packetcap/go-sniff"
	"github.com/packetcap/go-sniff/config"
	"github.com/packetcap/go-sniff/dump"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app state shared by the commands of one invocation
type app struct {
	v         *viper.Viper
	out       io.Writer
	cfgFile   string
	debug     bool
	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}
	rootCmd := &cobra.Command{
		Use:   "sniff [filter expression]",
		Short: "Capture packets from the default interface, or a given one, and print them",
		Long: `Capture packets from the default interface, or the one given with --interface, and print
each one. Any arguments are joined into a tcpdump-style filter, e.g. "tcp and port 80".
Use --interface any to capture on all interfaces, or --read to replay a pcap file.`,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(*cobra.Command, []string) { a.closeLog() },
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.capture(cmd.Context(), args)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file; default is sniff.yaml in ., $HOME/.config/sniff or /etc/sniff")
	flags.BoolVar(&a.debug, "debug", false, "print lots of debugging messages")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-file", "", "log to this file, rotated, instead of stderr")
	flags.Bool("log-json", false, "log as JSON")
	flags.StringP(config.KeyInterface, "i", "", `interface from which to capture, "any" for all; default is the first interface that is up`)
	flags.IntP(config.KeySnaplen, "s", int(sniff.DefaultSnaplen), "bytes kept from each frame")
	flags.Bool(config.KeyPromisc, true, "put the interface in promiscuous mode")
	flags.Duration(config.KeyReadTimeout, 0, "give up a single read after this long, e.g. 100ms; 0 blocks")
	flags.Duration(config.KeyTimeout, 0, "stop capturing after given timeout, e.g. 10s, 1m, 1h; default 0 means no timeout")
	flags.Bool(config.KeySyscalls, sniff.DefaultSyscalls, "use syscalls instead of mmap when mmap is available; the default varies by platform")
	flags.Bool(config.KeyGopacket, false, "read through a gopacket.PacketSource instead of the simple Listen")
	flags.StringP(config.KeyMode, "m", string(dump.ModeRaw), fmt.Sprintf("output mode, one of %v", dump.Modes()))
	flags.IntP(config.KeyCount, "c", 0, "stop after this many packets; 0 means no limit")
	flags.Bool(config.KeyTCPOnly, false, "in proto mode, print only TCP segments")
	flags.Bool(config.KeyColor, false, "color proto mode output by transport")
	flags.StringP(config.KeyWrite, "w", "", "also save captured frames to this pcap file")
	flags.StringP(config.KeyRead, "r", "", "read frames from this pcap or pcapng file instead of an interface")
	flags.String(config.KeyMetricsAddr, "", "serve Prometheus metrics on this address, e.g. :9100")
	bind(a.v, flags, map[string]string{
		"log-level": config.KeyLogLevel,
		"log-file":  config.KeyLogFile,
		"log-json":  config.KeyLogJSON,

		config.KeyInterface:   config.KeyInterface,
		config.KeySnaplen:     config.KeySnaplen,
		config.KeyPromisc:     config.KeyPromisc,
		config.KeyReadTimeout: config.KeyReadTimeout,
		config.KeyTimeout:     config.KeyTimeout,
		config.KeySyscalls:    config.KeySyscalls,
		config.KeyGopacket:    config.KeyGopacket,
		config.KeyMode:        config.KeyMode,
		config.KeyCount:       config.KeyCount,
		config.KeyTCPOnly:     config.KeyTCPOnly,
		config.KeyColor:       config.KeyColor,
		config.KeyWrite:       config.KeyWrite,
		config.KeyRead:        config.KeyRead,
		config.KeyMetricsAddr: config.KeyMetricsAddr,
	})

	for _, m := range dump.Modes() {
		rootCmd.AddCommand(a.modeCmd(m))
	}
	rootCmd.AddCommand(a.devicesCmd())
	return rootCmd
}

// bind each flag to its config key
func bind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			// only fails on a nil flag
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

// modeCmd a shorthand for capturing with --mode fixed
func (a *app) modeCmd(m dump.Mode) *cobra.Command {
	short := map[dump.Mode]string{
		dump.ModeRaw:   "Print each packet as received, with its raw bytes",
		dump.ModeHex:   "Print each packet as a hex dump",
		dump.ModeText:  "Print each packet's bytes as UTF-8 text",
		dump.ModeProto: "Print one line per packet decoded through Ethernet, IPv4/IPv6 and TCP/UDP",
	}
	return &cobra.Command{
		Use:   string(m) + " [filter expression]",
		Short: short[m],
		PreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg.Mode = string(m)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.capture(cmd.Context(), args)
		},
	}
}

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List interfaces that can be captured from; the default is marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := sniff.FindAllDevs()
			if err != nil {
				return err
			}
			var def string
			if d, err := sniff.LookupDev(); err == nil {
				def = d.Name
			}
			for _, d := range devs {
				mark := " "
				if d.Name == def {
					mark = "*"
				}
				state := "down"
				if d.Up {
					state = "up"
				}
				addrs := make([]string, 0, len(d.Addresses))
				for _, addr := range d.Addresses {
					addrs = append(addrs, addr.String())
				}
				if _, err := fmt.Fprintf(a.out, "%s %s\t%s\tmtu=%d\t%v\n", mark, d, state, d.MTU, addrs); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// load read the configuration and set up logging, before any command runs
func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Level = log.DebugLevel.String()
	}
	closer, err := config.SetupLogging(log.StandardLogger(), cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logCloser = cfg, closer
	return nil
}

func (a *app) closeLog() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}
