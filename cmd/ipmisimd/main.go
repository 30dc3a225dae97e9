package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"ipmisim/internal/adminapi"
	"ipmisim/internal/apphandlers"
	"ipmisim/internal/channel"
	"ipmisim/internal/cmdscript"
	"ipmisim/internal/config"
	"ipmisim/internal/consolelog"
	"ipmisim/internal/lanserver"
	"ipmisim/internal/mc"
	"ipmisim/internal/persist"
	"ipmisim/internal/router"
	"ipmisim/internal/serial"
	"ipmisim/internal/session"
)

// Version bumps major for breaking wire changes, minor for new
// commands/channels, patch for fixes.
var Version = "1.0.0"

// debugCount implements flag.Value so repeated -d flags (spec.md §6)
// each raise verbosity by one level instead of only toggling a bool.
type debugCount int

func (d *debugCount) String() string { return fmt.Sprintf("%d", int(*d)) }
func (d *debugCount) Set(string) error {
	*d++
	return nil
}
func (d *debugCount) IsBoolFlag() bool { return true }

func main() {
	configPath := flag.String("c", config.DefaultSysconfigPath(), "path to config file")
	inlineCmd := flag.String("x", "", "inline emulator command")
	cmdFile := flag.String("f", "", "emulator command file")
	stateDir := flag.String("s", "", "override configured state directory")
	noInteractive := flag.Bool("n", false, "disable interactive stdio command loop")
	noPersist := flag.Bool("p", false, "disable persistence")
	printVersion := flag.Bool("v", false, "print version and exit")
	var debug debugCount
	flag.Var(&debug, "d", "increase log verbosity (repeatable)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("ipmisimd v%s\n", Version)
		os.Exit(0)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case int(debug) >= 2:
		log.SetLevel(log.TraceLevel)
	case int(debug) == 1:
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("ipmisimd: %v", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *noPersist {
		cfg.Persistence.Disabled = true
	}

	store, err := persist.Init(cfg.Persistence.AppName, cfg.Persistence.Instance, cfg.StateDir)
	if err != nil {
		log.Errorf("ipmisimd: persistence init: %v", err)
		os.Exit(1)
	}
	store.SetEnabled(!cfg.Persistence.Disabled)

	logs := consolelog.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
	defer logs.Close()

	registry := mc.NewRegistry()
	sessions := session.New()
	rt := router.New()
	apphandlers.Register(rt)

	lanServers, err := buildMCs(cfg, registry, sessions, rt, logs)
	if err != nil {
		log.Errorf("ipmisimd: %v", err)
		os.Exit(1)
	}

	if *inlineCmd != "" {
		if err := cmdscript.RunLine(registry, *inlineCmd); err != nil {
			log.Errorf("ipmisimd: -x command: %v", err)
			os.Exit(1)
		}
	}
	if *cmdFile != "" {
		f, err := os.Open(*cmdFile)
		if err != nil {
			log.Errorf("ipmisimd: -f %s: %v", *cmdFile, err)
			os.Exit(1)
		}
		err = cmdscript.Run(registry, f)
		f.Close()
		if err != nil {
			log.Errorf("ipmisimd: command file %s: %v", *cmdFile, err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("ipmisimd: shutting down")
		cancel()
	}()

	for _, ls := range lanServers {
		ls := ls
		go func() {
			if err := ls.srv.ListenAndServe(ctx, ls.addr); err != nil {
				log.Errorf("ipmisimd: lan listener %s: %v", ls.addr, err)
			}
		}()
	}

	go tickSessions(ctx, sessions)
	go cleanupLogsPeriodically(ctx, logs)

	if !*noInteractive {
		go runInteractive(ctx, registry)
	}

	log.Infof("Starting ipmisimd v%s", Version)
	log.Infof("  config: %s", *configPath)
	log.Infof("  state dir: %s", cfg.StateDir)
	log.Infof("  admin: enabled=%v port=%d", cfg.Admin.Enabled, cfg.Admin.Port)

	if cfg.Admin.Enabled {
		admin := adminapi.New(cfg.Admin.Port, registry, sessions, logs)
		if err := admin.Run(ctx); err != nil {
			log.Errorf("ipmisimd: admin api: %v", err)
			os.Exit(1)
		}
		return
	}

	<-ctx.Done()
}

// lanServerEntry pairs a bound Server with the address it listens on,
// so main can start every LAN channel across every MC in one loop.
type lanServerEntry struct {
	srv  *lanserver.Server
	addr string
}

// buildMCs constructs one mc.MC per config.MCEntry, wires its channels
// (binding LAN channels to fresh lanserver.Server instances and
// acquiring a lockfile for serial channels), and registers each MC in
// registry.
func buildMCs(cfg *config.Config, registry *mc.Registry, sessions *session.Table, rt *router.Router, logs *consolelog.Writer) ([]lanServerEntry, error) {
	var lanServers []lanServerEntry
	lockDir := filepath.Join(cfg.StateDir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", lockDir, err)
	}

	for _, entry := range cfg.MCs {
		m := mc.New(entry.IPMBAddr)
		m.DeviceID = entry.DeviceID
		m.FWRev = entry.FWRev
		m.MfgID = entry.MfgID
		m.ProductID = entry.ProductID
		m.StartCmd = entry.StartCmd
		for _, u := range entry.Users {
			if int(u.Index) >= len(m.Users) {
				continue
			}
			m.Users[u.Index] = mc.User{Name: u.Name, Password: u.Password, Enabled: true, Priv: u.Priv}
		}
		if !registry.Add(m) {
			return nil, fmt.Errorf("duplicate MC at IPMB address %#x", entry.IPMBAddr)
		}
		boundAddr := fmt.Sprintf("0x%02x", m.IPMBAddr)

		for _, ce := range entry.Channels {
			if ce.Number < 0 || ce.Number >= len(m.Channels) {
				return nil, fmt.Errorf("mc %#x: channel number %d out of range", m.IPMBAddr, ce.Number)
			}
			medium, support, err := parseMedium(ce.Medium)
			if err != nil {
				return nil, fmt.Errorf("mc %#x channel %d: %w", m.IPMBAddr, ce.Number, err)
			}
			ch := channel.New(ce.Number, medium, support)
			ch.BindMC(boundAddr)
			m.Channels[ce.Number] = ch

			switch medium {
			case channel.MediumLAN:
				srv := lanserver.New(registry, ch, sessions, rt)
				srv.SOL = newSOLHandler(registry, logs)
				addr := ce.ListenAddr
				if addr == "" {
					addr = ":623"
				}
				lanServers = append(lanServers, lanServerEntry{srv: srv, addr: addr})
			case channel.MediumSerial:
				if ce.SerialDevice != "" {
					if _, err := serial.Acquire(lockDir, ce.SerialDevice); err != nil {
						return nil, fmt.Errorf("mc %#x channel %d: %w", m.IPMBAddr, ce.Number, err)
					}
				}
			}
		}
	}
	return lanServers, nil
}

func parseMedium(s string) (channel.Medium, channel.SessionSupport, error) {
	switch s {
	case "lan":
		return channel.MediumLAN, channel.MultiSession, nil
	case "ipmb":
		return channel.MediumIPMB, channel.SessionLess, nil
	case "serial":
		return channel.MediumSerial, channel.SingleSession, nil
	case "system_interface":
		return channel.MediumSystemInterface, channel.SessionLess, nil
	default:
		return 0, 0, fmt.Errorf("unknown channel medium %q", s)
	}
}

func tickSessions(ctx context.Context, sessions *session.Table) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Tick()
		}
	}
}

func cleanupLogsPeriodically(ctx context.Context, logs *consolelog.Writer) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs.Cleanup()
		}
	}
}

// runInteractive feeds stdin lines into cmdscript until ctx is
// canceled or stdin closes (spec.md §6's default, non -n, behavior).
func runInteractive(ctx context.Context, registry *mc.Registry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := cmdscript.RunLine(registry, line); err != nil {
			log.Warnf("ipmisimd: %v", err)
		}
	}
}
