// Package cmdscript interprets the small set of one-shot emulator
// commands the CLI's -x/-f flags accept (spec.md §6), a minimal line
// dispatcher rather than the original's full command grammar (out of
// scope per spec.md §1's Non-goals).
package cmdscript

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ipmisim/internal/mc"
)

// Run interprets each non-blank, non-comment line of src against
// registry. It stops and returns the first error encountered.
func Run(registry *mc.Registry, src io.Reader) error {
	scanner := bufio.NewScanner(src)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := RunLine(registry, line); err != nil {
			return fmt.Errorf("cmdscript: line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

// RunLine interprets one command line against registry.
//
//	mc <addr> enable|disable
//	sensor <addr> <number> <name> <value>
//	user <addr> <index> <name> <password> <priv>
//	channel <addr> <number> bind <target-addr>
func RunLine(registry *mc.Registry, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "mc":
		return cmdMC(registry, fields[1:])
	case "sensor":
		return cmdSensor(registry, fields[1:])
	case "user":
		return cmdUser(registry, fields[1:])
	case "channel":
		return cmdChannel(registry, fields[1:])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func lookupMC(registry *mc.Registry, addrField string) (*mc.MC, error) {
	addr, err := parseUint8(addrField)
	if err != nil {
		return nil, fmt.Errorf("bad MC address %q: %w", addrField, err)
	}
	m, ok := registry.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("no MC at address 0x%02X", addr)
	}
	return m, nil
}

func cmdMC(registry *mc.Registry, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mc <addr> enable|disable")
	}
	m, err := lookupMC(registry, args[0])
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	switch args[1] {
	case "enable":
		m.Enabled = true
	case "disable":
		m.Enabled = false
	default:
		return fmt.Errorf("mc: unknown action %q", args[1])
	}
	return nil
}

func cmdSensor(registry *mc.Registry, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: sensor <addr> <number> <name> <value>")
	}
	m, err := lookupMC(registry, args[0])
	if err != nil {
		return err
	}
	number, err := parseUint8(args[1])
	if err != nil {
		return fmt.Errorf("bad sensor number %q: %w", args[1], err)
	}
	value, err := parseUint8(args[3])
	if err != nil {
		return fmt.Errorf("bad sensor value %q: %w", args[3], err)
	}

	m.Lock()
	defer m.Unlock()
	for i := range m.Sensors {
		if m.Sensors[i].Number == number {
			m.Sensors[i].Value = value
			return nil
		}
	}
	m.Sensors = append(m.Sensors, mc.Sensor{Number: number, Name: args[2], Value: value})
	return nil
}

func cmdUser(registry *mc.Registry, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("usage: user <addr> <index> <name> <password> <priv> (got %d args)", len(args))
	}
	m, err := lookupMC(registry, args[0])
	if err != nil {
		return err
	}
	index, err := parseUint8(args[1])
	if err != nil || index == 0 || int(index) > mc.MaxUsers {
		return fmt.Errorf("bad user index %q: must be 1..%d", args[1], mc.MaxUsers)
	}
	priv, err := parseUint8(args[4])
	if err != nil {
		return fmt.Errorf("bad priv %q: %w", args[4], err)
	}

	m.Lock()
	defer m.Unlock()
	m.Users[index] = mc.User{Name: args[2], Password: args[3], Enabled: true, Priv: priv}
	return nil
}

func cmdChannel(registry *mc.Registry, args []string) error {
	if len(args) != 4 || args[2] != "bind" {
		return fmt.Errorf("usage: channel <addr> <number> bind <target-addr>")
	}
	m, err := lookupMC(registry, args[0])
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(args[1])
	if err != nil || number < 0 || number > 15 {
		return fmt.Errorf("bad channel number %q: must be 0..15", args[1])
	}

	m.Lock()
	defer m.Unlock()
	m.Channels[number].BindMC(args[3])
	return nil
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), hexOrDecBase(s), 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func hexOrDecBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}
