// keymapctl - control client for keymapd
//
//	keymapctl status              Show daemon status
//	keymapctl profiles            List available profiles
//	keymapctl activate <name>     Switch the active profile
//	keymapctl reload              Reload the active profile from disk
//	keymapctl history             Show recent profile activations
//	keymapctl devices             List managed devices
//	keymapctl detach <device>     Put a device into pass-through mode
//	keymapctl watch               Stream engine events
//	keymapctl config init         Write a default configuration file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keymapd/internal/config"
	"keymapd/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "profiles":
		err = cmdProfiles(args)
	case "activate":
		err = cmdActivate(args)
	case "reload":
		err = cmdReload(args)
	case "history":
		err = cmdHistory(args)
	case "devices":
		err = cmdDevices(args)
	case "detach":
		err = cmdDetach(args)
	case "watch":
		err = cmdWatch(args)
	case "config":
		err = cmdConfig(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keymapctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`keymapctl - control client for keymapd

USAGE:
    keymapctl <command> [options]

COMMANDS:
    status              Show daemon status and dispatch counters
    profiles            List available profiles
    activate <name>     Switch the active profile
    reload              Reload the active profile from disk
    history             Show recent profile activations
    devices             List managed devices
    detach <device>     Put a device into pass-through mode
    watch               Stream engine events as JSON lines
    config init         Write a default configuration file
    help                Show this help message

OPTIONS (per command):
    -socket <path>      Control socket (default: runtime dir)
    -json               Machine-readable output where supported`)
}

// connectFlags registers the shared connection flags on a flag set.
func connectFlags(fs *flag.FlagSet) *string {
	return fs.String("socket", defaultSocket(), "control socket path")
}

func defaultSocket() string {
	if v := os.Getenv("KEYMAPD_SOCKET"); v != "" {
		return v
	}
	return config.DefaultSocketPath()
}

func dial(socket string) (*ipc.Client, error) {
	return ipc.Dial(socket, 10*time.Second)
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socket := connectFlags(fs)
	asJSON := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(st)
	}

	fmt.Printf("keymapd %s, up %s\n", st.Version, (time.Duration(st.UptimeSec) * time.Second))
	if st.ActiveProfile != "" {
		fmt.Printf("profile:  %s (%s)\n", st.ActiveProfile, short(st.ProfileDigest))
	} else {
		fmt.Println("profile:  none (pass-through)")
	}
	fmt.Printf("devices:  %d managed\n", len(st.Devices))
	for _, d := range st.Devices {
		state := "active"
		if !d.Active {
			state = "pass-through"
		}
		fmt.Printf("  %-40s %s  layers=%v pending=%d held=%d\n",
			d.Device, state, d.ActiveLayers, d.PendingKeys, d.HeldKeys)
	}
	s := st.Stats
	fmt.Printf("dispatch: %d transitions, %d suppressed, %d taps, %d holds, %d malformed\n",
		s.Transitions, s.Suppressed, s.TapResolutions, s.HoldResolutions, s.Malformed)
	return nil
}

func cmdProfiles(args []string) error {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	socket := connectFlags(fs)
	asJSON := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	profiles, err := client.ListProfiles()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(profiles)
	}
	if len(profiles) == 0 {
		fmt.Println("no profiles found")
		return nil
	}
	for _, p := range profiles {
		marker := " "
		if p.Active {
			marker = "*"
		}
		fmt.Printf("%s %-20s layers=%d devices=%-12s %s\n",
			marker, p.Name, p.Layers, orAny(p.Devices), short(p.Digest))
	}
	return nil
}

func cmdActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	socket := connectFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: keymapctl activate <name>")
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ActivateProfile(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("activated %s (%s)\n", resp.Name, short(resp.Digest))
	return nil
}

func cmdReload(args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	socket := connectFlags(fs)
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ReloadProfile()
	if err != nil {
		return err
	}
	fmt.Printf("reloaded %s (%s)\n", resp.Name, short(resp.Digest))
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	socket := connectFlags(fs)
	asJSON := fs.Bool("json", false, "JSON output")
	limit := fs.Int("limit", 20, "entries to show")
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.History(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no activations recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-20s %-8s %s\n",
			e.ActivatedAt.Format("2006-01-02 15:04:05"), e.Profile, e.Source, short(e.Digest))
	}
	return nil
}

func cmdDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	socket := connectFlags(fs)
	asJSON := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ListDevices()
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(resp.Devices)
	}
	if len(resp.Devices) == 0 {
		fmt.Println("no devices managed")
		return nil
	}
	for _, d := range resp.Devices {
		state := "active"
		if !d.Active {
			state = "pass-through"
		}
		fmt.Printf("%-40s %s  events=%d\n", d.Device, state, d.Events)
	}
	return nil
}

func cmdDetach(args []string) error {
	fs := flag.NewFlagSet("detach", flag.ExitOnError)
	socket := connectFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: keymapctl detach <device>")
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DetachDevice(fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("detached %s\n", fs.Arg(0))
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	socket := connectFlags(fs)
	device := fs.String("device", "", "only stream events for this device")
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var devices []string
	if *device != "" {
		devices = []string{*device}
	}

	enc := json.NewEncoder(os.Stdout)
	err = client.Events(ctx, devices, func(frame ipc.EventFrame) {
		enc.Encode(frame)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func cmdConfig(args []string) error {
	if len(args) < 1 || args[0] != "init" {
		return fmt.Errorf("usage: keymapctl config init [-path <file>]")
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	path := fs.String("path", config.DefaultConfigPath(), "where to write the configuration")
	force := fs.Bool("force", false, "overwrite an existing file")
	fs.Parse(args[1:])

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s exists; use -force to overwrite", *path)
	}
	if err := config.Save(config.Default(), *path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *path)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

func orAny(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}
