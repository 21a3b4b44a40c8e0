package main

import (
	"strconv"
	"strings"

	"github.com/cncnet/cncnet-tunnel/internal/config"
)

const redacted = "(set)"

// startupBanner lists the effective settings, one per line. Secrets are never
// printed.
func startupBanner(cfg config.Config) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString("\n")
		b.WriteString(label)
		b.WriteString(value)
	}

	b.WriteString("CnCNet tunnel starting...")
	line("Name       : ", cfg.Name)
	line("Max clients: ", strconv.Itoa(cfg.MaxClients))
	if cfg.Password != "" {
		line("Password   : ", redacted)
	}
	line("Port       : ", strconv.Itoa(cfg.Port))
	line("Bind       : ", cfg.BindAddress)
	if cfg.HTTPListenAddr != cfg.RelayListenAddr() {
		line("HTTP       : ", cfg.HTTPListenAddr)
	}
	if cfg.MasterPassword != "" && !cfg.NoMaster {
		line("Master pass: ", redacted)
	}
	if cfg.NoMaster {
		b.WriteString("\nMaster server disabled.")
	} else {
		line("Master     : ", cfg.MasterURL)
	}
	if cfg.MaintenancePassword != "" {
		line("Maintenance: ", redacted)
	}
	if cfg.LogFile != "" {
		b.WriteString("\nLogging to " + cfg.LogFile)
	}
	if cfg.IPLimit > 0 {
		b.WriteString("\nHost rate limit is " + strconv.Itoa(cfg.IPLimit) + " slots per ip.")
	} else {
		b.WriteString("\nHost rate limit is disabled.")
	}
	return b.String()
}
