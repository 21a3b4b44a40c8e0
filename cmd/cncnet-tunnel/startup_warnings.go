package main

import (
	"log/slog"
	"slices"

	"github.com/cncnet/cncnet-tunnel/internal/config"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
)

// minMaintenancePasswordLen is the shortest maintenance password that is not
// flagged. The password travels in the URL path.
const minMaintenancePasswordLen = 8

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Password == "" {
		logger.Warn("startup security warning: no tunnel password set; anyone can request slots",
			"warning_code", "no_password",
			"mode", cfg.Mode,
		)
	}

	if cfg.IPLimit <= 0 {
		logger.Warn("startup security warning: iplimit is disabled; one host can claim every slot",
			"warning_code", "ip_limit_disabled",
			"ip_limit", cfg.IPLimit,
			"max_clients", cfg.MaxClients,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaintenancePassword != "" && len(cfg.MaintenancePassword) < minMaintenancePasswordLen {
		logger.Warn("startup security warning: maintenance password is short and is sent in the URL path",
			"warning_code", "maintenance_password_short",
			"min_length", minMaintenancePasswordLen,
			"mode", cfg.Mode,
		)
	}

	if cfg.BindMatch == registry.MatchAddress {
		logger.Warn("startup security warning: bind-match=address lets any port on a bound IP send as that slot",
			"warning_code", "bind_match_address",
			"bind_match", cfg.BindMatch.String(),
			"mode", cfg.Mode,
		)
	}

	if cfg.Observer && slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed-origins contains '*' (any site can read /events)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DropLogsPerSecond <= 0 {
		logger.Warn("startup security warning: drop-logs-per-second is unlimited while --mode=prod (a packet flood becomes a log flood)",
			"warning_code", "drop_logs_unlimited_in_prod",
			"drop_logs_per_second", cfg.DropLogsPerSecond,
			"mode", cfg.Mode,
		)
	}
}
