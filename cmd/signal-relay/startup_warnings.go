package main

import (
	"log/slog"
	"strings"

	"github.com/bandofblades/signal-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !hasTURNServer(cfg.TraversalServers()) {
		logger.Warn("startup security warning: no TURN servers configured (peers behind symmetric NAT cannot connect)",
			"warning_code", "no_turn_servers_in_prod",
			"traversal_servers", len(cfg.TraversalServers()),
			"mode", cfg.Mode,
		)
	}

	// Warn if the signaling message cap is unusually large, since this weakens
	// the relay's oversized message flood hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func hasTURNServer(servers []config.TraversalServer) bool {
	for _, s := range servers {
		scheme, _, found := strings.Cut(s.URI, ":")
		if found && (strings.EqualFold(scheme, "turn") || strings.EqualFold(scheme, "turns")) {
			return true
		}
	}
	return false
}
