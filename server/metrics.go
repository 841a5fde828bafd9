package server

import (
	"strings"
	"time"
)

// PathRedactor is a function type for custom path redaction in logs.
// It takes a file path and returns a redacted version for privacy.
//
// Example:
//
//	// Redact middle components
//	func(path string) string {
//	    parts := strings.Split(path, "/")
//	    if len(parts) > 3 {
//	        for i := 2; i < len(parts)-1; i++ {
//	            parts[i] = "*"
//	        }
//	    }
//	    return strings.Join(parts, "/")
//	}
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can forward them to Prometheus, StatsD and the like.
//
// Methods are called from session and transfer goroutines and should not
// block.
type MetricsCollector interface {
	// RecordCommand records one dispatched command. success is true for
	// 1xx-3xx replies.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer. operation is the
	// command name; background transfers are reported as "BACKGROUND".
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt. reason is "accepted",
	// "global_limit_reached", "per_ip_limit_reached" or "setup_failed".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)
}

func (s *Server) redactPath(path string) string {
	if s.pathRedactor == nil || path == "" {
		return path
	}
	return s.pathRedactor(path)
}

// redactIP replaces the last group of an IPv4 or IPv6 address with "xxx".
func (s *Server) redactIP(ip string) string {
	if !s.redactIPs {
		return ip
	}
	if i := strings.LastIndexAny(ip, ".:"); i >= 0 {
		return ip[:i+1] + "xxx"
	}
	return ip
}
