package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "0.0.0.0:12345",
		},
		Hello: HelloConfig{
			SupportedVersions: []string{"2.0"},
			MaxFrameSize:      16384,
			Capabilities:      []string{"pipelining"},
		},
		Pool: PoolConfig{
			MaxConnections: 1024,
			OutboundQueue:  64,
			HandlerTimeout: Duration(5 * time.Second),
			IdleSessionTTL: Duration(10 * time.Minute),
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     "127.0.0.1:9600",
			HTTP2:       true,
			MetricsPath: "/metrics",
			HealthPath:  "/healthz",
			TapPath:     "/tap",
		},
		Trace: TraceConfig{
			Enabled: false,
			Dir:     "",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
