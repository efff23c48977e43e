package config

const (
	defaultStateDir             = "~/.local/share/routinesync"
	defaultLogDir               = "~/.local/share/routinesync/logs"
	defaultDownloadDir          = "~/Downloads"
	defaultAgentBind            = "127.0.0.1:7488"
	defaultBackendURL           = "http://localhost:3000"
	defaultBackendTimeout       = 15
	defaultKind                 = "habitos"
	defaultTitle                = "Sin título"
	defaultWeekday              = "lunes"
	defaultBackoffBaseSeconds   = 30
	defaultBackoffMaxSeconds    = 3600
	defaultSyncTag              = "sync-posts"
	defaultSyncIntervalSeconds  = 300
	defaultProbeIntervalSeconds = 15
	defaultProbeTimeoutSeconds  = 5
	defaultCacheVersion         = "v1.1"
	defaultShellPrefix          = "appShell"
	defaultDynamicPrefix        = "dynamic"
	defaultCacheOrigin          = "http://localhost:5173"
	defaultFallbackPath         = "/"
	defaultMaxEntryBytes        = 16 << 20
	defaultPushPermission       = "prompt"
	defaultPushServerURL        = "https://ntfy.sh"
	defaultApplicationServerKey = "BCttsQ8p3udf_sMFr_V2oxw6_w44Wq359S9z2ellDC3nSC_JgdfaoIzIKQd1Lva5bmrgq_EybozJlnAlPIuLIYU"
	defaultSubscriptionPath     = "/api/notificaciones/save-subscription"
	defaultPushTitle            = "Smart Routine"
	defaultPushBody             = "Tienes una nueva notificación."
	defaultPushIcon             = "/icons/icon-192.png"
	defaultOpenCommand          = "xdg-open"
	defaultNotifyTimeout        = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

func defaultShellAssets() []string {
	return []string{"/", "/manifest.json", "/icons/icon-192.png", "/icons/icon-512.png"}
}

func defaultKinds() map[string]string {
	return map[string]string{
		"habito":  defaultKind,
		"habitos": defaultKind,
		"posts":   defaultKind,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			DownloadDir: defaultDownloadDir,
		},
		Agent: Agent{
			Bind: defaultAgentBind,
		},
		Backend: Backend{
			BaseURL:        defaultBackendURL,
			TimeoutSeconds: defaultBackendTimeout,
		},
		Outbox: Outbox{
			DefaultKind:        defaultKind,
			Kinds:              defaultKinds(),
			DefaultTitle:       defaultTitle,
			DefaultWeekdays:    []string{defaultWeekday},
			BackoffBaseSeconds: defaultBackoffBaseSeconds,
			BackoffMaxSeconds:  defaultBackoffMaxSeconds,
		},
		Sync: Sync{
			Tag:             defaultSyncTag,
			IntervalSeconds: defaultSyncIntervalSeconds,
			DrainOnStart:    true,
		},
		Connectivity: Connectivity{
			ProbeIntervalSeconds: defaultProbeIntervalSeconds,
			ProbeTimeoutSeconds:  defaultProbeTimeoutSeconds,
			Netlink:              true,
		},
		Cache: Cache{
			Version:       defaultCacheVersion,
			ShellPrefix:   defaultShellPrefix,
			DynamicPrefix: defaultDynamicPrefix,
			Origin:        defaultCacheOrigin,
			ShellAssets:   defaultShellAssets(),
			FallbackPath:  defaultFallbackPath,
			MaxEntryBytes: defaultMaxEntryBytes,
		},
		Push: Push{
			Enabled:              true,
			Permission:           defaultPushPermission,
			ServerURL:            defaultPushServerURL,
			ApplicationServerKey: defaultApplicationServerKey,
			SubscriptionPath:     defaultSubscriptionPath,
			DefaultTitle:         defaultPushTitle,
			DefaultBody:          defaultPushBody,
			Icon:                 defaultPushIcon,
			OpenCommand:          defaultOpenCommand,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
