package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
	"github.com/tis24dev/proxsync/pkg/utils"
)

// DefaultConfigPath is read when --config is not given. Its absence is not an error.
const DefaultConfigPath = "/etc/proxsync/proxsync.env"

// DefaultHostConfigPaths is the allowlist gathered into the pve-host bundle.
var DefaultHostConfigPaths = []string{
	"/etc/pve",
	"/etc/network/interfaces",
	"/etc/network/interfaces.d",
	"/etc/hosts",
	"/etc/hostname",
	"/etc/resolv.conf",
	"/etc/fstab",
	"/etc/vzdump.conf",
	"/etc/crontab",
	"/etc/cron.d",
	"/etc/sysctl.conf",
	"/etc/sysctl.d",
	"/etc/modprobe.d",
	"/etc/apt/sources.list",
	"/etc/apt/sources.list.d",
	"/etc/ssh/sshd_config",
	"/root/.ssh",
	"/var/lib/pve-cluster/config.db",
}

// Config is built once by LoadConfig and never mutated afterwards.
type Config struct {
	ConfigPath string

	// Logging
	DebugLevel types.LogLevel
	UseColor   bool
	LogPath    string

	// Layout
	BackupDir  string // canonical dump directory, lives on the storage host's share
	MountPoint string // mount point of the storage host's share
	StagingDir string // symlinks to the newest artifact per target
	ScratchDir string // local dump directory used while the storage host is down
	WorkDir    string // temporary area for host-config collection

	// Guests
	StorageHostID     int // 0 disables the storage-host handling
	DependentGuests   []int
	IndependentGuests []int
	VMGuests          []int // ids forced to qemu regardless of /etc/pve detection
	PVENode           string
	PVEConfigRoot     string
	VMStatusSource    string // "pvesh" or "qmp"
	QMPSocketDir      string
	StopPollInterval  time.Duration

	// Backup
	VzdumpMode        string
	HostConfigPaths   []string
	CompressionLevel  int
	EncryptHostConfig bool
	AgeRecipients     []string
	AgeRecipientFile  string

	// Retention
	RetentionKeep int

	// Storage host recovery
	MountWaitAttempts int
	MountWaitInterval time.Duration

	// Remote
	RcloneRemote          string
	RcloneBandwidthLimit  string
	RcloneHardDeleteFlags []string
	RcloneFlags           []string

	// Metrics
	MetricsEnabled bool
	MetricsPath    string

	// Preflight
	LockFile         string
	MaxLockAge       time.Duration
	MinScratchFreeGB float64
	FSTimeout        time.Duration // bound on filesystem calls against the share

	// Notifications
	NotifyOn        string // "always", "failure" or "never"
	WebhookURL      string
	WebhookFormat   string // "generic", "discord" or "slack"
	WebhookMethod   string
	WebhookAuth     string // "none", "bearer", "basic" or "hmac"
	WebhookToken    string
	WebhookUser     string
	WebhookPassword string
	WebhookSecret   string
	WebhookHeaders  map[string]string
	WebhookTimeout  time.Duration
	WebhookRetries  int
	GotifyURL       string
	GotifyToken     string
	GotifyPriority  [3]int // success, warning, failure

	raw map[string]string
}

// envKeys lists every key that may be overridden from the process environment.
var envKeys = []string{
	"DEBUG_LEVEL", "USE_COLOR", "LOG_PATH",
	"BACKUP_DIR", "MOUNT_POINT", "STAGING_DIR", "SCRATCH_DIR", "WORK_DIR",
	"STORAGE_HOST_ID", "DEPENDENT_GUESTS", "INDEPENDENT_GUESTS", "VM_GUESTS",
	"PVE_NODE", "PVE_CONFIG_ROOT", "VM_STATUS_SOURCE", "QMP_SOCKET_DIR", "STOP_POLL_INTERVAL",
	"VZDUMP_MODE", "HOST_CONFIG_PATHS", "COMPRESSION_LEVEL",
	"ENCRYPT_HOST_CONFIG", "AGE_RECIPIENT", "AGE_RECIPIENT_FILE",
	"RETENTION_KEEP", "MOUNT_WAIT_ATTEMPTS", "MOUNT_WAIT_INTERVAL",
	"RCLONE_REMOTE", "RCLONE_BANDWIDTH_LIMIT", "RCLONE_HARD_DELETE_FLAGS", "RCLONE_FLAGS",
	"METRICS_ENABLED", "METRICS_PATH",
	"LOCK_FILE", "MAX_LOCK_AGE", "MIN_SCRATCH_FREE_GB", "FS_TIMEOUT",
	"NOTIFY_ON", "WEBHOOK_URL", "WEBHOOK_FORMAT", "WEBHOOK_METHOD", "WEBHOOK_AUTH",
	"WEBHOOK_TOKEN", "WEBHOOK_USER", "WEBHOOK_PASSWORD", "WEBHOOK_SECRET", "WEBHOOK_HEADERS",
	"WEBHOOK_TIMEOUT", "WEBHOOK_RETRIES",
	"GOTIFY_URL", "GOTIFY_TOKEN", "GOTIFY_PRIORITY_SUCCESS", "GOTIFY_PRIORITY_WARNING", "GOTIFY_PRIORITY_FAILURE",
}

// LoadConfig reads the env file at configPath, applies environment overrides
// and fills defaults. When explicit is false a missing file falls back to the
// built-in defaults; an explicitly requested file must exist.
func LoadConfig(configPath string, explicit bool) (*Config, error) {
	raw := map[string]string{}
	if utils.FileExists(configPath) {
		values, err := godotenv.Read(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading configuration %s: %w", configPath, err)
		}
		raw = values
	} else if explicit {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        raw,
	}
	cfg.loadEnvOverrides()

	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

// loadEnvOverrides lets environment variables take precedence over the file.
func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	var err error

	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", logging.StdoutIsTerminal())
	c.LogPath = c.getString("LOG_PATH", "/var/log/proxsync")

	c.MountPoint = c.getString("MOUNT_POINT", "/mnt/pve/backup")
	c.BackupDir = c.getString("BACKUP_DIR", c.MountPoint+"/dump")
	c.StagingDir = c.getString("STAGING_DIR", "/var/lib/proxsync/staging")
	c.ScratchDir = c.getString("SCRATCH_DIR", "/var/lib/vz/dump")
	c.WorkDir = c.getString("WORK_DIR", "/var/tmp/proxsync")

	if c.StorageHostID, err = c.getStrictInt("STORAGE_HOST_ID", 0); err != nil {
		return err
	}
	if c.DependentGuests, err = c.getIntList("DEPENDENT_GUESTS", nil); err != nil {
		return err
	}
	if c.IndependentGuests, err = c.getIntList("INDEPENDENT_GUESTS", nil); err != nil {
		return err
	}
	if c.VMGuests, err = c.getIntList("VM_GUESTS", nil); err != nil {
		return err
	}
	c.PVENode = c.getString("PVE_NODE", "localhost")
	c.PVEConfigRoot = c.getString("PVE_CONFIG_ROOT", "/etc/pve")
	c.VMStatusSource = strings.ToLower(c.getString("VM_STATUS_SOURCE", "pvesh"))
	c.QMPSocketDir = c.getString("QMP_SOCKET_DIR", "/var/run/qemu-server")
	if c.StopPollInterval, err = c.getDuration("STOP_POLL_INTERVAL", 5*time.Second); err != nil {
		return err
	}

	c.VzdumpMode = c.getString("VZDUMP_MODE", "snapshot")
	c.HostConfigPaths = c.getStringSlice("HOST_CONFIG_PATHS", DefaultHostConfigPaths)
	c.CompressionLevel = c.ensurePositiveInt("COMPRESSION_LEVEL", 3)
	c.EncryptHostConfig = c.getBool("ENCRYPT_HOST_CONFIG", false)
	c.AgeRecipients = c.getStringSlice("AGE_RECIPIENT", nil)
	c.AgeRecipientFile = c.getString("AGE_RECIPIENT_FILE", "")

	if c.RetentionKeep, err = c.getStrictInt("RETENTION_KEEP", 3); err != nil {
		return err
	}
	if c.MountWaitAttempts, err = c.getStrictInt("MOUNT_WAIT_ATTEMPTS", 30); err != nil {
		return err
	}
	if c.MountWaitInterval, err = c.getDuration("MOUNT_WAIT_INTERVAL", 10*time.Second); err != nil {
		return err
	}

	c.RcloneRemote = c.getString("RCLONE_REMOTE", "")
	c.RcloneBandwidthLimit = c.getString("RCLONE_BANDWIDTH_LIMIT", "10M")
	c.RcloneHardDeleteFlags = c.getStringSlice("RCLONE_HARD_DELETE_FLAGS", []string{"--b2-hard-delete"})
	c.RcloneFlags = strings.Fields(c.getString("RCLONE_FLAGS", ""))

	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", "/var/lib/prometheus/node-exporter")

	c.LockFile = c.getString("LOCK_FILE", "/run/proxsync.lock")
	if c.MaxLockAge, err = c.getDuration("MAX_LOCK_AGE", 24*time.Hour); err != nil {
		return err
	}
	if c.MinScratchFreeGB, err = c.getFloat("MIN_SCRATCH_FREE_GB", 10); err != nil {
		return err
	}
	if c.FSTimeout, err = c.getDuration("FS_TIMEOUT", 30*time.Second); err != nil {
		return err
	}

	c.NotifyOn = strings.ToLower(c.getString("NOTIFY_ON", "always"))
	c.WebhookURL = c.getString("WEBHOOK_URL", "")
	c.WebhookFormat = strings.ToLower(c.getString("WEBHOOK_FORMAT", "generic"))
	c.WebhookMethod = strings.ToUpper(c.getString("WEBHOOK_METHOD", "POST"))
	c.WebhookAuth = strings.ToLower(c.getString("WEBHOOK_AUTH", "none"))
	c.WebhookToken = c.getString("WEBHOOK_TOKEN", "")
	c.WebhookUser = c.getString("WEBHOOK_USER", "")
	c.WebhookPassword = c.getString("WEBHOOK_PASSWORD", "")
	c.WebhookSecret = c.getString("WEBHOOK_SECRET", "")
	c.WebhookHeaders = c.getHeaders("WEBHOOK_HEADERS")
	if c.WebhookTimeout, err = c.getDuration("WEBHOOK_TIMEOUT", 30*time.Second); err != nil {
		return err
	}
	if c.WebhookRetries, err = c.getStrictInt("WEBHOOK_RETRIES", 3); err != nil {
		return err
	}
	c.GotifyURL = c.getString("GOTIFY_URL", "")
	c.GotifyToken = c.getString("GOTIFY_TOKEN", "")
	c.GotifyPriority = [3]int{
		c.ensurePositiveInt("GOTIFY_PRIORITY_SUCCESS", 2),
		c.ensurePositiveInt("GOTIFY_PRIORITY_WARNING", 5),
		c.ensurePositiveInt("GOTIFY_PRIORITY_FAILURE", 8),
	}

	return nil
}

// Validate checks the cross-field constraints the orchestrator relies on.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.RcloneRemote) == "" {
		errs = append(errs, errors.New("RCLONE_REMOTE must be set"))
	}
	if c.RetentionKeep < 1 {
		errs = append(errs, fmt.Errorf("RETENTION_KEEP must be at least 1 (got %d)", c.RetentionKeep))
	}
	if c.MountWaitAttempts < 1 {
		errs = append(errs, fmt.Errorf("MOUNT_WAIT_ATTEMPTS must be at least 1 (got %d)", c.MountWaitAttempts))
	}
	if c.StopPollInterval <= 0 || c.MountWaitInterval <= 0 {
		errs = append(errs, errors.New("polling intervals must be positive"))
	}
	switch c.VzdumpMode {
	case "snapshot", "suspend", "stop":
	default:
		errs = append(errs, fmt.Errorf("VZDUMP_MODE %q is not one of snapshot, suspend, stop", c.VzdumpMode))
	}
	switch c.VMStatusSource {
	case "pvesh", "qmp":
	default:
		errs = append(errs, fmt.Errorf("VM_STATUS_SOURCE %q is not one of pvesh, qmp", c.VMStatusSource))
	}
	if c.MinScratchFreeGB < 0 {
		errs = append(errs, fmt.Errorf("MIN_SCRATCH_FREE_GB must not be negative (got %g)", c.MinScratchFreeGB))
	}
	if c.MaxLockAge <= 0 {
		errs = append(errs, errors.New("MAX_LOCK_AGE must be positive"))
	}
	switch c.NotifyOn {
	case "always", "failure", "never":
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_ON %q is not one of always, failure, never", c.NotifyOn))
	}
	if c.WebhookURL != "" {
		switch c.WebhookFormat {
		case "generic", "discord", "slack":
		default:
			errs = append(errs, fmt.Errorf("WEBHOOK_FORMAT %q is not one of generic, discord, slack", c.WebhookFormat))
		}
		switch c.WebhookAuth {
		case "none", "":
		case "bearer":
			if c.WebhookToken == "" {
				errs = append(errs, errors.New("WEBHOOK_AUTH=bearer requires WEBHOOK_TOKEN"))
			}
		case "basic":
			if c.WebhookUser == "" || c.WebhookPassword == "" {
				errs = append(errs, errors.New("WEBHOOK_AUTH=basic requires WEBHOOK_USER and WEBHOOK_PASSWORD"))
			}
		case "hmac":
			if c.WebhookSecret == "" {
				errs = append(errs, errors.New("WEBHOOK_AUTH=hmac requires WEBHOOK_SECRET"))
			}
		default:
			errs = append(errs, fmt.Errorf("WEBHOOK_AUTH %q is not one of none, bearer, basic, hmac", c.WebhookAuth))
		}
	}
	if c.GotifyURL != "" && c.GotifyToken == "" {
		errs = append(errs, errors.New("GOTIFY_URL requires GOTIFY_TOKEN"))
	}
	if c.StorageHostID < 0 {
		errs = append(errs, fmt.Errorf("STORAGE_HOST_ID must not be negative (got %d)", c.StorageHostID))
	}
	if c.EncryptHostConfig && len(c.AgeRecipients) == 0 && c.AgeRecipientFile == "" {
		errs = append(errs, errors.New("ENCRYPT_HOST_CONFIG requires AGE_RECIPIENT or AGE_RECIPIENT_FILE"))
	}

	seen := map[int]string{}
	if c.StorageHostID > 0 {
		seen[c.StorageHostID] = "STORAGE_HOST_ID"
	}
	check := func(key string, ids []int) {
		for _, id := range ids {
			if id <= 0 {
				errs = append(errs, fmt.Errorf("%s contains invalid guest id %d", key, id))
				continue
			}
			if prev, ok := seen[id]; ok {
				errs = append(errs, fmt.Errorf("guest %d listed in both %s and %s", id, prev, key))
				continue
			}
			seen[id] = key
		}
	}
	check("DEPENDENT_GUESTS", c.DependentGuests)
	check("INDEPENDENT_GUESTS", c.IndependentGuests)

	return errors.Join(errs...)
}

// ManagedGuestIDs returns the storage host followed by dependents and independents.
func (c *Config) ManagedGuestIDs() []int {
	ids := make([]int, 0, 1+len(c.DependentGuests)+len(c.IndependentGuests))
	if c.StorageHostID > 0 {
		ids = append(ids, c.StorageHostID)
	}
	ids = append(ids, c.DependentGuests...)
	ids = append(ids, c.IndependentGuests...)
	return ids
}

// IsManaged reports whether id appears in any guest list.
func (c *Config) IsManaged(id int) bool {
	for _, managed := range c.ManagedGuestIDs() {
		if managed == id {
			return true
		}
	}
	return false
}

// Get returns the raw value of a key as read from file or environment.
func (c *Config) Get(key string) (string, bool) {
	val, ok := c.raw[key]
	return val, ok
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok && strings.TrimSpace(val) != "" {
		return os.ExpandEnv(strings.TrimSpace(val))
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if val, ok := c.raw[key]; ok && strings.TrimSpace(val) != "" {
		return utils.ParseBool(val)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	if val, ok := c.raw[key]; ok {
		if intVal, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getStrictInt is getInt for keys where a typo must not fall back to the default.
func (c *Config) getStrictInt(key string, defaultValue int) (int, error) {
	val := strings.TrimSpace(c.raw[key])
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return n, nil
}

func (c *Config) ensurePositiveInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value <= 0 {
		return defaultValue
	}
	return value
}

// getDuration accepts Go durations ("5s", "1m30s") or a bare number of seconds.
func (c *Config) getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val, ok := c.raw[key]
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, val)
	}
	return d, nil
}

func (c *Config) getFloat(key string, defaultValue float64) (float64, error) {
	val := strings.TrimSpace(c.raw[key])
	if val == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, val)
	}
	return f, nil
}

// getHeaders parses "Name: value" pairs separated by ; or newlines.
func (c *Config) getHeaders(key string) map[string]string {
	headers := map[string]string{}
	for _, part := range strings.FieldsFunc(c.raw[key], func(r rune) bool { return r == ';' || r == '\n' }) {
		name, value, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}

func (c *Config) getIntList(key string, defaultValue []int) ([]int, error) {
	val, ok := c.raw[key]
	if !ok || strings.TrimSpace(val) == "" {
		return append([]int(nil), defaultValue...), nil
	}

	var result []int
	for _, part := range splitList(val, " \t") {
		num, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid guest id %q", key, part)
		}
		result = append(result, num)
	}
	return result, nil
}

func (c *Config) getStringSlice(key string, defaultValue []string) []string {
	val, ok := c.raw[key]
	if !ok {
		return append([]string(nil), defaultValue...)
	}
	if strings.TrimSpace(val) == "" {
		return []string{}
	}
	return splitList(val, "")
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	val = strings.ToLower(strings.TrimSpace(val))
	switch val {
	case "standard":
		return types.LogLevelInfo
	case "advanced", "extreme":
		return types.LogLevelDebug
	}
	if level, ok := types.ParseLogLevel(val); ok {
		return level
	}
	return defaultValue
}

// splitList splits on , ; | and newlines, plus any extra separators, and strips quotes.
func splitList(val, extraSeparators string) []string {
	parts := strings.FieldsFunc(val, func(r rune) bool {
		return strings.ContainsRune(",;|\n", r) || strings.ContainsRune(extraSeparators, r)
	})
	var result []string
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
