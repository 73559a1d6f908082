package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	cns "github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/reconcile"
)

// EnvPrefix prefixes environment overrides: CENSUS_MGMT_ADDR for --mgmt-addr.
const EnvPrefix = "census"

// Config defines high-level inputs to assemble a census node with sensible
// defaults. Zero values select defaults. The mapstructure tags equal the flag
// names registered by BindFlags, so a config file, CENSUS_* variables and
// flags all address the same keys.
type Config struct {
	// Identity and addresses
	NodeID     string `mapstructure:"id"`
	RaftAddr   string `mapstructure:"raft-addr"`
	MemBind    string `mapstructure:"mem-bind"`
	MemAdv     string `mapstructure:"mem-adv"`
	Persistent bool   `mapstructure:"persistent"`

	// Management API (status/census/config/file/fact/join/leave/metrics)
	MgmtAddr  string `mapstructure:"mgmt-addr"`
	MgmtProto string `mapstructure:"mgmt-proto"` // "http" (default) or "grpc"

	// Discovery settings
	DiscoveryKind string        `mapstructure:"discovery"` // static (default), dns, file, etcd
	SeedsCSV      string        `mapstructure:"join"`
	DNSNamesCSV   string        `mapstructure:"dns-names"`
	DNSPort       int           `mapstructure:"dns-port"`
	DiscRefresh   time.Duration `mapstructure:"disc-refresh"`
	FilePath      string        `mapstructure:"file-path"`
	FileEnv       string        `mapstructure:"file-env"`
	EtcdEndpoints string        `mapstructure:"etcd-endpoints"`
	EtcdPrefix    string        `mapstructure:"etcd-prefix"`

	// Consensus
	DataDir   string `mapstructure:"data"` // empty → in-memory
	Bootstrap bool   `mapstructure:"bootstrap"`
	// JoinMgmt is a member's management address to request a voter seat from.
	JoinMgmt string `mapstructure:"join-mgmt"`

	// TLS (optional) for management API
	TLSEnable     bool   `mapstructure:"tls-enable"`
	TLSCA         string `mapstructure:"tls-ca"`
	TLSCert       string `mapstructure:"tls-cert"`
	TLSKey        string `mapstructure:"tls-key"`
	TLSServerName string `mapstructure:"tls-server-name"`
	TLSSkipVerify bool   `mapstructure:"tls-skip-verify"`

	// Logging and tracing
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	Trace     bool   `mapstructure:"trace"`

	ReconcileInterval time.Duration `mapstructure:"reconcile-interval"`
	RumorInterval     time.Duration `mapstructure:"rumor-interval"`
	WatchDefaults     bool          `mapstructure:"watch-defaults"`

	// Services are read from the config file only.
	Services []ServiceConfig `mapstructure:"services"`

	// Logger (optional). If nil, one is built from LogLevel/LogFormat.
	Logger *zap.Logger `mapstructure:"-"`
	// Supervisor (optional). If nil, the hooks of Services are run.
	Supervisor reconcile.Supervisor `mapstructure:"-"`
	// Renderer (optional), defaults to the JSON renderer.
	Renderer reconcile.Renderer `mapstructure:"-"`

	OnLeaderChange func(info cns.LeaderInfo) `mapstructure:"-"`
}

// ServiceConfig declares one supervised service in the config file.
type ServiceConfig struct {
	ServiceGroup string `mapstructure:"service-group"`
	Topology     string `mapstructure:"topology"`
	SvcRoot      string `mapstructure:"svc-root"`
	ConfigName   string `mapstructure:"config-name"`
	DefaultsFile string `mapstructure:"defaults"`
	User         string `mapstructure:"user"`
	Group        string `mapstructure:"group"`

	// Rumor
	Hostname     string `mapstructure:"hostname"`
	IP           string `mapstructure:"ip"`
	Port         int    `mapstructure:"port"`
	Exposes      []int  `mapstructure:"exposes"`
	PackageIdent string `mapstructure:"package-ident"`

	Hooks HookConfig `mapstructure:"hooks"`
}

// HookConfig holds shell command lines for the hook supervisor.
type HookConfig struct {
	Restart     string `mapstructure:"restart"`
	Reconfigure string `mapstructure:"reconfigure"`
	Initialize  string `mapstructure:"initialize"`
	FileUpdated string `mapstructure:"file-updated"`
}

// BindFlags registers the node flags on fs with their defaults.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("id", "", "node id (default: random uuid)")
	fs.String("raft-addr", "127.0.0.1:9520", "raft bind addr (tcp)")
	fs.String("mem-bind", "0.0.0.0:7946", "membership bind addr (host:port)")
	fs.String("mem-adv", "", "membership advertise addr (host:port, optional)")
	fs.Bool("persistent", false, "announce this member as persistent")
	fs.String("mgmt-addr", "127.0.0.1:17946", "management address (tcp), separate from membership port")
	fs.String("mgmt-proto", "http", "management RPC protocol: http|grpc")
	fs.String("discovery", "static", "discovery backend: static|dns|file|etcd")
	fs.String("join", "", "comma-separated seed nodes (host:port), used by discovery=static")
	fs.String("dns-names", "", "comma-separated DNS names or SRV records (e.g., _census._tcp.example.com)")
	fs.Int("dns-port", 7946, "port used for A/AAAA lookups")
	fs.Duration("disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	fs.String("file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	fs.String("file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	fs.String("etcd-endpoints", "", "comma-separated etcd endpoints, used by discovery=etcd")
	fs.String("etcd-prefix", "", "etcd key prefix for member registrations")
	fs.String("data", "", "raft data dir (empty keeps raft state in memory)")
	fs.Bool("bootstrap", false, "bootstrap single-node raft")
	fs.String("join-mgmt", "", "management address of a member to request a raft voter seat from")
	fs.Bool("tls-enable", false, "enable mTLS for management transport")
	fs.String("tls-ca", "", "path to CA cert (PEM)")
	fs.String("tls-cert", "", "path to node certificate (PEM)")
	fs.String("tls-key", "", "path to node private key (PEM)")
	fs.String("tls-server-name", "", "expected server name (for TLS validation)")
	fs.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.String("log-level", "info", "log level: debug|info|warn|error")
	fs.String("log-format", "console", "log format: console|json")
	fs.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
	fs.Duration("reconcile-interval", 5*time.Second, "reconcile retry interval")
	fs.Duration("rumor-interval", 30*time.Second, "service rumor re-broadcast interval")
	fs.Bool("watch-defaults", true, "reconcile when a package defaults file changes")
}

// LoadConfig merges an optional config file (YAML, TOML or JSON), CENSUS_*
// environment variables and the flags in fs, in increasing precedence for
// flags that were set explicitly. A missing node id is replaced by a random
// uuid.
func LoadConfig(v *viper.Viper, fs *pflag.FlagSet, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, err
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("bootstrap: read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("bootstrap: decode config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}
