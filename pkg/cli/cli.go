// Package cli provides the cobra commands of censusctl.
package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/amirimatin/go-census/pkg/bootstrap"
	"github.com/amirimatin/go-census/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-census/pkg/security/tlsconfig"
	"github.com/amirimatin/go-census/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-census/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-census/pkg/transport/httpjson"
)

// AddAll attaches the census subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewCensusCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewFileCmd())
	root.AddCommand(NewFactCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
}

// NewRootCommand returns censusctl with every subcommand attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "censusctl",
		Short:         "census supervisor node and management client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddAll(root)
	return root
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a census node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(viper.New(), cmd.Flags(), cfgFile)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if cfg.Trace {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					return fmt.Errorf("tracing setup: %w", err)
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "census node %s running. Press Ctrl+C to exit.\n", cfg.NodeID)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, toml or json) declaring services")
	bootstrap.BindFlags(cmd.Flags())
	return cmd
}

// clientFlags are shared by every management client command.
type clientFlags struct {
	addr, proto                           string
	timeout                               time.Duration
	tlsEnable, tlsSkip                    bool
	tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (f *clientFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	fs.StringVar(&f.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	fs.DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
	fs.BoolVar(&f.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
	fs.StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	fs.StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
	fs.BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (transport.RPCClient, error) {
	var cliTLS *tls.Config
	if f.tlsEnable {
		topts := tlsx.Options{Enable: true, CAFile: f.tlsCA, CertFile: f.tlsCert, KeyFile: f.tlsKey, InsecureSkipVerify: f.tlsSkip, ServerName: f.tlsServerName}
		var err error
		if cliTLS, err = topts.Client(); err != nil {
			return nil, fmt.Errorf("tls client config: %w", err)
		}
	}
	switch f.proto {
	case "grpc":
		c := mgmtgrpc.NewClient(f.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	case "", "http":
		c := httpjson.NewClient(f.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown management protocol %q", f.proto)
	}
}

// call runs fn with a client and a request-scoped context.
func (f *clientFlags) call(fn func(ctx context.Context, c transport.RPCClient) error) error {
	c, err := f.client()
	if err != nil {
		return err
	}
	if cl, ok := c.(interface{ Close() }); ok {
		defer cl.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	return fn(ctx, c)
}

func writeRaw(w io.Writer, data []byte) {
	_, _ = w.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				data, err := c.GetStatus(ctx, cf.addr)
				if err != nil {
					return fmt.Errorf("status error: %w", err)
				}
				writeRaw(cmd.OutOrStdout(), data)
				return nil
			})
		},
	}
	cf.bind(cmd.Flags())
	return cmd
}

// NewCensusCmd returns the "census [service.group]" command.
func NewCensusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "census [service.group[@org]]",
		Short: "Fetch the census of one or all service groups as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req transport.CensusRequest
			if len(args) == 1 {
				req.ServiceGroup = args[0]
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				data, err := c.GetCensus(ctx, cf.addr, req)
				if err != nil {
					return fmt.Errorf("census error: %w", err)
				}
				writeRaw(cmd.OutOrStdout(), data)
				return nil
			})
		},
	}
	cf.bind(cmd.Flags())
	return cmd
}

// readBody reads path, or stdin when path is "-".
func readBody(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// NewConfigCmd returns "config apply".
func NewConfigCmd() *cobra.Command {
	parent := &cobra.Command{Use: "config", Short: "service configuration commands"}
	var (
		cf          clientFlags
		incarnation uint64
	)
	apply := &cobra.Command{
		Use:   "apply <service.group> <file|->",
		Short: "Publish a configuration document to a service group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args[1])
			if err != nil {
				return err
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				resp, err := c.PostConfig(ctx, cf.addr, transport.ApplyConfigRequest{ServiceGroup: args[0], Incarnation: incarnation, Body: body})
				if err != nil {
					return fmt.Errorf("config apply error: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	apply.Flags().Uint64Var(&incarnation, "incarnation", 0, "incarnation of the write (0 selects current+1)")
	cf.bind(apply.Flags())
	parent.AddCommand(apply)
	return parent
}

// NewFileCmd returns "file upload".
func NewFileCmd() *cobra.Command {
	parent := &cobra.Command{Use: "file", Short: "service file commands"}
	var (
		cf          clientFlags
		incarnation uint64
		name        string
	)
	upload := &cobra.Command{
		Use:   "upload <service.group> <file|->",
		Short: "Publish a file to every member of a service group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args[1])
			if err != nil {
				return err
			}
			fn := name
			if fn == "" {
				if args[1] == "-" {
					return fmt.Errorf("--name is required when reading stdin")
				}
				fn = filepath.Base(args[1])
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				resp, err := c.PostFile(ctx, cf.addr, transport.UploadFileRequest{ServiceGroup: args[0], Filename: fn, Incarnation: incarnation, Body: body})
				if err != nil {
					return fmt.Errorf("file upload error: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	upload.Flags().Uint64Var(&incarnation, "incarnation", 0, "incarnation of the write (0 selects current+1)")
	upload.Flags().StringVar(&name, "name", "", "file name on the members (default: base name of the source)")
	cf.bind(upload.Flags())
	parent.AddCommand(upload)
	return parent
}

// NewFactCmd returns "fact inject", a development aid that feeds an encoded
// fact envelope into a node's census.
func NewFactCmd() *cobra.Command {
	parent := &cobra.Command{Use: "fact", Short: "census fact commands (development)"}
	var (
		cf        clientFlags
		broadcast bool
	)
	inject := &cobra.Command{
		Use:   "inject <envelope.json|->",
		Short: `Inject a {"kind":..,"fact":..} envelope into a node`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args[0])
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return fmt.Errorf("envelope is not valid JSON")
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				resp, err := c.PostFact(ctx, cf.addr, transport.InjectFactRequest{Envelope: body, Broadcast: broadcast})
				if err != nil {
					return fmt.Errorf("fact inject error: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	inject.Flags().BoolVar(&broadcast, "broadcast", false, "also gossip the fact to the other members")
	cf.bind(inject.Flags())
	parent.AddCommand(inject)
	return parent
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	var (
		cf           clientFlags
		id, raftAddr string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Request to add a node to the raft voters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || raftAddr == "" {
				return fmt.Errorf("missing required flags: --id and --raft-addr")
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				resp, err := c.PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
				if err != nil {
					return fmt.Errorf("join error: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
	cf.bind(cmd.Flags())
	return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	var (
		cf clientFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Request to remove a node from the raft voters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: --id")
			}
			return cf.call(func(ctx context.Context, c transport.RPCClient) error {
				resp, err := c.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
				if err != nil {
					return fmt.Errorf("leave error: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
	cf.bind(cmd.Flags())
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
